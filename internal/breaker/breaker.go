// Package breaker implements the four-state circuit breaker that gates the
// strategy's trading decisions based on the aggregate health score and a
// handful of specific trigger predicates.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"perpmm/internal/health"
)

// State is one of the four severities, ordered so int comparison reflects
// severity (Normal is least severe).
type State int

const (
	Normal State = iota
	MinorPause
	MajorCancel
	CriticalShutdown
)

func (s State) String() string {
	switch s {
	case MinorPause:
		return "MinorPause"
	case MajorCancel:
		return "MajorCancel"
	case CriticalShutdown:
		return "CriticalShutdown"
	default:
		return "Normal"
	}
}

// Thresholds holds the three monotone thresholds T_minor > T_major >
// T_critical on the aggregate health score.
type Thresholds struct {
	Minor    float64
	Major    float64
	Critical float64
}

// DefaultThresholds matches the spec's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Minor: 0.6, Major: 0.4, Critical: 0.2}
}

// Valid reports whether the thresholds are monotone: critical <= major <=
// minor.
func (t Thresholds) Valid() bool {
	return t.Critical <= t.Major && t.Major <= t.Minor
}

// Predicates is the set of specific trigger inputs recomputed each cycle
// and pushed into the Health Scorer as components, per spec §4.F step 1.
type Predicates struct {
	AbnormalSpread    bool
	StaleData         bool
	LowOrderSuccess   bool
	MemoryOverLimit   bool
	PnLOverStopFraction bool
}

// CancelAller is the minimal surface the breaker needs to execute its
// entry action on MajorCancel. Implemented by the order lifecycle manager
// / exchange client.
type CancelAller interface {
	CancelAllOrders(ctx context.Context) error
}

// Breaker is the four-state circuit breaker. It is lock-guarded because
// Evaluate runs on a timer goroutine while State()/Activations() are read
// from the strategy loop and the dashboard concurrently.
type Breaker struct {
	mu    sync.Mutex
	state State

	thresholds Thresholds
	scorer     *health.Scorer
	canceller  CancelAller
	logger     *slog.Logger

	activations atomic.Uint64
	shutdown    atomic.Bool
}

// New creates a Breaker starting in Normal.
func New(thresholds Thresholds, scorer *health.Scorer, canceller CancelAller, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		state:      Normal,
		thresholds: thresholds,
		scorer:     scorer,
		canceller:  canceller,
		logger:     logger,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Activations returns the number of times the breaker has entered
// MajorCancel.
func (b *Breaker) Activations() uint64 {
	return b.activations.Load()
}

// ShutdownRequested reports whether the breaker has escalated to
// CriticalShutdown; the main task loop observes this and proceeds to
// orderly teardown.
func (b *Breaker) ShutdownRequested() bool {
	return b.shutdown.Load()
}

// Evaluate runs one evaluation cycle: pushes the given predicates into the
// health scorer as components, reads the aggregate, and transitions to the
// most severe state whose threshold the score falls below. A tripped
// PnLOverStopFraction predicate raises the target to at least MajorCancel.
// Severity is never silently downgraded without the aggregate recovering
// above T_minor (scenario 5 / monotone-severity invariant): a partial
// recovery holds the current state.
func (b *Breaker) Evaluate(ctx context.Context, p Predicates) State {
	b.pushPredicates(p)
	aggregate := b.scorer.Aggregate()

	target := b.classify(aggregate)
	if p.PnLOverStopFraction && target < MajorCancel {
		target = MajorCancel
	}

	b.mu.Lock()
	prev := b.state
	if target < prev && target != Normal {
		target = prev
	}
	b.state = target
	b.mu.Unlock()

	if prev != MajorCancel && target == MajorCancel {
		b.activations.Add(1)
		if b.canceller != nil {
			if err := b.canceller.CancelAllOrders(ctx); err != nil {
				b.logger.Warn("circuit breaker cancel-all failed on MajorCancel entry", "error", err)
			}
		}
	}
	if target == CriticalShutdown {
		b.shutdown.Store(true)
	}

	if target != prev {
		b.logger.Warn("circuit breaker transition", "from", prev.String(), "to", target.String(), "aggregate", aggregate)
	}
	return target
}

func (b *Breaker) classify(aggregate float64) State {
	switch {
	case aggregate < b.thresholds.Critical:
		return CriticalShutdown
	case aggregate < b.thresholds.Major:
		return MajorCancel
	case aggregate < b.thresholds.Minor:
		return MinorPause
	default:
		return Normal
	}
}

// pushPredicates pushes the breaker's five specific predicates as scorer
// components. Two of them (abnormal spread, order success rate) have no
// counterpart in the spec's named weighted-component table and fall back to
// the scorer's default weight; ComponentAPIPerformance is NOT pushed here —
// it tracks HTTP latency against the 3s budget and is driven directly by
// the coordinator from the exchange client's measured round-trip time.
func (b *Breaker) pushPredicates(p Predicates) {
	b.scorer.Update(health.ComponentSystemMemory, boolScore(!p.MemoryOverLimit), "")
	b.scorer.Update(health.ComponentStrategyPnL, boolScore(!p.PnLOverStopFraction), "")
	b.scorer.Update("abnormal spread", boolScore(!p.AbnormalSpread), "")
	b.scorer.Update(health.ComponentMarketDataFreshness, boolScore(!p.StaleData), "")
	b.scorer.Update("order success rate", boolScore(!p.LowOrderSuccess), "")
}

func boolScore(healthy bool) float64 {
	if healthy {
		return 1.0
	}
	return 0.0
}

// CanQuote reports whether the strategy may place new orders in the
// current state: Normal quotes freely, MinorPause skips new placements
// (existing orders stay), MajorCancel and CriticalShutdown do nothing.
func (b *Breaker) CanQuote() bool {
	s := b.State()
	return s == Normal
}

// ShouldKeepExisting reports whether existing orders should be left alone
// rather than reaped for the breaker's own reasons (MinorPause keeps
// existing orders; MajorCancel/CriticalShutdown already cancelled them).
func (b *Breaker) ShouldKeepExisting() bool {
	s := b.State()
	return s == Normal || s == MinorPause
}

// Run evaluates on a ticker until ctx is done, calling eval to compute the
// current predicates each cycle.
func (b *Breaker) Run(ctx context.Context, interval time.Duration, eval func() Predicates) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Evaluate(ctx, eval())
		}
	}
}
