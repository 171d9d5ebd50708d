// Package health implements the weighted multi-component health scorer
// that feeds the circuit breaker and the dashboard.
package health

import (
	"sync"
	"time"
)

// Qualifying window: a component only contributes to the aggregate if it
// was updated within the last 120 seconds.
const qualifyWindow = 120 * time.Second

// Pre-weighted named components the core populates.
const (
	ComponentAPICredentials       = "api credentials"
	ComponentWebsocketConnectivity = "websocket connectivity"
	ComponentSymbolInfoLoaded     = "symbol info loaded"
	ComponentMarketDataFreshness  = "market data freshness"
	ComponentStrategyPnL          = "strategy pnl"
	ComponentSystemMemory         = "system memory"
	ComponentAPIPerformance       = "api performance"
	ComponentBotState             = "bot state"
)

// DefaultWeights are the pre-weighted components the core populates,
// exactly as the spec's table.
var DefaultWeights = map[string]float64{
	ComponentAPICredentials:        2.0,
	ComponentWebsocketConnectivity: 2.0,
	ComponentSymbolInfoLoaded:      1.8,
	ComponentMarketDataFreshness:   1.3,
	ComponentStrategyPnL:           1.5,
	ComponentSystemMemory:          1.5,
	ComponentAPIPerformance:        1.2,
	ComponentBotState:              1.0,
}

// Component is one named health signal.
type Component struct {
	Name      string
	Score     float64
	Weight    float64
	UpdatedAt time.Time
	Message   string
}

// Scorer holds an arbitrary set of named components and computes their
// weighted aggregate. It is pure save for its internal map: readers never
// block writers for longer than a point update.
type Scorer struct {
	mu         sync.RWMutex
	components map[string]*Component
	now        func() time.Time
}

// New creates a Scorer with the default pre-weighted components
// registered at score 1.0 (optimistic until the first real update).
func New() *Scorer {
	s := &Scorer{
		components: make(map[string]*Component, len(DefaultWeights)),
		now:        time.Now,
	}
	for name, weight := range DefaultWeights {
		s.components[name] = &Component{Name: name, Score: 1.0, Weight: weight}
	}
	return s
}

// Update sets a component's score and message, stamping it with the
// current time. Components not in DefaultWeights may be registered ad hoc
// by the circuit breaker's trigger predicates (weight defaults to 1.0 if
// previously unseen).
func (s *Scorer) Update(name string, score float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.components[name]
	if !ok {
		weight := DefaultWeights[name]
		if weight == 0 {
			weight = 1.0
		}
		c = &Component{Name: name, Weight: weight}
		s.components[name] = c
	}
	c.Score = clamp01(score)
	c.Message = message
	c.UpdatedAt = s.now()
}

// Aggregate computes Σ(score×weight)/Σ(weight) over components updated
// within the last 120s. Returns exactly 1.0 if no component qualifies —
// the average of zero components is undefined, so the scorer defines it
// as fully healthy rather than propagating a NaN.
func (s *Scorer) Aggregate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var weightedSum, weightTotal float64
	for _, c := range s.components {
		if c.UpdatedAt.IsZero() || now.Sub(c.UpdatedAt) > qualifyWindow {
			continue
		}
		weightedSum += c.Score * c.Weight
		weightTotal += c.Weight
	}
	if weightTotal == 0 {
		return 1.0
	}
	return weightedSum / weightTotal
}

// Snapshot returns a copy of every component, for the dashboard.
func (s *Scorer) Snapshot() []Component {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Component, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, *c)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
