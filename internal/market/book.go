// Package market implements the Market-Data Ingestor: it consumes the
// public depth stream, maintains the top-of-book and depth ladder for the
// configured symbol, and exposes the derived queries the strategy needs
// (depth ratio, slippage estimate, freshness/data-quality score).
package market

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

const (
	historySize = 200 // bounded ring buffer length for price/spread history
)

// priceSample is one entry of the price-history ring buffer.
type priceSample struct {
	timestamp     time.Time
	mid, bid, ask decimal.Decimal
	relSpread     float64
}

// Ingestor maintains the local mirror of the order book for a single
// symbol and the history/quality signals the strategy reads from it.
type Ingestor struct {
	mu sync.RWMutex

	symbol string
	depth  int // K, configurable, default 5

	bestBid, bestAsk, mid decimal.Decimal
	bids, asks            []types.PriceLevel // depth ladder, bounded to depth

	updated       time.Time
	lastLatency   time.Duration
	qualityScore  float64 // decaying freshness score, clamped [0,1]
	spreadDegraded    bool
	abnormalThreshold float64

	history     [historySize]priceSample
	historyHead int
	historyLen  int

	recentSlippage []float64 // last 5 realized slippage samples, oldest first

	logger *slog.Logger
}

// New creates an Ingestor for the given symbol with a depth ladder of the
// given size (K).
func New(symbol string, depth int, logger *slog.Logger) *Ingestor {
	if depth <= 0 {
		depth = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		symbol:       symbol,
		depth:        depth,
		qualityScore: 1.0,
		logger:       logger,
	}
}

// HandleMessage applies one public-channel depth event. Rows with
// non-positive price or quantity are rejected; rows beyond the configured
// depth are discarded. Malformed messages (no usable levels on either
// side) are logged and scored down but never stop the stream.
func (in *Ingestor) HandleMessage(evt *types.WSOrderbookDepthEvent) {
	start := time.Now()

	bids := filterLevels(evt.Bids, in.depth)
	asks := filterLevels(evt.Asks, in.depth)

	if len(bids) == 0 && len(asks) == 0 {
		in.logger.Warn("malformed orderbook message: no valid levels", "symbol", evt.Symbol)
		in.mu.Lock()
		in.qualityScore = clamp01(in.qualityScore - 0.05)
		in.mu.Unlock()
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if len(bids) > 0 {
		in.bids = bids
		in.bestBid = bids[0].Price
	}
	if len(asks) > 0 {
		in.asks = asks
		in.bestAsk = asks[0].Price
	}

	if !in.bestBid.IsZero() && !in.bestAsk.IsZero() {
		in.mid = in.bestBid.Add(in.bestAsk).Div(decimal.NewFromInt(2))
	}

	now := time.Now()
	in.updated = now
	in.lastLatency = now.Sub(start)
	in.qualityScore = clamp01(in.qualityScore + 0.01)

	in.appendHistoryLocked(now)
	in.checkAbnormalSpreadLocked()
}

func filterLevels(levels []types.PriceLevel, depth int) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, depth)
	for _, lvl := range levels {
		if lvl.Price.Sign() <= 0 || lvl.Qty.Sign() <= 0 {
			continue
		}
		out = append(out, lvl)
		if len(out) == depth {
			break
		}
	}
	return out
}

func (in *Ingestor) appendHistoryLocked(now time.Time) {
	relSpread := 0.0
	if !in.mid.IsZero() {
		relSpread, _ = in.bestAsk.Sub(in.bestBid).Div(in.mid).Float64()
	}
	in.history[in.historyHead] = priceSample{
		timestamp: now,
		mid:       in.mid,
		bid:       in.bestBid,
		ask:       in.bestAsk,
		relSpread: relSpread,
	}
	in.historyHead = (in.historyHead + 1) % historySize
	if in.historyLen < historySize {
		in.historyLen++
	}
}

// SetAbnormalSpreadThreshold configures the threshold used by
// checkAbnormalSpreadLocked; exposed so the strategy/config layer can wire
// a hot-reloaded value through.
func (in *Ingestor) SetAbnormalSpreadThreshold(threshold float64) {
	in.mu.Lock()
	in.abnormalThreshold = threshold
	in.mu.Unlock()
}

func (in *Ingestor) checkAbnormalSpreadLocked() {
	if in.mid.IsZero() || in.abnormalThreshold <= 0 {
		in.spreadDegraded = false
		return
	}
	relSpread, _ := in.bestAsk.Sub(in.bestBid).Div(in.mid).Float64()
	in.spreadDegraded = relSpread > in.abnormalThreshold
}

// SpreadDegraded reports whether the most recent message flagged an
// abnormal spread (feeds the "spread quality" / circuit breaker predicate).
func (in *Ingestor) SpreadDegraded() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.spreadDegraded
}

// Snapshot is a read-only copy of the current book state.
type Snapshot struct {
	Symbol  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Mid     decimal.Decimal
	Bids    []types.PriceLevel
	Asks    []types.PriceLevel
	Updated time.Time
}

// Snapshot returns a copy of the current top-of-book and depth ladder.
func (in *Ingestor) Snapshot() Snapshot {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return Snapshot{
		Symbol:  in.symbol,
		BestBid: in.bestBid,
		BestAsk: in.bestAsk,
		Mid:     in.mid,
		Bids:    append([]types.PriceLevel(nil), in.bids...),
		Asks:    append([]types.PriceLevel(nil), in.asks...),
		Updated: in.updated,
	}
}

// Mid returns the current mid price; zero if no book has loaded yet.
func (in *Ingestor) Mid() decimal.Decimal {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.mid
}

// IsFresh returns true iff mid > 0 and the book was updated within maxAge.
// As a side effect it nudges the decaying data-quality score: +0.01 when
// fresh, -0.05 when stale, clamped to [0,1].
func (in *Ingestor) IsFresh(maxAge time.Duration) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	fresh := !in.mid.IsZero() && !in.updated.IsZero() && time.Since(in.updated) <= maxAge
	if fresh {
		in.qualityScore = clamp01(in.qualityScore + 0.01)
	} else {
		in.qualityScore = clamp01(in.qualityScore - 0.05)
	}
	return fresh
}

// QualityScore returns the current decaying data-quality score, feeding the
// "market data freshness" health component.
func (in *Ingestor) QualityScore() float64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.qualityScore
}

// LastLatency returns the processing latency of the most recent message.
func (in *Ingestor) LastLatency() time.Duration {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lastLatency
}

// DepthRatio is total-bid-volume / total-ask-volume over the current
// ladder: +Inf if only bids, 0 if only asks, 1 if empty.
func (in *Ingestor) DepthRatio() float64 {
	in.mu.RLock()
	defer in.mu.RUnlock()

	bidVol := sumQty(in.bids)
	askVol := sumQty(in.asks)

	switch {
	case bidVol.IsZero() && askVol.IsZero():
		return 1
	case askVol.IsZero():
		return math.Inf(1)
	case bidVol.IsZero():
		return 0
	}
	ratio, _ := bidVol.Div(askVol).Float64()
	return ratio
}

func sumQty(levels []types.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Qty)
	}
	return total
}

// EstimateSlippage walks the matching depth ladder for the given side and
// quantity, returning the relative deviation of the volume-weighted
// average fill price versus the best price on that side. Returns 1.0 (the
// "exhausted" sentinel) if the ladder cannot absorb the full quantity.
func (in *Ingestor) EstimateSlippage(side types.Side, qty decimal.Decimal) float64 {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var ladder []types.PriceLevel
	if side == types.Buy {
		ladder = in.asks // a buy walks up the ask side
	} else {
		ladder = in.bids
	}
	if len(ladder) == 0 || qty.Sign() <= 0 {
		return 1.0
	}
	best := ladder[0].Price
	if best.IsZero() {
		return 1.0
	}

	remaining := qty
	notional := decimal.Zero
	filled := decimal.Zero
	for _, lvl := range ladder {
		take := lvl.Qty
		if take.GreaterThan(remaining) {
			take = remaining
		}
		notional = notional.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if remaining.Sign() <= 0 {
			break
		}
	}
	if remaining.Sign() > 0 {
		return 1.0 // ladder exhausted before absorbing the full quantity
	}

	vwap := notional.Div(filled)
	deviation, _ := vwap.Sub(best).Div(best).Float64()
	if deviation < 0 {
		deviation = -deviation
	}
	return deviation
}

// PriceHistorySamples returns up to n of the most recent mid-price samples,
// oldest first, for the strategy's volatility estimator.
func (in *Ingestor) PriceHistorySamples(n int) []float64 {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if n > in.historyLen {
		n = in.historyLen
	}
	out := make([]float64, 0, n)
	for i := in.historyLen - n; i < in.historyLen; i++ {
		idx := (in.historyHead - in.historyLen + i + historySize) % historySize
		mid, _ := in.history[idx].mid.Float64()
		out = append(out, mid)
	}
	return out
}

// RecordSlippageSample appends a realized slippage observation for the
// market-impact sub-multiplier, keeping only the last 5.
func (in *Ingestor) RecordSlippageSample(slippage float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.recentSlippage = append(in.recentSlippage, slippage)
	if len(in.recentSlippage) > 5 {
		in.recentSlippage = in.recentSlippage[len(in.recentSlippage)-5:]
	}
}

// AverageRecentSlippage returns the mean of up to the last 5 realized
// slippage samples, or 0 if none have been recorded.
func (in *Ingestor) AverageRecentSlippage() float64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if len(in.recentSlippage) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range in.recentSlippage {
		sum += s
	}
	return sum / float64(len(in.recentSlippage))
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

