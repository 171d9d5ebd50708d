package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

// volatilityScaleFactor converts relative mid-price volatility (stddev /
// mean over the sample window) into the volatility sub-multiplier's
// linear term before clamping.
const volatilityScaleFactor = 20.0

const (
	volatilityMultMin = 0.5
	volatilityMultMax = 3.0

	bookImbalanceWeight = 0.8

	apiSuccessLowFraction  = 0.5
	apiSuccessHighFraction = 0.8
	apiSuccessLowMult      = 1.5
	apiSuccessHighMult     = 0.8

	marketImpactWeight = 2.0

	spreadSafetyMargin = 1.5
)

// volatilityMultiplier estimates spread widening from the standard
// deviation of recent mid-price samples relative to their mean, clamped to
// [0.5, 3.0]. Fewer than 2 samples yields the neutral multiplier.
func volatilityMultiplier(samples []float64) float64 {
	if len(samples) < 2 {
		return 1.0
	}

	mean := 0.0
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))
	if mean == 0 {
		return 1.0
	}

	variance := 0.0
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	stddev := math.Sqrt(variance)

	relVol := stddev / mean
	return clampFloat(1+relVol*volatilityScaleFactor, volatilityMultMin, volatilityMultMax)
}

// bookImbalanceMultiplier widens the spread proportionally to top-K depth
// skew: 1 + 0.8 × |bids−asks|/(bids+asks).
func bookImbalanceMultiplier(bidVol, askVol decimal.Decimal) float64 {
	total := bidVol.Add(askVol)
	if total.IsZero() {
		return 1.0
	}
	diff := bidVol.Sub(askVol).Abs()
	ratio, _ := diff.Div(total).Float64()
	return 1 + bookImbalanceWeight*ratio
}

// apiSuccessMultiplier widens the spread when the recent API success
// fraction is poor and tightens it when the API is performing very well.
// An outcome window with too few samples to be meaningful is treated as
// neutral.
func apiSuccessMultiplier(fraction float64, enough bool) float64 {
	if !enough {
		return 1.0
	}
	switch {
	case fraction < apiSuccessLowFraction:
		return apiSuccessLowMult
	case fraction > apiSuccessHighFraction:
		return apiSuccessHighMult
	default:
		return 1.0
	}
}

// marketImpactMultiplier widens the spread in proportion to how adverse
// recent realized fills have been: 1 + 2 × average_recent_slippage.
func marketImpactMultiplier(avgRecentSlippage float64) float64 {
	return 1 + marketImpactWeight*avgRecentSlippage
}

// SpreadInputs bundles the independent sub-multiplier inputs for one quote
// computation.
type SpreadInputs struct {
	VolatilityAdjustment bool
	PriceHistory         []float64 // oldest-first mid-price samples, up to 20
	BidVolume            decimal.Decimal
	AskVolume            decimal.Decimal
	APISuccessFraction   float64
	APISuccessEnough     bool
	AvgRecentSlippage    float64
}

// spreadMultiplier is the product of the four sub-multipliers, or exactly
// 1.0 when volatility adjustment is disabled.
func spreadMultiplier(in SpreadInputs) float64 {
	if !in.VolatilityAdjustment {
		return 1.0
	}
	return volatilityMultiplier(in.PriceHistory) *
		bookImbalanceMultiplier(in.BidVolume, in.AskVolume) *
		apiSuccessMultiplier(in.APISuccessFraction, in.APISuccessEnough) *
		marketImpactMultiplier(in.AvgRecentSlippage)
}

// Quote is one tick's computed target bid/ask price pair. Ok is false
// (and Bid/Ask are zero) when the quote is suppressed because the bid
// would not be strictly below the ask; order sizes are not part of it.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
	Ok  bool // false means suppress this tick entirely
}

// computeQuotePrice derives the bid/ask pair per spec: a symmetric target
// spread around mid, tightened to one tick inside the opposing best. If
// the tightened bid would not land strictly below the tightened ask, the
// quote is suppressed.
func computeQuotePrice(mid, bestBid, bestAsk, tickSize decimal.Decimal, baseSpread float64, in SpreadInputs) Quote {
	if mid.IsZero() || tickSize.IsZero() {
		return Quote{Ok: false}
	}

	mult := spreadMultiplier(in)
	tickRel, _ := tickSize.Div(mid).Float64()
	spread := math.Max(baseSpread*mult, tickRel*spreadSafetyMargin)

	targetBid := mid.Mul(decimal.NewFromFloat(1 - spread))
	targetAsk := mid.Mul(decimal.NewFromFloat(1 + spread))

	targetBid = quantizeDownToStep(targetBid, tickSize)
	targetAsk = quantizeUpToStep(targetAsk, tickSize)

	bid := targetBid
	if !bestBid.IsZero() {
		floor := bestBid.Add(tickSize)
		if floor.GreaterThan(bid) {
			bid = floor
		}
	}
	ask := targetAsk
	if !bestAsk.IsZero() {
		ceil := bestAsk.Sub(tickSize)
		if ceil.LessThan(ask) {
			ask = ceil
		}
	}

	if !bid.LessThan(ask) {
		return Quote{Ok: false}
	}
	return Quote{Bid: bid, Ask: ask, Ok: true}
}

// quantizeDownToStep floors v to the nearest multiple of step.
func quantizeDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	n := v.Div(step)
	return n.Floor().Mul(step)
}

// quantizeUpToStep ceils v to the nearest multiple of step.
func quantizeUpToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	n := v.Div(step)
	return n.Ceil().Mul(step)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// sideVolume sums the quantity column of a depth ladder.
func sideVolume(levels []types.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Qty)
	}
	return total
}
