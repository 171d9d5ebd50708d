package strategy

import (
	"github.com/shopspring/decimal"
)

const (
	adaptiveQtyMultMin = 0.5
	adaptiveQtyMultMax = 2.0

	connectivityFloor = 0.2
	apiSuccessFloor    = 0.5
)

// QuantityInputs bundles everything computeQuoteQuantity needs to derive
// one side's order size for one tick.
type QuantityInputs struct {
	ConfiguredQuantity decimal.Decimal
	Balance            decimal.Decimal
	Mid                decimal.Decimal
	Price              decimal.Decimal // the side's own quote price, for the notional floor
	CapitalAllocationFraction decimal.Decimal
	MaxPositionFraction        decimal.Decimal
	StepSize                   decimal.Decimal
	MinQty                     decimal.Decimal
	MinNotional                decimal.Decimal

	AdaptiveQuantity  bool
	AvgRecentPnL      decimal.Decimal // proxy: current aggregate unrealized PnL
	PerformanceFactor float64

	EstimatedSlippage   float64 // estimate_slippage(side, base_qty)
	MaxSlippageFraction float64

	ConnectivityScore float64 // public+private websocket connectivity, [0,1]; see ws_connectivity_score
	APISuccessFraction float64
	APISuccessEnough   bool
}

// computeQuoteQuantity implements the five-step sizing rule from spec
// §4.G. Each step operates on the running quantity from the previous one.
func computeQuoteQuantity(in QuantityInputs) decimal.Decimal {
	if in.Mid.IsZero() || in.StepSize.IsZero() {
		return decimal.Zero
	}

	// Step 1: base quantity, quantized down to step size.
	qty := in.ConfiguredQuantity
	if !in.CapitalAllocationFraction.IsZero() {
		capLimit := in.Balance.Mul(in.CapitalAllocationFraction).Div(in.Mid)
		if capLimit.LessThan(qty) {
			qty = capLimit
		}
	}
	if !in.MaxPositionFraction.IsZero() {
		posLimit := in.Balance.Mul(in.MaxPositionFraction).Div(in.Mid)
		if posLimit.LessThan(qty) {
			qty = posLimit
		}
	}
	qty = quantizeDownToStep(qty, in.StepSize)

	// Step 2: adaptive-quantity performance scaling.
	if in.AdaptiveQuantity && !in.Balance.IsZero() {
		pnlFrac, _ := in.AvgRecentPnL.Div(in.Balance).Float64()
		mult := clampFloat(1+pnlFrac*in.PerformanceFactor, adaptiveQtyMultMin, adaptiveQtyMultMax)
		qty = qty.Mul(decimal.NewFromFloat(mult))
	}

	// Step 3: slippage-estimate scaling.
	if in.MaxSlippageFraction > 0 && in.EstimatedSlippage > in.MaxSlippageFraction {
		scale := in.MaxSlippageFraction / in.EstimatedSlippage
		qty = qty.Mul(decimal.NewFromFloat(scale))
	}

	// Step 4: connectivity / API-success scaling.
	connScale := in.ConnectivityScore
	if connScale < connectivityFloor {
		connScale = connectivityFloor
	}
	qty = qty.Mul(decimal.NewFromFloat(connScale))

	apiScale := 1.0
	if in.APISuccessEnough {
		apiScale = in.APISuccessFraction
		if apiScale < apiSuccessFloor {
			apiScale = apiSuccessFloor
		}
	}
	qty = qty.Mul(decimal.NewFromFloat(apiScale))

	// Step 5: enforce min_qty and min_notional, rounding up as needed.
	if qty.LessThan(in.MinQty) {
		qty = in.MinQty
	}
	qty = quantizeUpToStep(qty, in.StepSize)

	if !in.MinNotional.IsZero() && !in.Price.IsZero() {
		notional := qty.Mul(in.Price)
		if notional.LessThan(in.MinNotional) {
			needed := in.MinNotional.Div(in.Price)
			qty = quantizeUpToStep(needed, in.StepSize)
		}
	}

	return qty
}
