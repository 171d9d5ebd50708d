package strategy

import (
	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

// MarketView is the read-only snapshot handed to a registered Hook. A hook
// can observe market and position state but has no submission handle and
// cannot mutate world state directly; any decision it makes flows back
// through its return value only.
type MarketView struct {
	Symbol      string
	Mid         decimal.Decimal
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Positions   map[types.PositionSide]types.Position
	OpenOrders  []types.Order
}

// Hook may replace or decorate the computed quote price and quantity for
// one tick. A hook that returns ok=false leaves the core computation
// untouched for that field. Hooks are assumed pure with respect to time
// and the given view; a hook panicking or misbehaving must never corrupt
// Maker's own state, so hooks are invoked with only a copy of state. A
// returned quote is placed only if its bid is strictly below its ask, as
// for the computed quote; a returned quantity is used as given, and zero
// skips that side.
type Hook interface {
	AdjustQuote(view MarketView, quote Quote) (adjusted Quote, ok bool)
	AdjustQuantity(view MarketView, side types.Side, qty decimal.Decimal) (adjusted decimal.Decimal, ok bool)
}

// RegisterHook adds a plug-in hook. Hooks run in registration order; the
// first one that returns ok=true for a given field wins and later hooks
// are skipped for that field on that tick.
func (m *Maker) RegisterHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Maker) snapshotHooks() []Hook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Hook(nil), m.hooks...)
}

func (m *Maker) applyQuoteHooks(view MarketView, quote Quote) Quote {
	for _, h := range m.snapshotHooks() {
		if adjusted, ok := h.AdjustQuote(view, quote); ok {
			return adjusted
		}
	}
	return quote
}

func (m *Maker) applyQuantityHooks(view MarketView, side types.Side, qty decimal.Decimal) decimal.Decimal {
	for _, h := range m.snapshotHooks() {
		if adjusted, ok := h.AdjustQuantity(view, side, qty); ok {
			return adjusted
		}
	}
	return qty
}
