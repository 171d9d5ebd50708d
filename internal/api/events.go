package api

import (
	"time"

	"perpmm/pkg/types"
)

// DashboardEvent is the wrapper for all events pushed to the dashboard.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "fill", "order", "position", "breaker"
	Timestamp time.Time   `json:"timestamp"`
	Symbol    string      `json:"symbol"`
	Data      interface{} `json:"data"`
}

// FillEvent represents a trade fill notification.
type FillEvent struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Qty             float64 `json:"qty"`
	RealizedSlippage float64 `json:"realized_slippage_fraction"`
}

// OrderEvent represents an order placement/cancellation/status change.
type OrderEvent struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	Status          string  `json:"status"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Qty             float64 `json:"qty"`
}

// PositionEvent is emitted when a position record changes.
type PositionEvent struct {
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	MidPrice      float64 `json:"mid_price"`
}

// BreakerEvent is emitted on every circuit-breaker state transition.
type BreakerEvent struct {
	State       string `json:"state"`
	Aggregate   float64 `json:"aggregate_health_score"`
	Activations uint64 `json:"activations"`
}

// QuoteEvent represents the current bid/ask quotes for the symbol.
type QuoteEvent struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
	MidPrice float64 `json:"mid_price"`
}

// NewFillEvent creates a fill event from an order-update event carrying a
// fill.
func NewFillEvent(evt types.WSOrderUpdateEvent, realizedSlippage float64) FillEvent {
	price, _ := evt.FillPrice.Float64()
	qty, _ := evt.FillQty.Float64()
	return FillEvent{
		ExchangeOrderID:  evt.ExchangeOrderID,
		Side:             string(evt.Side),
		Price:            price,
		Qty:              qty,
		RealizedSlippage: realizedSlippage,
	}
}

// NewOrderEvent creates an order event.
func NewOrderEvent(o types.Order) OrderEvent {
	price, _ := o.Price.Float64()
	qty, _ := o.Qty.Float64()
	return OrderEvent{
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          string(o.Status),
		Side:            string(o.Side),
		Price:           price,
		Qty:             qty,
	}
}

// NewPositionEvent creates a position event.
func NewPositionEvent(p types.Position, midPrice float64) PositionEvent {
	size, _ := p.Size.Float64()
	entry, _ := p.AvgEntryPrice.Float64()
	pnl, _ := p.UnrealizedPnL.Float64()
	return PositionEvent{
		Side:          string(p.Side),
		Size:          size,
		AvgEntryPrice: entry,
		UnrealizedPnL: pnl,
		MidPrice:      midPrice,
	}
}

// NewBreakerEvent creates a breaker transition event.
func NewBreakerEvent(state string, aggregate float64, activations uint64) BreakerEvent {
	return BreakerEvent{State: state, Aggregate: aggregate, Activations: activations}
}
