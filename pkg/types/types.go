// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order, position, and
// symbol metadata, order book snapshots, and WebSocket event payloads. It
// has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the other side, used when closing out a position.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType distinguishes limit and market orders; time-in-force follows
// from the type (GTC for Limit, IOC for Market).
type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

// TimeInForce returns the wire time-in-force value for this order type.
func (t OrderType) TimeInForce() string {
	if t == OrderTypeMarket {
		return "IOC"
	}
	return "GTC"
}

// OrderStatus is the last known status of an order record.
type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCanceled        OrderStatus = "Canceled"
	StatusRejected        OrderStatus = "Rejected"
	StatusDeactivated     OrderStatus = "Deactivated"
)

// IsTerminal reports whether an order in this status leaves the open-orders
// map.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusDeactivated:
		return true
	default:
		return false
	}
}

// PositionSide keys the positions map. Under hedge mode both Long and Short
// may coexist; under one-way mode only PositionNet is used.
type PositionSide string

const (
	PositionLong  PositionSide = "Long"
	PositionShort PositionSide = "Short"
	PositionNet   PositionSide = "Net"
)

// PositionMode selects hedge (Long+Short coexist) vs one-way (single net
// position, positionIdx omitted on placement).
type PositionMode string

const (
	PositionModeHedge  PositionMode = "hedge"
	PositionModeOneWay PositionMode = "one-way"
)

// PositionIdxForSide returns the exchange's positionIdx field for an order
// of the given side under hedge mode. One-way mode callers omit the field
// entirely rather than calling this.
func PositionIdxForSide(side Side) int {
	if side == Buy {
		return 1
	}
	return 2
}

// SymbolInfo is symbol metadata, loaded once via FetchSymbolInfo and held
// immutable thereafter.
type SymbolInfo struct {
	Symbol      string
	Category    string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinPrice    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// PriceLevel is one (price, quantity) row of a depth ladder.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Order is the order record keyed by exchange order id.
type Order struct {
	ExchangeOrderID string
	ClientOrderID   string // fresh UUID per order
	Symbol          string
	Side            Side
	Type            OrderType
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
}

// Age returns how long the order has been open as of now.
func (o *Order) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// Position is the position record keyed by side.
type Position struct {
	Side             PositionSide
	Size             decimal.Decimal
	AvgEntryPrice    decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         float64
	LiquidationPrice decimal.Decimal
	UpdatedAt        time.Time
}

// PnLFraction computes the resolved PnL percentage for this position at
// the given mark price: (current-entry)/entry for longs, (entry-current)/
// entry for shorts. The position-value-denominator variant is a known
// bug in an earlier revision and is not implemented here.
func (p *Position) PnLFraction(mark decimal.Decimal) decimal.Decimal {
	if p.AvgEntryPrice.IsZero() {
		return decimal.Zero
	}
	if p.Side == PositionShort {
		return p.AvgEntryPrice.Sub(mark).Div(p.AvgEntryPrice)
	}
	return mark.Sub(p.AvgEntryPrice).Div(p.AvgEntryPrice)
}

// WalletSnapshot is the wallet/balance state.
type WalletSnapshot struct {
	Available decimal.Decimal
	UpdatedAt time.Time
}

// SessionStats holds monotonic session counters. Mutation is the owning
// component's responsibility; this type does no locking of its own.
type SessionStats struct {
	OrdersPlaced        uint64
	OrdersFilled        uint64
	OrdersCanceled      uint64
	OrdersRejected      uint64
	RebalancesExecuted  uint64
	BreakerActivations  uint64
	SlippageEvents      uint64
	CumulativeVolume    decimal.Decimal
	PeakPnL             decimal.Decimal
	MaxDrawdownFraction decimal.Decimal
}

// WSEventKind discriminates the tagged union of websocket event variants:
// dynamic string-topic dispatch in the source system becomes a tagged enum
// parsed once at the transport boundary.
type WSEventKind string

const (
	WSOrderbookDepth WSEventKind = "OrderbookDepth"
	WSOrderUpdate    WSEventKind = "OrderUpdate"
	WSPositionUpdate WSEventKind = "PositionUpdate"
	WSWalletUpdate   WSEventKind = "WalletUpdate"
	WSPing           WSEventKind = "Ping"
	WSPong           WSEventKind = "Pong"
)

// WSEvent is the parsed, structured form every raw websocket frame is
// converted into exactly once at the transport boundary. Only the field
// matching Kind is populated.
type WSEvent struct {
	Kind     WSEventKind
	Depth    *WSOrderbookDepthEvent
	Order    *WSOrderUpdateEvent
	Position *WSPositionUpdateEvent
	Wallet   *WSWalletUpdateEvent
}

// WSOrderbookDepthEvent is a public-channel depth snapshot or delta.
type WSOrderbookDepthEvent struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// WSOrderUpdateEvent is a private-channel order status change.
type WSOrderUpdateEvent struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
	FillPrice       decimal.Decimal
	FillQty         decimal.Decimal
	Status          OrderStatus
	Timestamp       time.Time
}

// WSPositionUpdateEvent is a private-channel position replacement.
type WSPositionUpdateEvent struct {
	Symbol           string
	Side             PositionSide
	Size             decimal.Decimal
	AvgEntryPrice    decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         float64
	LiquidationPrice decimal.Decimal
	Timestamp        time.Time
}

// WSWalletUpdateEvent is a private-channel balance update.
type WSWalletUpdateEvent struct {
	Available decimal.Decimal
	Timestamp time.Time
}

// QuotePair is the pair of (optionally absent) intended orders for one
// strategy tick.
type QuotePair struct {
	Bid *Order
	Ask *Order
}

// ConnState is a websocket channel's connection-state variable.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}
