// Package orders implements the order lifecycle manager: the single
// owner of open-order and position state for the configured symbol.
//
// Two input paths feed it: HandleStreamEvent, driven by the private
// WebSocket channel (preferred, low latency), and Reconcile, a periodic
// HTTP poll that takes over declaratively whenever the private feed is
// not connected. Both paths converge on the same maps, guarded by one
// mutex.
package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/journal"
	"perpmm/pkg/types"
)

// Fetcher is the subset of the exchange REST client Reconcile needs. A
// narrow interface keeps this package testable without a live exchange.
type Fetcher interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchPositions(ctx context.Context, symbol string) ([]types.Position, error)
}

// Manager owns the open-orders and positions state for one symbol.
type Manager struct {
	symbol              string
	maxSlippageFraction decimal.Decimal
	journal             *journal.Journal
	fetcher             Fetcher
	logger              *slog.Logger

	mu        sync.RWMutex
	open      map[string]*types.Order
	positions map[types.PositionSide]*types.Position
	stats     types.SessionStats
}

// New creates a Manager for the given symbol. journal may be nil (fills
// are then not recorded to disk, only counted).
func New(symbol string, maxSlippageFraction decimal.Decimal, j *journal.Journal, fetcher Fetcher, logger *slog.Logger) *Manager {
	return &Manager{
		symbol:              symbol,
		maxSlippageFraction: maxSlippageFraction,
		journal:             j,
		fetcher:             fetcher,
		logger:              logger.With("component", "orders"),
		open:                make(map[string]*types.Order),
		positions:           make(map[types.PositionSide]*types.Position),
	}
}

// HandleStreamEvent applies one private-channel event to local state.
func (m *Manager) HandleStreamEvent(evt types.WSEvent) {
	switch evt.Kind {
	case types.WSOrderUpdate:
		if evt.Order != nil {
			m.applyOrderUpdate(evt.Order)
		}
	case types.WSPositionUpdate:
		if evt.Position != nil {
			m.applyPositionUpdate(evt.Position)
		}
	}
}

// applyOrderUpdate applies one order status transition. Applying the same
// terminal status to an order no longer tracked is a verified no-op: the
// order was already removed on its first terminal transition, and a
// duplicate or late-arriving event must not resurrect or double-count it.
func (m *Manager) applyOrderUpdate(evt *types.WSOrderUpdateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, tracked := m.open[evt.ExchangeOrderID]
	if !tracked {
		if evt.Status.IsTerminal() {
			return
		}
		existing = &types.Order{
			ExchangeOrderID: evt.ExchangeOrderID,
			ClientOrderID:   evt.ClientOrderID,
			Symbol:          evt.Symbol,
			Side:            evt.Side,
			Price:           evt.Price,
			Qty:             evt.Qty,
			Status:          evt.Status,
			CreatedAt:       evt.Timestamp,
		}
		m.open[evt.ExchangeOrderID] = existing
		m.stats.OrdersPlaced++
	}

	existing.Status = evt.Status

	if evt.Status == types.StatusFilled {
		m.recordFillLocked(existing, evt)
	}

	if evt.Status.IsTerminal() {
		delete(m.open, evt.ExchangeOrderID)
		switch evt.Status {
		case types.StatusFilled:
			m.stats.OrdersFilled++
		case types.StatusCanceled, types.StatusDeactivated:
			m.stats.OrdersCanceled++
		case types.StatusRejected:
			m.stats.OrdersRejected++
		}
	}
}

// recordFillLocked computes signed realized slippage, bumps the slippage
// counter past the configured threshold, and emits a journal record. The
// sign is flipped for Sell so adverse fills are positive on both sides.
func (m *Manager) recordFillLocked(o *types.Order, evt *types.WSOrderUpdateEvent) {
	slippage := decimal.Zero
	if !o.Price.IsZero() {
		diff := evt.FillPrice.Sub(o.Price).Div(o.Price)
		if o.Side == types.Sell {
			diff = diff.Neg()
		}
		slippage = diff
	}
	if slippage.Abs().GreaterThan(m.maxSlippageFraction) {
		m.stats.SlippageEvents++
	}
	m.stats.CumulativeVolume = m.stats.CumulativeVolume.Add(evt.FillQty.Mul(evt.FillPrice))

	if m.journal == nil {
		return
	}
	rec := journal.Record{
		WallClock:        time.Now(),
		ExchangeOrderID:  o.ExchangeOrderID,
		ClientOrderID:    o.ClientOrderID,
		Symbol:           o.Symbol,
		Side:             o.Side,
		FillPrice:        evt.FillPrice.String(),
		FillQty:          evt.FillQty.String(),
		RealizedSlippage: slippage.String(),
		Event:            journal.EventFilled,
	}
	if err := m.journal.Append(rec); err != nil {
		m.logger.Error("append journal record", "error", err)
	}
}

// applyPositionUpdate replaces one side's position record wholesale; a
// zero size removes it. After every replacement it sums unrealized PnL
// across sides into session stats and updates peak PnL / max drawdown.
func (m *Manager) applyPositionUpdate(evt *types.WSPositionUpdateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if evt.Size.IsZero() {
		delete(m.positions, evt.Side)
	} else {
		m.positions[evt.Side] = &types.Position{
			Side:             evt.Side,
			Size:             evt.Size,
			AvgEntryPrice:    evt.AvgEntryPrice,
			UnrealizedPnL:    evt.UnrealizedPnL,
			Leverage:         evt.Leverage,
			LiquidationPrice: evt.LiquidationPrice,
			UpdatedAt:        evt.Timestamp,
		}
	}
	m.recomputePnLLocked()
}

func (m *Manager) recomputePnLLocked() {
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	if total.GreaterThan(m.stats.PeakPnL) {
		m.stats.PeakPnL = total
	}
	if m.stats.PeakPnL.IsPositive() {
		drawdown := m.stats.PeakPnL.Sub(total).Div(m.stats.PeakPnL)
		if drawdown.GreaterThan(m.stats.MaxDrawdownFraction) {
			m.stats.MaxDrawdownFraction = drawdown
		}
	}
}

// Reconcile runs a periodic HTTP poll that declaratively replaces local
// state whenever the private stream is not connected. connState is
// typically exchange.WSFeed.State for the private feed.
func (m *Manager) Reconcile(ctx context.Context, interval time.Duration, connState func() types.ConnState) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if connState() == types.Connected {
				continue
			}
			m.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce replaces (never merges) the open-orders and positions maps
// from the HTTP response, so an order whose terminal event was missed
// never lingers as a ghost.
func (m *Manager) reconcileOnce(ctx context.Context) {
	orders, err := m.fetcher.FetchOpenOrders(ctx, m.symbol)
	if err != nil {
		m.logger.Warn("reconcile: fetch open orders", "error", err)
		return
	}
	positions, err := m.fetcher.FetchPositions(ctx, m.symbol)
	if err != nil {
		m.logger.Warn("reconcile: fetch positions", "error", err)
		return
	}

	newOpen := make(map[string]*types.Order, len(orders))
	for i := range orders {
		o := orders[i]
		newOpen[o.ExchangeOrderID] = &o
	}
	newPositions := make(map[types.PositionSide]*types.Position, len(positions))
	for i := range positions {
		p := positions[i]
		if !p.Size.IsZero() {
			newPositions[p.Side] = &p
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = newOpen
	m.positions = newPositions
	m.recomputePnLLocked()
}

// OpenOrders returns a snapshot slice of currently-open orders.
func (m *Manager) OpenOrders() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, *o)
	}
	return out
}

// MarkCancelledLocally removes an order from the open map optimistically,
// immediately after a successful cancel REST call, ahead of the
// confirming stream event or next reconciliation poll.
func (m *Manager) MarkCancelledLocally(exchangeOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[exchangeOrderID]; ok {
		delete(m.open, exchangeOrderID)
		m.stats.OrdersCanceled++
	}
}

// ClearOpenLocally empties the open-orders map optimistically after a
// successful cancel-all call, ahead of the confirming stream events.
func (m *Manager) ClearOpenLocally() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.OrdersCanceled += uint64(len(m.open))
	m.open = make(map[string]*types.Order)
}

// Positions returns a snapshot of the current position records.
func (m *Manager) Positions() map[types.PositionSide]types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.PositionSide]types.Position, len(m.positions))
	for side, p := range m.positions {
		out[side] = *p
	}
	return out
}

// Stats returns a snapshot of the session counters.
func (m *Manager) Stats() types.SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// RecordRebalance bumps the rebalance counter. Called by the strategy after
// a successful inventory-rebalance closing order submission.
func (m *Manager) RecordRebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.RebalancesExecuted++
}
