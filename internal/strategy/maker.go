// Package strategy implements the market-making strategy: per-tick quote
// pricing and sizing, placement, stale-order reaping, inventory
// rebalance, and PnL stops for a single symbol.
//
// Per-tick flow (every tick interval, default ~700ms): stale-order
// reaping, inventory rebalance, new-quote placement. A separate task
// polls positions on its own 5s cadence for PnL stops.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpmm/internal/config"
	"perpmm/internal/exchange"
	"perpmm/internal/journal"
	"perpmm/internal/market"
	"perpmm/pkg/types"
)

const (
	rebalanceCooldown  = 30 * time.Second
	rebalancePauseTime = 1 * time.Second
	pnlStopInterval    = 5 * time.Second
)

// BookView is the subset of market.Ingestor the strategy reads from.
type BookView interface {
	Mid() decimal.Decimal
	Snapshot() market.Snapshot
	PriceHistorySamples(n int) []float64
	AverageRecentSlippage() float64
	EstimateSlippage(side types.Side, qty decimal.Decimal) float64
	QualityScore() float64
}

// OrdersView is the subset of orders.Manager the strategy reads from and
// optimistically updates.
type OrdersView interface {
	OpenOrders() []types.Order
	Positions() map[types.PositionSide]types.Position
	RecordRebalance()
	MarkCancelledLocally(exchangeOrderID string)
	ClearOpenLocally()
}

// ExchangeClient is the subset of exchange.Client the strategy issues
// mutating calls through.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchWalletBalance(ctx context.Context) (types.WalletSnapshot, error)
}

// RateSource is the subset of ratelimit.Limiter the strategy reads from.
type RateSource interface {
	SuccessFraction() (fraction float64, enough bool)
}

// Maker runs the market-making strategy for one symbol. It owns no
// connection or book state directly; those are injected via narrow
// interfaces so the strategy is testable without any live exchange.
type Maker struct {
	symbol string
	info   types.SymbolInfo
	cfg    atomic.Pointer[config.StrategyConfig]

	book    BookView
	orders  OrdersView
	client  ExchangeClient
	limiter RateSource
	journal *journal.Journal
	logger  *slog.Logger

	canQuote     func() bool    // nil means always true; wired to breaker.CanQuote
	connectivity func() float64 // nil means always 1.0; wired to the coordinator's ws_connectivity_score

	mu            sync.Mutex
	hooks         []Hook
	lastRebalance time.Time

	pnlStopFailed atomic.Bool
}

// New creates a Maker for one symbol.
func New(symbol string, info types.SymbolInfo, cfg config.StrategyConfig, book BookView, orders OrdersView, client ExchangeClient, limiter RateSource, j *journal.Journal, canQuote func() bool, connectivity func() float64, logger *slog.Logger) *Maker {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maker{
		symbol:       symbol,
		info:         info,
		book:         book,
		orders:       orders,
		client:       client,
		limiter:      limiter,
		journal:      j,
		canQuote:     canQuote,
		connectivity: connectivity,
		logger:       logger.With("component", "strategy", "symbol", symbol),
	}
	m.cfg.Store(&cfg)
	return m
}

// connectivityScore reports the live ws_connectivity_score, defaulting to
// fully connected when no source is wired (e.g. in tests).
func (m *Maker) connectivityScore() float64 {
	if m.connectivity == nil {
		return 1.0
	}
	return m.connectivity()
}

// config returns the current strategy config snapshot. Reload via
// UpdateConfig swaps the pointer atomically so an in-flight tick always
// sees one consistent, whole snapshot.
func (m *Maker) config() config.StrategyConfig {
	return *m.cfg.Load()
}

// UpdateConfig installs a new validated config snapshot for the strategy
// to use starting with its next tick.
func (m *Maker) UpdateConfig(cfg config.StrategyConfig) {
	m.cfg.Store(&cfg)
}

// CancelAllOrders satisfies breaker.CancelAller: the Maker itself is the
// breaker's cancel-all action on entering MajorCancel.
func (m *Maker) CancelAllOrders(ctx context.Context) error {
	if err := m.client.CancelAllOrders(ctx, m.symbol); err != nil {
		return err
	}
	m.orders.ClearOpenLocally()
	return nil
}

// Run ticks the strategy at cfg.TickInterval until ctx is cancelled.
func (m *Maker) Run(ctx context.Context) {
	interval := m.config().TickInterval
	if interval <= 0 {
		interval = 700 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("strategy started", "tick_interval", interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("strategy stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one strategy cycle: stale-order reaping, inventory rebalance,
// then new-quote placement.
func (m *Maker) Tick(ctx context.Context) {
	now := time.Now()
	m.reapStaleOrders(ctx, now)
	m.rebalanceCheck(ctx, now)

	if m.canQuote != nil && !m.canQuote() {
		return
	}
	m.placeQuotes(ctx)
}

// reapStaleOrders cancels any open order whose age exceeds
// order_lifespan_seconds or whose price has drifted from mid by more than
// price_threshold_fraction. Cancel errors are swallowed; the order will
// be reconciled on the next HTTP poll or stream event.
func (m *Maker) reapStaleOrders(ctx context.Context, now time.Time) {
	cfg := m.config()
	mid := m.book.Mid()
	lifespan := time.Duration(cfg.OrderLifespanSeconds) * time.Second

	for _, o := range m.orders.OpenOrders() {
		stale := lifespan > 0 && o.Age(now) > lifespan
		deviated := false
		if !mid.IsZero() && !o.Price.IsZero() {
			dev, _ := o.Price.Sub(mid).Div(mid).Abs().Float64()
			deviated = dev > cfg.PriceThresholdFraction
		}
		if !stale && !deviated {
			continue
		}

		if err := m.client.CancelOrder(ctx, m.symbol, o.ExchangeOrderID); err != nil {
			m.logger.Warn("reap stale order: cancel failed", "order_id", o.ExchangeOrderID, "error", err)
			continue
		}
		m.orders.MarkCancelledLocally(o.ExchangeOrderID)
		m.logger.Info("reaped stale order", "order_id", o.ExchangeOrderID, "stale", stale, "deviated", deviated)
	}
}

// rebalanceCheck cancels all open orders and submits a closing order when
// net inventory exceeds the configured threshold and the cooldown since
// the previous rebalance has elapsed.
func (m *Maker) rebalanceCheck(ctx context.Context, now time.Time) {
	cfg := m.config()
	threshold, err := decimal.NewFromString(cfg.RebalanceThresholdQty)
	if err != nil || threshold.IsZero() {
		return
	}

	positions := m.orders.Positions()
	long := positions[types.PositionLong].Size
	short := positions[types.PositionShort].Size
	net := long.Sub(short)

	if net.Abs().LessThanOrEqual(threshold) {
		return
	}

	cooldown := cfg.RebalanceCooldown
	if cooldown <= 0 {
		cooldown = rebalanceCooldown
	}
	m.mu.Lock()
	last := m.lastRebalance
	m.mu.Unlock()
	if !last.IsZero() && now.Sub(last) < cooldown {
		return
	}

	if err := m.CancelAllOrders(ctx); err != nil {
		m.logger.Warn("rebalance: cancel all orders failed, will retry next tick", "error", err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(rebalancePauseTime):
	}

	side := types.Sell
	if net.IsNegative() {
		side = types.Buy
	}
	qty := net.Abs()

	req := exchange.PlaceOrderRequest{
		Symbol:      m.symbol,
		Side:        side,
		Type:        types.OrderTypeMarket,
		Qty:         qty,
		PositionIdx: m.positionIdx(cfg, side),
	}
	if cfg.RebalanceOrderType == "Limit" {
		snap := m.book.Snapshot()
		opposite := snap.BestAsk
		offsetSign := decimal.NewFromFloat(1 + cfg.RebalanceOffset)
		if side == types.Sell {
			opposite = snap.BestBid
			offsetSign = decimal.NewFromFloat(1 - cfg.RebalanceOffset)
		}
		req.Type = types.OrderTypeLimit
		req.Price = opposite.Mul(offsetSign)
	}
	req.ClientOrderID = uuid.NewString()

	if _, err := m.client.PlaceOrder(ctx, req); err != nil {
		m.logger.Warn("rebalance: closing order failed, will retry next tick", "error", err)
		return
	}

	m.mu.Lock()
	m.lastRebalance = now
	m.mu.Unlock()
	m.orders.RecordRebalance()
	m.logger.Info("inventory rebalanced", "side", side, "qty", qty)
}

// placeQuotes computes the desired bid/ask for this tick and places
// whichever sides the placement policy permits.
func (m *Maker) placeQuotes(ctx context.Context) {
	cfg := m.config()
	mid := m.book.Mid()
	if mid.IsZero() {
		return
	}
	snap := m.book.Snapshot()

	balance, err := m.client.FetchWalletBalance(ctx)
	if err != nil {
		m.logger.Warn("fetch wallet balance failed", "error", err)
		return
	}

	apiFrac, apiEnough := m.limiter.SuccessFraction()
	spreadIn := SpreadInputs{
		VolatilityAdjustment: cfg.VolatilityAdjustment,
		PriceHistory:         m.book.PriceHistorySamples(20),
		BidVolume:            sideVolume(snap.Bids),
		AskVolume:            sideVolume(snap.Asks),
		APISuccessFraction:   apiFrac,
		APISuccessEnough:     apiEnough,
		AvgRecentSlippage:    m.book.AverageRecentSlippage(),
	}

	quote := computeQuotePrice(mid, snap.BestBid, snap.BestAsk, m.info.TickSize, cfg.BaseSpread, spreadIn)

	positions := m.orders.Positions()
	view := MarketView{
		Symbol:     m.symbol,
		Mid:        mid,
		BestBid:    snap.BestBid,
		BestAsk:    snap.BestAsk,
		Positions:  positions,
		OpenOrders: m.orders.OpenOrders(),
	}
	quote = m.applyQuoteHooks(view, quote)
	if !quote.Ok || !quote.Bid.LessThan(quote.Ask) {
		return
	}

	open := view.OpenOrders
	hasBuy, hasSell := false, false
	for _, o := range open {
		if o.Side == types.Buy {
			hasBuy = true
		}
		if o.Side == types.Sell {
			hasSell = true
		}
	}

	configuredQty, _ := decimal.NewFromString(cfg.BaseQuantity)
	recentPnL := decimal.Zero
	for _, p := range positions {
		recentPnL = recentPnL.Add(p.UnrealizedPnL)
	}

	if !hasBuy && len(open) < cfg.MaxOpenOrders {
		qty := m.sideQuantity(cfg, types.Buy, quote.Bid, mid, configuredQty, balance.Available, recentPnL, view)
		if !qty.IsZero() {
			m.submitOrder(ctx, types.Buy, quote.Bid, qty)
		}
	}
	if !hasSell && len(open) < cfg.MaxOpenOrders {
		qty := m.sideQuantity(cfg, types.Sell, quote.Ask, mid, configuredQty, balance.Available, recentPnL, view)
		if !qty.IsZero() {
			m.submitOrder(ctx, types.Sell, quote.Ask, qty)
		}
	}
}

func (m *Maker) sideQuantity(cfg config.StrategyConfig, side types.Side, price, mid, configuredQty, balance, recentPnL decimal.Decimal, view MarketView) decimal.Decimal {
	capFrac := decimal.NewFromFloat(cfg.CapitalAllocationFraction)
	posFrac := decimal.NewFromFloat(cfg.MaxPositionFraction)

	baseForEstimate := configuredQty
	estimate := m.book.EstimateSlippage(side, baseForEstimate)

	in := QuantityInputs{
		ConfiguredQuantity:        configuredQty,
		Balance:                   balance,
		Mid:                       mid,
		Price:                     price,
		CapitalAllocationFraction: capFrac,
		MaxPositionFraction:       posFrac,
		StepSize:                  m.info.StepSize,
		MinQty:                    m.info.MinQty,
		MinNotional:               m.info.MinNotional,
		AdaptiveQuantity:          cfg.AdaptiveQuantity,
		AvgRecentPnL:              recentPnL,
		PerformanceFactor:         cfg.PerformanceFactor,
		EstimatedSlippage:         estimate,
		MaxSlippageFraction:       cfg.MaxSlippageFraction,
		ConnectivityScore:         m.connectivityScore(),
	}
	in.APISuccessFraction, in.APISuccessEnough = m.limiter.SuccessFraction()

	qty := computeQuoteQuantity(in)
	return m.applyQuantityHooks(view, side, qty)
}

// positionIdx returns the exchange positionIdx for an order under the
// configured position mode: 0 (omitted) in one-way mode, per-side under
// hedge mode.
func (m *Maker) positionIdx(cfg config.StrategyConfig, side types.Side) int {
	if cfg.PositionMode != string(types.PositionModeHedge) {
		return 0
	}
	return types.PositionIdxForSide(side)
}

func (m *Maker) submitOrder(ctx context.Context, side types.Side, price, qty decimal.Decimal) {
	req := exchange.PlaceOrderRequest{
		Symbol:        m.symbol,
		Side:          side,
		Type:          types.OrderTypeLimit,
		Price:         price,
		Qty:           qty,
		ClientOrderID: uuid.NewString(),
		PositionIdx:   m.positionIdx(m.config(), side),
	}
	if _, err := m.client.PlaceOrder(ctx, req); err != nil {
		m.logger.Warn("place order failed", "side", side, "price", price, "qty", qty, "error", err)
		return
	}
	m.logger.Debug("order placed", "side", side, "price", price, "qty", qty)
}

// RunPnLStops polls positions every 5s and closes out any whose PnL
// fraction has crossed the stop-loss or profit-take threshold.
func (m *Maker) RunPnLStops(ctx context.Context) {
	ticker := time.NewTicker(pnlStopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkPnLStops(ctx)
		}
	}
}

// checkPnLStops evaluates the stop/take thresholds for each open position.
// A failure to submit the closing order sets pnlStopFailed, which the
// engine's breaker-predicate closure reads to escalate the circuit
// breaker to MajorCancel.
func (m *Maker) checkPnLStops(ctx context.Context) {
	cfg := m.config()
	mid := m.book.Mid()
	if mid.IsZero() {
		return
	}

	failed := false
	for _, p := range m.orders.Positions() {
		if p.Size.IsZero() {
			continue
		}
		frac, _ := p.PnLFraction(mid).Float64()

		trigger := frac <= -cfg.StopLossFraction || frac >= cfg.ProfitTakeFraction
		if !trigger {
			continue
		}

		if err := m.CancelAllOrders(ctx); err != nil {
			m.logger.Warn("pnl stop: cancel all orders failed", "error", err)
			failed = true
			continue
		}

		side := types.Sell
		if p.Side == types.PositionShort {
			side = types.Buy
		}
		req := exchange.PlaceOrderRequest{
			Symbol:        m.symbol,
			Side:          side,
			Type:          types.OrderTypeMarket,
			Qty:           p.Size,
			ClientOrderID: uuid.NewString(),
			PositionIdx:   m.positionIdx(cfg, side),
		}
		if _, err := m.client.PlaceOrder(ctx, req); err != nil {
			m.logger.Error("pnl stop: closing order failed", "error", err, "side", p.Side, "pnl_fraction", frac)
			failed = true
			continue
		}
		m.logger.Warn("pnl stop triggered", "side", p.Side, "pnl_fraction", frac)
	}
	m.pnlStopFailed.Store(failed)
}

// PnLStopFailed reports whether the most recent PnL-stop cycle failed to
// submit a required closing order.
func (m *Maker) PnLStopFailed() bool {
	return m.pnlStopFailed.Load()
}
