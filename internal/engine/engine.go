// Package engine is the central orchestrator of the market-making bot.
//
// It wires together every subsystem for the single configured symbol:
//
//  1. Two WebSocket feeds (public market data, private account events)
//     dispatch into the order book ingestor and the order lifecycle
//     manager.
//  2. The order lifecycle manager reconciles against the REST API on a
//     timer whenever the private feed is disconnected.
//  3. The health scorer aggregates component scores; the circuit
//     breaker evaluates them against thresholds and gates the strategy.
//  4. The strategy goroutine quotes, reaps stale orders, rebalances
//     inventory, and watches its own PnL stops on a separate cadence.
//
// Lifecycle: New() → Start() → [runs until ctx cancellation] → Stop()
package engine

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/api"
	"perpmm/internal/breaker"
	"perpmm/internal/config"
	"perpmm/internal/exchange"
	"perpmm/internal/health"
	"perpmm/internal/journal"
	"perpmm/internal/market"
	"perpmm/internal/orders"
	"perpmm/internal/ratelimit"
	"perpmm/internal/strategy"
	"perpmm/pkg/types"
)

// Coordinator orchestrates every component for the single traded symbol.
// It owns the lifecycle of all goroutines and is the dashboard's snapshot
// provider.
type Coordinator struct {
	cfg        config.Config
	symbolInfo types.SymbolInfo
	logger     *slog.Logger

	auth    *exchange.Auth
	client  *exchange.Client
	limiter *ratelimit.Limiter

	book    *market.Ingestor
	orders  *orders.Manager
	journal *journal.Journal
	scorer  *health.Scorer
	breaker *breaker.Breaker
	maker   *strategy.Maker

	publicFeed  *exchange.WSFeed
	privateFeed *exchange.WSFeed

	watcher *config.Watcher

	dashboardEvents chan api.DashboardEvent

	runState atomic.Int32 // botState*, the coordinator's own lifecycle tag

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// botState* are the coarse lifecycle tags behind ComponentBotState.
const (
	botStateStarting int32 = iota
	botStateRunning
	botStateStopping
	botStateStopped
)

func botStateScore(s int32) float64 {
	switch s {
	case botStateRunning:
		return 1.0
	case botStateStarting, botStateStopping:
		return 0.5
	default:
		return 0.0
	}
}

func botStateLabel(s int32) string {
	switch s {
	case botStateRunning:
		return "running"
	case botStateStarting:
		return "starting"
	case botStateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// New wires every component for cfg.Strategy.Symbol. cfgPath is the config
// file backing the hot-reload watcher.
func New(cfg config.Config, cfgPath string, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	auth := exchange.NewAuth(exchange.Credentials{APIKey: cfg.API.APIKey, Secret: cfg.API.Secret})
	limiter := ratelimit.New(cfg.RateLimit.Base, cfg.RateLimit.Burst)
	client := exchange.NewClient(cfg.API.RESTBaseURL, auth, limiter, cfg.DryRun, logger)

	symbolInfo, err := client.FetchSymbolInfo(context.Background(), cfg.Strategy.Symbol, cfg.Strategy.Category)
	if err != nil {
		return nil, err
	}

	book := market.New(cfg.Strategy.Symbol, cfg.Strategy.DepthLevels, logger)
	book.SetAbnormalSpreadThreshold(cfg.Strategy.AbnormalSpreadThreshold)

	j, err := journal.Open(cfg.Journal.DataDir)
	if err != nil {
		return nil, err
	}

	maxSlippage := decimal.NewFromFloat(cfg.Strategy.MaxSlippageFraction)
	mgr := orders.New(cfg.Strategy.Symbol, maxSlippage, j, client, logger)

	scorer := health.New()

	// The breaker needs the maker as its CancelAller, and the maker needs
	// the breaker's CanQuote as a gate. Resolve the cycle with a forward
	// declaration: the closure below captures brk by reference, and brk
	// is only ever called after Start(), by which point it is assigned.
	var brk *breaker.Breaker
	canQuote := func() bool {
		if brk == nil {
			return true
		}
		return brk.CanQuote()
	}

	// connectivity sources the strategy's ws_connectivity_score from the two
	// feeds below, which (like brk/coord) do not exist yet at this point;
	// the closure is only ever invoked after Start().
	var pubFeed, privFeed *exchange.WSFeed
	connectivity := func() float64 {
		if pubFeed == nil || privFeed == nil {
			return 1.0
		}
		if pubFeed.State() == types.Connected && privFeed.State() == types.Connected {
			return 1.0
		}
		return 0.0
	}

	maker := strategy.New(cfg.Strategy.Symbol, symbolInfo, cfg.Strategy, book, mgr, client, limiter, j, canQuote, connectivity, logger)

	thresholds := breaker.Thresholds{
		Minor:    cfg.Breaker.ThresholdMinor,
		Major:    cfg.Breaker.ThresholdMajor,
		Critical: cfg.Breaker.ThresholdCritical,
	}
	brk = breaker.New(thresholds, scorer, maker, logger)

	// The feed handler dispatches into the coordinator itself, which does
	// not exist yet at feed-construction time. coord is assigned below,
	// before either feed's Run is ever called.
	var coord *Coordinator
	handler := func(evt types.WSEvent) { coord.handleWSEvent(evt) }

	publicFeed := exchange.NewPublicFeed(cfg.API.WSPublicURL, cfg.Strategy.Symbol, cfg.Strategy.DepthLevels, handler, logger)
	privateFeed := exchange.NewPrivateFeed(cfg.API.WSPrivateURL, auth, handler, logger)
	pubFeed, privFeed = publicFeed, privateFeed

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 256)
	}

	ctx, cancel := context.WithCancel(context.Background())

	coord = &Coordinator{
		cfg:             cfg,
		symbolInfo:      symbolInfo,
		logger:          logger.With("component", "engine", "symbol", cfg.Strategy.Symbol),
		auth:            auth,
		client:          client,
		limiter:         limiter,
		book:            book,
		orders:          mgr,
		journal:         j,
		scorer:          scorer,
		breaker:         brk,
		maker:           maker,
		publicFeed:      publicFeed,
		privateFeed:     privateFeed,
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}

	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, coord.onConfigChange)
		if err != nil {
			logger.Warn("config hot-reload watcher disabled", "error", err)
		} else {
			coord.watcher = watcher
		}
	}

	scorer.Update(health.ComponentSymbolInfoLoaded, 1.0, "")
	scorer.Update(health.ComponentAPICredentials, boolScore(auth.HasCredentials()), "")
	coord.runState.Store(botStateStarting)
	scorer.Update(health.ComponentBotState, botStateScore(botStateStarting), botStateLabel(botStateStarting))

	return coord, nil
}

// Start launches every background goroutine.
func (c *Coordinator) Start() error {
	c.runState.Store(botStateRunning)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.publicFeed.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.privateFeed.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.orders.Reconcile(c.ctx, c.cfg.Breaker.EvaluationInterval, c.privateFeed.State)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.breaker.Run(c.ctx, c.cfg.Breaker.EvaluationInterval, c.evaluatePredicates)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.maker.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.maker.RunPnLStops(c.ctx)
	}()

	if c.cfg.Ops.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.heartbeatLoop()
		}()
	}

	if c.cfg.Ops.MemoryCleanupInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.memoryCleanupLoop()
		}()
	}

	if c.cfg.Ops.ConfigReloadInterval > 0 && c.watcher != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.configReloadLoop()
		}()
	}

	c.logger.Info("coordinator started", "dry_run", c.cfg.DryRun)
	return nil
}

// Stop gracefully shuts down: cancels all contexts, cancels open orders as
// a safety net, waits up to 10s for goroutines to drain, and closes
// resources.
func (c *Coordinator) Stop() {
	c.logger.Info("shutting down...")
	c.runState.Store(botStateStopping)

	c.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.maker.CancelAllOrders(cancelCtx); err != nil {
		c.logger.Error("failed to cancel all orders on shutdown", "error", err)
	}
	cancelCancel()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		c.logger.Warn("shutdown drain timed out, some goroutines still running")
	}

	c.publicFeed.Stop()
	c.privateFeed.Stop()
	if err := c.journal.Close(); err != nil {
		c.logger.Error("failed to close journal", "error", err)
	}

	c.runState.Store(botStateStopped)
	c.logger.Info("shutdown complete")
}

// handleWSEvent is the single dispatch point for every websocket event
// from either feed, routing by kind to the order book ingestor or the
// order lifecycle manager.
func (c *Coordinator) handleWSEvent(evt types.WSEvent) {
	switch evt.Kind {
	case types.WSOrderbookDepth:
		if evt.Depth != nil {
			c.book.HandleMessage(evt.Depth)
		}
	case types.WSOrderUpdate:
		c.orders.HandleStreamEvent(evt)
		if evt.Order != nil {
			c.emitOrderEvents(evt.Order)
		}
	case types.WSPositionUpdate:
		c.orders.HandleStreamEvent(evt)
		if evt.Position != nil {
			c.emitPositionEvent(evt.Position)
		}
	case types.WSWalletUpdate:
		c.orders.HandleStreamEvent(evt)
	}
}

func (c *Coordinator) emitOrderEvents(evt *types.WSOrderUpdateEvent) {
	c.emitDashboardEvent("order", api.NewOrderEvent(types.Order{
		ExchangeOrderID: evt.ExchangeOrderID,
		Side:            evt.Side,
		Price:           evt.FillPrice,
		Qty:             evt.FillQty,
		Status:          evt.Status,
	}))

	if evt.Status == types.StatusFilled || evt.Status == types.StatusPartiallyFilled {
		realizedSlippage := 0.0
		if mid := c.book.Mid(); !mid.IsZero() {
			diff := evt.FillPrice.Sub(mid).Div(mid)
			if evt.Side == types.SideSell {
				diff = diff.Neg()
			}
			realizedSlippage, _ = diff.Float64()
		}
		c.emitDashboardEvent("fill", api.NewFillEvent(*evt, realizedSlippage))
	}
}

func (c *Coordinator) emitPositionEvent(evt *types.WSPositionUpdateEvent) {
	mid, _ := c.book.Mid().Float64()
	c.emitDashboardEvent("position", api.NewPositionEvent(types.Position{
		Side:             evt.Side,
		Size:             evt.Size,
		AvgEntryPrice:    evt.AvgEntryPrice,
		UnrealizedPnL:    evt.UnrealizedPnL,
		Leverage:         evt.Leverage,
		LiquidationPrice: evt.LiquidationPrice,
		UpdatedAt:        evt.Timestamp,
	}, mid))
}

func (c *Coordinator) emitDashboardEvent(kind string, data interface{}) {
	if c.dashboardEvents == nil {
		return
	}
	evt := api.DashboardEvent{
		Type:      kind,
		Timestamp: time.Now(),
		Symbol:    c.cfg.Strategy.Symbol,
		Data:      data,
	}
	select {
	case c.dashboardEvents <- evt:
	default:
		c.logger.Warn("dashboard event channel full, dropping event", "type", kind)
	}
}

// apiLatencyBudget is the spec's 3s budget for ComponentAPIPerformance.
const apiLatencyBudget = 3 * time.Second

// evaluatePredicates computes the breaker's trigger predicates from live
// component state for one evaluation tick. It also pushes the handful of
// health components that have no predicate of their own (websocket
// connectivity, bot lifecycle state, API latency), since this runs on the
// same cadence as the breaker's evaluation loop.
func (c *Coordinator) evaluatePredicates() breaker.Predicates {
	fraction, enough := c.limiter.SuccessFraction()
	lowSuccess := enough && fraction < c.cfg.Breaker.LowOrderSuccessFrac

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryMB := mem.Alloc / (1024 * 1024)

	c.pushLiveHealth()

	return breaker.Predicates{
		AbnormalSpread:      c.book.SpreadDegraded(),
		StaleData:           !c.book.IsFresh(c.cfg.Breaker.StaleDataTimeout),
		LowOrderSuccess:      lowSuccess,
		MemoryOverLimit:     int(memoryMB) >= c.cfg.Breaker.HighMemoryMB,
		PnLOverStopFraction: c.maker.PnLStopFailed(),
	}
}

// pushLiveHealth updates the scorer components that are driven directly
// from coordinator state rather than from a breaker predicate: websocket
// connectivity, bot lifecycle state, and measured API latency.
func (c *Coordinator) pushLiveHealth() {
	wsUp := c.publicFeed.State() == types.Connected && c.privateFeed.State() == types.Connected
	c.scorer.Update(health.ComponentWebsocketConnectivity, boolScore(wsUp), "")

	state := c.runState.Load()
	c.scorer.Update(health.ComponentBotState, botStateScore(state), botStateLabel(state))

	if avg, ok := c.client.AverageLatency(); ok {
		score := 1.0
		if avg > apiLatencyBudget {
			score = float64(apiLatencyBudget) / float64(avg)
		}
		c.scorer.Update(health.ComponentAPIPerformance, score, avg.String())
	}
}

func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.Ops.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.logger.Info("heartbeat",
				"health_aggregate", c.scorer.Aggregate(),
				"breaker_state", c.breaker.State().String(),
				"open_orders", len(c.orders.OpenOrders()),
			)
			c.emitDashboardEvent("breaker", api.NewBreakerEvent(c.breaker.State().String(), c.scorer.Aggregate(), c.breaker.Activations()))
		}
	}
}

// memoryCleanupLoop periodically returns freed memory to the OS. Long-lived
// processes with bursty allocation (order book snapshots, journal buffers)
// otherwise hold onto their peak RSS indefinitely.
func (c *Coordinator) memoryCleanupLoop() {
	ticker := time.NewTicker(c.cfg.Ops.MemoryCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			debug.FreeOSMemory()
		}
	}
}

// configReloadLoop re-applies the watcher's current snapshot on a fixed
// cadence. It does not re-read the config file: watcher.Current() only
// changes when the watcher itself has picked up a file change, so a missed
// filesystem event is not recovered here.
func (c *Coordinator) configReloadLoop() {
	ticker := time.NewTicker(c.cfg.Ops.ConfigReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.onConfigChange(c.watcher.Current())
		}
	}
}

func (c *Coordinator) onConfigChange(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.cfg = *cfg
	c.maker.UpdateConfig(cfg.Strategy)
	c.book.SetAbnormalSpreadThreshold(cfg.Strategy.AbnormalSpreadThreshold)
	c.logger.Info("config reloaded")
}

func boolScore(healthy bool) float64 {
	if healthy {
		return 1.0
	}
	return 0.0
}

// DashboardEvents returns the dashboard event channel (nil if disabled).
func (c *Coordinator) DashboardEvents() <-chan api.DashboardEvent {
	return c.dashboardEvents
}

// SymbolInfo satisfies api.MarketSnapshotProvider.
func (c *Coordinator) SymbolInfo() types.SymbolInfo { return c.symbolInfo }

// BookSnapshot satisfies api.MarketSnapshotProvider.
func (c *Coordinator) BookSnapshot() market.Snapshot { return c.book.Snapshot() }

// BookIsFresh satisfies api.MarketSnapshotProvider.
func (c *Coordinator) BookIsFresh() bool { return c.book.IsFresh(c.cfg.Breaker.StaleDataTimeout) }

// OpenOrders satisfies api.MarketSnapshotProvider.
func (c *Coordinator) OpenOrders() []types.Order { return c.orders.OpenOrders() }

// Positions satisfies api.MarketSnapshotProvider.
func (c *Coordinator) Positions() map[types.PositionSide]types.Position { return c.orders.Positions() }

// Stats satisfies api.MarketSnapshotProvider.
func (c *Coordinator) Stats() types.SessionStats { return c.orders.Stats() }

// HealthSnapshot satisfies api.MarketSnapshotProvider.
func (c *Coordinator) HealthSnapshot() []health.Component { return c.scorer.Snapshot() }

// HealthAggregate satisfies api.MarketSnapshotProvider.
func (c *Coordinator) HealthAggregate() float64 { return c.scorer.Aggregate() }

// BreakerState satisfies api.MarketSnapshotProvider.
func (c *Coordinator) BreakerState() breaker.State { return c.breaker.State() }

// BreakerActivations satisfies api.MarketSnapshotProvider.
func (c *Coordinator) BreakerActivations() uint64 { return c.breaker.Activations() }

// BreakerShutdownRequested satisfies api.MarketSnapshotProvider.
func (c *Coordinator) BreakerShutdownRequested() bool { return c.breaker.ShutdownRequested() }
