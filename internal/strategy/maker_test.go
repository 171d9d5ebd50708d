package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/config"
	"perpmm/internal/exchange"
	"perpmm/internal/market"
	"perpmm/pkg/types"
)

// fakeBook is a BookView stub with fixed, directly-settable fields.
type fakeBook struct {
	mid     decimal.Decimal
	snap    market.Snapshot
	samples []float64
	avgSlip float64
	slipEst float64
	quality float64
}

func (f *fakeBook) Mid() decimal.Decimal                                         { return f.mid }
func (f *fakeBook) Snapshot() market.Snapshot                                    { return f.snap }
func (f *fakeBook) PriceHistorySamples(n int) []float64                          { return f.samples }
func (f *fakeBook) AverageRecentSlippage() float64                              { return f.avgSlip }
func (f *fakeBook) EstimateSlippage(side types.Side, qty decimal.Decimal) float64 { return f.slipEst }
func (f *fakeBook) QualityScore() float64                                       { return f.quality }

// fakeOrders is an OrdersView stub tracking open orders and positions in
// memory, with call counters for the methods the Maker invokes as side
// effects.
type fakeOrders struct {
	mu sync.Mutex

	open      []types.Order
	positions map[types.PositionSide]types.Position

	rebalanceCalls int
	cancelledIDs   []string
	clearedCalls   int
}

func (f *fakeOrders) OpenOrders() []types.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Order(nil), f.open...)
}

func (f *fakeOrders) Positions() map[types.PositionSide]types.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[types.PositionSide]types.Position, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out
}

func (f *fakeOrders) RecordRebalance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebalanceCalls++
}

func (f *fakeOrders) MarkCancelledLocally(exchangeOrderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledIDs = append(f.cancelledIDs, exchangeOrderID)
	for i, o := range f.open {
		if o.ExchangeOrderID == exchangeOrderID {
			f.open = append(f.open[:i], f.open[i+1:]...)
			break
		}
	}
}

func (f *fakeOrders) ClearOpenLocally() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedCalls++
	f.open = nil
}

// fakeClient is an ExchangeClient stub recording calls and returning
// canned results.
type fakeClient struct {
	mu sync.Mutex

	balance types.WalletSnapshot

	placedOrders  []exchange.PlaceOrderRequest
	cancelledIDs  []string
	cancelAllCall int

	placeErr     error
	cancelErr    error
	cancelAllErr error
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placedOrders = append(f.placedOrders, req)
	return "exch-" + req.ClientOrderID, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelledIDs = append(f.cancelledIDs, exchangeOrderID)
	return nil
}

func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAllCall++
	return f.cancelAllErr
}

func (f *fakeClient) FetchWalletBalance(ctx context.Context) (types.WalletSnapshot, error) {
	return f.balance, nil
}

// fakeRateSource is a RateSource stub.
type fakeRateSource struct {
	fraction float64
	enough   bool
}

func (f *fakeRateSource) SuccessFraction() (float64, bool) { return f.fraction, f.enough }

func testSymbolInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:      "BTCUSDT",
		TickSize:    dec("0.1"),
		StepSize:    dec("0.001"),
		MinQty:      dec("0.001"),
		MinNotional: dec("10"),
	}
}

func newTestMaker(book BookView, orders OrdersView, client ExchangeClient, rate RateSource, cfg config.StrategyConfig) *Maker {
	return New("BTCUSDT", testSymbolInfo(), cfg, book, orders, client, rate, nil, nil, nil, nil)
}

// TestReapStaleOrderCancelsOnLifespanExpiry covers scenario 3: an order
// placed at t=0 with a 30s lifespan is still open at t=31s, so the reap
// pass cancels it and removes it from the local open-orders set.
func TestReapStaleOrderCancelsOnLifespanExpiry(t *testing.T) {
	t.Parallel()

	start := time.Now().Add(-31 * time.Second)
	orders := &fakeOrders{
		open: []types.Order{
			{ExchangeOrderID: "o1", Symbol: "BTCUSDT", Side: types.Buy, Price: dec("50000"), Qty: dec("0.01"), CreatedAt: start},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("50000")}
	cfg := config.StrategyConfig{OrderLifespanSeconds: 30}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.reapStaleOrders(context.Background(), time.Now())

	if len(client.cancelledIDs) != 1 || client.cancelledIDs[0] != "o1" {
		t.Fatalf("cancelledIDs = %v, want [o1]", client.cancelledIDs)
	}
	if len(orders.OpenOrders()) != 0 {
		t.Errorf("open orders after reap = %d, want 0", len(orders.OpenOrders()))
	}
}

// TestReapStaleOrderLeavesFreshOrderOpen ensures an order younger than the
// lifespan and on-price is left alone.
func TestReapStaleOrderLeavesFreshOrderOpen(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		open: []types.Order{
			{ExchangeOrderID: "o1", Symbol: "BTCUSDT", Side: types.Buy, Price: dec("50000"), Qty: dec("0.01"), CreatedAt: time.Now()},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("50000")}
	cfg := config.StrategyConfig{OrderLifespanSeconds: 30, PriceThresholdFraction: 0.05}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.reapStaleOrders(context.Background(), time.Now())

	if len(client.cancelledIDs) != 0 {
		t.Fatalf("cancelledIDs = %v, want none", client.cancelledIDs)
	}
	if len(orders.OpenOrders()) != 1 {
		t.Errorf("open orders after reap = %d, want 1", len(orders.OpenOrders()))
	}
}

// TestReapStaleOrderCancelsOnPriceDeviation covers the drift edge case:
// a fresh order whose price has drifted from mid beyond the configured
// threshold is reaped even though it is not old.
func TestReapStaleOrderCancelsOnPriceDeviation(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		open: []types.Order{
			{ExchangeOrderID: "o1", Symbol: "BTCUSDT", Side: types.Buy, Price: dec("45000"), Qty: dec("0.01"), CreatedAt: time.Now()},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("50000")} // 10% away
	cfg := config.StrategyConfig{OrderLifespanSeconds: 3600, PriceThresholdFraction: 0.05}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.reapStaleOrders(context.Background(), time.Now())

	if len(client.cancelledIDs) != 1 {
		t.Fatalf("cancelledIDs = %v, want one cancel from price deviation", client.cancelledIDs)
	}
}

// TestRebalanceCheckTriggersWhenNetExceedsThresholdAndCooldownElapsed
// covers scenario 4: Long 0.003, Short 0.001, threshold 0.0001, last
// rebalance 45s ago (cooldown 30s) → cancel-all, then a Market Sell for
// the net 0.002, and the rebalance counter bumped.
func TestRebalanceCheckTriggersWhenNetExceedsThresholdAndCooldownElapsed(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		positions: map[types.PositionSide]types.Position{
			types.PositionLong:  {Side: types.PositionLong, Size: dec("0.003")},
			types.PositionShort: {Side: types.PositionShort, Size: dec("0.001")},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("50000"), snap: market.Snapshot{BestBid: dec("49999"), BestAsk: dec("50001")}}
	cfg := config.StrategyConfig{RebalanceThresholdQty: "0.0001", RebalanceCooldown: 30 * time.Second}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.lastRebalance = time.Now().Add(-45 * time.Second)

	m.rebalanceCheck(context.Background(), time.Now())

	if client.cancelAllCall != 1 {
		t.Fatalf("cancelAllCall = %d, want 1", client.cancelAllCall)
	}
	if len(client.placedOrders) != 1 {
		t.Fatalf("placedOrders = %d, want 1", len(client.placedOrders))
	}
	req := client.placedOrders[0]
	if req.Side != types.Sell {
		t.Errorf("side = %v, want Sell", req.Side)
	}
	if req.Type != types.OrderTypeMarket {
		t.Errorf("type = %v, want Market", req.Type)
	}
	if !req.Qty.Equal(dec("0.002")) {
		t.Errorf("qty = %s, want 0.002", req.Qty)
	}
	if orders.rebalanceCalls != 1 {
		t.Errorf("rebalanceCalls = %d, want 1", orders.rebalanceCalls)
	}
}

// TestRebalanceCheckSkippedDuringCooldown ensures a rebalance is not
// re-triggered before the cooldown has elapsed, even with net inventory
// still over threshold.
func TestRebalanceCheckSkippedDuringCooldown(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		positions: map[types.PositionSide]types.Position{
			types.PositionLong: {Side: types.PositionLong, Size: dec("0.003")},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("50000")}
	cfg := config.StrategyConfig{RebalanceThresholdQty: "0.0001", RebalanceCooldown: 30 * time.Second}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.lastRebalance = time.Now().Add(-5 * time.Second)

	m.rebalanceCheck(context.Background(), time.Now())

	if client.cancelAllCall != 0 {
		t.Errorf("cancelAllCall = %d, want 0 (within cooldown)", client.cancelAllCall)
	}
}

// TestRebalanceCheckSkippedWhenUnderThreshold ensures a small net
// inventory does not trigger a rebalance.
func TestRebalanceCheckSkippedWhenUnderThreshold(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		positions: map[types.PositionSide]types.Position{
			types.PositionLong:  {Side: types.PositionLong, Size: dec("0.003")},
			types.PositionShort: {Side: types.PositionShort, Size: dec("0.0029")},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("50000")}
	cfg := config.StrategyConfig{RebalanceThresholdQty: "0.001"}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.rebalanceCheck(context.Background(), time.Now())

	if client.cancelAllCall != 0 {
		t.Errorf("cancelAllCall = %d, want 0 (net under threshold)", client.cancelAllCall)
	}
}

// TestPlaceQuotesRespectsPlacementPolicy verifies Buy and Sell are gated
// independently on an existing same-side order and on max_open_orders.
func TestPlaceQuotesRespectsPlacementPolicy(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		open: []types.Order{
			{ExchangeOrderID: "o1", Symbol: "BTCUSDT", Side: types.Buy, Price: dec("50000"), Qty: dec("0.01"), CreatedAt: time.Now()},
		},
		positions: map[types.PositionSide]types.Position{},
	}
	client := &fakeClient{balance: types.WalletSnapshot{Available: dec("10000")}}
	book := &fakeBook{
		mid:     dec("50000.5"),
		snap:    market.Snapshot{BestBid: dec("50000.0"), BestAsk: dec("50001.0")},
		quality: 1.0,
	}
	cfg := config.StrategyConfig{
		BaseSpread:                0.001,
		MaxOpenOrders:             2,
		BaseQuantity:              "0.01",
		CapitalAllocationFraction: 0.2,
		MaxPositionFraction:       0.5,
	}

	m := newTestMaker(book, orders, client, &fakeRateSource{fraction: 1.0, enough: true}, cfg)
	m.placeQuotes(context.Background())

	if len(client.placedOrders) != 1 {
		t.Fatalf("placedOrders = %d, want 1 (only the missing Sell side)", len(client.placedOrders))
	}
	if client.placedOrders[0].Side != types.Sell {
		t.Errorf("side = %v, want Sell (Buy side already open)", client.placedOrders[0].Side)
	}
}

// TestPlaceQuotesSkipsWhenMaxOpenOrdersReached ensures neither side is
// placed once the open-order cap is hit.
func TestPlaceQuotesSkipsWhenMaxOpenOrdersReached(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		open: []types.Order{
			{ExchangeOrderID: "o1", Side: types.Buy, Price: dec("50000"), CreatedAt: time.Now()},
			{ExchangeOrderID: "o2", Side: types.Sell, Price: dec("50001"), CreatedAt: time.Now()},
		},
		positions: map[types.PositionSide]types.Position{},
	}
	client := &fakeClient{balance: types.WalletSnapshot{Available: dec("10000")}}
	book := &fakeBook{mid: dec("50000.5"), snap: market.Snapshot{BestBid: dec("50000.0"), BestAsk: dec("50001.0")}, quality: 1.0}
	cfg := config.StrategyConfig{BaseSpread: 0.001, MaxOpenOrders: 2, BaseQuantity: "0.01"}

	m := newTestMaker(book, orders, client, &fakeRateSource{fraction: 1.0, enough: true}, cfg)
	m.placeQuotes(context.Background())

	if len(client.placedOrders) != 0 {
		t.Errorf("placedOrders = %d, want 0 (already at max_open_orders)", len(client.placedOrders))
	}
}

// fakeHook overrides the quote bid/ask and the buy-side quantity
// unconditionally, to verify RegisterHook wiring.
type fakeHook struct {
	quote Quote
	qty   decimal.Decimal
}

func (h *fakeHook) AdjustQuote(view MarketView, quote Quote) (Quote, bool) {
	return h.quote, true
}

func (h *fakeHook) AdjustQuantity(view MarketView, side types.Side, qty decimal.Decimal) (decimal.Decimal, bool) {
	if side == types.Buy {
		return h.qty, true
	}
	return qty, false
}

// TestRegisteredHookOverridesQuoteAndQuantity verifies a registered hook's
// return values take effect over the computed defaults.
func TestRegisteredHookOverridesQuoteAndQuantity(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{positions: map[types.PositionSide]types.Position{}}
	client := &fakeClient{balance: types.WalletSnapshot{Available: dec("10000")}}
	book := &fakeBook{mid: dec("50000.5"), snap: market.Snapshot{BestBid: dec("50000.0"), BestAsk: dec("50001.0")}, quality: 1.0}
	cfg := config.StrategyConfig{BaseSpread: 0.001, MaxOpenOrders: 2, BaseQuantity: "0.01"}

	m := newTestMaker(book, orders, client, &fakeRateSource{fraction: 1.0, enough: true}, cfg)
	m.RegisterHook(&fakeHook{
		quote: Quote{Bid: dec("49000"), Ask: dec("51000"), Ok: true},
		qty:   dec("0.123"),
	})
	m.placeQuotes(context.Background())

	if len(client.placedOrders) != 2 {
		t.Fatalf("placedOrders = %d, want 2", len(client.placedOrders))
	}
	for _, req := range client.placedOrders {
		if req.Side == types.Buy {
			if !req.Price.Equal(dec("49000")) {
				t.Errorf("buy price = %s, want 49000 (hook override)", req.Price)
			}
			if !req.Qty.Equal(dec("0.123")) {
				t.Errorf("buy qty = %s, want 0.123 (hook override)", req.Qty)
			}
		}
		if req.Side == types.Sell && !req.Price.Equal(dec("51000")) {
			t.Errorf("sell price = %s, want 51000 (hook override)", req.Price)
		}
	}
}

// TestCancelAllOrdersClearsLocalState verifies the Maker's CancelAllOrders
// wrapper (the breaker.CancelAller implementation) clears local state only
// on a successful exchange call.
func TestCancelAllOrdersClearsLocalState(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		open: []types.Order{{ExchangeOrderID: "o1"}},
	}
	client := &fakeClient{}
	m := newTestMaker(&fakeBook{}, orders, client, &fakeRateSource{}, config.StrategyConfig{})

	if err := m.CancelAllOrders(context.Background()); err != nil {
		t.Fatalf("CancelAllOrders returned error: %v", err)
	}
	if client.cancelAllCall != 1 {
		t.Errorf("cancelAllCall = %d, want 1", client.cancelAllCall)
	}
	if orders.clearedCalls != 1 {
		t.Errorf("clearedCalls = %d, want 1", orders.clearedCalls)
	}
}

// TestCheckPnLStopsTriggersStopLossAndClosesPosition covers the stop-loss
// leg: a long position at -10% with a 5% stop threshold is closed out
// with a Market Sell for its full size.
func TestCheckPnLStopsTriggersStopLossAndClosesPosition(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		positions: map[types.PositionSide]types.Position{
			types.PositionLong: {Side: types.PositionLong, Size: dec("0.01"), AvgEntryPrice: dec("50000")},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("45000")} // -10% from entry
	cfg := config.StrategyConfig{StopLossFraction: 0.05, ProfitTakeFraction: 0.2}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.checkPnLStops(context.Background())

	if client.cancelAllCall != 1 {
		t.Fatalf("cancelAllCall = %d, want 1", client.cancelAllCall)
	}
	if len(client.placedOrders) != 1 {
		t.Fatalf("placedOrders = %d, want 1", len(client.placedOrders))
	}
	req := client.placedOrders[0]
	if req.Side != types.Sell || req.Type != types.OrderTypeMarket || !req.Qty.Equal(dec("0.01")) {
		t.Errorf("closing order = %+v, want Market Sell 0.01", req)
	}
	if m.PnLStopFailed() {
		t.Error("PnLStopFailed = true, want false on a successful close")
	}
}

// TestCheckPnLStopsSetsFailedFlagOnOrderError ensures a failed closing
// order is surfaced via PnLStopFailed for the breaker to escalate on.
func TestCheckPnLStopsSetsFailedFlagOnOrderError(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		positions: map[types.PositionSide]types.Position{
			types.PositionLong: {Side: types.PositionLong, Size: dec("0.01"), AvgEntryPrice: dec("50000")},
		},
	}
	client := &fakeClient{placeErr: context.DeadlineExceeded}
	book := &fakeBook{mid: dec("45000")}
	cfg := config.StrategyConfig{StopLossFraction: 0.05, ProfitTakeFraction: 0.2}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.checkPnLStops(context.Background())

	if !m.PnLStopFailed() {
		t.Error("PnLStopFailed = false, want true after a failed closing order")
	}
}

// TestCheckPnLStopsDoesNothingWithinBand ensures a position within the
// stop/take band is left untouched.
func TestCheckPnLStopsDoesNothingWithinBand(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{
		positions: map[types.PositionSide]types.Position{
			types.PositionLong: {Side: types.PositionLong, Size: dec("0.01"), AvgEntryPrice: dec("50000")},
		},
	}
	client := &fakeClient{}
	book := &fakeBook{mid: dec("50500")} // +1%, well inside the band
	cfg := config.StrategyConfig{StopLossFraction: 0.05, ProfitTakeFraction: 0.2}

	m := newTestMaker(book, orders, client, &fakeRateSource{}, cfg)
	m.checkPnLStops(context.Background())

	if client.cancelAllCall != 0 || len(client.placedOrders) != 0 {
		t.Errorf("expected no action within the pnl band, got cancelAll=%d orders=%d", client.cancelAllCall, len(client.placedOrders))
	}
}
