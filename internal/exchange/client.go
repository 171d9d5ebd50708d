// Package exchange implements the perpetual-futures exchange's REST and
// WebSocket clients.
//
// The REST client (Client) talks to the exchange for order management and
// account state:
//   - PlaceOrder:        POST   /order/create
//   - CancelOrder:       POST   /order/cancel
//   - CancelAllOrders:   POST   /order/cancel-all
//   - FetchOpenOrders:   GET    /order/realtime
//   - FetchPositions:    GET    /position/list
//   - FetchWalletBalance: GET   /account/wallet-balance
//   - FetchSymbolInfo:   GET    /instruments-info
//   - TestCredentials:   GET    /account/info
//
// Every mutating and market-data call acquires a token from the shared
// ratelimit.Limiter first, is signed with HMAC headers via Auth (symbol-info
// reads included), and is retried on transient failures with exponential
// backoff.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perpmm/internal/ratelimit"
	"perpmm/pkg/types"
)

const (
	maxRetries        = 5
	retryBaseDelay    = 2 * time.Second
	retryMaxDelay     = 30 * time.Second
	retryJitterMillis = 250

	latencyWindowSize = 50
)

// envelope is the exchange's common REST response wrapper: a return code,
// a message, and a result payload whose shape depends on the endpoint.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Client is the perpetual-futures exchange's REST API client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *ratelimit.Limiter
	dryRun bool
	logger *slog.Logger

	latencyMu   sync.Mutex
	latencies   [latencyWindowSize]time.Duration
	latencyHead int
	latencyLen  int
}

// NewClient creates a REST client with retry and HMAC authentication.
// rl is the single shared adaptive limiter every mutating and market-data
// call acquires from before issuing a request.
func NewClient(baseURL string, auth *Auth, rl *ratelimit.Limiter, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(0). // retry/backoff is hand-rolled in do(), layered on top
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     rl,
		dryRun: dryRun,
		logger: logger.With("component", "exchange_client"),
	}
}

// PlaceOrderRequest is the parameters for a single order placement.
type PlaceOrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Price         decimal.Decimal // ignored for market orders
	Qty           decimal.Decimal
	ClientOrderID string
	PositionIdx   int // omitted (zero value means "don't send") under one-way mode
	ReduceOnly    bool
}

// PlaceOrder submits one order and returns the exchange-assigned order id.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would place order", "symbol", req.Symbol, "side", req.Side, "qty", req.Qty)
		return "dry-run-" + req.ClientOrderID, nil
	}

	body := map[string]any{
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.Type),
		"qty":         req.Qty.String(),
		"timeInForce": req.Type.TimeInForce(),
		"orderLinkId": req.ClientOrderID,
		"reduceOnly":  req.ReduceOnly,
	}
	if req.Type == types.OrderTypeLimit {
		body["price"] = req.Price.String()
	}
	if req.PositionIdx != 0 {
		body["positionIdx"] = req.PositionIdx
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.do(ctx, http.MethodPost, "/order/create", body, &result); err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	return result.OrderID, nil
}

// CancelOrder cancels a single open order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "order_id", exchangeOrderID)
		return nil
	}
	body := map[string]any{"symbol": symbol, "orderId": exchangeOrderID}
	if err := c.do(ctx, http.MethodPost, "/order/cancel", body, nil); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// CancelAllOrders cancels every open order on the configured symbol. Used
// both for routine cleanup and by the circuit breaker on entering
// MajorCancel/CriticalShutdown.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel all orders", "symbol", symbol)
		return nil
	}
	body := map[string]any{"symbol": symbol}
	if err := c.do(ctx, http.MethodPost, "/order/cancel-all", body, nil); err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	return nil
}

// FetchOpenOrders returns every currently-open order for the symbol, used
// by Reconcile's declarative-replace fallback when the private stream is
// not connected.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	var result struct {
		List []wireOrder `json:"list"`
	}
	params := map[string]string{"symbol": symbol}
	if err := c.get(ctx, "/order/realtime", params, &result); err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	orders := make([]types.Order, 0, len(result.List))
	for _, w := range result.List {
		orders = append(orders, w.toOrder())
	}
	return orders, nil
}

// FetchPositions returns the current position records for the symbol.
func (c *Client) FetchPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	var result struct {
		List []wirePosition `json:"list"`
	}
	params := map[string]string{"symbol": symbol}
	if err := c.get(ctx, "/position/list", params, &result); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	positions := make([]types.Position, 0, len(result.List))
	for _, w := range result.List {
		positions = append(positions, w.toPosition())
	}
	return positions, nil
}

// FetchWalletBalance returns the current available-balance snapshot.
func (c *Client) FetchWalletBalance(ctx context.Context) (types.WalletSnapshot, error) {
	var result struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/account/wallet-balance", nil, &result); err != nil {
		return types.WalletSnapshot{}, fmt.Errorf("fetch wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return types.WalletSnapshot{}, fmt.Errorf("fetch wallet balance: empty response")
	}
	avail, err := decimal.NewFromString(result.List[0].TotalAvailableBalance)
	if err != nil {
		return types.WalletSnapshot{}, fmt.Errorf("fetch wallet balance: parse balance: %w", err)
	}
	return types.WalletSnapshot{Available: avail, UpdatedAt: time.Now()}, nil
}

// FetchSymbolInfo fetches tick/step/notional metadata for the symbol. This
// is a public, unauthenticated endpoint.
func (c *Client) FetchSymbolInfo(ctx context.Context, symbol, category string) (types.SymbolInfo, error) {
	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
				MinPrice string `json:"minPrice"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
			} `json:"lotSizeFilter"`
			MinNotionalValue string `json:"minNotionalValue"`
		} `json:"list"`
	}
	params := map[string]string{"category": category, "symbol": symbol}
	if err := c.get(ctx, "/instruments-info", params, &result); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("fetch symbol info: %w", err)
	}
	if len(result.List) == 0 {
		return types.SymbolInfo{}, fmt.Errorf("fetch symbol info: symbol %s not found", symbol)
	}
	r := result.List[0]

	info := types.SymbolInfo{Symbol: r.Symbol, Category: category}
	var err error
	if info.TickSize, err = decimal.NewFromString(r.PriceFilter.TickSize); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("parse tick size: %w", err)
	}
	if info.MinPrice, err = decimal.NewFromString(zeroIfEmpty(r.PriceFilter.MinPrice)); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("parse min price: %w", err)
	}
	if info.StepSize, err = decimal.NewFromString(r.LotSizeFilter.QtyStep); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("parse qty step: %w", err)
	}
	if info.MinQty, err = decimal.NewFromString(r.LotSizeFilter.MinOrderQty); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("parse min order qty: %w", err)
	}
	if info.MaxQty, err = decimal.NewFromString(r.LotSizeFilter.MaxOrderQty); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("parse max order qty: %w", err)
	}
	if info.MinNotional, err = decimal.NewFromString(zeroIfEmpty(r.MinNotionalValue)); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("parse min notional: %w", err)
	}
	return info, nil
}

// TestCredentials performs a minimal authenticated request to verify the
// configured API key/secret are valid before the bot starts trading.
func (c *Client) TestCredentials(ctx context.Context) error {
	if err := c.get(ctx, "/account/info", nil, nil); err != nil {
		return fmt.Errorf("test credentials: %w", err)
	}
	return nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// wireOrder is the wire shape of one order in the open-orders response.
type wireOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"` // epoch millis as a string
}

func (w wireOrder) toOrder() types.Order {
	price, _ := decimal.NewFromString(w.Price)
	qty, _ := decimal.NewFromString(w.Qty)
	return types.Order{
		ExchangeOrderID: w.OrderID,
		ClientOrderID:   w.OrderLinkID,
		Symbol:          w.Symbol,
		Side:            types.Side(w.Side),
		Type:            types.OrderType(w.OrderType),
		Price:           price,
		Qty:             qty,
		Status:          mapWireStatus(w.OrderStatus),
		CreatedAt:       parseEpochMillis(w.CreatedTime),
	}
}

func mapWireStatus(s string) types.OrderStatus {
	switch s {
	case "New", "Created":
		return types.StatusNew
	case "PartiallyFilled":
		return types.StatusPartiallyFilled
	case "Filled":
		return types.StatusFilled
	case "Cancelled", "Canceled":
		return types.StatusCanceled
	case "Rejected":
		return types.StatusRejected
	case "Deactivated":
		return types.StatusDeactivated
	default:
		return types.StatusNew
	}
}

func parseEpochMillis(s string) time.Time {
	var millis int64
	if _, err := fmt.Sscanf(s, "%d", &millis); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

// wirePosition is the wire shape of one position record.
type wirePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "Buy"/"Sell"/"" (one-way/net)
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	LiqPrice      string `json:"liqPrice"`
	UpdatedTime   string `json:"updatedTime"`
}

func (w wirePosition) toPosition() types.Position {
	size, _ := decimal.NewFromString(w.Size)
	avgPrice, _ := decimal.NewFromString(w.AvgPrice)
	pnl, _ := decimal.NewFromString(zeroIfEmpty(w.UnrealisedPnl))
	leverage, _ := decimal.NewFromString(zeroIfEmpty(w.Leverage))
	liqPrice, _ := decimal.NewFromString(zeroIfEmpty(w.LiqPrice))

	side := types.PositionNet
	switch w.Side {
	case "Buy":
		side = types.PositionLong
	case "Sell":
		side = types.PositionShort
	}

	return types.Position{
		Side:             side,
		Size:             size,
		AvgEntryPrice:    avgPrice,
		UnrealizedPnL:    pnl,
		Leverage:         leverage.InexactFloat64(),
		LiquidationPrice: liqPrice,
		UpdatedAt:        parseEpochMillis(w.UpdatedTime),
	}
}

// get performs an authenticated GET through the retry/rate-limit pipeline.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	return c.do(ctx, http.MethodGet, path, params, out)
}

// do drives one request through the shared limiter and the retry/backoff
// loop, classifying the exchange's return code as retryable or not per
// errors.go, and decoding the result payload into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.rl.Acquire(ctx); err != nil {
			return err
		}

		err := c.roundTrip(ctx, method, path, body, out)
		c.rl.ReportOutcome(err == nil || !isRetryable(err))

		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		c.logger.Warn("retryable exchange error", "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("exceeded %d retries: %w", maxRetries, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, out any) error {
	req := c.http.R().SetContext(ctx).SetHeaders(c.auth.RESTHeaders())

	if method == http.MethodGet {
		if params, ok := body.(map[string]string); ok {
			req.SetQueryParams(params)
		}
	} else if body != nil {
		req.SetBody(body)
	}

	var env envelope
	req.SetResult(&env)

	start := time.Now()
	resp, err := req.Execute(method, path)
	c.recordLatency(time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRetryable, err.Error())
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%w: http status %d", ErrRetryable, resp.StatusCode())
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("%w: http status %d: %s", ErrNonRetryable, resp.StatusCode(), resp.String())
	}
	if env.RetCode != 0 {
		return classify(env.RetCode, env.RetMsg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: decode result: %s", ErrNonRetryable, err.Error())
		}
	}
	return nil
}

func isRetryable(err error) bool {
	return err != nil && errors.Is(err, ErrRetryable)
}

// recordLatency appends one round-trip duration to the rolling window,
// whether or not the call ultimately succeeded — the health scorer cares
// about observed latency, not outcome.
func (c *Client) recordLatency(d time.Duration) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	c.latencies[c.latencyHead] = d
	c.latencyHead = (c.latencyHead + 1) % latencyWindowSize
	if c.latencyLen < latencyWindowSize {
		c.latencyLen++
	}
}

// AverageLatency returns the mean round-trip duration over the current
// window, and whether any samples have been recorded yet.
func (c *Client) AverageLatency() (avg time.Duration, ok bool) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	if c.latencyLen == 0 {
		return 0, false
	}
	var total time.Duration
	for i := 0; i < c.latencyLen; i++ {
		total += c.latencies[i]
	}
	return total / time.Duration(c.latencyLen), true
}

// backoffDelay computes the exponential-backoff-with-jitter delay before
// attempt N (1-indexed), base 2s capped at 30s plus up to 250ms jitter.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay * (1 << uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Intn(retryJitterMillis)) * time.Millisecond
	return delay + jitter
}
