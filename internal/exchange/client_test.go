package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/ratelimit"
	"perpmm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newDryRunClient() *Client {
	return &Client{
		dryRun: true,
		rl:     ratelimit.New(10, 10),
		logger: testLogger(),
	}
}

func TestDryRunPlaceOrderDoesNotHitNetwork(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	id, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.Buy,
		Type:          types.OrderTypeLimit,
		Price:         decimal.NewFromFloat(50000),
		Qty:           decimal.NewFromFloat(0.01),
		ClientOrderID: "abc-123",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "dry-run-abc-123" {
		t.Errorf("id = %q, want dry-run-abc-123", id)
	}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	auth := NewAuth(Credentials{APIKey: "key", Secret: "secret"})
	c := NewClient(srv.URL, auth, ratelimit.New(100, 100), false, testLogger())
	return c, srv
}

func TestPlaceOrderSuccess(t *testing.T) {
	t.Parallel()
	c, srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order/create" {
			t.Errorf("path = %q, want /order/create", r.URL.Path)
		}
		json.NewEncoder(w).Encode(envelope{
			RetCode: 0,
			Result:  json.RawMessage(`{"orderId":"ex-1"}`),
		})
	})
	defer srv.Close()

	id, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: types.Buy, Type: types.OrderTypeLimit,
		Price: decimal.NewFromFloat(50000), Qty: decimal.NewFromFloat(0.01),
		ClientOrderID: "cl-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "ex-1" {
		t.Errorf("id = %q, want ex-1", id)
	}
}

func TestPlaceOrderNonRetryableFailsFast(t *testing.T) {
	t.Parallel()
	calls := 0
	c, srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(envelope{RetCode: 10001, RetMsg: "invalid parameter"})
	})
	defer srv.Close()

	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: types.Buy, Type: types.OrderTypeLimit,
		Price: decimal.NewFromFloat(50000), Qty: decimal.NewFromFloat(0.01),
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable should not retry)", calls)
	}
}

func TestPlaceOrderRetryableEventuallySucceeds(t *testing.T) {
	t.Parallel()
	calls := 0
	c, srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			json.NewEncoder(w).Encode(envelope{RetCode: 10006, RetMsg: "rate limited"})
			return
		}
		json.NewEncoder(w).Encode(envelope{RetCode: 0, Result: json.RawMessage(`{"orderId":"ex-retry"}`)})
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	id, err := c.PlaceOrder(ctx, PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: types.Buy, Type: types.OrderTypeLimit,
		Price: decimal.NewFromFloat(50000), Qty: decimal.NewFromFloat(0.01),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "ex-retry" {
		t.Errorf("id = %q, want ex-retry", id)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestFetchSymbolInfoParsesDecimals(t *testing.T) {
	t.Parallel()
	c, srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelope{RetCode: 0, Result: json.RawMessage(`{
			"list": [{
				"symbol": "BTCUSDT",
				"priceFilter": {"tickSize": "0.1", "minPrice": "0.1"},
				"lotSizeFilter": {"qtyStep": "0.001", "minOrderQty": "0.001", "maxOrderQty": "100"},
				"minNotionalValue": "5"
			}]
		}`)})
	})
	defer srv.Close()

	info, err := c.FetchSymbolInfo(context.Background(), "BTCUSDT", "linear")
	if err != nil {
		t.Fatalf("FetchSymbolInfo: %v", err)
	}
	if !info.TickSize.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("TickSize = %v, want 0.1", info.TickSize)
	}
	if !info.MinNotional.Equal(decimal.NewFromInt(5)) {
		t.Errorf("MinNotional = %v, want 5", info.MinNotional)
	}
}

func TestCancelAllOrdersDryRun(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	if err := c.CancelAllOrders(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
}

func TestBackoffDelayIsCappedAndMonotonicUntilCap(t *testing.T) {
	t.Parallel()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(attempt)
		if d > retryMaxDelay+retryJitterMillis*time.Millisecond {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
		if attempt > 1 && d < prev-retryJitterMillis*time.Millisecond {
			t.Errorf("attempt %d: delay %v decreased beyond jitter tolerance from %v", attempt, d, prev)
		}
		prev = d
	}
}
