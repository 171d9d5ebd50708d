// ws.go implements the exchange's public and private WebSocket feeds.
//
// Two independent feeds run concurrently:
//
//   - Public feed: subscribes to orderbook.<depth>.<symbol>, no auth
//     required. Depth events are parsed into types.WSEvent and handed to
//     the configured Handler (normally market.Ingestor.HandleMessage).
//
//   - Private feed: performs the HMAC handshake (key + timestamp +
//     expires) before subscribing to order/position/wallet topics. Events
//     are handed to the configured Handler (normally
//     orders.Manager.HandleStreamEvent).
//
// Both feeds track connState under a mutex and reconnect from their own
// Run loop, so at most one connection attempt per feed is in flight,
// waiting the bounded schedule [1,2,4,8,15,30,60] seconds indexed by
// min(attempt, len(schedule)-1) between attempts. The attempt counter
// resets to 0 once the subscribe frame has been written; no subscribe
// acknowledgement is awaited. Stop sets a shutdown atomic bool that is
// checked before each connect attempt and before subscribing; the backoff
// sleep itself ends early only when ctx is cancelled.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"perpmm/pkg/types"
)

var reconnectSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler receives parsed events dispatched from a WSFeed's read loop.
type Handler func(types.WSEvent)

// WSFeed manages one WebSocket connection (public or private), with
// auto-reconnect and a bounded backoff schedule.
type WSFeed struct {
	url     string
	private bool
	auth    *Auth
	symbol  string
	depth   int
	handler Handler
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	state  types.ConnState

	shutdown atomic.Bool
	attempt  atomic.Int32
}

// NewPublicFeed creates a feed for the public orderbook-depth channel.
func NewPublicFeed(wsURL, symbol string, depth int, handler Handler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     wsURL,
		symbol:  symbol,
		depth:   depth,
		handler: handler,
		logger:  logger.With("component", "ws_public"),
	}
}

// NewPrivateFeed creates a feed for the authenticated order/position/wallet
// channel.
func NewPrivateFeed(wsURL string, auth *Auth, handler Handler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     wsURL,
		private: true,
		auth:    auth,
		handler: handler,
		logger:  logger.With("component", "ws_private"),
	}
}

// State returns the feed's current connection state.
func (f *WSFeed) State() types.ConnState {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.state
}

func (f *WSFeed) setState(s types.ConnState) {
	f.connMu.Lock()
	f.state = s
	f.connMu.Unlock()
}

// Stop requests the feed to stop reconnecting and closes the current
// connection, if any.
func (f *WSFeed) Stop() {
	f.shutdown.Store(true)
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

// Run connects and maintains the connection with bounded-backoff
// auto-reconnect. Blocks until ctx is cancelled or Stop is called.
func (f *WSFeed) Run(ctx context.Context) {
	for {
		if f.shutdown.Load() || ctx.Err() != nil {
			f.setState(types.Disconnected)
			return
		}

		f.setState(types.Connecting)
		err := f.connectAndRead(ctx)
		f.setState(types.Disconnected)

		if f.shutdown.Load() || ctx.Err() != nil {
			return
		}

		idx := int(f.attempt.Load())
		if idx >= len(reconnectSchedule) {
			idx = len(reconnectSchedule) - 1
		}
		delay := reconnectSchedule[idx]
		f.attempt.Add(1)

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if f.shutdown.Load() {
		return nil
	}
	if err := f.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.attempt.Store(0)
	f.setState(types.Connected)
	f.logger.Info("websocket connected", "private", f.private)

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx)

	for {
		if f.shutdown.Load() || ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *WSFeed) subscribe() error {
	if !f.private {
		topic := fmt.Sprintf("orderbook.%d.%s", f.depth, f.symbol)
		return f.writeJSON(map[string]any{"op": "subscribe", "args": []string{topic}})
	}

	apiKey, timestamp, expires, sig := f.auth.WSAuthArgs()
	if err := f.writeJSON(map[string]any{
		"op":   "auth",
		"args": []string{apiKey, expires, sig},
	}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	_ = timestamp // carried only in the signed message, not the wire frame

	return f.writeJSON(map[string]any{
		"op":   "subscribe",
		"args": []string{"order", "position", "wallet"},
	})
}

// dispatch parses one raw frame into a types.WSEvent exactly once at this
// transport boundary and hands it to the handler. Malformed frames are
// logged and dropped; they never tear down the read loop.
func (f *WSFeed) dispatch(data []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws frame", "data", string(data))
		return
	}

	var evt types.WSEvent
	switch {
	case envelope.Topic == "" && len(envelope.Data) == 0:
		return // ping/pong or ack frame, nothing to dispatch

	case !f.private:
		var depth types.WSOrderbookDepthEvent
		if err := json.Unmarshal(envelope.Data, &depth); err != nil {
			f.logger.Warn("malformed orderbook event", "error", err)
			return
		}
		evt = types.WSEvent{Kind: types.WSOrderbookDepth, Depth: &depth}

	case envelope.Topic == "order":
		var o types.WSOrderUpdateEvent
		if err := json.Unmarshal(envelope.Data, &o); err != nil {
			f.logger.Warn("malformed order event", "error", err)
			return
		}
		evt = types.WSEvent{Kind: types.WSOrderUpdate, Order: &o}

	case envelope.Topic == "position":
		var p types.WSPositionUpdateEvent
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			f.logger.Warn("malformed position event", "error", err)
			return
		}
		evt = types.WSEvent{Kind: types.WSPositionUpdate, Position: &p}

	case envelope.Topic == "wallet":
		var w types.WSWalletUpdateEvent
		if err := json.Unmarshal(envelope.Data, &w); err != nil {
			f.logger.Warn("malformed wallet event", "error", err)
			return
		}
		evt = types.WSEvent{Kind: types.WSWalletUpdate, Wallet: &w}

	default:
		f.logger.Debug("unknown ws topic", "topic", envelope.Topic)
		return
	}

	if f.handler != nil {
		f.handler(evt)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]any{"op": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
