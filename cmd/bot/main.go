// A perpetual-futures market-making bot for one symbol.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the coordinator, waits for SIGINT/SIGTERM or a breaker shutdown
//	engine/engine.go      — coordinator: wires rate limiter → exchange client → book → orders → health/breaker → strategy
//	strategy/maker.go     — per-tick quoting, sizing, stale-order reaping, inventory rebalance, PnL stops
//	market/book.go        — local order book mirror + rolling spread/slippage/quality stats fed by the public feed
//	orders/manager.go     — open-order and position bookkeeping, fed by the private feed and periodic REST reconciliation
//	health/scorer.go      — weighted multi-component health aggregate
//	breaker/breaker.go    — four-state circuit breaker gating new quotes and triggering cancel-all
//	exchange/client.go    — REST client (place/cancel orders, fetch open orders/positions/wallet/symbol info)
//	exchange/auth.go      — HMAC request and WebSocket-handshake signing
//	exchange/ws.go        — public/private WebSocket feeds with auto-reconnect
//	ratelimit/ratelimit.go — adaptive token-bucket limiter shared across every REST call
//	journal/journal.go    — append-only trade-event log
//
// How it makes money:
//
//	The bot posts a bid below mid price and an ask above mid price on one
//	perpetual futures symbol, capturing the spread when both sides fill.
//	Quote sizing adapts to capital, recent PnL, connectivity, and API
//	success rate; inventory that drifts too far from flat is rebalanced
//	with a market or limit order once a cooldown has elapsed.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpmm/internal/api"
	"perpmm/internal/config"
	"perpmm/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PERPMM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	coord, err := engine.New(*cfg, cfgPath, logger)
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, coord, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := coord.Start(); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("market maker started",
		"symbol", cfg.Strategy.Symbol,
		"base_quantity", cfg.Strategy.BaseQuantity,
		"max_open_orders", cfg.Strategy.MaxOpenOrders,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownPoll := time.NewTicker(time.Second)
	defer shutdownPoll.Stop()
wait:
	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			break wait
		case <-shutdownPoll.C:
			if coord.BreakerShutdownRequested() {
				logger.Warn("circuit breaker requested shutdown")
				break wait
			}
		}
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	coord.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
