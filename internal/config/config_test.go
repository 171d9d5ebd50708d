package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
dry_run: true
api:
  rest_base_url: "https://api.example.test"
  ws_public_url: "wss://ws.example.test/public"
  ws_private_url: "wss://ws.example.test/private"
  api_key: "key-1"
  secret: "secret-1"
strategy:
  symbol: "BTCUSDT"
  category: "linear"
  base_quantity: "0.01"
  base_spread: 0.001
  max_open_orders: 2
  order_lifespan_seconds: 30
  price_threshold_fraction: 0.002
  rebalance_threshold_qty: "0.0001"
  rebalance_order_type: "Market"
  rebalance_offset: 0.0005
  rebalance_cooldown: 30s
  profit_take_fraction: 0.01
  stop_loss_fraction: 0.02
  capital_allocation_fraction: 0.2
  max_position_fraction: 0.5
  abnormal_spread_threshold: 0.05
  max_slippage_fraction: 0.01
  depth_levels: 50
  volatility_adjustment: true
  adaptive_quantity: true
  performance_factor: 0.5
  tick_interval: 2s
  trading_hours_enabled: false
  plugin_dir: "./plugins"
  plugin_strategy: "default"
breaker:
  threshold_minor: 0.6
  threshold_major: 0.4
  threshold_critical: 0.2
  stale_data_timeout: 10s
  low_order_success_fraction: 0.7
  high_memory_mb: 1024
  evaluation_interval: 5s
rate_limit:
  base: 10
  burst: 20
  adaptive: true
journal:
  data_dir: "./data"
logging:
  level: "info"
  format: "json"
dashboard:
  enabled: true
  port: 8090
  allowed_origins: ["http://localhost:3000"]
  refresh_rate: 1s
ops:
  heartbeat_interval: 5s
  memory_cleanup_interval: 60s
  config_reload_interval: 10s
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Strategy.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", cfg.Strategy.Symbol)
	}
	if cfg.Strategy.MaxOpenOrders != 2 {
		t.Errorf("MaxOpenOrders = %d, want 2", cfg.Strategy.MaxOpenOrders)
	}
	if cfg.Breaker.ThresholdMinor != 0.6 {
		t.Errorf("ThresholdMinor = %v, want 0.6", cfg.Breaker.ThresholdMinor)
	}
	if cfg.Ops.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.Ops.HeartbeatInterval)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, validYAML)

	t.Setenv("PERPMM_API_KEY", "env-key")
	t.Setenv("PERPMM_API_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.API.APIKey)
	}
	if cfg.API.Secret != "env-secret" {
		t.Errorf("Secret = %q, want env-secret", cfg.API.Secret)
	}
}

func TestValidateRejectsMissingSymbol(t *testing.T) {
	t.Parallel()
	cfg := &Config{API: APIConfig{RESTBaseURL: "x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}

func TestValidateRejectsFractionOutOfRange(t *testing.T) {
	t.Parallel()
	base := baseValidConfig()
	base.Strategy.BaseSpread = 1.5
	if err := base.Validate(); err == nil {
		t.Fatal("expected error for base_spread > 1")
	}

	base2 := baseValidConfig()
	base2.Strategy.MaxSlippageFraction = 0
	if err := base2.Validate(); err == nil {
		t.Fatal("expected error for zero max_slippage_fraction")
	}
}

func TestValidateRejectsNonMonotoneBreakerThresholds(t *testing.T) {
	t.Parallel()
	cfg := baseValidConfig()
	cfg.Breaker.ThresholdMinor = 0.3
	cfg.Breaker.ThresholdMajor = 0.4
	cfg.Breaker.ThresholdCritical = 0.2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-monotone breaker thresholds")
	}
}

func TestValidateRejectsOutOfRangeTradingHours(t *testing.T) {
	t.Parallel()
	cfg := baseValidConfig()
	cfg.Strategy.TradingHoursEnabled = true
	cfg.Strategy.TradingHoursStartUTC = 24
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range trading hours")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	t.Parallel()
	cfg := baseValidConfig()
	h1, err := cfg.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	h2, err := cfg.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("Hash() not stable across calls: %q != %q", h1, h2)
	}

	cfg.Strategy.BaseSpread = 0.002
	h3, err := cfg.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if h3 == h1 {
		t.Error("Hash() did not change after a field changed")
	}
}

func TestNewWatcherReloadsOnFileChange(t *testing.T) {
	path := writeTempConfig(t, validYAML)

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if w.Current().Strategy.BaseSpread != 0.001 {
		t.Fatalf("initial BaseSpread = %v, want 0.001", w.Current().Strategy.BaseSpread)
	}

	updated := strings.Replace(validYAML, "base_spread: 0.001", "base_spread: 0.005", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case c := <-changed:
		if c.Strategy.BaseSpread != 0.005 {
			t.Errorf("reloaded BaseSpread = %v, want 0.005", c.Strategy.BaseSpread)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if w.Current().Strategy.BaseSpread != 0.005 {
		t.Errorf("Current().BaseSpread = %v, want 0.005", w.Current().Strategy.BaseSpread)
	}
}

func baseValidConfig() *Config {
	return &Config{
		API: APIConfig{RESTBaseURL: "https://api.example.test"},
		Strategy: StrategyConfig{
			Symbol:                    "BTCUSDT",
			BaseSpread:                0.001,
			MaxOpenOrders:             2,
			DepthLevels:               50,
			PriceThresholdFraction:    0.002,
			ProfitTakeFraction:        0.01,
			StopLossFraction:          0.02,
			CapitalAllocationFraction: 0.2,
			MaxPositionFraction:       0.5,
			AbnormalSpreadThreshold:   0.05,
			MaxSlippageFraction:       0.01,
		},
		Breaker: BreakerConfig{
			ThresholdMinor:    0.6,
			ThresholdMajor:    0.4,
			ThresholdCritical: 0.2,
		},
		RateLimit: RateLimitConfig{Base: 10, Burst: 20},
	}
}
