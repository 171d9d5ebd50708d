// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PERPMM_* environment variables, and
// supports hot-reload via viper's file watcher.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"perpmm/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	API       APIConfig       `mapstructure:"api"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

// APIConfig holds exchange endpoints and optional pre-provisioned
// credentials. If APIKey/Secret are empty they must be supplied via
// PERPMM_API_KEY/PERPMM_API_SECRET at process start.
type APIConfig struct {
	RESTBaseURL   string `mapstructure:"rest_base_url"`
	WSPublicURL   string `mapstructure:"ws_public_url"`
	WSPrivateURL  string `mapstructure:"ws_private_url"`
	APIKey        string `mapstructure:"api_key"`
	Secret        string `mapstructure:"secret"`
}

// StrategyConfig is the single-symbol market-making configuration
// surface: quote sizing, spread, placement, reaping, and rebalance
// parameters.
type StrategyConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Category string `mapstructure:"category"`

	BaseQuantity   string `mapstructure:"base_quantity"`   // decimal string
	BaseSpread     float64 `mapstructure:"base_spread"`    // fraction, e.g. 0.001
	MaxOpenOrders  int     `mapstructure:"max_open_orders"`

	OrderLifespanSeconds   int     `mapstructure:"order_lifespan_seconds"`
	PriceThresholdFraction float64 `mapstructure:"price_threshold_fraction"`

	RebalanceThresholdQty string        `mapstructure:"rebalance_threshold_qty"` // decimal string
	RebalanceOrderType    string        `mapstructure:"rebalance_order_type"`    // "Market" or "Limit"
	RebalanceOffset       float64       `mapstructure:"rebalance_offset"`
	RebalanceCooldown     time.Duration `mapstructure:"rebalance_cooldown"`

	ProfitTakeFraction float64 `mapstructure:"profit_take_fraction"`
	StopLossFraction   float64 `mapstructure:"stop_loss_fraction"`

	CapitalAllocationFraction float64 `mapstructure:"capital_allocation_fraction"`
	MaxPositionFraction       float64 `mapstructure:"max_position_fraction"`

	AbnormalSpreadThreshold float64 `mapstructure:"abnormal_spread_threshold"`
	MaxSlippageFraction     float64 `mapstructure:"max_slippage_fraction"`
	DepthLevels             int     `mapstructure:"depth_levels"`

	VolatilityAdjustment  bool    `mapstructure:"volatility_adjustment"`
	AdaptiveQuantity      bool    `mapstructure:"adaptive_quantity"`
	PerformanceFactor     float64 `mapstructure:"performance_factor"`

	TickInterval time.Duration `mapstructure:"tick_interval"`

	TradingHoursEnabled bool `mapstructure:"trading_hours_enabled"`
	TradingHoursStartUTC int `mapstructure:"trading_hours_start_utc"`
	TradingHoursEndUTC   int `mapstructure:"trading_hours_end_utc"`

	PluginDir      string `mapstructure:"plugin_dir"`
	PluginStrategy string `mapstructure:"plugin_strategy"`

	// PositionMode is "hedge" or "one-way" (default when empty). Hedge mode
	// sets positionIdx per side on every order; one-way omits it.
	PositionMode string `mapstructure:"position_mode"`
}

// BreakerConfig holds circuit-breaker thresholds and trigger limits.
type BreakerConfig struct {
	ThresholdMinor    float64 `mapstructure:"threshold_minor"`
	ThresholdMajor    float64 `mapstructure:"threshold_major"`
	ThresholdCritical float64 `mapstructure:"threshold_critical"`

	StaleDataTimeout    time.Duration `mapstructure:"stale_data_timeout"`
	LowOrderSuccessFrac float64       `mapstructure:"low_order_success_fraction"`
	HighMemoryMB        int           `mapstructure:"high_memory_mb"`

	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
}

// RateLimitConfig configures the shared adaptive rate limiter.
type RateLimitConfig struct {
	Base     float64 `mapstructure:"base"`
	Burst    float64 `mapstructure:"burst"`
	Adaptive bool    `mapstructure:"adaptive"`
}

// JournalConfig configures the trade journal.
type JournalConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RefreshRate    time.Duration `mapstructure:"refresh_rate"`
}

// OpsConfig holds operational cadence knobs that don't belong to a
// specific subsystem.
type OpsConfig struct {
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	MemoryCleanupInterval  time.Duration `mapstructure:"memory_cleanup_interval"`
	ConfigReloadInterval   time.Duration `mapstructure:"config_reload_interval"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERPMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("PERPMM_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("PERPMM_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if os.Getenv("PERPMM_DRY_RUN") == "true" || os.Getenv("PERPMM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
}

// Validate checks all required fields and value ranges. Fractions must lie
// in (0,1]; circuit-breaker thresholds must be monotone (critical ≤ major
// ≤ minor); quantities/rates must be strictly positive; trading hours must
// lie in [0,23].
func (c *Config) Validate() error {
	if c.Strategy.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}

	if err := fractionInRange("strategy.base_spread", c.Strategy.BaseSpread); err != nil {
		return err
	}
	if err := fractionInRange("strategy.price_threshold_fraction", c.Strategy.PriceThresholdFraction); err != nil {
		return err
	}
	if err := fractionInRange("strategy.profit_take_fraction", c.Strategy.ProfitTakeFraction); err != nil {
		return err
	}
	if err := fractionInRange("strategy.stop_loss_fraction", c.Strategy.StopLossFraction); err != nil {
		return err
	}
	if err := fractionInRange("strategy.capital_allocation_fraction", c.Strategy.CapitalAllocationFraction); err != nil {
		return err
	}
	if err := fractionInRange("strategy.max_position_fraction", c.Strategy.MaxPositionFraction); err != nil {
		return err
	}
	if err := fractionInRange("strategy.abnormal_spread_threshold", c.Strategy.AbnormalSpreadThreshold); err != nil {
		return err
	}
	if err := fractionInRange("strategy.max_slippage_fraction", c.Strategy.MaxSlippageFraction); err != nil {
		return err
	}

	if !(c.Breaker.ThresholdCritical <= c.Breaker.ThresholdMajor && c.Breaker.ThresholdMajor <= c.Breaker.ThresholdMinor) {
		return fmt.Errorf("breaker thresholds must be monotone: critical(%v) <= major(%v) <= minor(%v)",
			c.Breaker.ThresholdCritical, c.Breaker.ThresholdMajor, c.Breaker.ThresholdMinor)
	}

	if c.Strategy.MaxOpenOrders <= 0 {
		return fmt.Errorf("strategy.max_open_orders must be > 0")
	}
	if c.Strategy.DepthLevels <= 0 {
		return fmt.Errorf("strategy.depth_levels must be > 0")
	}
	if c.RateLimit.Base <= 0 {
		return fmt.Errorf("rate_limit.base must be > 0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be > 0")
	}

	switch c.Strategy.PositionMode {
	case "", string(types.PositionModeOneWay), string(types.PositionModeHedge):
	default:
		return fmt.Errorf("strategy.position_mode must be %q or %q", types.PositionModeOneWay, types.PositionModeHedge)
	}

	if c.Strategy.TradingHoursEnabled {
		if c.Strategy.TradingHoursStartUTC < 0 || c.Strategy.TradingHoursStartUTC > 23 {
			return fmt.Errorf("strategy.trading_hours_start_utc must be in [0,23]")
		}
		if c.Strategy.TradingHoursEndUTC < 0 || c.Strategy.TradingHoursEndUTC > 23 {
			return fmt.Errorf("strategy.trading_hours_end_utc must be in [0,23]")
		}
	}

	return nil
}

func fractionInRange(field string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0,1], got %v", field, v)
	}
	return nil
}

// Hash computes a stable SHA-256 hash of the config's JSON encoding, used
// by the hot-reload watcher to detect a genuine content change (viper's
// file-change event fires on metadata touches too).
func (c *Config) Hash() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Watcher hot-reloads the config file via viper's fsnotify-backed watcher,
// publishing an atomic whole-snapshot replacement to reload only on a
// genuine content change (by hash) that also passes Validate.
type Watcher struct {
	v    *viper.Viper
	mu   sync.RWMutex
	cur  *Config
	hash string

	onChange func(*Config)
}

// NewWatcher loads the config at path and begins watching it for changes.
// onChange, if non-nil, is invoked with the new snapshot after a validated
// reload.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERPMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	hash, err := cfg.Hash()
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v, cur: &cfg, hash: hash, onChange: onChange}

	v.OnConfigChange(func(_ fsnotify.Event) {
		w.reload()
	})
	v.WatchConfig()

	return w, nil
}

// reload re-reads and re-validates the config file, replacing the current
// snapshot only if the content hash actually changed and validation
// passes. Readers always see either the old or the new snapshot whole,
// never a partial update.
func (w *Watcher) reload() {
	var cfg Config
	if err := w.v.Unmarshal(&cfg); err != nil {
		return
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return
	}
	hash, err := cfg.Hash()
	if err != nil || hash == w.hash {
		return
	}

	w.mu.Lock()
	w.cur = &cfg
	w.hash = hash
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(&cfg)
	}
}

// Current returns the current validated config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}
