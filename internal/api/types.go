package api

import (
	"time"

	"perpmm/internal/config"
)

// DashboardSnapshot is the complete dashboard state for the single traded
// symbol.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Symbol SymbolStatus `json:"symbol"`

	Positions   []PositionSnapshot `json:"positions"`
	OpenOrders  []QuoteInfo        `json:"open_orders"`

	Health  HealthSnapshot  `json:"health"`
	Breaker BreakerSnapshot `json:"breaker"`
	Stats   StatsSnapshot   `json:"stats"`

	Config ConfigSummary `json:"config"`
}

// SymbolStatus is the current book/quote state for the traded symbol.
type SymbolStatus struct {
	Symbol      string    `json:"symbol"`
	MidPrice    float64   `json:"mid_price"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	Spread      float64   `json:"spread"`
	SpreadBps   float64   `json:"spread_bps"`
	LastUpdated time.Time `json:"last_updated"`
	IsStale     bool      `json:"is_stale"`
	TickSize    float64   `json:"tick_size"`
}

// PositionSnapshot is one side (Long/Short) of the current position.
type PositionSnapshot struct {
	Side             string  `json:"side"`
	Size             float64 `json:"size"`
	AvgEntryPrice    float64 `json:"avg_entry_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	PnLFraction      float64 `json:"pnl_fraction"`
	Leverage         float64 `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// QuoteInfo represents a single open order.
type QuoteInfo struct {
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	OrderID   string    `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthSnapshot is the weighted multi-component health aggregate plus its
// per-component breakdown.
type HealthSnapshot struct {
	Aggregate  float64              `json:"aggregate"`
	Components []HealthComponent    `json:"components"`
}

// HealthComponent mirrors one health.Component for the dashboard.
type HealthComponent struct {
	Name      string    `json:"name"`
	Score     float64   `json:"score"`
	Weight    float64   `json:"weight"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BreakerSnapshot is the circuit breaker's current state.
type BreakerSnapshot struct {
	State             string `json:"state"`
	Activations       uint64 `json:"activations"`
	ShutdownRequested bool   `json:"shutdown_requested"`
}

// StatsSnapshot is the session's monotonic counters.
type StatsSnapshot struct {
	OrdersPlaced        uint64  `json:"orders_placed"`
	OrdersFilled        uint64  `json:"orders_filled"`
	OrdersCanceled      uint64  `json:"orders_canceled"`
	OrdersRejected      uint64  `json:"orders_rejected"`
	RebalancesExecuted  uint64  `json:"rebalances_executed"`
	BreakerActivations  uint64  `json:"breaker_activations"`
	SlippageEvents      uint64  `json:"slippage_events"`
	CumulativeVolume    float64 `json:"cumulative_volume"`
	PeakPnL             float64 `json:"peak_pnl"`
	MaxDrawdownFraction float64 `json:"max_drawdown_fraction"`
}

// ConfigSummary is the subset of configuration relevant to the dashboard
// operator — no credentials.
type ConfigSummary struct {
	Symbol        string  `json:"symbol"`
	BaseSpread    float64 `json:"base_spread"`
	BaseQuantity  string  `json:"base_quantity"`
	MaxOpenOrders int     `json:"max_open_orders"`

	ProfitTakeFraction float64 `json:"profit_take_fraction"`
	StopLossFraction   float64 `json:"stop_loss_fraction"`

	ThresholdMinor    float64 `json:"breaker_threshold_minor"`
	ThresholdMajor    float64 `json:"breaker_threshold_major"`
	ThresholdCritical float64 `json:"breaker_threshold_critical"`

	DryRun bool `json:"dry_run"`
}

// NewConfigSummary builds a dashboard-safe config summary.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Symbol:             cfg.Strategy.Symbol,
		BaseSpread:         cfg.Strategy.BaseSpread,
		BaseQuantity:       cfg.Strategy.BaseQuantity,
		MaxOpenOrders:      cfg.Strategy.MaxOpenOrders,
		ProfitTakeFraction: cfg.Strategy.ProfitTakeFraction,
		StopLossFraction:   cfg.Strategy.StopLossFraction,
		ThresholdMinor:     cfg.Breaker.ThresholdMinor,
		ThresholdMajor:     cfg.Breaker.ThresholdMajor,
		ThresholdCritical:  cfg.Breaker.ThresholdCritical,
		DryRun:             cfg.DryRun,
	}
}
