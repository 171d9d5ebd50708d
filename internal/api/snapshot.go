package api

import (
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/breaker"
	"perpmm/internal/config"
	"perpmm/internal/health"
	"perpmm/internal/market"
	"perpmm/pkg/types"
)

// MarketSnapshotProvider provides read access to the running coordinator's
// state for dashboard snapshot assembly.
type MarketSnapshotProvider interface {
	SymbolInfo() types.SymbolInfo
	BookSnapshot() market.Snapshot
	BookIsFresh() bool
	OpenOrders() []types.Order
	Positions() map[types.PositionSide]types.Position
	Stats() types.SessionStats
	HealthSnapshot() []health.Component
	HealthAggregate() float64
	BreakerState() breaker.State
	BreakerActivations() uint64
	BreakerShutdownRequested() bool
}

// BuildSnapshot aggregates state from every running component into one
// dashboard snapshot.
func BuildSnapshot(provider MarketSnapshotProvider, cfg config.Config) DashboardSnapshot {
	info := provider.SymbolInfo()
	book := provider.BookSnapshot()

	mid := toFloat(book.Mid)
	bid := toFloat(book.BestBid)
	ask := toFloat(book.BestAsk)
	spread := ask - bid
	spreadBps := 0.0
	if mid > 0 {
		spreadBps = spread / mid * 10000
	}

	symbolStatus := SymbolStatus{
		Symbol:      info.Symbol,
		MidPrice:    mid,
		BestBid:     bid,
		BestAsk:     ask,
		Spread:      spread,
		SpreadBps:   spreadBps,
		LastUpdated: book.Updated,
		IsStale:     !provider.BookIsFresh(),
		TickSize:    toFloat(info.TickSize),
	}

	positions := provider.Positions()
	positionSnaps := make([]PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		positionSnaps = append(positionSnaps, PositionSnapshot{
			Side:             string(p.Side),
			Size:             toFloat(p.Size),
			AvgEntryPrice:    toFloat(p.AvgEntryPrice),
			UnrealizedPnL:    toFloat(p.UnrealizedPnL),
			PnLFraction:      toFloat(p.PnLFraction(book.Mid)),
			Leverage:         p.Leverage,
			LiquidationPrice: toFloat(p.LiquidationPrice),
		})
	}

	orders := provider.OpenOrders()
	quoteInfos := make([]QuoteInfo, 0, len(orders))
	for _, o := range orders {
		quoteInfos = append(quoteInfos, QuoteInfo{
			Side:      string(o.Side),
			Price:     toFloat(o.Price),
			Size:      toFloat(o.Qty),
			OrderID:   o.ExchangeOrderID,
			Timestamp: o.CreatedAt,
		})
	}

	components := provider.HealthSnapshot()
	healthComponents := make([]HealthComponent, 0, len(components))
	for _, c := range components {
		healthComponents = append(healthComponents, HealthComponent{
			Name:      c.Name,
			Score:     c.Score,
			Weight:    c.Weight,
			Message:   c.Message,
			UpdatedAt: c.UpdatedAt,
		})
	}

	stats := provider.Stats()

	return DashboardSnapshot{
		Timestamp:  time.Now(),
		Symbol:     symbolStatus,
		Positions:  positionSnaps,
		OpenOrders: quoteInfos,
		Health: HealthSnapshot{
			Aggregate:  provider.HealthAggregate(),
			Components: healthComponents,
		},
		Breaker: BreakerSnapshot{
			State:             provider.BreakerState().String(),
			Activations:       provider.BreakerActivations(),
			ShutdownRequested: provider.BreakerShutdownRequested(),
		},
		Stats: StatsSnapshot{
			OrdersPlaced:        stats.OrdersPlaced,
			OrdersFilled:        stats.OrdersFilled,
			OrdersCanceled:      stats.OrdersCanceled,
			OrdersRejected:      stats.OrdersRejected,
			RebalancesExecuted:  stats.RebalancesExecuted,
			BreakerActivations:  stats.BreakerActivations,
			SlippageEvents:      stats.SlippageEvents,
			CumulativeVolume:    toFloat(stats.CumulativeVolume),
			PeakPnL:             toFloat(stats.PeakPnL),
			MaxDrawdownFraction: toFloat(stats.MaxDrawdownFraction),
		},
		Config: NewConfigSummary(cfg),
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
