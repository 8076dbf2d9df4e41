package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricScanTicksTotal    = "spottrader_scan_ticks_total"
	MetricSignalsTotal      = "spottrader_signals_total"
	MetricOrdersPlacedTotal = "spottrader_orders_placed_total"
	MetricOrdersFilledTotal = "spottrader_orders_filled_total"
	MetricWeightConsumed    = "spottrader_venue_weight_consumed_total"
	MetricWSReconnects      = "spottrader_ws_reconnects_total"
	MetricOpenPositions     = "spottrader_open_positions"
	MetricPortfolioHeat     = "spottrader_portfolio_heat"
	MetricEquity            = "spottrader_equity"
	MetricUnrealizedPnL     = "spottrader_pnl_unrealized"
	MetricHalted            = "spottrader_halted"
	MetricSlippageBps       = "spottrader_slippage_bps"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ScanTicksTotal    metric.Int64Counter
	SignalsTotal      metric.Int64Counter
	OrdersPlacedTotal metric.Int64Counter
	OrdersFilledTotal metric.Int64Counter
	WeightConsumed    metric.Int64Counter
	WSReconnects      metric.Int64Counter
	OpenPositions     metric.Int64ObservableGauge
	PortfolioHeat     metric.Float64ObservableGauge
	Equity            metric.Float64ObservableGauge
	UnrealizedPnL     metric.Float64ObservableGauge
	Halted            metric.Int64ObservableGauge
	SlippageBps       metric.Float64Histogram

	// State for observable gauges
	mu               sync.RWMutex
	openPositions    int64
	portfolioHeat    float64
	equity           float64
	unrealizedPnLMap map[string]float64
	halted           int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ScanTicksTotal, err = meter.Int64Counter(MetricScanTicksTotal, metric.WithDescription("Total scan ticks executed"))
	if err != nil {
		return err
	}

	m.SignalsTotal, err = meter.Int64Counter(MetricSignalsTotal, metric.WithDescription("Total candidate signals by playbook and action"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.WeightConsumed, err = meter.Int64Counter(MetricWeightConsumed, metric.WithDescription("Venue request weight consumed"))
	if err != nil {
		return err
	}

	m.WSReconnects, err = meter.Int64Counter(MetricWSReconnects, metric.WithDescription("Ticker stream reconnect attempts"))
	if err != nil {
		return err
	}

	m.SlippageBps, err = meter.Float64Histogram(MetricSlippageBps, metric.WithDescription("Entry slippage in basis points"))
	if err != nil {
		return err
	}

	// Observables
	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Number of open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PortfolioHeat, err = meter.Float64ObservableGauge(MetricPortfolioHeat, metric.WithDescription("Aggregate open-position risk divided by equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.portfolioHeat)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Current account equity in quote currency"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equity)
			return nil
		}))
	if err != nil {
		return err
	}

	m.UnrealizedPnL, err = meter.Float64ObservableGauge(MetricUnrealizedPnL, metric.WithDescription("Current unrealized PnL per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Halted, err = meter.Int64ObservableGauge(MetricHalted, metric.WithDescription("Kill switch state (1=halted, 0=active)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.halted)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenPositions(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}

func (m *MetricsHolder) SetPortfolioHeat(heat float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolioHeat = heat
}

func (m *MetricsHolder) SetEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetHalted(halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = val
}
