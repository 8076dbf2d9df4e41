// Package positions manages open positions to their exits: price refresh,
// unrealized PnL, stop/target/time-stop checks and kill-switch flattening.
package positions

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"spottrader/internal/core"
	"spottrader/internal/execution"
	"spottrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const lockStripes = 32

// Manager runs the position-monitor tick. Writes per position are
// serialized by a striped per-entity mutex so a monitor tick and a manual
// close never race on the same position.
type Manager struct {
	gateway core.IGateway
	store   core.IStore
	router  *execution.Router
	userID  string
	logger  core.ILogger

	stripes [lockStripes]sync.Mutex
	now     func() time.Time

	exitCounter metric.Int64Counter
	openGauge   metric.Int64Gauge
	heatGauge   metric.Float64Gauge
}

func NewManager(gateway core.IGateway, store core.IStore, router *execution.Router, userID string, logger core.ILogger) *Manager {
	meter := telemetry.GetMeter("positions")
	exitCounter, _ := meter.Int64Counter("spottrader_position_exits_total",
		metric.WithDescription("Position exits by reason"))
	openGauge, _ := meter.Int64Gauge("spottrader_open_positions",
		metric.WithDescription("Open positions under management"))
	heatGauge, _ := meter.Float64Gauge("spottrader_portfolio_heat",
		metric.WithDescription("Sum of open-position risk relative to equity"))

	return &Manager{
		gateway:     gateway,
		store:       store,
		router:      router,
		userID:      userID,
		logger:      logger.WithField("component", "positions"),
		now:         func() time.Time { return time.Now().UTC() },
		exitCounter: exitCounter,
		openGauge:   openGauge,
		heatGauge:   heatGauge,
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.stripes[h.Sum32()%lockStripes]
}

// MonitorAll is one monitor tick: reconcile resting entry orders, then
// walk every open position. One position's failure never aborts the tick.
func (m *Manager) MonitorAll(ctx context.Context, cfg *core.BotConfig) {
	m.router.SyncPendingEntries(ctx)

	open, err := m.store.OpenPositions(ctx, m.userID)
	if err != nil {
		m.logger.Error("Failed to load open positions", "error", err)
		return
	}
	m.openGauge.Record(ctx, int64(len(open)))

	for i := range open {
		pos := open[i]
		if err := m.CheckPosition(ctx, pos.ID, cfg); err != nil {
			m.logger.Warn("Position check failed", "position_id", pos.ID, "symbol", pos.Symbol, "error", err)
		}
	}
}

// CheckPosition refreshes one position and exits it when an exit condition
// holds. The stop is evaluated before the target so a bar that sweeps both
// resolves as a stop-out.
func (m *Manager) CheckPosition(ctx context.Context, positionID string, cfg *core.BotConfig) error {
	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.Status != core.PositionOpen {
		return nil
	}

	price, err := m.gateway.LastPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	pos.CurrentPrice = price
	pos.UnrealizedPnL = unrealized(pos, price)
	if err := m.store.SavePosition(ctx, pos); err != nil {
		return err
	}

	reason, exit := m.exitReason(pos, price, cfg)
	if !exit {
		return nil
	}

	m.logger.Info("Exit condition met",
		"symbol", pos.Symbol, "position_id", pos.ID, "reason", reason,
		"price", price, "stop", pos.StopPrice, "target", pos.TargetPrice)
	if _, err := m.router.ClosePosition(ctx, pos, reason); err != nil {
		return err
	}
	m.exitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	return nil
}

func (m *Manager) exitReason(pos *core.Position, price decimal.Decimal, cfg *core.BotConfig) (core.CloseReason, bool) {
	if stopHit(pos, price) {
		return core.CloseStopLoss, true
	}
	if targetHit(pos, price) {
		return core.CloseTarget, true
	}
	pb := cfg.PlaybookFor(pos.Playbook)
	if pb.MaxHoldingMinutes > 0 {
		held := m.now().Sub(pos.OpenedAt)
		if held >= time.Duration(pb.MaxHoldingMinutes)*time.Minute {
			return core.CloseTimeStop, true
		}
	}
	return "", false
}

func stopHit(pos *core.Position, price decimal.Decimal) bool {
	if pos.Side == core.PositionLong {
		return price.LessThanOrEqual(pos.StopPrice)
	}
	return price.GreaterThanOrEqual(pos.StopPrice)
}

func targetHit(pos *core.Position, price decimal.Decimal) bool {
	if !pos.TargetPrice.IsPositive() {
		return false
	}
	if pos.Side == core.PositionLong {
		return price.GreaterThanOrEqual(pos.TargetPrice)
	}
	return price.LessThanOrEqual(pos.TargetPrice)
}

func unrealized(pos *core.Position, price decimal.Decimal) decimal.Decimal {
	pnl := price.Sub(pos.EntryPrice).Mul(pos.Quantity)
	if pos.Side == core.PositionShort {
		pnl = pnl.Neg()
	}
	return pnl
}

// Heat returns the portfolio heat of the open book: sum of per-position
// risk divided by equity. Zero equity yields zero heat.
func (m *Manager) Heat(ctx context.Context, equity decimal.Decimal) (decimal.Decimal, error) {
	open, err := m.store.OpenPositions(ctx, m.userID)
	if err != nil {
		return decimal.Zero, err
	}
	if !equity.IsPositive() {
		return decimal.Zero, nil
	}
	total := decimal.Zero
	for i := range open {
		total = total.Add(open[i].Risk())
	}
	heat := total.Div(equity)
	f, _ := heat.Float64()
	m.heatGauge.Record(ctx, f)
	return heat, nil
}

// Close exits one position under its entity lock, used for manual closes
// and flattening. Closing a position that is not OPEN returns nil without
// a trade.
func (m *Manager) Close(ctx context.Context, positionID string, reason core.CloseReason) (*core.Trade, error) {
	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status != core.PositionOpen {
		return nil, nil
	}
	trade, err := m.router.ClosePosition(ctx, pos, reason)
	if err != nil {
		return nil, err
	}
	m.exitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	return trade, nil
}

// CloseAll flattens every open position, used by operator shutdown.
// Failures are collected as warnings; the walk always completes.
func (m *Manager) CloseAll(ctx context.Context, reason core.CloseReason) int {
	open, err := m.store.OpenPositions(ctx, m.userID)
	if err != nil {
		m.logger.Error("Failed to load open positions for flatten", "error", err)
		return 0
	}

	closed := 0
	for i := range open {
		trade, err := m.Close(ctx, open[i].ID, reason)
		if err != nil {
			m.logger.Warn("Flatten failed for position", "position_id", open[i].ID, "error", err)
			continue
		}
		if trade != nil {
			closed++
		}
	}
	return closed
}
