package risk

import (
	"context"
	"fmt"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// maxEntryPrice is the sanity ceiling on candidate entry prices.
	maxEntryPriceUSD = 10_000_000

	// maxPriceDrift rejects candidates whose entry has drifted more than
	// half the current price away.
	maxPriceDrift = 0.50

	// sampleDampBelow scales the fraction down until the playbook has
	// this many closed trades.
	sampleDampBelow = 20
)

var (
	drawdownDampAbove = decimal.NewFromFloat(0.05)
	stopWidthNormal   = decimal.NewFromFloat(0.03)
	equityCapPct      = decimal.NewFromFloat(0.10)
	notionalFloorUSD  = decimal.NewFromInt(100)
	defaultMaxHeat    = decimal.NewFromFloat(0.20)
)

// CooldownReader exposes the live last-executed-signal time per pair.
// The router marks it on every execution, so it is current within a scan
// tick; persisted state backs it across restarts.
type CooldownReader interface {
	Last(symbol string) (time.Time, bool)
}

// Engine sizes candidates and runs the pre-trade gate chain. A refusal is
// returned as *apperrors.RiskBlocked naming the gate.
type Engine struct {
	store      core.IStore
	gateway    core.IGateway
	cooldown   CooldownReader
	logger     core.ILogger
	quoteAsset string
	tier       string
	now        func() time.Time

	heatGauge    metric.Float64Gauge
	blockCounter metric.Int64Counter
}

// NewEngine creates the risk engine. quoteAsset is the account's quote
// currency (reserve checks); tier labels sizing decisions.
func NewEngine(store core.IStore, gateway core.IGateway, cooldown CooldownReader, quoteAsset, tier string, logger core.ILogger) *Engine {
	meter := telemetry.GetMeter("risk")
	heatGauge, _ := meter.Float64Gauge("spottrader_portfolio_heat",
		metric.WithDescription("Open-position risk over equity"))
	blockCounter, _ := meter.Int64Counter("spottrader_risk_blocks_total",
		metric.WithDescription("Candidates refused by gate"))

	return &Engine{
		store:        store,
		gateway:      gateway,
		cooldown:     cooldown,
		logger:       logger.WithField("component", "risk_engine"),
		quoteAsset:   quoteAsset,
		tier:         tier,
		now:          time.Now,
		heatGauge:    heatGauge,
		blockCounter: blockCounter,
	}
}

// Evaluate runs the gate chain against the candidate and, when every gate
// passes, returns the sizing decision. The first failing gate terminates
// the chain.
func (e *Engine) Evaluate(ctx context.Context, sig *core.Signal, current decimal.Decimal, state *core.BotState, cfg *core.BotConfig) (*core.SizingDecision, error) {
	if err := e.entryGates(sig, current); err != nil {
		return nil, e.blocked(ctx, sig, err)
	}

	open, err := e.store.OpenPositions(ctx, state.UserID)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	decision, err := e.size(ctx, sig, state, cfg)
	if err != nil {
		return nil, err
	}

	if err := e.heatGate(ctx, open, decision.RiskAmount, state.CurrentEquity, cfg); err != nil {
		return nil, e.blocked(ctx, sig, err)
	}
	if err := e.cooldownGate(sig, state, cfg); err != nil {
		return nil, e.blocked(ctx, sig, err)
	}
	if err := e.capGates(sig, open, state, cfg); err != nil {
		return nil, e.blocked(ctx, sig, err)
	}
	if state.Status != core.BotActive {
		return nil, e.blocked(ctx, sig, &apperrors.RiskBlocked{
			Gate:   "halt",
			Reason: fmt.Sprintf("bot status %s, entries rejected until reset", state.Status),
		})
	}
	if err := e.reserveGate(ctx, decision.Notional, cfg); err != nil {
		return nil, e.blocked(ctx, sig, err)
	}

	return decision, nil
}

func (e *Engine) entryGates(sig *core.Signal, current decimal.Decimal) error {
	if !sig.Entry.IsPositive() || sig.Entry.GreaterThan(decimal.NewFromInt(maxEntryPriceUSD)) {
		return &apperrors.RiskBlocked{
			Gate:   "entry_sanity",
			Reason: fmt.Sprintf("entry %s outside (0, %d]", sig.Entry, maxEntryPriceUSD),
		}
	}
	if !sig.Stop.IsPositive() {
		return &apperrors.RiskBlocked{
			Gate:   "stop_required",
			Reason: fmt.Sprintf("stop %s must be positive", sig.Stop),
		}
	}
	if current.IsPositive() {
		drift := current.Sub(sig.Entry).Abs().Div(current)
		if drift.GreaterThan(decimal.NewFromFloat(maxPriceDrift)) {
			return &apperrors.RiskBlocked{
				Gate:   "price_drift",
				Reason: fmt.Sprintf("entry %s drifted %s%% from current %s", sig.Entry, drift.Mul(decimal.NewFromInt(100)).Round(1), current),
			}
		}
	}
	return nil
}

// size computes the quarter-Kelly notional with the ordered adjustments.
func (e *Engine) size(ctx context.Context, sig *core.Signal, state *core.BotState, cfg *core.BotConfig) (*core.SizingDecision, error) {
	trades, err := e.store.RecentTrades(ctx, state.UserID, sig.Playbook, fullSampleSize)
	if err != nil {
		return nil, fmt.Errorf("load trade history: %w", err)
	}

	stats := statsFromTrades(trades)
	kelly := kellyFraction(stats)
	adjusted := kelly
	reasoning := []string{
		fmt.Sprintf("kelly %s (p=%s b=%s c=%s n=%d)",
			kelly.Round(4), stats.WinRate.Round(2), stats.Payoff.Round(2), stats.Confidence.Round(2), stats.Samples),
	}

	if dd := state.Drawdown(); dd.GreaterThan(drawdownDampAbove) {
		factor := decimal.NewFromInt(1).Sub(dd.Mul(decimal.NewFromInt(2)))
		if factor.LessThan(decimal.NewFromFloat(0.5)) {
			factor = decimal.NewFromFloat(0.5)
		}
		adjusted = adjusted.Mul(factor)
		reasoning = append(reasoning, fmt.Sprintf("drawdown %s%% damping x%s", dd.Mul(decimal.NewFromInt(100)).Round(1), factor.Round(2)))
	}

	stopDist := sig.Entry.Sub(sig.Stop).Abs().Div(sig.Entry)
	if stopDist.GreaterThan(stopWidthNormal) {
		factor := stopWidthNormal.Div(stopDist)
		adjusted = adjusted.Mul(factor)
		reasoning = append(reasoning, fmt.Sprintf("wide stop %s%% normalization x%s", stopDist.Mul(decimal.NewFromInt(100)).Round(1), factor.Round(2)))
	}

	if stats.Samples < sampleDampBelow {
		factor := decimal.NewFromInt(int64(stats.Samples)).Div(decimal.NewFromInt(sampleDampBelow))
		adjusted = adjusted.Mul(factor)
		reasoning = append(reasoning, fmt.Sprintf("sample %d/%d damping x%s", stats.Samples, sampleDampBelow, factor.Round(2)))
	}

	equity := state.CurrentEquity
	notional := adjusted.Mul(equity)
	if ceiling := equityCapPct.Mul(equity); notional.GreaterThan(ceiling) {
		notional = ceiling
		reasoning = append(reasoning, fmt.Sprintf("capped at %s%% of equity", equityCapPct.Mul(decimal.NewFromInt(100)).Round(0)))
	}
	if notional.LessThan(notionalFloorUSD) {
		notional = notionalFloorUSD
		reasoning = append(reasoning, fmt.Sprintf("floored at $%s notional", notionalFloorUSD))
	}

	qty := notional.Div(sig.Entry)
	return &core.SizingDecision{
		KellyFraction:    kelly,
		AdjustedFraction: adjusted,
		Notional:         notional,
		Quantity:         qty,
		RiskAmount:       sig.Entry.Sub(sig.Stop).Abs().Mul(qty),
		Tier:             e.tier,
		Reasoning:        reasoning,
	}, nil
}

func (e *Engine) heatGate(ctx context.Context, open []core.Position, newRisk, equity decimal.Decimal, cfg *core.BotConfig) error {
	if !equity.IsPositive() {
		return &apperrors.RiskBlocked{Gate: "heat", Reason: "equity is not positive"}
	}

	ceiling := cfg.MaxHeat
	if !ceiling.IsPositive() {
		ceiling = defaultMaxHeat
	}

	atRisk := newRisk
	for i := range open {
		atRisk = atRisk.Add(open[i].Risk())
	}
	heat := atRisk.Div(equity)

	f, _ := heat.Float64()
	e.heatGauge.Record(ctx, f)

	if heat.GreaterThan(ceiling) {
		return &apperrors.RiskBlocked{
			Gate:   "heat",
			Reason: fmt.Sprintf("portfolio heat %s>%s", heat.StringFixed(2), ceiling.StringFixed(2)),
		}
	}
	return nil
}

// cooldownGate checks the live tracker first so that two candidates for
// the same pair within one scan tick cannot both execute; the persisted
// map covers restored state.
func (e *Engine) cooldownGate(sig *core.Signal, state *core.BotState, cfg *core.BotConfig) error {
	if cfg.CooldownMinutes <= 0 {
		return nil
	}
	last, ok := state.LastSignalAt[sig.Symbol]
	if e.cooldown != nil {
		if t, tracked := e.cooldown.Last(sig.Symbol); tracked && t.After(last) {
			last, ok = t, true
		}
	}
	if !ok {
		return nil
	}
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	if elapsed := e.now().Sub(last); elapsed < cooldown {
		return &apperrors.RiskBlocked{
			Gate:   "cooldown",
			Reason: fmt.Sprintf("%s signalled %s ago, cooldown %s", sig.Symbol, elapsed.Round(time.Second), cooldown),
		}
	}
	return nil
}

func (e *Engine) capGates(sig *core.Signal, open []core.Position, state *core.BotState, cfg *core.BotConfig) error {
	if sig.Playbook == core.PlaybookB {
		pc := cfg.PlaybookFor(core.PlaybookB)
		if pc.MaxTradesPerSession > 0 && state.SessionCounts[sig.Symbol] >= pc.MaxTradesPerSession {
			return &apperrors.RiskBlocked{
				Gate:   "playbook_cap",
				Reason: fmt.Sprintf("%s session count %d at limit %d", sig.Symbol, state.SessionCounts[sig.Symbol], pc.MaxTradesPerSession),
			}
		}
	}
	if cfg.MaxConcurrentPositions > 0 && len(open) >= cfg.MaxConcurrentPositions {
		return &apperrors.RiskBlocked{
			Gate:   "playbook_cap",
			Reason: fmt.Sprintf("%d open positions at limit %d", len(open), cfg.MaxConcurrentPositions),
		}
	}
	return nil
}

// reserveGate refuses entries that would draw the free quote balance
// below the reserve floor.
func (e *Engine) reserveGate(ctx context.Context, notional decimal.Decimal, cfg *core.BotConfig) error {
	if !cfg.ReserveFloor.IsPositive() {
		return nil
	}
	free, err := e.gateway.Balance(ctx, e.quoteAsset)
	if err != nil {
		e.logger.Warn("Reserve check skipped, balance unavailable", "asset", e.quoteAsset, "error", err)
		return nil
	}
	if free.Sub(notional).LessThan(cfg.ReserveFloor) {
		return &apperrors.RiskBlocked{
			Gate:   "reserve",
			Reason: fmt.Sprintf("free %s %s minus notional %s below reserve floor %s", e.quoteAsset, free, notional.Round(2), cfg.ReserveFloor),
		}
	}
	return nil
}

func (e *Engine) blocked(ctx context.Context, sig *core.Signal, err error) error {
	if rb, ok := err.(*apperrors.RiskBlocked); ok {
		e.blockCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gate", rb.Gate),
			attribute.String("playbook", string(sig.Playbook)),
		))
		e.logger.Info("Candidate blocked", "symbol", sig.Symbol, "playbook", sig.Playbook, "gate", rb.Gate, "reason", rb.Reason)
	}
	return err
}
