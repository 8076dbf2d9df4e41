// Package signals turns market snapshots into typed entry candidates via
// four independent playbooks.
package signals

import (
	"context"

	"spottrader/internal/core"
	"spottrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	hourlyBarCount = 24
	fiveMinBars    = 12
)

// Generator runs every enabled playbook against a snapshot. Playbooks are
// independent; one playbook's failure never suppresses the others.
type Generator struct {
	gateway          core.IGateway
	logger           core.ILogger
	impulseThreshold decimal.Decimal

	signalCounter metric.Int64Counter
}

// NewGenerator creates a generator. impulseThreshold is the tier-selected
// minimum excursion for event-burst entries (a fraction, e.g. 0.04).
func NewGenerator(gateway core.IGateway, impulseThreshold decimal.Decimal, logger core.ILogger) *Generator {
	meter := telemetry.GetMeter("signals")
	signalCounter, _ := meter.Int64Counter("spottrader_signals_total",
		metric.WithDescription("Signals produced by playbook"))

	return &Generator{
		gateway:          gateway,
		logger:           logger.WithField("component", "signal_generator"),
		impulseThreshold: impulseThreshold,
		signalCounter:    signalCounter,
	}
}

// Generate returns every valid candidate for the snapshot. Candidates
// failing the shape validator are dropped with a log line.
func (g *Generator) Generate(ctx context.Context, snap *core.MarketSnapshot, cfg *core.BotConfig) []*core.Signal {
	var out []*core.Signal

	for _, candidate := range g.runPlaybooks(ctx, snap, cfg) {
		if candidate == nil {
			continue
		}
		if err := candidate.Validate(); err != nil {
			g.logger.Warn("Dropping malformed signal", "playbook", candidate.Playbook, "error", err)
			continue
		}
		g.signalCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("playbook", string(candidate.Playbook)),
			attribute.String("symbol", candidate.Symbol),
		))
		out = append(out, candidate)
	}
	return out
}

func (g *Generator) runPlaybooks(ctx context.Context, snap *core.MarketSnapshot, cfg *core.BotConfig) []*core.Signal {
	candidates := make([]*core.Signal, 0, 4)

	if pc := cfg.PlaybookFor(core.PlaybookA); pc.Enabled {
		klines1h, err := g.gateway.Klines(ctx, snap.Symbol, "1h", hourlyBarCount)
		if err != nil {
			g.logger.Warn("Playbook A skipped, hourly bars unavailable", "symbol", snap.Symbol, "error", err)
		} else if sig, err := playbookA(snap, klines1h, pc); err != nil {
			g.logger.Debug("Playbook A not applicable", "symbol", snap.Symbol, "error", err)
		} else {
			candidates = append(candidates, sig)
		}
	}

	if pc := cfg.PlaybookFor(core.PlaybookB); pc.Enabled {
		if sig, err := playbookB(snap, pc); err != nil {
			g.logger.Debug("Playbook B not applicable", "symbol", snap.Symbol, "error", err)
		} else {
			candidates = append(candidates, sig)
		}
	}

	if pc := cfg.PlaybookFor(core.PlaybookC); pc.Enabled {
		klines5m, err := g.gateway.Klines(ctx, snap.Symbol, "5m", fiveMinBars)
		if err != nil {
			g.logger.Warn("Playbook C skipped, five-minute bars unavailable", "symbol", snap.Symbol, "error", err)
		} else if sig, err := playbookC(snap, klines5m, g.impulseThreshold, pc); err != nil {
			g.logger.Debug("Playbook C not applicable", "symbol", snap.Symbol, "error", err)
		} else {
			candidates = append(candidates, sig)
		}
	}

	if pc := cfg.PlaybookFor(core.PlaybookD); pc.Enabled {
		if sig, err := playbookD(snap, pc); err != nil {
			g.logger.Debug("Playbook D not applicable", "symbol", snap.Symbol, "error", err)
		} else {
			candidates = append(candidates, sig)
		}
	}

	return candidates
}
