package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spottrader/internal/core"
	"spottrader/pkg/concurrency"
	"spottrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const klinePageSize = 50

// Scanner snapshots market state for the configured universe and applies
// the liquidity quality gates.
type Scanner struct {
	gateway core.IGateway
	pool    *concurrency.WorkerPool
	logger  core.ILogger

	tickCounter metric.Int64Counter
	gateCounter metric.Int64Counter
}

func NewScanner(gateway core.IGateway, pool *concurrency.WorkerPool, logger core.ILogger) *Scanner {
	meter := telemetry.GetMeter("scanner")
	tickCounter, _ := meter.Int64Counter("spottrader_scan_ticks_total",
		metric.WithDescription("Market scan ticks completed"))
	gateCounter, _ := meter.Int64Counter("spottrader_gate_verdicts_total",
		metric.WithDescription("Quality gate verdicts by outcome"))

	return &Scanner{
		gateway:     gateway,
		pool:        pool,
		logger:      logger.WithField("component", "scanner"),
		tickCounter: tickCounter,
		gateCounter: gateCounter,
	}
}

// ScanAll snapshots every pair in the universe, fanning the work out on
// the pool. One pair's failure never aborts the tick; failed pairs are
// simply absent from the result.
func (s *Scanner) ScanAll(ctx context.Context, cfg *core.BotConfig) map[string]*core.MarketSnapshot {
	var mu sync.Mutex
	results := make(map[string]*core.MarketSnapshot, len(cfg.Universe))

	group := s.pool.Group()
	for _, symbol := range cfg.Universe {
		symbol := symbol
		group.Submit(func() {
			snap, err := s.Snapshot(ctx, symbol, cfg)
			if err != nil {
				s.logger.Warn("Pair scan failed", "symbol", symbol, "error", err)
				return
			}
			mu.Lock()
			results[symbol] = snap
			mu.Unlock()
		})
	}
	group.Wait()

	s.tickCounter.Add(ctx, 1)
	return results
}

// Snapshot builds the per-pair market snapshot and gate verdict.
func (s *Scanner) Snapshot(ctx context.Context, symbol string, cfg *core.BotConfig) (*core.MarketSnapshot, error) {
	ticker, err := s.gateway.Ticker24h(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch 24h ticker for %s: %w", symbol, err)
	}

	klines, err := s.gateway.Klines(ctx, symbol, "15m", klinePageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}

	lastPrice, err := s.gateway.LastPrice(ctx, symbol)
	if err != nil || !lastPrice.IsPositive() {
		lastPrice = ticker.LastPrice
	}

	snap := &core.MarketSnapshot{
		Symbol:      symbol,
		At:          time.Now().UTC(),
		LastPrice:   lastPrice,
		QuoteVolume: ticker.QuoteVolume,
		BidPrice:    ticker.BidPrice,
		BidQty:      ticker.BidQty,
		AskPrice:    ticker.AskPrice,
		AskQty:      ticker.AskQty,
		SpreadBps:   SpreadBps(ticker.BidPrice, ticker.AskPrice),
		Klines15m:   klines,
	}

	if atr, err := ATR(klines); err == nil {
		snap.ATR = atr
	} else {
		s.logger.Debug("ATR unavailable", "symbol", symbol, "error", err)
	}
	if vwap, err := SessionVWAP(klines, snap.At); err == nil {
		snap.VWAP = vwap
	}

	snap.GatePassed, snap.GateFailures = s.applyGates(snap, cfg)

	outcome := "pass"
	if !snap.GatePassed {
		outcome = "fail"
	}
	s.gateCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("outcome", outcome),
	))

	return snap, nil
}

// applyGates checks 24h volume, spread and top-of-book depth, returning
// every failure reason.
func (s *Scanner) applyGates(snap *core.MarketSnapshot, cfg *core.BotConfig) (bool, []string) {
	var failures []string

	if snap.QuoteVolume.LessThan(cfg.MinQuoteVolume) {
		failures = append(failures, fmt.Sprintf("24h quote volume %s below minimum %s",
			snap.QuoteVolume, cfg.MinQuoteVolume))
	}
	if snap.SpreadBps.GreaterThan(cfg.MaxSpread) {
		failures = append(failures, fmt.Sprintf("spread %s above maximum %s",
			snap.SpreadBps, cfg.MaxSpread))
	}

	bidDepth := snap.BidPrice.Mul(snap.BidQty)
	askDepth := snap.AskPrice.Mul(snap.AskQty)
	depth := decimal.Min(bidDepth, askDepth)
	if depth.LessThan(cfg.MinTOBDepth) {
		failures = append(failures, fmt.Sprintf("top-of-book depth %s below minimum %s",
			depth, cfg.MinTOBDepth))
	}

	return len(failures) == 0, failures
}
