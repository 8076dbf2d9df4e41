// Package engine hosts the supervisor that schedules the trading loops
// and owns the engine lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"spottrader/internal/core"
	"spottrader/internal/execution"
	"spottrader/internal/filters"
	"spottrader/internal/health"
	"spottrader/internal/positions"
	"spottrader/internal/risk"
	"spottrader/internal/safety"
	"spottrader/internal/scanner"
	"spottrader/internal/signals"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	listenKeyInterval     = 30 * time.Minute
	healthInterval        = time.Minute
	filterRefreshInterval = 24 * time.Hour

	// wsStaleAfter marks the ticker stream unhealthy when no update
	// arrived for this long.
	wsStaleAfter = 2 * time.Minute
)

// Deps are the collaborators the supervisor schedules.
type Deps struct {
	Gateway   core.IGateway
	Store     core.IStore
	Filters   *filters.Service
	Scanner   *scanner.Scanner
	Generator *signals.Generator
	Risk      *risk.Engine
	Router    *execution.Router
	Positions *positions.Manager
	Safety    *safety.Checker
	Health    *health.Manager
	Cooldown  *scanner.CooldownTracker
	Logger    core.ILogger
}

// Options are the per-deployment knobs.
type Options struct {
	UserID          string
	QuoteAsset      string
	ScanInterval    time.Duration
	MonitorInterval time.Duration
	BotConfig       *core.BotConfig
}

// Supervisor runs the engine: pre-flight, state restore, the scan and
// monitor loops, listen-key keepalive, filter refresh and health ticks.
// It is the single writer of BotState; realized trades flow back through
// the router's trade hook.
type Supervisor struct {
	deps   Deps
	opts   Options
	logger core.ILogger
	nowFn  func() time.Time

	stateMu sync.Mutex
	state   *core.BotState

	scanning     atomic.Bool
	lastTickerAt atomic.Int64
	lastScanAt   atomic.Int64
	listenKey    string

	skippedTicks  metric.Int64Counter
	recordCounter metric.Int64Counter
}

func NewSupervisor(deps Deps, opts Options) *Supervisor {
	meter := telemetry.GetMeter("engine")
	skippedTicks, _ := meter.Int64Counter("spottrader_scan_ticks_skipped_total",
		metric.WithDescription("Scan ticks skipped because the previous tick was still running"))
	recordCounter, _ := meter.Int64Counter("spottrader_signal_records_total",
		metric.WithDescription("Signal outcomes by action"))

	return &Supervisor{
		deps:          deps,
		opts:          opts,
		logger:        deps.Logger.WithField("component", "supervisor"),
		nowFn:         func() time.Time { return time.Now().UTC() },
		skippedTicks:  skippedTicks,
		recordCounter: recordCounter,
	}
}

// Start brings the engine to a trading-ready state: pre-flight checks,
// bot state restore, filter warm-up, ticker subscription and the user
// data stream listen key.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.deps.Safety.Check(ctx, s.opts.BotConfig, s.opts.QuoteAsset); err != nil {
		return fmt.Errorf("pre-flight check failed: %w", err)
	}

	if err := s.warmFilters(ctx); err != nil {
		return err
	}

	state, err := s.loadOrCreateState(ctx)
	if err != nil {
		return err
	}
	s.state = state
	s.deps.Cooldown.Restore(state.LastSignalAt)

	if err := s.deps.Gateway.SubscribeTicker(s.opts.BotConfig.Universe, s.onTicker); err != nil {
		return fmt.Errorf("subscribe ticker stream: %w", err)
	}

	key, err := s.deps.Gateway.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	s.listenKey = key

	s.deps.Router.OnTrade(s.onTrade)
	s.registerHealthChecks()

	s.logger.Info("Engine started",
		"universe", len(s.opts.BotConfig.Universe),
		"scan_interval", s.opts.ScanInterval,
		"monitor_interval", s.opts.MonitorInterval,
		"status", state.Status)
	return nil
}

// Stop releases venue resources and persists the final state. Safe to
// call after a failed Start.
func (s *Supervisor) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.deps.Gateway.UnsubscribeTicker(); err != nil {
		s.logger.Warn("Ticker unsubscribe failed", "error", err)
	}
	if s.listenKey != "" {
		if err := s.deps.Gateway.DeleteListenKey(ctx, s.listenKey); err != nil {
			s.logger.Warn("Listen key delete failed", "error", err)
		}
	}
	if s.state != nil {
		s.saveState(ctx)
	}
	s.logger.Info("Engine stopped")
}

// Run implements the bootstrap runner: Start, then the periodic tasks
// until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	s.deps.Filters.StartDailyRefresh(ctx, filterRefreshInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.opts.ScanInterval, s.scanTick) })
	g.Go(func() error { return s.loop(ctx, s.opts.MonitorInterval, s.monitorTick) })
	g.Go(func() error { return s.loop(ctx, listenKeyInterval, s.keepAliveTick) })
	g.Go(func() error { return s.loop(ctx, healthInterval, s.healthTick) })
	return g.Wait()
}

// loop runs fn immediately and then on every interval until ctx ends.
func (s *Supervisor) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// scanTick is one pass of the entry pipeline: rollover, kill switch,
// scan, generate, gate, execute, persist outcomes. A tick that would
// start while the previous one still runs is skipped, never queued.
func (s *Supervisor) scanTick(ctx context.Context) {
	if !s.scanning.CompareAndSwap(false, true) {
		s.skippedTicks.Add(ctx, 1)
		s.logger.Warn("Scan tick skipped, previous still running")
		return
	}
	defer s.scanning.Store(false)

	tickID := strings.Split(uuid.NewString(), "-")[0]
	log := s.logger.WithField("tick_id", tickID)
	now := s.nowFn()

	equity := s.currentEquity(ctx)

	s.stateMu.Lock()
	state := s.state
	s.deps.Risk.RolloverCounters(state, state.UpdatedAt)
	if equity.IsPositive() {
		state.CurrentEquity = equity
		if equity.GreaterThan(state.PeakEquity) {
			state.PeakEquity = equity
		}
	}
	halted := s.deps.Risk.CheckKillSwitch(ctx, state, s.opts.BotConfig)
	state.LastScanAt = now
	state.UpdatedAt = now
	stateCopy := *state
	s.stateMu.Unlock()
	s.saveState(ctx)

	if halted {
		log.Debug("Entries halted, scan skipped", "status", stateCopy.Status)
		s.lastScanAt.Store(now.Unix())
		return
	}

	snaps := s.deps.Scanner.ScanAll(ctx, s.opts.BotConfig)
	for _, symbol := range sortedKeys(snaps) {
		snap := snaps[symbol]
		if !snap.GatePassed {
			continue
		}
		for _, sig := range s.deps.Generator.Generate(ctx, snap, s.opts.BotConfig) {
			s.handleSignal(ctx, log, sig, snap, &stateCopy)
		}
	}

	s.stateMu.Lock()
	s.state.LastSignalAt = s.deps.Cooldown.Snapshot()
	s.state.Snapshots = snapshotMap(snaps)
	s.state.UpdatedAt = s.nowFn()
	s.stateMu.Unlock()
	s.saveState(ctx)

	s.lastScanAt.Store(now.Unix())
	log.Debug("Scan tick done", "pairs", len(snaps), "elapsed", s.nowFn().Sub(now).Round(time.Millisecond))
}

// handleSignal sizes one candidate and executes it when every gate
// passes. Every candidate leaves a SignalRecord either way.
func (s *Supervisor) handleSignal(ctx context.Context, log core.ILogger, sig *core.Signal, snap *core.MarketSnapshot, state *core.BotState) {
	current, err := s.deps.Gateway.LastPrice(ctx, sig.Symbol)
	if err != nil || !current.IsPositive() {
		current = snap.LastPrice
	}

	decision, err := s.deps.Risk.Evaluate(ctx, sig, current, state, s.opts.BotConfig)
	if err != nil {
		var rb *apperrors.RiskBlocked
		if errors.As(err, &rb) {
			s.recordSignal(ctx, sig, core.SignalSkipped, rb.Reason)
			return
		}
		log.Error("Risk evaluation failed", "symbol", sig.Symbol, "playbook", sig.Playbook, "error", err)
		return
	}

	if _, _, err := s.deps.Router.Execute(ctx, sig, decision, snap.VWAP, s.opts.BotConfig); err != nil {
		s.recordSignal(ctx, sig, core.SignalSkipped, err.Error())
		return
	}
	s.recordSignal(ctx, sig, core.SignalExecuted, strings.Join(decision.Reasoning, "; "))

	if sig.Playbook == core.PlaybookB {
		s.stateMu.Lock()
		if s.state.SessionCounts == nil {
			s.state.SessionCounts = make(map[string]int)
		}
		s.state.SessionCounts[sig.Symbol]++
		state.SessionCounts = s.state.SessionCounts
		s.stateMu.Unlock()
	}
}

func (s *Supervisor) monitorTick(ctx context.Context) {
	s.deps.Positions.MonitorAll(ctx, s.opts.BotConfig)
}

func (s *Supervisor) keepAliveTick(ctx context.Context) {
	if s.listenKey == "" {
		return
	}
	if err := s.deps.Gateway.KeepAliveListenKey(ctx, s.listenKey); err != nil {
		s.logger.Warn("Listen key keepalive failed", "error", err)
	}
}

func (s *Supervisor) healthTick(ctx context.Context) {
	s.deps.Health.LogDegradation()
}

// onTicker tracks stream liveness; the gateway keeps the price itself.
func (s *Supervisor) onTicker(u *core.TickerUpdate) {
	s.lastTickerAt.Store(time.Now().Unix())
}

// onTrade rolls a realized trade into the R counters that feed the kill
// switch.
func (s *Supervisor) onTrade(trade *core.Trade) {
	s.stateMu.Lock()
	st := s.state
	st.DailyPnL = st.DailyPnL.Add(trade.RealizedPnL)
	st.WeeklyPnL = st.WeeklyPnL.Add(trade.RealizedPnL)
	st.DailyR = st.DailyR.Add(trade.RealizedR)
	st.WeeklyR = st.WeeklyR.Add(trade.RealizedR)
	st.CurrentEquity = st.CurrentEquity.Add(trade.RealizedPnL)
	if st.CurrentEquity.GreaterThan(st.PeakEquity) {
		st.PeakEquity = st.CurrentEquity
	}
	st.UpdatedAt = s.nowFn()
	s.stateMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.saveState(ctx)
}

// ResetHalt is the operator reset after a kill-switch trip.
func (s *Supervisor) ResetHalt(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.deps.Risk.ResetHalt(ctx, s.state)
}

// ClosePosition closes one position manually through the monitor's
// locking discipline.
func (s *Supervisor) ClosePosition(ctx context.Context, positionID string) (*core.Trade, error) {
	return s.deps.Positions.Close(ctx, positionID, core.CloseManual)
}

// Flatten closes every open position, operator initiated.
func (s *Supervisor) Flatten(ctx context.Context) int {
	return s.deps.Positions.CloseAll(ctx, core.CloseManual)
}

// Status reports the engine view for the outer API layer.
func (s *Supervisor) Status() map[string]interface{} {
	s.stateMu.Lock()
	st := *s.state
	s.stateMu.Unlock()

	return map[string]interface{}{
		"status":         string(st.Status),
		"current_equity": st.CurrentEquity.String(),
		"peak_equity":    st.PeakEquity.String(),
		"daily_r":        st.DailyR.String(),
		"weekly_r":       st.WeeklyR.String(),
		"last_scan_at":   st.LastScanAt,
		"healthy":        s.deps.Health.IsHealthy(),
		"components":     s.deps.Health.GetStatus(),
	}
}

// warmFilters loads the venue trading rules, falling back to the last
// persisted snapshot when the venue call fails at boot.
func (s *Supervisor) warmFilters(ctx context.Context) error {
	err := s.deps.Filters.Refresh(ctx)
	if err == nil {
		return nil
	}
	s.logger.Warn("Exchange info refresh failed at boot, trying persisted snapshot", "error", err)

	pairs, err := s.deps.Store.LoadExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("no exchange info available: venue refresh failed and no persisted snapshot: %w", err)
	}
	s.deps.Filters.Seed(pairs)
	s.logger.Info("Filters seeded from persisted exchange info", "pairs", len(pairs))
	return nil
}

// loadOrCreateState restores the bot state or creates a fresh one with
// the current free quote balance as starting equity.
func (s *Supervisor) loadOrCreateState(ctx context.Context) (*core.BotState, error) {
	state, err := s.deps.Store.LoadBotState(ctx, s.opts.UserID)
	if err == nil {
		s.logger.Info("Bot state restored",
			"status", state.Status, "equity", state.CurrentEquity, "daily_r", state.DailyR)
		return state, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("load bot state: %w", err)
	}

	equity, berr := s.deps.Gateway.Balance(ctx, s.opts.QuoteAsset)
	if berr != nil {
		return nil, fmt.Errorf("read starting balance: %w", berr)
	}

	now := s.nowFn()
	state = &core.BotState{
		UserID:         s.opts.UserID,
		StartingEquity: equity,
		CurrentEquity:  equity,
		PeakEquity:     equity,
		Status:         core.BotActive,
		LastSignalAt:   make(map[string]time.Time),
		SessionCounts:  make(map[string]int),
		UpdatedAt:      now,
	}
	if err := s.deps.Store.SaveBotState(ctx, state); err != nil {
		return nil, fmt.Errorf("persist initial bot state: %w", err)
	}
	s.logger.Info("Fresh bot state created", "starting_equity", equity)
	return state, nil
}

// currentEquity marks the account to market: free quote plus open
// positions at their latest price.
func (s *Supervisor) currentEquity(ctx context.Context) decimal.Decimal {
	free, err := s.deps.Gateway.Balance(ctx, s.opts.QuoteAsset)
	if err != nil {
		s.logger.Warn("Equity refresh skipped, balance unavailable", "error", err)
		return decimal.Zero
	}

	open, err := s.deps.Store.OpenPositions(ctx, s.opts.UserID)
	if err != nil {
		s.logger.Warn("Equity refresh skipped, positions unavailable", "error", err)
		return decimal.Zero
	}
	total := free
	for i := range open {
		price := open[i].CurrentPrice
		if !price.IsPositive() {
			price = open[i].EntryPrice
		}
		total = total.Add(price.Mul(open[i].Quantity))
	}
	return total
}

func (s *Supervisor) recordSignal(ctx context.Context, sig *core.Signal, action core.SignalAction, reason string) {
	rec := &core.SignalRecord{
		Signal: *sig,
		UserID: s.opts.UserID,
		Action: action,
		Reason: reason,
		At:     s.nowFn(),
	}
	if err := s.deps.Store.SaveSignalRecord(ctx, rec); err != nil {
		s.logger.Error("Failed to persist signal record", "symbol", sig.Symbol, "error", err)
	}
	s.recordCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("playbook", string(sig.Playbook)),
	))
}

func (s *Supervisor) saveState(ctx context.Context) {
	s.stateMu.Lock()
	st := *s.state
	s.stateMu.Unlock()
	if err := s.deps.Store.SaveBotState(ctx, &st); err != nil {
		s.logger.Error("Failed to persist bot state", "error", err)
	}
}

func (s *Supervisor) registerHealthChecks() {
	s.deps.Health.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.deps.Store.Ping(ctx)
	})
	s.deps.Health.Register("ticker_stream", func() error {
		last := s.lastTickerAt.Load()
		if last == 0 {
			return nil // not yet received, grace until first update
		}
		if age := time.Since(time.Unix(last, 0)); age > wsStaleAfter {
			return fmt.Errorf("no ticker update for %s", age.Round(time.Second))
		}
		return nil
	})
	s.deps.Health.Register("scan_loop", func() error {
		last := s.lastScanAt.Load()
		if last == 0 {
			return nil
		}
		if age := time.Since(time.Unix(last, 0)); age > 3*s.opts.ScanInterval {
			return fmt.Errorf("last scan tick %s ago", age.Round(time.Second))
		}
		return nil
	})
}

func sortedKeys(m map[string]*core.MarketSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func snapshotMap(snaps map[string]*core.MarketSnapshot) map[string]core.MarketSnapshot {
	out := make(map[string]core.MarketSnapshot, len(snaps))
	for k, v := range snaps {
		out[k] = *v
	}
	return out
}
