package engine

import (
	"context"
	"testing"
	"time"

	"spottrader/internal/core"
	"spottrader/internal/execution"
	"spottrader/internal/filters"
	"spottrader/internal/health"
	"spottrader/internal/mock"
	"spottrader/internal/positions"
	"spottrader/internal/risk"
	"spottrader/internal/safety"
	"spottrader/internal/scanner"
	"spottrader/internal/signals"
	"spottrader/internal/store"
	"spottrader/pkg/concurrency"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func supervisorCfg() *core.BotConfig {
	return &core.BotConfig{
		UserID:                 "u1",
		Universe:               []string{"BTCUSDT"},
		MinQuoteVolume:         dec("1000000"),
		MaxSpread:              dec("10"),
		MinTOBDepth:            dec("500"),
		RPct:                   dec("0.0064"),
		MaxHeat:                dec("0.20"),
		MaxConcurrentPositions: 3,
		ReserveTarget:          dec("0.30"),
		ReserveFloor:           decimal.Zero,
		SlippageLimitBps:       dec("20"),
		EventSlippageLimitBps:  dec("50"),
		Playbooks: map[core.Playbook]core.PlaybookConfig{
			core.PlaybookB: {Enabled: true, MaxTradesPerSession: 2},
		},
	}
}

func testSupervisor(t *testing.T) (*Supervisor, *mock.Gateway, *store.MemoryStore) {
	t.Helper()
	gw := mock.NewGateway()
	gw.Prices["BTCUSDT"] = dec("50000")
	gw.Pairs["BTCUSDT"] = core.Pair{
		Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		TickSize: dec("0.01"), StepSize: dec("0.00001"),
		MinPrice: dec("0.01"), MaxPrice: dec("1000000"),
		MinQty: dec("0.00001"), MaxQty: dec("9000"), MinNotional: dec("10"),
	}
	gw.Balances["USDT"] = dec("10000")

	st := store.NewMemoryStore()
	logger := &mock.Logger{}
	fs := filters.NewService(gw, st, logger)
	cooldown := scanner.NewCooldownTracker()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "scan", MaxWorkers: 2}, logger)
	sc := scanner.NewScanner(gw, pool, logger)
	gen := signals.NewGenerator(gw, dec("0.02"), logger)
	riskEngine := risk.NewEngine(st, gw, cooldown, "USDT", "TIER_2_MODERATE", logger)
	router := execution.NewRouter(gw, fs, st, cooldown, execution.Config{}, "u1", logger)
	posMgr := positions.NewManager(gw, st, router, "u1", logger)

	sup := NewSupervisor(Deps{
		Gateway:   gw,
		Store:     st,
		Filters:   fs,
		Scanner:   sc,
		Generator: gen,
		Risk:      riskEngine,
		Router:    router,
		Positions: posMgr,
		Safety:    safety.NewChecker(gw, st, logger),
		Health:    health.NewManager(logger),
		Cooldown:  cooldown,
		Logger:    logger,
	}, Options{
		UserID:          "u1",
		QuoteAsset:      "USDT",
		ScanInterval:    time.Minute,
		MonitorInterval: 30 * time.Second,
		BotConfig:       supervisorCfg(),
	})
	return sup, gw, st
}

func TestStart_CreatesStateAndSubscribes(t *testing.T) {
	sup, gw, st := testSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	state, err := st.LoadBotState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.BotActive, state.Status)
	assert.Equal(t, "10000", state.StartingEquity.String())

	assert.Equal(t, []string{"BTCUSDT"}, gw.Subscribed())
	assert.NotEmpty(t, sup.listenKey)
	assert.True(t, sup.deps.Health.IsHealthy())
}

func TestStart_FailsPreFlightOnEmptyBalance(t *testing.T) {
	sup, gw, _ := testSupervisor(t)
	gw.Balances["USDT"] = decimal.Zero

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-flight")
}

func TestStart_RestoresExistingState(t *testing.T) {
	sup, _, st := testSupervisor(t)
	ctx := context.Background()

	prior := &core.BotState{
		UserID:         "u1",
		StartingEquity: dec("8000"),
		CurrentEquity:  dec("9000"),
		PeakEquity:     dec("9500"),
		Status:         core.BotHaltedDaily,
		LastSignalAt:   map[string]time.Time{"BTCUSDT": time.Now().Add(-time.Hour)},
		UpdatedAt:      time.Now(),
	}
	require.NoError(t, st.SaveBotState(ctx, prior))

	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	assert.Equal(t, core.BotHaltedDaily, sup.state.Status)
	_, marked := sup.deps.Cooldown.Last("BTCUSDT")
	assert.True(t, marked)
}

func TestScanTick_UpdatesStateWithoutCandidates(t *testing.T) {
	sup, _, st := testSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	// No 24h ticker fixtures: every pair fails to snapshot and the tick
	// completes empty.
	sup.scanTick(ctx)

	state, err := st.LoadBotState(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, state.LastScanAt.IsZero())
	assert.Empty(t, st.SignalRecords())
}

func TestScanTick_SkipsWhileRunning(t *testing.T) {
	sup, _, _ := testSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	sup.scanning.Store(true)
	before := sup.state.LastScanAt
	sup.scanTick(ctx)
	assert.Equal(t, before, sup.state.LastScanAt)
}

func signalFixture(playbook core.Playbook) (*core.Signal, *core.MarketSnapshot) {
	sig := &core.Signal{
		ID:        "sig-1",
		Symbol:    "BTCUSDT",
		Playbook:  playbook,
		Side:      core.SideBuy,
		Entry:     dec("50000"),
		Stop:      dec("49680"),
		Reason:    "fixture",
		CreatedAt: time.Now().UTC(),
	}
	snap := &core.MarketSnapshot{
		Symbol:    "BTCUSDT",
		LastPrice: dec("50000"),
		VWAP:      dec("49900"),
	}
	return sig, snap
}

func TestHandleSignal_ExecutesAndRecords(t *testing.T) {
	sup, gw, st := testSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	gw.FillAllOrders = true
	sig, snap := signalFixture(core.PlaybookB)
	sup.stateMu.Lock()
	stateCopy := *sup.state
	sup.stateMu.Unlock()

	sup.handleSignal(ctx, sup.logger, sig, snap, &stateCopy)

	records := st.SignalRecords()
	require.Len(t, records, 1)
	assert.Equal(t, core.SignalExecuted, records[0].Action)

	open, err := st.OpenPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, open, 1)

	assert.Equal(t, 1, sup.state.SessionCounts["BTCUSDT"])
}

// Two playbooks firing for the same pair in one tick: the first executes,
// the second must sit out the cooldown even though the tick's state copy
// predates the first fill.
func TestHandleSignal_SamePairSameTickCooldown(t *testing.T) {
	sup, gw, st := testSupervisor(t)
	sup.opts.BotConfig.CooldownMinutes = 30
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	gw.FillAllOrders = true
	first, snap := signalFixture(core.PlaybookA)
	second := *first
	second.ID = "sig-2"
	second.Playbook = core.PlaybookD

	sup.stateMu.Lock()
	stateCopy := *sup.state
	sup.stateMu.Unlock()

	sup.handleSignal(ctx, sup.logger, first, snap, &stateCopy)
	sup.handleSignal(ctx, sup.logger, &second, snap, &stateCopy)

	records := st.SignalRecords()
	require.Len(t, records, 2)
	assert.Equal(t, core.SignalExecuted, records[0].Action)
	assert.Equal(t, core.SignalSkipped, records[1].Action)
	assert.Contains(t, records[1].Reason, "cooldown")

	open, err := st.OpenPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestHandleSignal_RiskBlockRecordsSkip(t *testing.T) {
	sup, _, st := testSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	sig, snap := signalFixture(core.PlaybookA)
	sup.stateMu.Lock()
	sup.state.Status = core.BotHaltedDaily
	stateCopy := *sup.state
	sup.stateMu.Unlock()

	sup.handleSignal(ctx, sup.logger, sig, snap, &stateCopy)

	records := st.SignalRecords()
	require.Len(t, records, 1)
	assert.Equal(t, core.SignalSkipped, records[0].Action)
	assert.Contains(t, records[0].Reason, "rejected until reset")

	open, err := st.OpenPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOnTrade_RollsRealizedIntoState(t *testing.T) {
	sup, _, _ := testSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	sup.onTrade(&core.Trade{
		RealizedPnL: dec("-50"),
		RealizedR:   dec("-1.5"),
	})

	assert.Equal(t, "-50", sup.state.DailyPnL.String())
	assert.Equal(t, "-1.5", sup.state.DailyR.String())
	assert.Equal(t, "9950", sup.state.CurrentEquity.String())
}

func TestKillSwitch_HaltsEntriesUntilReset(t *testing.T) {
	sup, _, st := testSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	cfg := sup.opts.BotConfig
	cfg.DailyRLimit = dec("3")
	sup.onTrade(&core.Trade{RealizedPnL: dec("-100"), RealizedR: dec("-3.5")})

	sup.scanTick(ctx)
	state, err := st.LoadBotState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.BotHaltedDaily, state.Status)

	require.NoError(t, sup.ResetHalt(ctx))
	state, err = st.LoadBotState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.BotActive, state.Status)
}

func TestStatus_ReportsEngineView(t *testing.T) {
	sup, _, _ := testSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	status := sup.Status()
	assert.Equal(t, "ACTIVE", status["status"])
	assert.Equal(t, true, status["healthy"])
}
