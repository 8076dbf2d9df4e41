package execution

import (
	"context"
	"testing"
	"time"

	"spottrader/internal/core"
	"spottrader/internal/filters"
	"spottrader/internal/mock"
	"spottrader/internal/scanner"
	"spottrader/internal/store"
	apperrors "spottrader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type MockLogger struct{}

func (m *MockLogger) Debug(msg string, fields ...interface{})               {}
func (m *MockLogger) Info(msg string, fields ...interface{})                {}
func (m *MockLogger) Warn(msg string, fields ...interface{})                {}
func (m *MockLogger) Error(msg string, fields ...interface{})               {}
func (m *MockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *MockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *MockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func btcPair() core.Pair {
	return core.Pair{
		Symbol:      "BTCUSDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		TickSize:    dec("0.01"),
		StepSize:    dec("0.00001"),
		MinPrice:    dec("0.01"),
		MaxPrice:    dec("1000000"),
		MinQty:      dec("0.00001"),
		MaxQty:      dec("9000"),
		MinNotional: dec("10"),
	}
}

func testRouter(t *testing.T, cfg Config) (*Router, *mock.Gateway, *store.MemoryStore) {
	t.Helper()
	gw := mock.NewGateway()
	gw.Prices["BTCUSDT"] = dec("50000")
	gw.Pairs["BTCUSDT"] = btcPair()

	fs := filters.NewService(gw, nil, &MockLogger{})
	fs.Seed(map[string]core.Pair{"BTCUSDT": btcPair()})

	st := store.NewMemoryStore()
	r := NewRouter(gw, fs, st, scanner.NewCooldownTracker(), cfg, "u1", &MockLogger{})
	return r, gw, st
}

func buySignal() *core.Signal {
	return &core.Signal{
		ID:        "sig-1",
		Symbol:    "BTCUSDT",
		Playbook:  core.PlaybookA,
		Side:      core.SideBuy,
		Entry:     dec("50000"),
		Stop:      dec("49680"),
		Reason:    "test",
		CreatedAt: time.Now().UTC(),
	}
}

func sizing() *core.SizingDecision {
	return &core.SizingDecision{
		Notional:   dec("500"),
		Quantity:   dec("0.01"),
		RiskAmount: dec("3.2"),
	}
}

func botCfg() *core.BotConfig {
	return &core.BotConfig{
		UserID:                "u1",
		SlippageLimitBps:      dec("20"),
		EventSlippageLimitBps: dec("50"),
	}
}

func TestExecute_MarketFill_CreatesPositionAndLot(t *testing.T) {
	r, gw, st := testRouter(t, Config{})
	ctx := context.Background()

	sig := buySignal()
	sig.IsEvent = true
	gw.Prices["BTCUSDT"] = dec("50200") // 0.4% decay forces MARKET

	order, pos, err := r.Execute(ctx, sig, sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, core.OrderTypeMarket, order.Type)
	assert.Equal(t, core.OrderStatusFilled, order.Status)
	assert.Equal(t, "50200", order.FillPrice.String())

	assert.Equal(t, core.PositionOpen, pos.Status)
	assert.Equal(t, core.PositionLong, pos.Side)
	assert.Equal(t, order.FilledQuantity.String(), pos.Quantity.String())
	assert.Equal(t, sig.Stop.String(), pos.StopPrice.String())

	// The cooldown is marked on successful execution.
	_, marked := r.cooldown.Last("BTCUSDT")
	assert.True(t, marked)

	saved, err := st.GetOrder(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, saved.PositionID)
}

func TestExecute_LimitMakerRests_SettledBySync(t *testing.T) {
	r, gw, st := testRouter(t, Config{})
	ctx := context.Background()

	order, pos, err := r.Execute(ctx, buySignal(), sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Equal(t, core.OrderTypeLimitMaker, order.Type)
	assert.Equal(t, core.OrderStatusOpen, order.Status)

	require.NoError(t, gw.FillOrder(order.ClientOrderID, order.Price))

	synced, err := r.SyncOrder(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, synced.Status)

	positions, err := st.OpenPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, synced.FillPrice.String(), positions[0].EntryPrice.String())
}

func TestExecute_WouldMatch_RepricesOneTickWithSuffix(t *testing.T) {
	r, gw, _ := testRouter(t, Config{})
	ctx := context.Background()

	gw.RejectWouldMatch = 1
	gw.FillAllOrders = true
	gw.Prices["BTCUSDT"] = dec("50000.00")

	order, pos, err := r.Execute(ctx, buySignal(), sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)
	require.NotNil(t, pos)

	placed := gw.PlacedOrders()
	require.Len(t, placed, 2)
	assert.Equal(t, "50000", placed[0].Price.String())
	assert.Equal(t, "49999.99", placed[1].Price.String())
	assert.Equal(t, placed[0].ClientOrderID+"_r1", placed[1].ClientOrderID)
	assert.Equal(t, placed[1].ClientOrderID, order.ClientOrderID)

	// Lot cost basis folds the commission into the fill.
	qty := order.FilledQuantity
	wantCost := order.FillPrice.Mul(qty).Add(order.Fees).Div(qty)
	lot := findLot(t, r, ctx)
	assert.True(t, lot.CostPerUnit.Equal(wantCost), "cost %s want %s", lot.CostPerUnit, wantCost)
	assert.True(t, lot.RemainingQuantity.Equal(qty))
}

func findLot(t *testing.T, r *Router, ctx context.Context) *core.Lot {
	t.Helper()
	ms := r.store.(*store.MemoryStore)
	lots := ms.Lots()
	require.Len(t, lots, 1)
	return &lots[0]
}

func TestExecute_FilterViolation_RecordsRejectedOrder(t *testing.T) {
	r, _, st := testRouter(t, Config{})
	ctx := context.Background()

	d := sizing()
	d.Quantity = dec("0.000001") // below minQty and minNotional

	order, pos, err := r.Execute(ctx, buySignal(), d, decimal.Zero, botCfg())
	require.Error(t, err)
	assert.Nil(t, pos)

	var ferr *apperrors.FilterError
	require.ErrorAs(t, err, &ferr)
	assert.NotEmpty(t, ferr.Violations)

	saved, err := st.GetOrder(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusRejected, saved.Status)
	assert.Contains(t, saved.Evidence.RejectReason, "filter validation failed")
}

func TestCancel_IdempotentOnCancelled(t *testing.T) {
	r, _, _ := testRouter(t, Config{})
	ctx := context.Background()

	order, _, err := r.Execute(ctx, buySignal(), sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)
	require.Equal(t, core.OrderStatusOpen, order.Status)

	require.NoError(t, r.Cancel(ctx, order.ClientOrderID))
	// Second cancel is a no-op success.
	require.NoError(t, r.Cancel(ctx, order.ClientOrderID))
}

func TestCancel_TerminalOrderRefused(t *testing.T) {
	r, gw, _ := testRouter(t, Config{})
	ctx := context.Background()

	gw.FillAllOrders = true
	order, _, err := r.Execute(ctx, buySignal(), sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)
	require.Equal(t, core.OrderStatusFilled, order.Status)

	err = r.Cancel(ctx, order.ClientOrderID)
	var serr *apperrors.StateInvariantError
	require.ErrorAs(t, err, &serr)
}

func TestClosePosition_RealizesPnLAndTrade(t *testing.T) {
	r, gw, st := testRouter(t, Config{})
	ctx := context.Background()

	gw.FillAllOrders = true
	order, pos, err := r.Execute(ctx, buySignal(), sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)
	require.NotNil(t, pos)

	gw.Prices["BTCUSDT"] = dec("51000")
	trade, err := r.ClosePosition(ctx, pos, core.CloseTarget)
	require.NoError(t, err)

	assert.Equal(t, core.PositionClosed, pos.Status)
	assert.Equal(t, core.CloseTarget, pos.CloseReason)
	assert.Equal(t, core.CloseTarget, trade.CloseReason)

	// PnL = (exit - entry) * qty - exit fees.
	gross := dec("51000").Sub(order.FillPrice).Mul(pos.Quantity)
	assert.True(t, trade.RealizedPnL.LessThan(gross))
	assert.True(t, trade.RealizedPnL.IsPositive())
	assert.True(t, trade.RealizedR.IsPositive())

	trades, err := st.RecentTrades(ctx, "u1", core.PlaybookA, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestClosePosition_AlreadyClosedRefused(t *testing.T) {
	r, gw, _ := testRouter(t, Config{})
	ctx := context.Background()

	gw.FillAllOrders = true
	_, pos, err := r.Execute(ctx, buySignal(), sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)

	_, err = r.ClosePosition(ctx, pos, core.CloseManual)
	require.NoError(t, err)

	_, err = r.ClosePosition(ctx, pos, core.CloseManual)
	var serr *apperrors.StateInvariantError
	require.ErrorAs(t, err, &serr)
}

func TestRegisterClientID_CollisionFails(t *testing.T) {
	r, _, _ := testRouter(t, Config{})

	require.NoError(t, r.registerClientID("st-abc"))
	err := r.registerClientID("st-abc")
	var serr *apperrors.StateInvariantError
	require.ErrorAs(t, err, &serr)
}
