package store

import (
	"context"
	"testing"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_OrderRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	o := &core.Order{
		ClientOrderID: "ord-1",
		UserID:        "default",
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeLimitMaker,
		Price:         decimal.RequireFromString("50000"),
		Quantity:      decimal.RequireFromString("0.1"),
		Status:        core.OrderStatusOpen,
		PositionID:    "pos-1",
		SubmittedAt:   time.Now(),
	}
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusOpen, got.Status)

	// Mutating the returned copy must not affect the stored record.
	got.Status = core.OrderStatusFilled
	again, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusOpen, again.Status)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryStore_OrdersByPositionSortedBySubmission(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.SaveOrder(ctx, &core.Order{
			ClientOrderID: id,
			PositionID:    "pos-1",
			SubmittedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.SaveOrder(ctx, &core.Order{ClientOrderID: "other", PositionID: "pos-2"}))

	got, err := s.OrdersByPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ClientOrderID)
	assert.Equal(t, "c", got[2].ClientOrderID)
}

func TestMemoryStore_OpenPositionsExcludesClosed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, &core.Position{ID: "p1", UserID: "default", Status: core.PositionOpen}))
	require.NoError(t, s.SavePosition(ctx, &core.Position{ID: "p2", UserID: "default", Status: core.PositionClosing}))
	require.NoError(t, s.SavePosition(ctx, &core.Position{ID: "p3", UserID: "default", Status: core.PositionClosed}))
	require.NoError(t, s.SavePosition(ctx, &core.Position{ID: "p4", UserID: "other", Status: core.PositionOpen}))

	got, err := s.OpenPositions(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStore_NextLotSequencePerDay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	day1 := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	n, err := s.NextLotSequence(ctx, "default", day1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.NextLotSequence(ctx, "default", day1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A new UTC day restarts the counter.
	n, err = s.NextLotSequence(ctx, "default", day2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Counters are per user.
	n, err = s.NextLotSequence(ctx, "other", day1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_RecentTradesFilterAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveTrade(ctx, &core.Trade{
			ID:       string(rune('a' + i)),
			UserID:   "default",
			Playbook: core.PlaybookA,
			ClosedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveTrade(ctx, &core.Trade{
		ID: "z", UserID: "default", Playbook: core.PlaybookB, ClosedAt: base.Add(time.Hour),
	}))

	got, err := s.RecentTrades(ctx, "default", core.PlaybookA, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, "e", got[0].ID)

	all, err := s.RecentTrades(ctx, "default", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestMemoryStore_BotStateRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadBotState(ctx, "default")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	st := &core.BotState{
		UserID:         "default",
		StartingEquity: decimal.RequireFromString("10000"),
		CurrentEquity:  decimal.RequireFromString("10500"),
		Status:         core.BotActive,
	}
	require.NoError(t, s.SaveBotState(ctx, st))

	got, err := s.LoadBotState(ctx, "default")
	require.NoError(t, err)
	assert.True(t, got.CurrentEquity.Equal(decimal.RequireFromString("10500")))
}

func TestMemoryStore_ExchangeInfoRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadExchangeInfo(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	pairs := map[string]core.Pair{
		"BTCUSDT": {Symbol: "BTCUSDT", TickSize: decimal.RequireFromString("0.01")},
	}
	require.NoError(t, s.SaveExchangeInfo(ctx, pairs))

	got, err := s.LoadExchangeInfo(ctx)
	require.NoError(t, err)
	require.Contains(t, got, "BTCUSDT")
	assert.True(t, got["BTCUSDT"].TickSize.Equal(decimal.RequireFromString("0.01")))
}
