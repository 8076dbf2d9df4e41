package gateway

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_FreshAndExpired(t *testing.T) {
	c := newTTLCache[decimal.Decimal](30 * time.Second)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("BTCUSDT", decimal.RequireFromString("50000"))

	got, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "50000", got.String())

	now = now.Add(31 * time.Second)
	_, ok = c.Get("BTCUSDT")
	assert.False(t, ok)
}

func TestTTLCache_StaleReadSurvivesExpiry(t *testing.T) {
	c := newTTLCache[string](time.Second)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	now = now.Add(time.Hour)

	_, ok := c.Get("k")
	assert.False(t, ok)

	stale, ok := c.GetStale("k")
	require.True(t, ok)
	assert.Equal(t, "v", stale)
}

func TestTTLCache_Invalidate(t *testing.T) {
	c := newTTLCache[string](time.Minute)
	c.Set("k", "v")
	c.Invalidate("k")

	_, ok := c.GetStale("k")
	assert.False(t, ok)
}

func TestTTLCache_MissingKey(t *testing.T) {
	c := newTTLCache[int](time.Minute)
	_, ok := c.Get("absent")
	assert.False(t, ok)
}
