package scanner

import (
	"testing"
	"time"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flatBars builds n bars with a constant 100-point range so every TR is
// exactly 100.
func flatBars(n int, start time.Time) []core.Kline {
	bars := make([]core.Kline, n)
	for i := range bars {
		bars[i] = core.Kline{
			OpenTime:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      dec("50050"),
			High:      dec("50100"),
			Low:       dec("50000"),
			Close:     dec("50050"),
			Volume:    dec("10"),
			CloseTime: start.Add(time.Duration(i+1)*15*time.Minute - time.Millisecond),
		}
	}
	return bars
}

func TestATR_ConstantRange(t *testing.T) {
	bars := flatBars(15, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC))

	atr, err := ATR(bars)
	require.NoError(t, err)
	assert.True(t, atr.Equal(dec("100")), "got %s", atr)
}

func TestATR_GapTrueRange(t *testing.T) {
	start := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	bars := flatBars(15, start)
	// A gap up: TR uses |high − prevClose| when it exceeds high − low.
	bars[14].High = dec("50400")
	bars[14].Low = dec("50300")

	atr, err := ATR(bars)
	require.NoError(t, err)
	// 13 TRs of 100 plus one of 50400−50050 = 350.
	assert.True(t, atr.Equal(dec("1650").Div(dec("14"))), "got %s", atr)
}

func TestATR_InsufficientBars(t *testing.T) {
	_, err := ATR(flatBars(14, time.Now()))
	assert.Error(t, err)
}

func TestSessionVWAP_UTCDayOnly(t *testing.T) {
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	bars := []core.Kline{
		// Yesterday's bar must be excluded.
		{
			OpenTime: time.Date(2026, 8, 24, 23, 45, 0, 0, time.UTC),
			High:     dec("1000"), Low: dec("1000"), Close: dec("1000"),
			Volume: dec("100"),
		},
		{
			OpenTime: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
			High:     dec("110"), Low: dec("90"), Close: dec("100"),
			Volume: dec("10"),
		},
		{
			OpenTime: time.Date(2026, 8, 25, 0, 15, 0, 0, time.UTC),
			High:     dec("220"), Low: dec("180"), Close: dec("200"),
			Volume: dec("10"),
		},
	}

	vwap, err := SessionVWAP(bars, now)
	require.NoError(t, err)
	// typicals 100 and 200 at equal volume.
	assert.True(t, vwap.Equal(dec("150")), "got %s", vwap)
}

func TestSessionVWAP_NoVolume(t *testing.T) {
	_, err := SessionVWAP(nil, time.Now())
	assert.Error(t, err)
}

func TestSpreadBps_ReferenceVector(t *testing.T) {
	got := SpreadBps(dec("49999"), dec("50001"))
	assert.True(t, got.Equal(dec("4")), "got %s", got)
}

func TestSpreadBps_ZeroSides(t *testing.T) {
	assert.True(t, SpreadBps(decimal.Zero, dec("50001")).IsZero())
	assert.True(t, SpreadBps(dec("49999"), decimal.Zero).IsZero())
}

func TestCooldownTracker(t *testing.T) {
	c := NewCooldownTracker()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	assert.True(t, c.Ready("BTCUSDT", 30*time.Minute, now))

	c.Mark("BTCUSDT", now)
	assert.False(t, c.Ready("BTCUSDT", 30*time.Minute, now.Add(29*time.Minute)))
	assert.True(t, c.Ready("BTCUSDT", 30*time.Minute, now.Add(30*time.Minute)))

	// Other pairs are unaffected.
	assert.True(t, c.Ready("ETHUSDT", 30*time.Minute, now))

	snap := c.Snapshot()
	c2 := NewCooldownTracker()
	c2.Restore(snap)
	last, ok := c2.Last("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, now, last)
}
