// Package scanner produces per-pair market snapshots with liquidity-gate
// verdicts each scan tick.
package scanner

import (
	"fmt"
	"time"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
)

const atrPeriod = 14

var (
	two         = decimal.NewFromInt(2)
	three       = decimal.NewFromInt(3)
	spreadScale = decimal.NewFromInt(100_000)
)

// ATR computes the 14-period average true range over the given bars:
// TR = max(high−low, |high−prevClose|, |low−prevClose|), ATR = simple
// mean of the last 14 TRs. Requires at least 15 bars.
func ATR(klines []core.Kline) (decimal.Decimal, error) {
	if len(klines) < atrPeriod+1 {
		return decimal.Zero, fmt.Errorf("atr needs at least %d bars, got %d", atrPeriod+1, len(klines))
	}

	bars := klines[len(klines)-(atrPeriod+1):]
	sum := decimal.Zero
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr := decimal.Max(
			bars[i].High.Sub(bars[i].Low),
			bars[i].High.Sub(prevClose).Abs(),
			bars[i].Low.Sub(prevClose).Abs(),
		)
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(atrPeriod)), nil
}

// SessionVWAP computes the volume-weighted average price over the bars of
// the current UTC day: Σ(typical·volume)/Σvolume, typical = (h+l+c)/3.
func SessionVWAP(klines []core.Kline, now time.Time) (decimal.Decimal, error) {
	sessionStart := now.UTC().Truncate(24 * time.Hour)

	pv := decimal.Zero
	vol := decimal.Zero
	for _, k := range klines {
		if k.OpenTime.Before(sessionStart) {
			continue
		}
		typical := k.High.Add(k.Low).Add(k.Close).Div(three)
		pv = pv.Add(typical.Mul(k.Volume))
		vol = vol.Add(k.Volume)
	}
	if vol.IsZero() {
		return decimal.Zero, fmt.Errorf("no session volume for vwap")
	}
	return pv.Div(vol), nil
}

// SpreadBps returns (ask − bid)/mid scaled by 10^5, the unit the gate
// thresholds are expressed in.
func SpreadBps(bid, ask decimal.Decimal) decimal.Decimal {
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero
	}
	mid := bid.Add(ask).Div(two)
	if mid.IsZero() {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(mid).Mul(spreadScale)
}
