package signals

import (
	"math"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// isHammer reports a bullish reversal bar: the lower wick is at least
// twice the body and the upper wick no larger than the body.
func isHammer(k core.Kline) bool {
	body := k.Close.Sub(k.Open).Abs()
	upper := k.High.Sub(decimal.Max(k.Open, k.Close))
	lower := decimal.Min(k.Open, k.Close).Sub(k.Low)
	return lower.GreaterThanOrEqual(body.Mul(two)) && upper.LessThanOrEqual(body)
}

// isShootingStar is the bearish mirror of isHammer.
func isShootingStar(k core.Kline) bool {
	body := k.Close.Sub(k.Open).Abs()
	upper := k.High.Sub(decimal.Max(k.Open, k.Close))
	lower := decimal.Min(k.Open, k.Close).Sub(k.Low)
	return upper.GreaterThanOrEqual(body.Mul(two)) && lower.LessThanOrEqual(body)
}

// swingLow returns the lowest low of the last n bars.
func swingLow(klines []core.Kline, n int) decimal.Decimal {
	if len(klines) == 0 {
		return decimal.Zero
	}
	if len(klines) > n {
		klines = klines[len(klines)-n:]
	}
	low := klines[0].Low
	for _, k := range klines[1:] {
		if k.Low.LessThan(low) {
			low = k.Low
		}
	}
	return low
}

// highestHigh returns the highest high of the last n bars.
func highestHigh(klines []core.Kline, n int) decimal.Decimal {
	if len(klines) == 0 {
		return decimal.Zero
	}
	if len(klines) > n {
		klines = klines[len(klines)-n:]
	}
	high := klines[0].High
	for _, k := range klines[1:] {
		if k.High.GreaterThan(high) {
			high = k.High
		}
	}
	return high
}

// closeReturns computes bar-to-bar close returns as fractions.
func closeReturns(klines []core.Kline) []decimal.Decimal {
	if len(klines) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		if !prev.IsPositive() {
			out = append(out, decimal.Zero)
			continue
		}
		out = append(out, klines[i].Close.Sub(prev).Div(prev))
	}
	return out
}

// meanStdev returns the arithmetic mean and population standard deviation.
func meanStdev(xs []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if len(xs) == 0 {
		return decimal.Zero, decimal.Zero
	}
	n := decimal.NewFromInt(int64(len(xs)))

	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	mean := sum.Div(n)

	varSum := decimal.Zero
	for _, x := range xs {
		d := x.Sub(mean)
		varSum = varSum.Add(d.Mul(d))
	}
	variance := varSum.Div(n)

	// decimal has no square root; a float64 pass is ample for a
	// volatility threshold.
	f, _ := variance.Float64()
	if f <= 0 {
		return mean, decimal.Zero
	}
	return mean, decimal.NewFromFloat(math.Sqrt(f))
}

// avgVolume returns the mean volume of the last n bars.
func avgVolume(klines []core.Kline, n int) decimal.Decimal {
	if len(klines) == 0 {
		return decimal.Zero
	}
	if len(klines) > n {
		klines = klines[len(klines)-n:]
	}
	sum := decimal.Zero
	for _, k := range klines {
		sum = sum.Add(k.Volume)
	}
	return sum.Div(decimal.NewFromInt(int64(len(klines))))
}
