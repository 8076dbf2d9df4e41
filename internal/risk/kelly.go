// Package risk sizes approved signals with a fractional-Kelly model and
// enforces the pre-trade gate chain and kill switch.
package risk

import (
	"spottrader/internal/core"

	"github.com/shopspring/decimal"
)

const (
	// minTradeSample is the playbook trade count below which the model
	// falls back to neutral priors.
	minTradeSample = 5

	// fullSampleSize is the trade count at which the sample factor
	// saturates.
	fullSampleSize = 100
)

var (
	kellyScale = decimal.NewFromFloat(0.25)

	defaultWinRate    = decimal.NewFromFloat(0.5)
	defaultPayoff     = decimal.NewFromFloat(1.5)
	defaultConfidence = decimal.NewFromFloat(0.5)
)

// kellyStats are the per-playbook inputs to the Kelly fraction.
type kellyStats struct {
	WinRate    decimal.Decimal // p
	Payoff     decimal.Decimal // b = avg win R / avg loss R
	Confidence decimal.Decimal // c
	Samples    int
}

// statsFromTrades derives Kelly inputs from the playbook's recent closed
// trades. Fewer than five trades yields neutral priors rather than a
// fraction dominated by noise.
func statsFromTrades(trades []core.Trade) kellyStats {
	n := len(trades)
	if n < minTradeSample {
		return kellyStats{
			WinRate:    defaultWinRate,
			Payoff:     defaultPayoff,
			Confidence: defaultConfidence,
			Samples:    n,
		}
	}

	var wins int
	winSum, lossSum := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.RealizedR.IsPositive() {
			wins++
			winSum = winSum.Add(t.RealizedR)
		} else {
			lossSum = lossSum.Add(t.RealizedR.Abs())
		}
	}

	p := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(n)))

	b := defaultPayoff
	losses := n - wins
	if wins > 0 && losses > 0 && lossSum.IsPositive() {
		avgWin := winSum.Div(decimal.NewFromInt(int64(wins)))
		avgLoss := lossSum.Div(decimal.NewFromInt(int64(losses)))
		b = avgWin.Div(avgLoss)
	}

	return kellyStats{
		WinRate:    p,
		Payoff:     b,
		Confidence: confidence(p, b, n),
		Samples:    n,
	}
}

// confidence blends the sample factor min(1, N/100) with the clipped edge
// expectancy p*b - (1-p).
func confidence(p, b decimal.Decimal, n int) decimal.Decimal {
	sample := decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(fullSampleSize))
	if sample.GreaterThan(decimal.NewFromInt(1)) {
		sample = decimal.NewFromInt(1)
	}

	one := decimal.NewFromInt(1)
	edge := p.Mul(b).Sub(one.Sub(p))
	if edge.IsNegative() {
		edge = decimal.Zero
	}
	if edge.GreaterThan(one) {
		edge = one
	}

	return sample.Add(edge).Div(decimal.NewFromInt(2))
}

// kellyFraction returns the quarter-Kelly fraction, floored at zero.
func kellyFraction(s kellyStats) decimal.Decimal {
	if !s.Payoff.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	raw := s.Payoff.Mul(s.WinRate).Sub(one.Sub(s.WinRate)).Div(s.Payoff)
	if raw.IsNegative() {
		return decimal.Zero
	}
	return raw.Mul(s.Confidence).Mul(kellyScale)
}
