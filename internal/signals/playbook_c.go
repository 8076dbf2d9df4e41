package signals

import (
	"fmt"

	"spottrader/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const eventWindowBars = 10

var (
	minRetrace = decimal.NewFromFloat(0.005)
	maxRetrace = decimal.NewFromFloat(0.02)
)

// playbookC is the event-burst entry: a sharp excursion over the last ten
// five-minute bars, a modest retrace from the extreme, and the latest bar
// resuming the move. The signal follows the excursion direction and is
// flagged as an event, which relaxes slippage limits downstream.
func playbookC(snap *core.MarketSnapshot, klines5m []core.Kline, impulseThreshold decimal.Decimal, cfg core.PlaybookConfig) (*core.Signal, error) {
	if len(klines5m) < eventWindowBars {
		return nil, fmt.Errorf("playbook C needs %d five-minute bars, got %d", eventWindowBars, len(klines5m))
	}
	if !snap.ATR.IsPositive() {
		return nil, fmt.Errorf("playbook C needs ATR")
	}

	window := klines5m[len(klines5m)-eventWindowBars:]
	windowOpen := window[0].Open
	if !windowOpen.IsPositive() {
		return nil, fmt.Errorf("playbook C window open is zero")
	}

	// Largest percentage excursion from the window-start open, either
	// direction.
	high := highestHigh(window, eventWindowBars)
	low := swingLow(window, eventWindowBars)
	upMove := high.Sub(windowOpen).Div(windowOpen)
	downMove := windowOpen.Sub(low).Div(windowOpen)

	up := upMove.GreaterThanOrEqual(downMove)
	excursion := upMove
	extreme := high
	if !up {
		excursion = downMove
		extreme = low
	}
	if excursion.LessThan(impulseThreshold) {
		return nil, nil
	}

	price := snap.LastPrice
	var retrace decimal.Decimal
	if up {
		retrace = extreme.Sub(price).Div(extreme)
	} else {
		retrace = price.Sub(extreme).Div(extreme)
	}
	if retrace.LessThan(minRetrace) || retrace.GreaterThan(maxRetrace) {
		return nil, nil
	}

	// The latest bar must resume the excursion direction.
	last := window[len(window)-1]
	if up && !last.Close.GreaterThan(last.Open) {
		return nil, nil
	}
	if !up && !last.Close.LessThan(last.Open) {
		return nil, nil
	}

	stopDist := cfg.StopATRMult.Mul(snap.ATR)
	signal := &core.Signal{
		ID:        uuid.NewString(),
		Symbol:    snap.Symbol,
		Playbook:  core.PlaybookC,
		Entry:     price,
		IsEvent:   true,
		CreatedAt: snap.At,
	}
	if up {
		signal.Side = core.SideBuy
		signal.Stop = price.Sub(stopDist)
	} else {
		signal.Side = core.SideSell
		signal.Stop = price.Add(stopDist)
	}
	signal.Reason = fmt.Sprintf("event burst %s%% excursion, retrace %s%%",
		excursion.Mul(decimal.NewFromInt(100)).Round(2),
		retrace.Mul(decimal.NewFromInt(100)).Round(2))
	return signal, nil
}
