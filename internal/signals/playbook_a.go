package signals

import (
	"fmt"
	"time"

	"spottrader/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	breakoutHourBars  = 20
	volumeAverageBars = 20
)

// playbookA is the breakout-trend entry: price clearing the higher of the
// 20-hour-bar high and the prior-day high on expanding volume. BUY only.
func playbookA(snap *core.MarketSnapshot, klines1h []core.Kline, cfg core.PlaybookConfig) (*core.Signal, error) {
	if len(klines1h) < breakoutHourBars {
		return nil, fmt.Errorf("playbook A needs %d hourly bars, got %d", breakoutHourBars, len(klines1h))
	}
	if !snap.ATR.IsPositive() {
		return nil, fmt.Errorf("playbook A needs ATR")
	}

	// The forming bar is excluded from the breakout level.
	closed := klines1h[:len(klines1h)-1]
	hourHigh := highestHigh(closed, breakoutHourBars)

	pdh := priorDayHigh(klines1h, snap.At)

	level := hourHigh
	levelName := "20h high"
	if pdh.GreaterThan(level) {
		level = pdh
		levelName = "PDH"
	}

	price := snap.LastPrice
	if price.LessThan(level) {
		return nil, nil
	}

	if len(snap.Klines15m) == 0 {
		return nil, fmt.Errorf("playbook A needs 15m bars")
	}
	lastVol := snap.Klines15m[len(snap.Klines15m)-1].Volume
	avgVol := avgVolume(snap.Klines15m, volumeAverageBars)
	if lastVol.LessThan(avgVol.Mul(cfg.VolumeMult)) {
		return nil, nil
	}

	stop := level.Sub(cfg.StopATRMult.Mul(snap.ATR))
	return &core.Signal{
		ID:        uuid.NewString(),
		Symbol:    snap.Symbol,
		Playbook:  core.PlaybookA,
		Side:      core.SideBuy,
		Entry:     price,
		Stop:      stop,
		Reason:    fmt.Sprintf("breakout above %s %s on %sx volume", levelName, level, cfg.VolumeMult),
		CreatedAt: snap.At,
	}, nil
}

// priorDayHigh returns the highest high among hourly bars of the previous
// UTC day.
func priorDayHigh(klines1h []core.Kline, now time.Time) decimal.Decimal {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	prevStart := dayStart.Add(-24 * time.Hour)

	high := decimal.Zero
	for _, k := range klines1h {
		if k.OpenTime.Before(prevStart) || !k.OpenTime.Before(dayStart) {
			continue
		}
		if k.High.GreaterThan(high) {
			high = k.High
		}
	}
	return high
}
