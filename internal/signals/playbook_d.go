package signals

import (
	"fmt"

	"spottrader/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	returnWindowBars = 50
	swingLowBars     = 10
)

// playbookD is the dip-pullback entry: the latest 15m return printing
// more than two standard deviations below its mean on elevated volume.
// BUY only; the stop sits one ATR under the recent swing low.
func playbookD(snap *core.MarketSnapshot, cfg core.PlaybookConfig) (*core.Signal, error) {
	klines := snap.Klines15m
	if len(klines) < swingLowBars+1 {
		return nil, fmt.Errorf("playbook D needs at least %d bars, got %d", swingLowBars+1, len(klines))
	}
	if !snap.ATR.IsPositive() {
		return nil, fmt.Errorf("playbook D needs ATR")
	}

	if len(klines) > returnWindowBars {
		klines = klines[len(klines)-returnWindowBars:]
	}
	returns := closeReturns(klines)
	if len(returns) == 0 {
		return nil, fmt.Errorf("playbook D needs return history")
	}

	mean, stdev := meanStdev(returns)
	if stdev.IsZero() {
		return nil, nil
	}

	latest := returns[len(returns)-1]
	threshold := mean.Sub(stdev.Mul(decimal.NewFromInt(2)))
	if latest.GreaterThan(threshold) {
		return nil, nil
	}

	lastVol := klines[len(klines)-1].Volume
	if lastVol.LessThan(avgVolume(klines, volumeAverageBars).Mul(cfg.VolumeMult)) {
		return nil, nil
	}

	stop := swingLow(klines, swingLowBars).Sub(snap.ATR)
	return &core.Signal{
		ID:        uuid.NewString(),
		Symbol:    snap.Symbol,
		Playbook:  core.PlaybookD,
		Side:      core.SideBuy,
		Entry:     snap.LastPrice,
		Stop:      stop,
		Reason:    fmt.Sprintf("dip %s below mean return on %sx volume", latest.Round(4), cfg.VolumeMult),
		CreatedAt: snap.At,
	}, nil
}
