package signals

import (
	"fmt"

	"spottrader/internal/core"

	"github.com/google/uuid"
)

// playbookB is the VWAP mean-revert entry: price stretched from session
// VWAP by a multiple of ATR with the last bar printing the directional
// reversal pattern. Targets VWAP.
func playbookB(snap *core.MarketSnapshot, cfg core.PlaybookConfig) (*core.Signal, error) {
	if !snap.ATR.IsPositive() || !snap.VWAP.IsPositive() {
		return nil, fmt.Errorf("playbook B needs ATR and VWAP")
	}
	if len(snap.Klines15m) == 0 {
		return nil, fmt.Errorf("playbook B needs 15m bars")
	}

	price := snap.LastPrice
	deviation := price.Sub(snap.VWAP).Abs().Div(snap.ATR)
	if deviation.LessThan(cfg.DeviationATRMult) {
		return nil, nil
	}

	last := snap.Klines15m[len(snap.Klines15m)-1]
	stopDist := cfg.StopATRMult.Mul(snap.ATR)

	var signal *core.Signal
	switch {
	case price.LessThan(snap.VWAP) && isHammer(last):
		signal = &core.Signal{
			Side:   core.SideBuy,
			Entry:  price,
			Stop:   price.Sub(stopDist),
			Target: snap.VWAP,
		}
	case price.GreaterThan(snap.VWAP) && isShootingStar(last):
		signal = &core.Signal{
			Side:   core.SideSell,
			Entry:  price,
			Stop:   price.Add(stopDist),
			Target: snap.VWAP,
		}
	default:
		return nil, nil
	}

	signal.ID = uuid.NewString()
	signal.Symbol = snap.Symbol
	signal.Playbook = core.PlaybookB
	signal.Reason = fmt.Sprintf("%s ATR deviation from VWAP %s with reversal bar", deviation.Round(2), snap.VWAP)
	signal.CreatedAt = snap.At
	return signal, nil
}
