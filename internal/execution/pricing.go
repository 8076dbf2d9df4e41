package execution

import (
	"context"
	"fmt"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
)

// MakerOffsetBps is the single source of truth for the maker-first price
// improvement: 5 bps == 0.05%.
const MakerOffsetBps = 5

const (
	// maxShapeAdjustBps caps the total maker-first adjustment; beyond it
	// the router reverts to the market price.
	maxShapeAdjustBps = 50

	// spreadCutFraction keeps the shaped price at least this fraction of
	// the spread away from the far touch.
	spreadCutFraction = 0.10

	// eventDecayThreshold switches a decayed event entry to MARKET: the
	// price has moved more than 0.2% since the signal was formed.
	eventDecayThreshold = 0.002

	depthLevels = 5
)

var (
	bpsDivisor    = decimal.NewFromInt(10_000)
	makerOffset   = decimal.NewFromInt(MakerOffsetBps).Div(bpsDivisor)
	maxAdjust     = decimal.NewFromInt(maxShapeAdjustBps).Div(bpsDivisor)
	spreadCut     = decimal.NewFromFloat(spreadCutFraction)
	eventDecayMax = decimal.NewFromFloat(eventDecayThreshold)
	two           = decimal.NewFromInt(2)
)

// chooseOrderType applies the order-type policy: LIMIT_MAKER by default,
// MARKET for decayed event signals, plain LIMIT under the configured
// bypass.
func (r *Router) chooseOrderType(sig *core.Signal, current decimal.Decimal) core.OrderType {
	if sig.IsEvent && sig.Entry.IsPositive() {
		decay := current.Sub(sig.Entry).Abs().Div(sig.Entry)
		if decay.GreaterThan(eventDecayMax) {
			return core.OrderTypeMarket
		}
	}
	if r.cfg.LimitBypass {
		return core.OrderTypeLimit
	}
	return core.OrderTypeLimitMaker
}

// shapePrice computes the limit price for a non-event entry. With
// maker-first enabled the price improves on the near touch by the maker
// offset while staying a slice of the spread away from the far touch; the
// whole adjustment is capped at 50 bps from the market price. The optional
// VWAP bias then pulls the favorable side halfway toward the session VWAP.
func (r *Router) shapePrice(ctx context.Context, sig *core.Signal, market, vwap decimal.Decimal) decimal.Decimal {
	price := market

	if r.cfg.MakerFirst && !sig.IsEvent {
		if shaped, err := r.makerPrice(ctx, sig.Symbol, sig.Side); err == nil {
			adjust := shaped.Sub(market).Abs().Div(market)
			if adjust.LessThanOrEqual(maxAdjust) {
				price = shaped
			} else {
				r.logger.Debug("Maker price adjustment exceeds cap, using market price",
					"symbol", sig.Symbol, "shaped", shaped, "market", market)
			}
		} else {
			r.logger.Warn("Top-of-book unavailable, using market price", "symbol", sig.Symbol, "error", err)
		}
	}

	if r.cfg.VWAPBias && vwap.IsPositive() {
		price = biasTowardVWAP(price, vwap, sig.Side)
	}

	return price
}

// makerPrice derives the maker-first entry from the live top of book.
func (r *Router) makerPrice(ctx context.Context, symbol string, side core.Side) (decimal.Decimal, error) {
	depth, err := r.gateway.Depth(ctx, symbol, depthLevels)
	if err != nil {
		return decimal.Zero, err
	}
	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return decimal.Zero, fmt.Errorf("empty book for %s", symbol)
	}

	bid := depth.Bids[0].Price
	ask := depth.Asks[0].Price
	spread := ask.Sub(bid)

	if side == core.SideBuy {
		improved := bid.Add(bid.Mul(makerOffset))
		ceiling := ask.Sub(spread.Mul(spreadCut))
		return decimal.Min(improved, ceiling), nil
	}
	improved := ask.Sub(ask.Mul(makerOffset))
	floor := bid.Add(spread.Mul(spreadCut))
	return decimal.Max(improved, floor), nil
}

// biasTowardVWAP moves the favorable side halfway to the session VWAP: a
// BUY priced above VWAP steps down toward it, a SELL priced below steps
// up. The unfavorable side is left alone.
func biasTowardVWAP(price, vwap decimal.Decimal, side core.Side) decimal.Decimal {
	switch side {
	case core.SideBuy:
		if price.GreaterThan(vwap) {
			return price.Sub(price.Sub(vwap).Div(two))
		}
	case core.SideSell:
		if price.LessThan(vwap) {
			return price.Add(vwap.Sub(price).Div(two))
		}
	}
	return price
}

// slippageBps measures 10000 * |fill - entry| / entry.
func slippageBps(fill, entry decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return fill.Sub(entry).Abs().Div(entry).Mul(bpsDivisor)
}
