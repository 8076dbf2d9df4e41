package execution

import (
	"context"
	"testing"
	"time"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseOrderType(t *testing.T) {
	r, gw, _ := testRouter(t, Config{})

	sig := buySignal()
	assert.Equal(t, core.OrderTypeLimitMaker, r.chooseOrderType(sig, dec("50000")))

	// Event signal within the decay window stays maker.
	sig.IsEvent = true
	assert.Equal(t, core.OrderTypeLimitMaker, r.chooseOrderType(sig, dec("50050")))

	// Decayed more than 0.2% since signal time: take liquidity.
	assert.Equal(t, core.OrderTypeMarket, r.chooseOrderType(sig, dec("50200")))

	r2, _, _ := testRouter(t, Config{LimitBypass: true})
	_ = gw
	assert.Equal(t, core.OrderTypeLimit, r2.chooseOrderType(buySignal(), dec("50000")))
}

func TestMakerPrice_BuyImprovesBidInsideSpread(t *testing.T) {
	r, gw, _ := testRouter(t, Config{MakerFirst: true})

	gw.Depths["BTCUSDT"] = &core.Depth{
		Bids: []core.PriceLevel{{Price: dec("49999"), Qty: dec("1")}},
		Asks: []core.PriceLevel{{Price: dec("50001"), Qty: dec("1")}},
	}

	price, err := r.makerPrice(context.Background(), "BTCUSDT", core.SideBuy)
	require.NoError(t, err)

	// improved = 49999 * (1 + 5bps) = 50023.9995 but the ceiling is
	// ask - 10% of spread = 50000.8, so the ceiling wins.
	assert.Equal(t, "50000.8", price.String())
}

func TestMakerPrice_SellMirrors(t *testing.T) {
	r, gw, _ := testRouter(t, Config{MakerFirst: true})

	gw.Depths["BTCUSDT"] = &core.Depth{
		Bids: []core.PriceLevel{{Price: dec("49999"), Qty: dec("1")}},
		Asks: []core.PriceLevel{{Price: dec("50001"), Qty: dec("1")}},
	}

	price, err := r.makerPrice(context.Background(), "BTCUSDT", core.SideSell)
	require.NoError(t, err)
	assert.Equal(t, "49999.2", price.String())
}

func TestShapePrice_RevertsWhenAdjustmentExceedsCap(t *testing.T) {
	r, gw, _ := testRouter(t, Config{MakerFirst: true})

	// Book far away from the market price: the shaped price would move
	// more than 50 bps, so shaping reverts to the market price.
	gw.Depths["BTCUSDT"] = &core.Depth{
		Bids: []core.PriceLevel{{Price: dec("49000"), Qty: dec("1")}},
		Asks: []core.PriceLevel{{Price: dec("49010"), Qty: dec("1")}},
	}

	price := r.shapePrice(context.Background(), buySignal(), dec("50000"), decimal.Zero)
	assert.Equal(t, "50000", price.String())
}

func TestBiasTowardVWAP(t *testing.T) {
	// BUY above VWAP moves halfway down.
	got := biasTowardVWAP(dec("50000"), dec("49000"), core.SideBuy)
	assert.Equal(t, "49500", got.String())

	// BUY below VWAP is left alone.
	got = biasTowardVWAP(dec("48000"), dec("49000"), core.SideBuy)
	assert.Equal(t, "48000", got.String())

	// SELL below VWAP moves halfway up.
	got = biasTowardVWAP(dec("48000"), dec("49000"), core.SideSell)
	assert.Equal(t, "48500", got.String())
}

func TestSlippageBps(t *testing.T) {
	assert.Equal(t, "20", slippageBps(dec("50100"), dec("50000")).String())
	assert.Equal(t, "20", slippageBps(dec("49900"), dec("50000")).String())
	assert.True(t, slippageBps(dec("50000"), decimal.Zero).IsZero())
}

func TestExecute_EventWithinDecayStaysMaker(t *testing.T) {
	r, gw, _ := testRouter(t, Config{})
	ctx := context.Background()

	sig := buySignal()
	sig.IsEvent = true
	sig.CreatedAt = time.Now().UTC()
	gw.Prices["BTCUSDT"] = dec("50050") // 0.1% move, inside the window

	order, _, err := r.Execute(ctx, sig, sizing(), decimal.Zero, botCfg())
	require.NoError(t, err)
	assert.Equal(t, core.OrderTypeLimitMaker, order.Type)
}
