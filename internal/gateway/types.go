package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
)

// Raw venue payloads. All numeric fields arrive as strings and convert to
// decimals at the boundary; nothing downstream sees a float.

type rawError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type rawServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

type rawTicker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
	BidPrice    string `json:"bidPrice"`
	BidQty      string `json:"bidQty"`
	AskPrice    string `json:"askPrice"`
	AskQty      string `json:"askQty"`
	CloseTime   int64  `json:"closeTime"`
}

type rawTickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type rawDepth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type rawFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type rawOrder struct {
	OrderID             int64     `json:"orderId"`
	ClientOrderID       string    `json:"clientOrderId"`
	Symbol              string    `json:"symbol"`
	Side                string    `json:"side"`
	Type                string    `json:"type"`
	Status              string    `json:"status"`
	Price               string    `json:"price"`
	OrigQty             string    `json:"origQty"`
	ExecutedQty         string    `json:"executedQty"`
	CummulativeQuoteQty string    `json:"cummulativeQuoteQty"`
	TransactTime        int64     `json:"transactTime"`
	Time                int64     `json:"time"`
	Fills               []rawFill `json:"fills"`
}

type rawBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type rawAccount struct {
	CanTrade   bool         `json:"canTrade"`
	UpdateTime int64        `json:"updateTime"`
	Balances   []rawBalance `json:"balances"`
}

type rawTrade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	IsBuyer         bool   `json:"isBuyer"`
	Time            int64  `json:"time"`
}

type rawListenKey struct {
	ListenKey string `json:"listenKey"`
}

type rawSymbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	MinNotional string `json:"minNotional"`
}

type rawSymbolInfo struct {
	Symbol     string            `json:"symbol"`
	Status     string            `json:"status"`
	BaseAsset  string            `json:"baseAsset"`
	QuoteAsset string            `json:"quoteAsset"`
	Filters    []rawSymbolFilter `json:"filters"`
}

type rawExchangeInfo struct {
	Symbols []rawSymbolInfo `json:"symbols"`
}

func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (r *rawTicker24h) toCore() *core.Ticker24h {
	return &core.Ticker24h{
		Symbol:      r.Symbol,
		LastPrice:   mustDec(r.LastPrice),
		QuoteVolume: mustDec(r.QuoteVolume),
		BidPrice:    mustDec(r.BidPrice),
		BidQty:      mustDec(r.BidQty),
		AskPrice:    mustDec(r.AskPrice),
		AskQty:      mustDec(r.AskQty),
		CloseTime:   time.UnixMilli(r.CloseTime),
	}
}

func (r *rawDepth) toCore() *core.Depth {
	d := &core.Depth{}
	for _, lv := range r.Bids {
		if len(lv) >= 2 {
			d.Bids = append(d.Bids, core.PriceLevel{Price: mustDec(lv[0]), Qty: mustDec(lv[1])})
		}
	}
	for _, lv := range r.Asks {
		if len(lv) >= 2 {
			d.Asks = append(d.Asks, core.PriceLevel{Price: mustDec(lv[0]), Qty: mustDec(lv[1])})
		}
	}
	return d
}

func (r *rawOrder) toCore() *core.VenueOrder {
	o := &core.VenueOrder{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.Side(r.Side),
		Type:          core.OrderType(r.Type),
		Status:        r.Status,
		Price:         mustDec(r.Price),
		OrigQty:       mustDec(r.OrigQty),
		ExecutedQty:   mustDec(r.ExecutedQty),
		QuoteQty:      mustDec(r.CummulativeQuoteQty),
	}
	ts := r.TransactTime
	if ts == 0 {
		ts = r.Time
	}
	o.TransactTime = time.UnixMilli(ts)
	for _, f := range r.Fills {
		o.Fills = append(o.Fills, core.Fill{
			Price:           mustDec(f.Price),
			Qty:             mustDec(f.Qty),
			Commission:      mustDec(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return o
}

func (r *rawAccount) toCore() *core.Account {
	a := &core.Account{
		CanTrade:  r.CanTrade,
		UpdatedAt: time.UnixMilli(r.UpdateTime),
	}
	for _, b := range r.Balances {
		a.Balances = append(a.Balances, core.Balance{
			Asset:  b.Asset,
			Free:   mustDec(b.Free),
			Locked: mustDec(b.Locked),
		})
	}
	return a
}

func (r *rawTrade) toCore() core.VenueTrade {
	return core.VenueTrade{
		ID:              r.ID,
		OrderID:         r.OrderID,
		Symbol:          r.Symbol,
		Price:           mustDec(r.Price),
		Qty:             mustDec(r.Qty),
		Commission:      mustDec(r.Commission),
		CommissionAsset: r.CommissionAsset,
		IsBuyer:         r.IsBuyer,
		Time:            time.UnixMilli(r.Time),
	}
}

func (r *rawSymbolInfo) toCore() core.Pair {
	p := core.Pair{
		Symbol:     r.Symbol,
		BaseAsset:  r.BaseAsset,
		QuoteAsset: r.QuoteAsset,
	}
	for _, f := range r.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			p.TickSize = mustDec(f.TickSize)
			p.MinPrice = mustDec(f.MinPrice)
			p.MaxPrice = mustDec(f.MaxPrice)
		case "LOT_SIZE":
			p.StepSize = mustDec(f.StepSize)
			p.MinQty = mustDec(f.MinQty)
			p.MaxQty = mustDec(f.MaxQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			p.MinNotional = mustDec(f.MinNotional)
		}
	}
	return p
}

// parseKlines decodes the venue's positional kline arrays:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...].
func parseKlines(body []byte) ([]core.Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	out := make([]core.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			return nil, fmt.Errorf("kline row has %d fields, want at least 8", len(row))
		}
		var openTime, closeTime int64
		var open, high, low, closeP, volume, quoteVolume string
		fields := []struct {
			idx int
			dst interface{}
		}{
			{0, &openTime}, {1, &open}, {2, &high}, {3, &low},
			{4, &closeP}, {5, &volume}, {6, &closeTime}, {7, &quoteVolume},
		}
		for _, f := range fields {
			if err := json.Unmarshal(row[f.idx], f.dst); err != nil {
				return nil, fmt.Errorf("failed to parse kline field %d: %w", f.idx, err)
			}
		}
		out = append(out, core.Kline{
			OpenTime:    time.UnixMilli(openTime),
			Open:        mustDec(open),
			High:        mustDec(high),
			Low:         mustDec(low),
			Close:       mustDec(closeP),
			Volume:      mustDec(volume),
			QuoteVolume: mustDec(quoteVolume),
			CloseTime:   time.UnixMilli(closeTime),
		})
	}
	return out, nil
}
