// Package mock provides in-memory venue doubles for engine and router
// tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Gateway is an in-memory venue implementing core.IGateway. Behavior is
// scripted per test: fills, rejections and market data are set up front.
type Gateway struct {
	mu sync.Mutex

	Prices   map[string]decimal.Decimal
	Tickers  map[string]*core.Ticker24h
	KlineSet map[string][]core.Kline
	Depths   map[string]*core.Depth
	Pairs    map[string]core.Pair
	Balances map[string]decimal.Decimal

	// RejectWouldMatch holds client order ids (or the number of initial
	// placements) that fail with venue code -2010.
	RejectWouldMatch int

	// FillMarketOrders makes MARKET orders fill instantly at the last
	// price; LIMIT_MAKER orders rest as NEW unless FillAllOrders is set.
	FillMarketOrders bool
	FillAllOrders    bool

	orders      map[string]*core.VenueOrder
	nextOrderID int64
	placed      []core.OrderRequest
	cancelled   map[int64]bool

	listenKey      string
	keepAliveCalls int

	tickerCallback func(*core.TickerUpdate)
	subscribed     []string
}

func NewGateway() *Gateway {
	return &Gateway{
		Prices:           make(map[string]decimal.Decimal),
		Tickers:          make(map[string]*core.Ticker24h),
		KlineSet:         make(map[string][]core.Kline),
		Depths:           make(map[string]*core.Depth),
		Pairs:            make(map[string]core.Pair),
		Balances:         make(map[string]decimal.Decimal),
		FillMarketOrders: true,
		orders:           make(map[string]*core.VenueOrder),
		cancelled:        make(map[int64]bool),
	}
}

func (g *Gateway) Ping(ctx context.Context) error { return nil }

func (g *Gateway) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (g *Gateway) Ticker24h(ctx context.Context, symbol string) (*core.Ticker24h, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.Tickers[symbol]
	if !ok {
		return nil, &apperrors.GatewayError{Status: 400, VenueCode: -1121, Message: "Invalid symbol."}
	}
	return t, nil
}

func (g *Gateway) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.Prices[symbol]
	if !ok {
		return decimal.Zero, &apperrors.GatewayError{Status: 400, VenueCode: -1121, Message: "Invalid symbol."}
	}
	return p, nil
}

func (g *Gateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ks, ok := g.KlineSet[symbol+":"+interval]
	if !ok {
		ks = g.KlineSet[symbol]
	}
	if ks == nil {
		return nil, &apperrors.GatewayError{Status: 400, VenueCode: -1121, Message: "Invalid symbol."}
	}
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	return ks, nil
}

func (g *Gateway) Depth(ctx context.Context, symbol string, limit int) (*core.Depth, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.Depths[symbol]
	if !ok {
		return nil, &apperrors.GatewayError{Status: 400, VenueCode: -1121, Message: "Invalid symbol."}
	}
	return d, nil
}

func (g *Gateway) ExchangeInfo(ctx context.Context) (map[string]core.Pair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]core.Pair, len(g.Pairs))
	for k, v := range g.Pairs {
		out[k] = v
	}
	return out, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Client order ids are idempotency keys: a duplicate is rejected, it
	// never overwrites.
	if _, exists := g.orders[req.ClientOrderID]; exists && req.ClientOrderID != "" {
		return nil, &apperrors.GatewayError{Status: 400, VenueCode: -2011, Message: "Duplicate order sent."}
	}

	g.placed = append(g.placed, *req)

	if req.Type == core.OrderTypeLimitMaker && g.RejectWouldMatch > 0 {
		g.RejectWouldMatch--
		return nil, &apperrors.GatewayError{Status: 400, VenueCode: -2010, Message: "Order would immediately match and take."}
	}

	g.nextOrderID++
	order := &core.VenueOrder{
		OrderID:       g.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "NEW",
		Price:         req.Price,
		OrigQty:       req.Quantity,
		TransactTime:  time.Now(),
	}

	fill := g.FillAllOrders || (g.FillMarketOrders && req.Type == core.OrderTypeMarket)
	if fill {
		price := req.Price
		if req.Type == core.OrderTypeMarket {
			price = g.Prices[req.Symbol]
		}
		order.Status = "FILLED"
		order.ExecutedQty = req.Quantity
		order.QuoteQty = price.Mul(req.Quantity)
		order.Fills = []core.Fill{{
			Price:           price,
			Qty:             req.Quantity,
			Commission:      price.Mul(req.Quantity).Mul(decimal.NewFromFloat(0.001)),
			CommissionAsset: "USDT",
		}}
	}

	g.orders[req.ClientOrderID] = order
	return order, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancelled[orderID] {
		return &apperrors.GatewayError{Status: 400, VenueCode: -2011, Message: "Unknown order sent."}
	}
	for _, o := range g.orders {
		if o.OrderID == orderID {
			o.Status = "CANCELED"
			g.cancelled[orderID] = true
			return nil
		}
	}
	return &apperrors.GatewayError{Status: 400, VenueCode: -2011, Message: "Unknown order sent."}
}

func (g *Gateway) GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*core.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clientOrderID != "" {
		if o, ok := g.orders[clientOrderID]; ok {
			return o, nil
		}
	}
	for _, o := range g.orders {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return nil, &apperrors.GatewayError{Status: 400, VenueCode: -2013, Message: "Order does not exist."}
}

func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]core.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []core.VenueOrder
	for _, o := range g.orders {
		if o.Status == "NEW" || o.Status == "PARTIALLY_FILLED" {
			if symbol == "" || o.Symbol == symbol {
				out = append(out, *o)
			}
		}
	}
	return out, nil
}

func (g *Gateway) MyTrades(ctx context.Context, symbol string, limit int) ([]core.VenueTrade, error) {
	return nil, nil
}

func (g *Gateway) Account(ctx context.Context) (*core.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := &core.Account{CanTrade: true, UpdatedAt: time.Now()}
	for asset, free := range g.Balances {
		a.Balances = append(a.Balances, core.Balance{Asset: asset, Free: free})
	}
	return a, nil
}

func (g *Gateway) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Balances[asset], nil
}

func (g *Gateway) CreateListenKey(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listenKey = fmt.Sprintf("mock-listen-key-%d", time.Now().UnixNano())
	return g.listenKey, nil
}

func (g *Gateway) KeepAliveListenKey(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keepAliveCalls++
	return nil
}

func (g *Gateway) DeleteListenKey(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listenKey = ""
	return nil
}

func (g *Gateway) SubscribeTicker(symbols []string, callback func(*core.TickerUpdate)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribed = append([]string(nil), symbols...)
	g.tickerCallback = callback
	return nil
}

func (g *Gateway) UnsubscribeTicker() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribed = nil
	g.tickerCallback = nil
	return nil
}

func (g *Gateway) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.TickerPrice(ctx, symbol)
}

// ---- test helpers ----

// PushTicker delivers a ticker update to the subscriber, if any.
func (g *Gateway) PushTicker(update *core.TickerUpdate) {
	g.mu.Lock()
	cb := g.tickerCallback
	g.mu.Unlock()
	if cb != nil {
		cb(update)
	}
	g.mu.Lock()
	g.Prices[update.Symbol] = update.LastPrice
	g.mu.Unlock()
}

// PlacedOrders returns every submission in order.
func (g *Gateway) PlacedOrders() []core.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.OrderRequest(nil), g.placed...)
}

// FillOrder transitions a resting order to FILLED at the given price.
func (g *Gateway) FillOrder(clientOrderID string, price decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("no such order %s", clientOrderID)
	}
	o.Status = "FILLED"
	o.ExecutedQty = o.OrigQty
	o.QuoteQty = price.Mul(o.OrigQty)
	o.Fills = []core.Fill{{
		Price:           price,
		Qty:             o.OrigQty,
		Commission:      price.Mul(o.OrigQty).Mul(decimal.NewFromFloat(0.001)),
		CommissionAsset: "USDT",
	}}
	return nil
}

// Subscribed returns the currently subscribed symbols.
func (g *Gateway) Subscribed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.subscribed...)
}

// KeepAliveCalls reports listen-key keepalive invocations.
func (g *Gateway) KeepAliveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keepAliveCalls
}

// Logger is a no-op core.ILogger for tests outside _test files.
type Logger struct{}

func (l *Logger) Debug(msg string, fields ...interface{})               {}
func (l *Logger) Info(msg string, fields ...interface{})                {}
func (l *Logger) Warn(msg string, fields ...interface{})                {}
func (l *Logger) Error(msg string, fields ...interface{})               {}
func (l *Logger) Fatal(msg string, fields ...interface{})               {}
func (l *Logger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger { return l }
