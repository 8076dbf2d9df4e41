// Package gateway is the sole channel to the venue REST and WebSocket
// APIs. It owns request signing, clock sync, rate limiting, retries and
// response caching; nothing else in the process talks to the exchange.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"spottrader/internal/config"
	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/httpx"
	"spottrader/pkg/retry"
	"spottrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	recvWindowMillis  = 5000
	clockSyncInterval = 60 * time.Second
	requestTimeout    = 10 * time.Second

	weightDefault = 1
	weightOrder   = 1
	weightAccount = 10
	weightTrades  = 10
)

// retryPolicy is the venue backoff: up to 3 retries at 300*(n+1) ms plus
// up to 200 ms of jitter.
var retryPolicy = retry.Policy{
	MaxRetries: 3,
	Delay:      retry.Jittered(300*time.Millisecond, 200*time.Millisecond),
}

// Gateway implements core.IGateway against the Binance.US spot API.
type Gateway struct {
	http     *httpx.Client
	apiKey   config.Secret
	secret   config.Secret
	limiters *limiters
	logger   core.ILogger

	clockMu     sync.Mutex
	clockOffset time.Duration
	lastSync    time.Time

	priceCache   *ttlCache[decimal.Decimal]
	klineCache   *ttlCache[[]core.Kline]
	balanceCache *ttlCache[decimal.Decimal]

	stream *tickerStream

	weightCounter metric.Int64Counter
}

// New creates a gateway for the given venue base URL. Credentials may be
// empty; signed calls then fail with ErrMissingCredentials while public
// endpoints keep working.
func New(baseURL string, apiKey, secret config.Secret, wsURL string, logger core.ILogger) *Gateway {
	lg := logger.WithField("component", "gateway")

	meter := telemetry.GetMeter("gateway")
	weightCounter, _ := meter.Int64Counter("spottrader_venue_weight_consumed_total",
		metric.WithDescription("Venue request weight consumed"))

	g := &Gateway{
		http:          httpx.NewClient(baseURL, requestTimeout),
		apiKey:        apiKey,
		secret:        secret,
		limiters:      newLimiters(lg),
		logger:        lg,
		priceCache:    newTTLCache[decimal.Decimal](priceCacheTTL),
		klineCache:    newTTLCache[[]core.Kline](klineCacheTTL),
		balanceCache:  newTTLCache[decimal.Decimal](balanceCacheTTL),
		weightCounter: weightCounter,
	}
	g.stream = newTickerStream(wsURL, lg)
	return g
}

// ---- request plumbing ----

// syncClock refreshes the server-time offset when the last sync is older
// than a minute. Only this routine mutates the offset.
func (g *Gateway) syncClock(ctx context.Context) error {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()

	if time.Since(g.lastSync) < clockSyncInterval {
		return nil
	}

	body, err := g.request(ctx, http.MethodGet, "/api/v3/time", newParams(), weightDefault, false)
	if err != nil {
		return fmt.Errorf("clock sync failed: %w", err)
	}
	var st rawServerTime
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("failed to parse server time: %w", err)
	}

	g.clockOffset = time.UnixMilli(st.ServerTime).Sub(time.Now())
	g.lastSync = time.Now()
	g.logger.Debug("Clock synced", "offset_ms", g.clockOffset.Milliseconds())
	return nil
}

func (g *Gateway) venueNow() time.Time {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()
	return time.Now().Add(g.clockOffset)
}

// request issues one rate-limited call and maps failures to GatewayError.
// No retries at this layer.
func (g *Gateway) request(ctx context.Context, method, path string, p *params, weight int, isOrder bool) ([]byte, error) {
	var release func()
	var err error
	if isOrder {
		release, err = g.limiters.acquireOrder(ctx)
	} else {
		release, err = g.limiters.acquireGeneral(ctx, weight)
	}
	if err != nil {
		return nil, err
	}
	defer release()

	g.weightCounter.Add(ctx, int64(weight), metric.WithAttributes(attribute.String("path", path)))

	body, err := g.http.Do(ctx, method, path, p.Encode(), g.headers())
	if err != nil {
		return nil, g.mapError(err)
	}
	return body, nil
}

func (g *Gateway) headers() map[string]string {
	if g.apiKey == "" {
		return nil
	}
	return map[string]string{"X-MBX-APIKEY": string(g.apiKey)}
}

// mapError converts transport failures and venue error envelopes into
// GatewayError, halting the general limiter on rate-limit responses.
func (g *Gateway) mapError(err error) error {
	var apiErr *httpx.APIError
	if !errors.As(err, &apiErr) {
		return &apperrors.GatewayError{Message: err.Error()}
	}

	ge := &apperrors.GatewayError{Status: apiErr.StatusCode}
	var envelope rawError
	if jerr := json.Unmarshal(apiErr.Body, &envelope); jerr == nil {
		ge.VenueCode = envelope.Code
		ge.Message = envelope.Msg
	} else {
		ge.Message = string(apiErr.Body)
	}

	if ge.Status == http.StatusTooManyRequests || ge.VenueCode == -1003 {
		g.limiters.haltGeneral()
	}
	return ge
}

// isTransient classifies failures for the retry loop. Authentication
// failures are never retried.
func isTransient(err error) bool {
	var ge *apperrors.GatewayError
	if !errors.As(err, &ge) {
		return false
	}
	if ge.Status == http.StatusUnauthorized || ge.Status == http.StatusForbidden {
		return false
	}
	return ge.Retriable()
}

// public issues an unsigned call with retries.
func (g *Gateway) public(ctx context.Context, method, path string, p *params, weight int) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, retryPolicy, isTransient, func() error {
		var err error
		body, err = g.request(ctx, method, path, p, weight, false)
		return err
	})
	return body, err
}

// signed issues an authenticated call: timestamp and recvWindow are
// appended, the canonical query is signed in insertion order and the
// signature goes last.
func (g *Gateway) signed(ctx context.Context, method, path string, p *params, weight int, isOrder bool) ([]byte, error) {
	if g.apiKey == "" || g.secret == "" {
		return nil, apperrors.ErrMissingCredentials
	}
	if err := g.syncClock(ctx); err != nil {
		g.logger.Warn("Proceeding with stale clock offset", "error", err)
	}

	var body []byte
	err := retry.Do(ctx, retryPolicy, isTransient, func() error {
		sp := newParams()
		for _, k := range p.keys {
			sp.Set(k, p.values[k])
		}
		sp.Set("timestamp", strconv.FormatInt(g.venueNow().UnixMilli(), 10))
		sp.Set("recvWindow", strconv.Itoa(recvWindowMillis))
		sp.Set("signature", g.sign(sp.Encode()))

		var err error
		body, err = g.request(ctx, method, path, sp, weight, isOrder)
		return err
	})
	return body, err
}

// sign computes hex(HMAC-SHA256(secret, canonical)).
func (g *Gateway) sign(canonical string) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// ---- public endpoints ----

func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.public(ctx, http.MethodGet, "/api/v3/ping", newParams(), weightDefault)
	return err
}

func (g *Gateway) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := g.public(ctx, http.MethodGet, "/api/v3/time", newParams(), weightDefault)
	if err != nil {
		return time.Time{}, err
	}
	var st rawServerTime
	if err := json.Unmarshal(body, &st); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse server time: %w", err)
	}
	return time.UnixMilli(st.ServerTime), nil
}

func (g *Gateway) Ticker24h(ctx context.Context, symbol string) (*core.Ticker24h, error) {
	p := newParams().Set("symbol", symbol)
	body, err := g.public(ctx, http.MethodGet, "/api/v3/ticker/24hr", p, weightDefault)
	if err != nil {
		return nil, err
	}
	var raw rawTicker24h
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse 24h ticker: %w", err)
	}
	return raw.toCore(), nil
}

// TickerPrice returns the REST last price, cached for 30 seconds.
func (g *Gateway) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, ok := g.priceCache.Get(symbol); ok {
		return price, nil
	}

	p := newParams().Set("symbol", symbol)
	body, err := g.public(ctx, http.MethodGet, "/api/v3/ticker/price", p, weightDefault)
	if err != nil {
		return decimal.Zero, err
	}
	var raw rawTickerPrice
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ticker price: %w", err)
	}
	price := mustDec(raw.Price)
	g.priceCache.Set(symbol, price)
	return price, nil
}

// Klines returns a candle page, cached for five minutes and served stale
// when the venue is unreachable.
func (g *Gateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	key := fmt.Sprintf("%s:%s:%d", symbol, interval, limit)
	if klines, ok := g.klineCache.Get(key); ok {
		return klines, nil
	}

	p := newParams().
		Set("symbol", symbol).
		Set("interval", interval).
		Set("limit", strconv.Itoa(limit))
	body, err := g.public(ctx, http.MethodGet, "/api/v3/klines", p, klinesWeight(limit))
	if err != nil {
		if stale, ok := g.klineCache.GetStale(key); ok {
			g.logger.Warn("Serving stale klines after upstream error", "symbol", symbol, "error", err)
			return stale, nil
		}
		return nil, err
	}

	klines, err := parseKlines(body)
	if err != nil {
		return nil, err
	}
	g.klineCache.Set(key, klines)
	return klines, nil
}

func (g *Gateway) Depth(ctx context.Context, symbol string, limit int) (*core.Depth, error) {
	p := newParams().
		Set("symbol", symbol).
		Set("limit", strconv.Itoa(limit))
	body, err := g.public(ctx, http.MethodGet, "/api/v3/depth", p, weightDefault)
	if err != nil {
		return nil, err
	}
	var raw rawDepth
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse depth: %w", err)
	}
	return raw.toCore(), nil
}

func (g *Gateway) ExchangeInfo(ctx context.Context) (map[string]core.Pair, error) {
	body, err := g.public(ctx, http.MethodGet, "/api/v3/exchangeInfo", newParams(), weightAccount)
	if err != nil {
		return nil, err
	}
	var raw rawExchangeInfo
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	pairs := make(map[string]core.Pair, len(raw.Symbols))
	for _, s := range raw.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		pairs[s.Symbol] = s.toCore()
	}
	return pairs, nil
}

// ---- signed endpoints ----

func (g *Gateway) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.VenueOrder, error) {
	p := newParams().
		Set("symbol", req.Symbol).
		Set("side", string(req.Side)).
		Set("type", string(req.Type))

	switch req.Type {
	case core.OrderTypeMarket:
	case core.OrderTypeLimitMaker:
		p.Set("price", req.Price.String())
	default:
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		p.Set("timeInForce", tif)
		p.Set("price", req.Price.String())
	}

	p.Set("quantity", req.Quantity.String())
	if req.ClientOrderID != "" {
		p.Set("newClientOrderId", req.ClientOrderID)
	}
	p.Set("newOrderRespType", "FULL")

	body, err := g.signed(ctx, http.MethodPost, "/api/v3/order", p, weightOrder, true)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return raw.toCore(), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	p := newParams().
		Set("symbol", symbol).
		Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := g.signed(ctx, http.MethodDelete, "/api/v3/order", p, weightOrder, true)
	return err
}

func (g *Gateway) GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*core.VenueOrder, error) {
	p := newParams().Set("symbol", symbol)
	if orderID != 0 {
		p.Set("orderId", strconv.FormatInt(orderID, 10))
	} else if clientOrderID != "" {
		p.Set("origClientOrderId", clientOrderID)
	}

	body, err := g.signed(ctx, http.MethodGet, "/api/v3/order", p, weightDefault, false)
	if err != nil {
		return nil, err
	}
	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return raw.toCore(), nil
}

func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]core.VenueOrder, error) {
	p := newParams()
	if symbol != "" {
		p.Set("symbol", symbol)
	}
	body, err := g.signed(ctx, http.MethodGet, "/api/v3/openOrders", p, weightDefault, false)
	if err != nil {
		return nil, err
	}
	var raws []rawOrder
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}
	out := make([]core.VenueOrder, 0, len(raws))
	for i := range raws {
		out = append(out, *raws[i].toCore())
	}
	return out, nil
}

func (g *Gateway) MyTrades(ctx context.Context, symbol string, limit int) ([]core.VenueTrade, error) {
	p := newParams().Set("symbol", symbol)
	if limit > 0 {
		p.Set("limit", strconv.Itoa(limit))
	}
	body, err := g.signed(ctx, http.MethodGet, "/api/v3/myTrades", p, weightTrades, false)
	if err != nil {
		return nil, err
	}
	var raws []rawTrade
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse trades: %w", err)
	}
	out := make([]core.VenueTrade, 0, len(raws))
	for i := range raws {
		out = append(out, raws[i].toCore())
	}
	return out, nil
}

func (g *Gateway) Account(ctx context.Context) (*core.Account, error) {
	body, err := g.signed(ctx, http.MethodGet, "/api/v3/account", newParams(), weightAccount, false)
	if err != nil {
		return nil, err
	}
	var raw rawAccount
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}
	return raw.toCore(), nil
}

// Balance returns the free balance of one asset, cached for 10 seconds.
func (g *Gateway) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if bal, ok := g.balanceCache.Get(asset); ok {
		return bal, nil
	}

	account, err := g.Account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	var found decimal.Decimal
	for _, b := range account.Balances {
		g.balanceCache.Set(b.Asset, b.Free)
		if b.Asset == asset {
			found = b.Free
		}
	}
	return found, nil
}

// ---- user data stream ----

// Listen-key calls carry the API-key header but no signature or timestamp.
func (g *Gateway) CreateListenKey(ctx context.Context) (string, error) {
	if g.apiKey == "" {
		return "", apperrors.ErrMissingCredentials
	}
	body, err := g.public(ctx, http.MethodPost, "/api/v3/userDataStream", newParams(), weightDefault)
	if err != nil {
		return "", err
	}
	var raw rawListenKey
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("failed to parse listen key: %w", err)
	}
	return raw.ListenKey, nil
}

func (g *Gateway) KeepAliveListenKey(ctx context.Context, key string) error {
	if g.apiKey == "" {
		return apperrors.ErrMissingCredentials
	}
	p := newParams().Set("listenKey", key)
	_, err := g.public(ctx, http.MethodPut, "/api/v3/userDataStream", p, weightDefault)
	return err
}

func (g *Gateway) DeleteListenKey(ctx context.Context, key string) error {
	if g.apiKey == "" {
		return apperrors.ErrMissingCredentials
	}
	p := newParams().Set("listenKey", key)
	_, err := g.public(ctx, http.MethodDelete, "/api/v3/userDataStream", p, weightDefault)
	return err
}

// ---- real-time ticker ----

func (g *Gateway) SubscribeTicker(symbols []string, callback func(*core.TickerUpdate)) error {
	return g.stream.Subscribe(symbols, callback)
}

func (g *Gateway) UnsubscribeTicker() error {
	return g.stream.Unsubscribe()
}

// LastPrice prefers the live stream price over the REST cache.
func (g *Gateway) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, ok := g.stream.LastPrice(symbol); ok {
		return price, nil
	}
	return g.TickerPrice(ctx, symbol)
}

// Stop tears down the ticker stream.
func (g *Gateway) Stop() {
	g.stream.Stop()
}
