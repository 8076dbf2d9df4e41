package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/httpx"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTimeout_TenSecondBudget(t *testing.T) {
	assert.Equal(t, 10*time.Second, requestTimeout)
}

// Signature vector from the venue API documentation.
func TestSign_KnownVector(t *testing.T) {
	g := &Gateway{secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"}

	canonical := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	assert.Equal(t,
		"c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71",
		g.sign(canonical))
}

func newTestGateway(t *testing.T, handler http.Handler) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g := New(srv.URL, "test-key", "test-secret", "ws://unused", &MockLogger{})
	return g, srv
}

func serveTime(w http.ResponseWriter) {
	w.Write([]byte(`{"serverTime":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`))
}

func TestSignedRequest_Protocol(t *testing.T) {
	var captured atomic.Value

	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			serveTime(w)
		case "/api/v3/account":
			captured.Store(r)
			w.Write([]byte(`{"canTrade":true,"updateTime":1756100000000,"balances":[{"asset":"USDT","free":"1000.00","locked":"0.00"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))

	account, err := g.Account(context.Background())
	require.NoError(t, err)
	assert.True(t, account.CanTrade)
	require.Len(t, account.Balances, 1)
	assert.Equal(t, "1000", account.Balances[0].Free.String())

	r := captured.Load().(*http.Request)
	assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))

	raw := r.URL.RawQuery
	// timestamp and recvWindow are appended after user params; the
	// signature always comes last.
	assert.Contains(t, raw, "recvWindow=5000")
	parts := strings.Split(raw, "&")
	assert.True(t, strings.HasPrefix(parts[len(parts)-1], "signature="))

	// The signature covers everything before it, byte for byte.
	canonical := raw[:strings.LastIndex(raw, "&")]
	want := g.sign(canonical)
	assert.Equal(t, "signature="+want, parts[len(parts)-1])
}

func TestSigned_MissingCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/ping" {
			w.Write([]byte(`{}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	g := New(srv.URL, "", "", "ws://unused", &MockLogger{})

	_, err := g.Account(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrMissingCredentials)

	// Public endpoints still work without credentials.
	assert.NoError(t, g.Ping(context.Background()))
}

func TestPlaceOrder_MapsWouldMatchWithoutRetry(t *testing.T) {
	var calls atomic.Int64

	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			serveTime(w)
		case "/api/v3/order":
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2010,"msg":"Order would immediately match and take."}`))
		default:
			http.NotFound(w, r)
		}
	}))

	_, err := g.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Type:     core.OrderTypeLimitMaker,
		Price:    decimal.RequireFromString("50000.12"),
		Quantity: decimal.RequireFromString("0.001"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrWouldMatch)

	var ge *apperrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, -2010, ge.VenueCode)

	// -2010 is not transient; exactly one attempt.
	assert.Equal(t, int64(1), calls.Load())
}

func TestPublic_RetriesOn503(t *testing.T) {
	var calls atomic.Int64

	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ping" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	err := g.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestUnauthorized_NeverRetried(t *testing.T) {
	var calls atomic.Int64

	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			serveTime(w)
		default:
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key."}`))
		}
	}))

	_, err := g.Account(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestTickerPrice_CachedFor30s(t *testing.T) {
	var calls atomic.Int64

	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"50000.00"}`))
	}))

	p1, err := g.TickerPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	p2, err := g.TickerPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.True(t, p1.Equal(p2))
	assert.Equal(t, int64(1), calls.Load())
}

func TestKlines_ServedStaleOnUpstreamError(t *testing.T) {
	var fail atomic.Bool

	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		w.Write([]byte(`[[1756100000000,"1","2","0.5","1.5","10",1756100899999,"15",5,"5","7.5","0"]]`))
	}))

	klines, err := g.Klines(context.Background(), "BTCUSDT", "15m", 100)
	require.NoError(t, err)
	require.Len(t, klines, 1)

	// Force a cache miss, then break the upstream: the stale page serves.
	g.klineCache.entries["BTCUSDT:15m:100"] = cacheEntry[[]core.Kline]{
		value:    klines,
		storedAt: time.Now().Add(-time.Hour),
	}
	fail.Store(true)

	stale, err := g.Klines(context.Background(), "BTCUSDT", "15m", 100)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestListenKey_Lifecycle(t *testing.T) {
	var method atomic.Value

	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/userDataStream" {
			http.NotFound(w, r)
			return
		}
		method.Store(r.Method)
		// Listen-key calls carry the key header but no signature.
		if strings.Contains(r.URL.RawQuery, "signature") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-MBX-APIKEY") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"listenKey":"abc123"}`))
	}))

	key, err := g.CreateListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", key)
	assert.Equal(t, http.MethodPost, method.Load())

	require.NoError(t, g.KeepAliveListenKey(context.Background(), key))
	assert.Equal(t, http.MethodPut, method.Load())

	require.NoError(t, g.DeleteListenKey(context.Background(), key))
	assert.Equal(t, http.MethodDelete, method.Load())
}

func TestMapError_HaltsGeneralLimiterOn429(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	g.limiters.general.now = func() time.Time { return now }

	err := g.mapError(&httpx.APIError{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte(`{"code":-1003,"msg":"Too many requests."}`),
	})
	var ge *apperrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Retriable())

	wait, ok := g.limiters.general.tryReserve(1)
	assert.False(t, ok)
	assert.Equal(t, 60*time.Second, wait)
}
