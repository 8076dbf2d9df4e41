package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"spottrader/internal/core"
	"spottrader/pkg/websocket"

	"github.com/shopspring/decimal"
)

const tickerChanBuffer = 16

// tickerStream maintains the combined-stream ticker WebSocket, keeps the
// in-memory last-price map and fans updates out to per-pair channels with
// non-blocking sends.
type tickerStream struct {
	baseURL string
	logger  core.ILogger

	mu       sync.Mutex
	client   *websocket.Client
	symbols  []string
	channels map[string]chan *core.TickerUpdate
	done     chan struct{}

	priceMu sync.RWMutex
	prices  map[string]decimal.Decimal
}

type tickerEnvelope struct {
	Stream string        `json:"stream"`
	Data   tickerPayload `json:"data"`
}

type tickerPayload struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
	EventTime int64  `json:"E"`
}

func newTickerStream(baseURL string, logger core.ILogger) *tickerStream {
	return &tickerStream{
		baseURL: baseURL,
		logger:  logger.WithField("component", "ticker_stream"),
		prices:  make(map[string]decimal.Decimal),
	}
}

// Subscribe connects the combined stream for the given symbols. Calling it
// again replaces the symbol set and replays the subscription.
func (s *tickerStream) Subscribe(symbols []string, callback func(*core.TickerUpdate)) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to subscribe")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@ticker")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", strings.TrimSuffix(s.baseURL, "/"), strings.Join(streams, "/"))

	s.symbols = append([]string(nil), symbols...)
	s.channels = make(map[string]chan *core.TickerUpdate, len(symbols))
	s.done = make(chan struct{})
	for _, sym := range symbols {
		ch := make(chan *core.TickerUpdate, tickerChanBuffer)
		s.channels[sym] = ch
		go s.dispatch(ch, s.done, callback)
	}

	s.client = websocket.NewClient(url, s.onMessage, s.logger)
	s.client.Start()

	s.logger.Info("Ticker stream subscribed", "symbols", len(symbols))
	return nil
}

// Unsubscribe closes the stream and drops the subscriber channels.
func (s *tickerStream) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *tickerStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *tickerStream) stopLocked() {
	if s.client != nil {
		s.client.Stop()
		s.client = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.channels = nil
	s.symbols = nil
}

func (s *tickerStream) dispatch(ch <-chan *core.TickerUpdate, done <-chan struct{}, callback func(*core.TickerUpdate)) {
	for {
		select {
		case <-done:
			return
		case u := <-ch:
			if callback != nil {
				callback(u)
			}
		}
	}
}

func (s *tickerStream) onMessage(message []byte) {
	var env tickerEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Debug("Dropping unparseable stream message", "error", err)
		return
	}
	if env.Data.Symbol == "" {
		return
	}

	update := &core.TickerUpdate{
		Symbol:    env.Data.Symbol,
		LastPrice: mustDec(env.Data.LastPrice),
		BidPrice:  mustDec(env.Data.BidPrice),
		BidQty:    mustDec(env.Data.BidQty),
		AskPrice:  mustDec(env.Data.AskPrice),
		AskQty:    mustDec(env.Data.AskQty),
		At:        time.UnixMilli(env.Data.EventTime),
	}

	s.priceMu.Lock()
	s.prices[update.Symbol] = update.LastPrice
	s.priceMu.Unlock()

	s.mu.Lock()
	ch := s.channels[update.Symbol]
	s.mu.Unlock()
	if ch == nil {
		return
	}

	// Slow subscribers lose ticks rather than stall the read loop.
	select {
	case ch <- update:
	default:
	}
}

// LastPrice returns the freshest streamed price for the symbol.
func (s *tickerStream) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// Connected reports whether a stream client is active.
func (s *tickerStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}
