package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is a fully shaped order ready for submission to the venue.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	TimeInForce   string // GTC for LIMIT/LIMIT_MAKER, empty for MARKET
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// VenueOrder is the venue's view of an order as returned by the REST API.
type VenueOrder struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        string // venue status string: NEW, PARTIALLY_FILLED, FILLED, CANCELED, REJECTED, EXPIRED
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	QuoteQty      decimal.Decimal
	Fills         []Fill
	TransactTime  time.Time
}

// Balance is a single asset balance on the venue account.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Account is the venue spot account snapshot.
type Account struct {
	Balances  []Balance
	CanTrade  bool
	UpdatedAt time.Time
}

// VenueTrade is one of the caller's own trades as reported by the venue.
type VenueTrade struct {
	ID              int64
	OrderID         int64
	Symbol          string
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	IsBuyer         bool
	Time            time.Time
}

// TickerUpdate is one real-time ticker message for a pair.
type TickerUpdate struct {
	Symbol    string
	LastPrice decimal.Decimal
	BidPrice  decimal.Decimal
	BidQty    decimal.Decimal
	AskPrice  decimal.Decimal
	AskQty    decimal.Decimal
	At        time.Time
}

// IGateway is the sole channel to the venue. Every call may suspend on
// rate-limit permission before the HTTP request is issued.
type IGateway interface {
	// Public endpoints
	Ping(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)
	Ticker24h(ctx context.Context, symbol string) (*Ticker24h, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	Depth(ctx context.Context, symbol string, limit int) (*Depth, error)
	ExchangeInfo(ctx context.Context) (map[string]Pair, error)

	// Signed endpoints
	PlaceOrder(ctx context.Context, req *OrderRequest) (*VenueOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*VenueOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]VenueOrder, error)
	MyTrades(ctx context.Context, symbol string, limit int) ([]VenueTrade, error)
	Account(ctx context.Context) (*Account, error)
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)

	// User data stream lifecycle
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	DeleteListenKey(ctx context.Context, key string) error

	// Real-time ticker. LastPrice returns the freshest known price,
	// preferring a connected stream over the REST cache.
	SubscribeTicker(symbols []string, callback func(*TickerUpdate)) error
	UnsubscribeTicker() error
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// IFilters rounds and validates order parameters against venue precision
// rules.
type IFilters interface {
	Pair(symbol string) (Pair, error)
	RoundPrice(symbol string, price decimal.Decimal) (decimal.Decimal, error)
	RoundQty(symbol string, qty decimal.Decimal) (decimal.Decimal, error)
	ValidateOrder(symbol string, price, qty decimal.Decimal) error
	Refresh(ctx context.Context) error
}

// IStore is the persistence boundary. Implementations serialize writes
// per entity id.
type IStore interface {
	SaveOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, clientOrderID string) (*Order, error)
	OrdersByPosition(ctx context.Context, positionID string) ([]Order, error)

	SavePosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	OpenPositions(ctx context.Context, userID string) ([]Position, error)

	SaveLot(ctx context.Context, l *Lot) error
	NextLotSequence(ctx context.Context, userID string, day time.Time) (int, error)

	SaveTrade(ctx context.Context, t *Trade) error
	RecentTrades(ctx context.Context, userID string, playbook Playbook, limit int) ([]Trade, error)

	SaveSignalRecord(ctx context.Context, r *SignalRecord) error

	LoadBotState(ctx context.Context, userID string) (*BotState, error)
	SaveBotState(ctx context.Context, s *BotState) error
	LoadBotConfig(ctx context.Context, userID string) (*BotConfig, error)
	SaveBotConfig(ctx context.Context, c *BotConfig) error

	SaveExchangeInfo(ctx context.Context, pairs map[string]Pair) error
	LoadExchangeInfo(ctx context.Context) (map[string]Pair, error)

	Ping(ctx context.Context) error
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
