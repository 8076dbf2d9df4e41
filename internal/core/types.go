// Package core defines the domain types and interfaces shared across the
// trading engine.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side on the venue.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimitMaker    OrderType = "LIMIT_MAKER"
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// OrderStatus is the local order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Playbook identifies an entry strategy.
type Playbook string

const (
	PlaybookA Playbook = "A" // breakout trend
	PlaybookB Playbook = "B" // VWAP mean revert
	PlaybookC Playbook = "C" // event burst
	PlaybookD Playbook = "D" // dip pullback
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionStatus is the position lifecycle state.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// CloseReason records why a position was exited.
type CloseReason string

const (
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseTarget     CloseReason = "TARGET"
	CloseManual     CloseReason = "MANUAL"
	CloseKillSwitch CloseReason = "KILL_SWITCH"
	CloseTimeStop   CloseReason = "TIME_STOP"
)

// BotStatus is the engine-level trading state.
type BotStatus string

const (
	BotActive       BotStatus = "ACTIVE"
	BotHaltedDaily  BotStatus = "HALTED_DAILY"
	BotHaltedWeekly BotStatus = "HALTED_WEEKLY"
)

// SignalAction records the outcome of a candidate signal.
type SignalAction string

const (
	SignalExecuted SignalAction = "EXECUTED"
	SignalSkipped  SignalAction = "SKIPPED"
)

// Pair holds the venue trading rules for a symbol. Loaded at boot and
// refreshed daily; immutable between refreshes.
type Pair struct {
	Symbol      string          `bson:"symbol"`
	BaseAsset   string          `bson:"base_asset"`
	QuoteAsset  string          `bson:"quote_asset"`
	TickSize    decimal.Decimal `bson:"tick_size"`
	StepSize    decimal.Decimal `bson:"step_size"`
	MinPrice    decimal.Decimal `bson:"min_price"`
	MaxPrice    decimal.Decimal `bson:"max_price"`
	MinQty      decimal.Decimal `bson:"min_qty"`
	MaxQty      decimal.Decimal `bson:"max_qty"`
	MinNotional decimal.Decimal `bson:"min_notional"`
}

// Kline is a single candle.
type Kline struct {
	OpenTime    time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	CloseTime   time.Time
}

// PriceLevel is one side of the book at one price.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth is a partial order book snapshot.
type Depth struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// Ticker24h is the rolling 24 hour ticker for a symbol.
type Ticker24h struct {
	Symbol      string
	LastPrice   decimal.Decimal
	QuoteVolume decimal.Decimal
	BidPrice    decimal.Decimal
	BidQty      decimal.Decimal
	AskPrice    decimal.Decimal
	AskQty      decimal.Decimal
	CloseTime   time.Time
}

// MarketSnapshot is the per-pair scan result for one tick. Transient.
type MarketSnapshot struct {
	Symbol       string          `bson:"symbol"`
	At           time.Time       `bson:"at"`
	LastPrice    decimal.Decimal `bson:"last_price"`
	QuoteVolume  decimal.Decimal `bson:"quote_volume"`
	BidPrice     decimal.Decimal `bson:"bid_price"`
	BidQty       decimal.Decimal `bson:"bid_qty"`
	AskPrice     decimal.Decimal `bson:"ask_price"`
	AskQty       decimal.Decimal `bson:"ask_qty"`
	SpreadBps    decimal.Decimal `bson:"spread_bps"`
	ATR          decimal.Decimal `bson:"atr"`
	VWAP         decimal.Decimal `bson:"vwap"`
	GatePassed   bool            `bson:"gate_passed"`
	GateFailures []string        `bson:"gate_failures,omitempty"`
	Klines15m    []Kline         `bson:"-"`
}

// Signal is a typed entry candidate produced by a playbook. Consumed at
// most once by the execution router.
type Signal struct {
	ID        string          `bson:"_id"`
	Symbol    string          `bson:"symbol"`
	Playbook  Playbook        `bson:"playbook"`
	Side      Side            `bson:"side"`
	Entry     decimal.Decimal `bson:"entry"`
	Stop      decimal.Decimal `bson:"stop"`
	Target    decimal.Decimal `bson:"target,omitempty"` // zero means no target
	IsEvent   bool            `bson:"is_event"`
	Reason    string          `bson:"reason"`
	CreatedAt time.Time       `bson:"created_at"`
}

// HasTarget reports whether the signal carries a target price.
func (s *Signal) HasTarget() bool { return s.Target.IsPositive() }

// Validate checks the signal shape: positive prices, stop distinct from
// entry, and directional ordering of target/entry/stop when a target is
// present.
func (s *Signal) Validate() error {
	if !s.Entry.IsPositive() {
		return fmt.Errorf("signal %s: entry must be positive, got %s", s.Symbol, s.Entry)
	}
	if !s.Stop.IsPositive() {
		return fmt.Errorf("signal %s: stop must be positive, got %s", s.Symbol, s.Stop)
	}
	if s.Entry.Equal(s.Stop) {
		return fmt.Errorf("signal %s: entry equals stop (%s)", s.Symbol, s.Entry)
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("signal %s: invalid side %q", s.Symbol, s.Side)
	}
	if s.HasTarget() {
		switch s.Side {
		case SideBuy:
			if !(s.Target.GreaterThan(s.Entry) && s.Entry.GreaterThan(s.Stop)) {
				return fmt.Errorf("signal %s: BUY requires target > entry > stop (%s/%s/%s)",
					s.Symbol, s.Target, s.Entry, s.Stop)
			}
		case SideSell:
			if !(s.Target.LessThan(s.Entry) && s.Entry.LessThan(s.Stop)) {
				return fmt.Errorf("signal %s: SELL requires target < entry < stop (%s/%s/%s)",
					s.Symbol, s.Target, s.Entry, s.Stop)
			}
		}
	}
	return nil
}

// SignalRecord persists the outcome of every candidate, accepted or not.
type SignalRecord struct {
	Signal Signal       `bson:"signal"`
	UserID string       `bson:"user_id"`
	Action SignalAction `bson:"action"`
	Reason string       `bson:"reason"`
	At     time.Time    `bson:"at"`
}

// SizingDecision is the risk engine's verdict for one signal. Not
// persisted beyond the request.
type SizingDecision struct {
	KellyFraction    decimal.Decimal
	AdjustedFraction decimal.Decimal
	Notional         decimal.Decimal
	Quantity         decimal.Decimal
	RiskAmount       decimal.Decimal
	Tier             string
	Reasoning        []string
}

// Fill is one execution of an order on the venue.
type Fill struct {
	Price           decimal.Decimal `bson:"price"`
	Qty             decimal.Decimal `bson:"qty"`
	Commission      decimal.Decimal `bson:"commission"`
	CommissionAsset string          `bson:"commission_asset"`
}

// OrderEvidence keeps the raw request/response context for audit.
type OrderEvidence struct {
	Request      string `bson:"request,omitempty"`
	Response     string `bson:"response,omitempty"`
	RejectReason string `bson:"reject_reason,omitempty"`
}

// Order is the local record of a venue order.
type Order struct {
	ClientOrderID  string          `bson:"_id"`
	VenueOrderID   int64           `bson:"venue_order_id,omitempty"`
	UserID         string          `bson:"user_id"`
	Symbol         string          `bson:"symbol"`
	Side           Side            `bson:"side"`
	Type           OrderType       `bson:"type"`
	Price          decimal.Decimal `bson:"price"`
	Quantity       decimal.Decimal `bson:"quantity"`
	FilledQuantity decimal.Decimal `bson:"filled_quantity"`
	FillPrice      decimal.Decimal `bson:"fill_price"`
	Fees           decimal.Decimal `bson:"fees"`
	Status         OrderStatus     `bson:"status"`
	Fills          []Fill          `bson:"fills,omitempty"`
	Evidence       OrderEvidence   `bson:"evidence"`
	PositionID     string          `bson:"position_id,omitempty"`
	SubmittedAt    time.Time       `bson:"submitted_at"`
	FilledAt       time.Time       `bson:"filled_at,omitempty"`
}

// Position is an open or closed holding managed to an exit.
type Position struct {
	ID            string          `bson:"_id"`
	UserID        string          `bson:"user_id"`
	Symbol        string          `bson:"symbol"`
	Side          PositionSide    `bson:"side"`
	Playbook      Playbook        `bson:"playbook"`
	EntryPrice    decimal.Decimal `bson:"entry_price"`
	CurrentPrice  decimal.Decimal `bson:"current_price"`
	StopPrice     decimal.Decimal `bson:"stop_price"`
	TargetPrice   decimal.Decimal `bson:"target_price,omitempty"` // zero means no target
	Quantity      decimal.Decimal `bson:"quantity"`
	UnrealizedPnL decimal.Decimal `bson:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `bson:"realized_pnl"`
	Status        PositionStatus  `bson:"status"`
	CloseReason   CloseReason     `bson:"close_reason,omitempty"`
	EntryOrderID  string          `bson:"entry_order_id"`
	OpenedAt      time.Time       `bson:"opened_at"`
	ClosedAt      time.Time       `bson:"closed_at,omitempty"`
}

// Risk returns the dollar risk of the position: |entry-stop| * quantity.
func (p *Position) Risk() decimal.Decimal {
	return p.EntryPrice.Sub(p.StopPrice).Abs().Mul(p.Quantity)
}

// Lot is an immutable tax lot created for each BUY fill.
type Lot struct {
	ID                string          `bson:"_id"` // LOT-YYYYMMDD-NNN
	UserID            string          `bson:"user_id"`
	Symbol            string          `bson:"symbol"`
	OrderID           string          `bson:"order_id"`
	AcquiredAt        time.Time       `bson:"acquired_at"`
	Quantity          decimal.Decimal `bson:"quantity"`
	CostPerUnit       decimal.Decimal `bson:"cost_per_unit"`
	RemainingQuantity decimal.Decimal `bson:"remaining_quantity"`
	Status            string          `bson:"status"` // OPEN or CLOSED
}

// Trade is the record of a closed position; feeds the Kelly statistics.
type Trade struct {
	ID          string          `bson:"_id"`
	UserID      string          `bson:"user_id"`
	Symbol      string          `bson:"symbol"`
	Playbook    Playbook        `bson:"playbook"`
	Side        PositionSide    `bson:"side"`
	EntryPrice  decimal.Decimal `bson:"entry_price"`
	ExitPrice   decimal.Decimal `bson:"exit_price"`
	Quantity    decimal.Decimal `bson:"quantity"`
	RealizedPnL decimal.Decimal `bson:"realized_pnl"`
	RealizedR   decimal.Decimal `bson:"realized_r"`
	CloseReason CloseReason     `bson:"close_reason"`
	OpenedAt    time.Time       `bson:"opened_at"`
	ClosedAt    time.Time       `bson:"closed_at"`
}

// BotState is the per-user singleton runtime state.
type BotState struct {
	UserID         string                    `bson:"_id"`
	StartingEquity decimal.Decimal           `bson:"starting_equity"`
	CurrentEquity  decimal.Decimal           `bson:"current_equity"`
	PeakEquity     decimal.Decimal           `bson:"peak_equity"`
	DailyPnL       decimal.Decimal           `bson:"daily_pnl"`
	WeeklyPnL      decimal.Decimal           `bson:"weekly_pnl"`
	DailyR         decimal.Decimal           `bson:"daily_r"`
	WeeklyR        decimal.Decimal           `bson:"weekly_r"`
	Status         BotStatus                 `bson:"status"`
	LastScanAt     time.Time                 `bson:"last_scan_at"`
	LastSignalAt   map[string]time.Time      `bson:"last_signal_at"`
	SessionCounts  map[string]int            `bson:"session_counts"` // playbook B entries per pair per session
	Snapshots      map[string]MarketSnapshot `bson:"snapshots,omitempty"`
	UpdatedAt      time.Time                 `bson:"updated_at"`
}

// Drawdown returns the fractional drawdown from peak equity.
func (s *BotState) Drawdown() decimal.Decimal {
	if !s.PeakEquity.IsPositive() {
		return decimal.Zero
	}
	dd := s.PeakEquity.Sub(s.CurrentEquity).Div(s.PeakEquity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// PlaybookConfig holds the per-playbook enable flag and thresholds.
type PlaybookConfig struct {
	Enabled             bool            `bson:"enabled" yaml:"enabled"`
	VolumeMult          decimal.Decimal `bson:"volume_mult" yaml:"volume_mult"`
	StopATRMult         decimal.Decimal `bson:"stop_atr_mult" yaml:"stop_atr_mult"`
	DeviationATRMult    decimal.Decimal `bson:"deviation_atr_mult" yaml:"deviation_atr_mult"`
	MaxTradesPerSession int             `bson:"max_trades_per_session" yaml:"max_trades_per_session"`
	MaxHoldingMinutes   int             `bson:"max_holding_minutes" yaml:"max_holding_minutes"`
}

// BotConfig is the per-user trading configuration.
type BotConfig struct {
	UserID                 string                      `bson:"_id"`
	Universe               []string                    `bson:"universe"`
	MinQuoteVolume         decimal.Decimal             `bson:"min_quote_volume"`
	MaxSpread              decimal.Decimal             `bson:"max_spread"`
	MinTOBDepth            decimal.Decimal             `bson:"min_tob_depth"`
	RPct                   decimal.Decimal             `bson:"r_pct"` // decimal fraction: 0.01 == 1%
	MaxExposurePct         decimal.Decimal             `bson:"max_exposure_pct"`
	MaxHeat                decimal.Decimal             `bson:"max_heat"`
	MaxConcurrentPositions int                         `bson:"max_concurrent_positions"`
	ReserveTarget          decimal.Decimal             `bson:"reserve_target"`
	ReserveFloor           decimal.Decimal             `bson:"reserve_floor"`
	CooldownMinutes        int                         `bson:"cooldown_minutes"`
	SlippageLimitBps       decimal.Decimal             `bson:"slippage_limit_bps"`
	EventSlippageLimitBps  decimal.Decimal             `bson:"event_slippage_limit_bps"`
	DailyRLimit            decimal.Decimal             `bson:"daily_r_limit"`
	WeeklyRLimit           decimal.Decimal             `bson:"weekly_r_limit"`
	Playbooks              map[Playbook]PlaybookConfig `bson:"playbooks"`
}

// PlaybookFor returns the playbook config, zero value when absent.
func (c *BotConfig) PlaybookFor(p Playbook) PlaybookConfig {
	if c.Playbooks == nil {
		return PlaybookConfig{}
	}
	return c.Playbooks[p]
}
