// Package execution turns approved signals into venue orders and
// reconciles the resulting fills into positions, lots and trades.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"spottrader/internal/core"
	"spottrader/internal/scanner"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config selects the router's price-shaping behavior.
type Config struct {
	MakerFirst  bool
	VWAPBias    bool
	LimitBypass bool
}

// Router owns the order lifecycle from approved signal to settled
// position. All venue traffic goes through the gateway's order limiter,
// so submissions for a pair execute in order.
type Router struct {
	gateway  core.IGateway
	filters  core.IFilters
	store    core.IStore
	cooldown *scanner.CooldownTracker
	cfg      Config
	userID   string
	logger   core.ILogger
	now      func() time.Time

	// clientIDs guards process-wide client-order-id uniqueness. A
	// collision fails the submission, it never overwrites.
	idMu      sync.Mutex
	clientIDs map[string]struct{}

	// pendingEntries maps resting entry orders to their originating
	// signal so the fill can be settled into a position later.
	pendingMu      sync.Mutex
	pendingEntries map[string]*pendingEntry

	// tradeHook observes every recorded trade, set once before trading
	// starts. The supervisor uses it to roll realized results into the
	// bot state.
	tradeHook func(*core.Trade)

	placedCounter metric.Int64Counter
	filledCounter metric.Int64Counter
	slippageHist  metric.Float64Histogram
}

type pendingEntry struct {
	signal   *core.Signal
	decision *core.SizingDecision
}

// NewRouter creates the execution router.
func NewRouter(gateway core.IGateway, filters core.IFilters, store core.IStore, cooldown *scanner.CooldownTracker, cfg Config, userID string, logger core.ILogger) *Router {
	meter := telemetry.GetMeter("execution")
	placedCounter, _ := meter.Int64Counter("spottrader_orders_placed_total",
		metric.WithDescription("Orders submitted to the venue"))
	filledCounter, _ := meter.Int64Counter("spottrader_orders_filled_total",
		metric.WithDescription("Orders fully filled"))
	slippageHist, _ := meter.Float64Histogram("spottrader_slippage_bps",
		metric.WithDescription("Entry slippage in basis points"))

	return &Router{
		gateway:        gateway,
		filters:        filters,
		store:          store,
		cooldown:       cooldown,
		cfg:            cfg,
		userID:         userID,
		logger:         logger.WithField("component", "execution_router"),
		now:            func() time.Time { return time.Now().UTC() },
		clientIDs:      make(map[string]struct{}),
		pendingEntries: make(map[string]*pendingEntry),
		placedCounter:  placedCounter,
		filledCounter:  filledCounter,
		slippageHist:   slippageHist,
	}
}

// Execute submits the approved (signal, size) as one or more orders. A
// MARKET or instantly-filled order returns the open position; a resting
// LIMIT_MAKER returns a nil position and the working order, settled later
// by SyncOrder. The pair cooldown is marked on every successful
// submission.
func (r *Router) Execute(ctx context.Context, sig *core.Signal, decision *core.SizingDecision, vwap decimal.Decimal, botCfg *core.BotConfig) (*core.Order, *core.Position, error) {
	current, err := r.gateway.LastPrice(ctx, sig.Symbol)
	if err != nil || !current.IsPositive() {
		current = sig.Entry
	}

	orderType := r.chooseOrderType(sig, current)
	price := current
	if orderType != core.OrderTypeMarket {
		price = r.shapePrice(ctx, sig, current, vwap)
	}

	price, qty, err := r.applyFilters(sig.Symbol, price, decision.Quantity)
	if err != nil {
		rejected := r.buildOrder(sig, orderType, price, decision.Quantity)
		rejected.Status = core.OrderStatusRejected
		rejected.Evidence.RejectReason = err.Error()
		if serr := r.store.SaveOrder(ctx, rejected); serr != nil {
			r.logger.Error("Failed to persist rejected order", "error", serr)
		}
		return rejected, nil, err
	}

	order := r.buildOrder(sig, orderType, price, qty)
	if err := r.registerClientID(order.ClientOrderID); err != nil {
		return nil, nil, err
	}
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("persist pending order: %w", err)
	}

	vo, err := r.submitWithRepricing(ctx, order)
	if err != nil {
		order.Status = core.OrderStatusRejected
		order.Evidence.RejectReason = err.Error()
		if serr := r.store.SaveOrder(ctx, order); serr != nil {
			r.logger.Error("Failed to persist rejected order", "error", serr)
		}
		return order, nil, err
	}

	if err := applyVenueOrder(order, vo); err != nil {
		return order, nil, err
	}
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return order, nil, fmt.Errorf("persist order: %w", err)
	}

	r.placedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", sig.Symbol),
		attribute.String("type", string(order.Type)),
	))
	r.cooldown.Mark(sig.Symbol, r.now())

	r.checkSlippage(ctx, sig, order, botCfg)

	switch order.Status {
	case core.OrderStatusFilled:
		pos, err := r.settle(ctx, order, sig, decision)
		return order, pos, err
	case core.OrderStatusOpen, core.OrderStatusPartiallyFilled:
		r.trackPending(order.ClientOrderID, sig, decision)
		r.logger.Info("Entry order resting on venue",
			"symbol", sig.Symbol, "client_order_id", order.ClientOrderID, "price", order.Price)
		return order, nil, nil
	}
	return order, nil, nil
}

// applyFilters floor-rounds price and quantity and validates the result
// against the venue filters.
func (r *Router) applyFilters(symbol string, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	roundedPrice, err := r.filters.RoundPrice(symbol, price)
	if err != nil {
		return price, qty, err
	}
	roundedQty, err := r.filters.RoundQty(symbol, qty)
	if err != nil {
		return roundedPrice, qty, err
	}
	if err := r.filters.ValidateOrder(symbol, roundedPrice, roundedQty); err != nil {
		return roundedPrice, roundedQty, err
	}
	return roundedPrice, roundedQty, nil
}

func (r *Router) buildOrder(sig *core.Signal, orderType core.OrderType, price, qty decimal.Decimal) *core.Order {
	o := &core.Order{
		ClientOrderID: newClientOrderID(),
		UserID:        r.userID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Type:          orderType,
		Price:         price,
		Quantity:      qty,
		Status:        core.OrderStatusPending,
		SubmittedAt:   r.now(),
	}
	o.Evidence.Request = fmt.Sprintf("%s %s %s qty=%s price=%s playbook=%s",
		o.Side, o.Type, o.Symbol, qty, price, sig.Playbook)
	return o
}

// submitWithRepricing places the order, handling the LIMIT_MAKER
// would-match rejection (-2010) by stepping one tick away from the book
// and retrying exactly once under a `_r1` client-id suffix.
func (r *Router) submitWithRepricing(ctx context.Context, order *core.Order) (*core.VenueOrder, error) {
	vo, err := r.gateway.PlaceOrder(ctx, r.toRequest(order))
	if err == nil {
		return vo, nil
	}
	if order.Type != core.OrderTypeLimitMaker || !errors.Is(err, apperrors.ErrWouldMatch) {
		return nil, err
	}

	pair, perr := r.filters.Pair(order.Symbol)
	if perr != nil {
		return nil, fmt.Errorf("reprice after would-match: %w", perr)
	}

	if order.Side == core.SideBuy {
		order.Price = order.Price.Sub(pair.TickSize)
	} else {
		order.Price = order.Price.Add(pair.TickSize)
	}
	retryID := order.ClientOrderID + "_r1"
	if rerr := r.registerClientID(retryID); rerr != nil {
		return nil, rerr
	}
	order.ClientOrderID = retryID
	order.Evidence.Response = fmt.Sprintf("would-match reject, repriced to %s", order.Price)

	r.logger.Info("LIMIT_MAKER would match, repricing one tick",
		"symbol", order.Symbol, "price", order.Price, "client_order_id", order.ClientOrderID)

	return r.gateway.PlaceOrder(ctx, r.toRequest(order))
}

func (r *Router) toRequest(order *core.Order) *core.OrderRequest {
	req := &core.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Price:         order.Price,
		Quantity:      order.Quantity,
		ClientOrderID: order.ClientOrderID,
	}
	if order.Type == core.OrderTypeLimit {
		req.TimeInForce = "GTC"
	}
	return req
}

// settle reconciles a filled entry order into a position and, for buys,
// the tax lot.
func (r *Router) settle(ctx context.Context, order *core.Order, sig *core.Signal, decision *core.SizingDecision) (*core.Position, error) {
	r.filledCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", order.Symbol)))

	if order.Side == core.SideBuy {
		if err := r.createLot(ctx, order); err != nil {
			return nil, err
		}
	}

	side := core.PositionLong
	if sig.Side == core.SideSell {
		side = core.PositionShort
	}

	pos := &core.Position{
		ID:           uuid.NewString(),
		UserID:       r.userID,
		Symbol:       order.Symbol,
		Side:         side,
		Playbook:     sig.Playbook,
		EntryPrice:   order.FillPrice,
		CurrentPrice: order.FillPrice,
		StopPrice:    sig.Stop,
		TargetPrice:  sig.Target,
		Quantity:     order.FilledQuantity,
		Status:       core.PositionOpen,
		EntryOrderID: order.ClientOrderID,
		OpenedAt:     r.now(),
	}
	if err := r.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist position: %w", err)
	}

	order.PositionID = pos.ID
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return pos, fmt.Errorf("link order to position: %w", err)
	}

	r.logger.Info("Position opened",
		"symbol", pos.Symbol, "side", pos.Side, "playbook", pos.Playbook,
		"entry", pos.EntryPrice, "stop", pos.StopPrice, "quantity", pos.Quantity)
	return pos, nil
}

// settleEntry resolves a fill observed by SyncOrder against the pending
// entry that produced it. Fills with no pending entry belong to manual
// orders and create no position.
func (r *Router) settleEntry(ctx context.Context, order *core.Order) error {
	r.pendingMu.Lock()
	pe, ok := r.pendingEntries[order.ClientOrderID]
	delete(r.pendingEntries, order.ClientOrderID)
	r.pendingMu.Unlock()
	if !ok {
		return nil
	}
	_, err := r.settle(ctx, order, pe.signal, pe.decision)
	return err
}

// createLot writes the immutable tax lot for a filled BUY. Fees are
// folded into the cost basis.
func (r *Router) createLot(ctx context.Context, order *core.Order) error {
	acquiredAt := r.now()
	seq, err := r.store.NextLotSequence(ctx, r.userID, acquiredAt)
	if err != nil {
		return fmt.Errorf("allocate lot sequence: %w", err)
	}

	qty := order.FilledQuantity
	cost := order.FillPrice.Mul(qty).Add(order.Fees).Div(qty)

	lot := &core.Lot{
		ID:                fmt.Sprintf("LOT-%s-%03d", acquiredAt.Format("20060102"), seq),
		UserID:            r.userID,
		Symbol:            order.Symbol,
		OrderID:           order.ClientOrderID,
		AcquiredAt:        acquiredAt,
		Quantity:          qty,
		CostPerUnit:       cost,
		RemainingQuantity: qty,
		Status:            "OPEN",
	}
	if err := r.store.SaveLot(ctx, lot); err != nil {
		return fmt.Errorf("persist lot %s: %w", lot.ID, err)
	}
	r.logger.Info("Lot created", "lot_id", lot.ID, "symbol", lot.Symbol, "quantity", qty, "cost_per_unit", cost)
	return nil
}

func (r *Router) checkSlippage(ctx context.Context, sig *core.Signal, order *core.Order, botCfg *core.BotConfig) {
	if !order.FillPrice.IsPositive() {
		return
	}
	bps := slippageBps(order.FillPrice, sig.Entry)
	f, _ := bps.Float64()
	r.slippageHist.Record(ctx, f, metric.WithAttributes(attribute.String("symbol", sig.Symbol)))

	limit := botCfg.SlippageLimitBps
	if sig.IsEvent {
		limit = botCfg.EventSlippageLimitBps
	}
	if limit.IsPositive() && bps.GreaterThan(limit) {
		r.logger.Warn("Entry slippage above limit",
			"symbol", sig.Symbol, "slippage_bps", bps.Round(1), "limit_bps", limit, "is_event", sig.IsEvent)
	}
}

func (r *Router) registerClientID(id string) error {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	if _, exists := r.clientIDs[id]; exists {
		return &apperrors.StateInvariantError{
			Invariant: "client_order_id_unique",
			Detail:    fmt.Sprintf("client order id %s already in use", id),
		}
	}
	r.clientIDs[id] = struct{}{}
	return nil
}

// OnTrade registers the observer invoked after every recorded trade.
// Call before trading starts; not safe to swap mid-flight.
func (r *Router) OnTrade(hook func(*core.Trade)) {
	r.tradeHook = hook
}

func (r *Router) trackPending(clientOrderID string, sig *core.Signal, decision *core.SizingDecision) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pendingEntries[clientOrderID] = &pendingEntry{signal: sig, decision: decision}
}

func (r *Router) pendingEntryIDs() []string {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	ids := make([]string, 0, len(r.pendingEntries))
	for id := range r.pendingEntries {
		ids = append(ids, id)
	}
	return ids
}

// newClientOrderID generates a venue-safe unique client order id with
// room for the `_rN` reprice suffix.
func newClientOrderID() string {
	return "st-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
