package execution

import (
	"context"
	"fmt"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/shopspring/decimal"
)

// allowedTransitions is the order state machine. Terminal states admit
// nothing.
var allowedTransitions = map[core.OrderStatus][]core.OrderStatus{
	core.OrderStatusPending: {core.OrderStatusOpen, core.OrderStatusFilled, core.OrderStatusRejected},
	core.OrderStatusOpen: {
		core.OrderStatusPartiallyFilled, core.OrderStatusFilled,
		core.OrderStatusCancelled, core.OrderStatusRejected,
	},
	core.OrderStatusPartiallyFilled: {core.OrderStatusPartiallyFilled, core.OrderStatusFilled, core.OrderStatusCancelled},
}

// transition moves an order to the next status, refusing illegal moves
// without mutating the order.
func transition(o *core.Order, to core.OrderStatus) error {
	if o.Status == to {
		return nil
	}
	for _, next := range allowedTransitions[o.Status] {
		if next == to {
			o.Status = to
			return nil
		}
	}
	return &apperrors.StateInvariantError{
		Invariant: "order_state_machine",
		Detail:    fmt.Sprintf("order %s cannot move %s -> %s", o.ClientOrderID, o.Status, to),
	}
}

// statusFromVenue maps the venue status string onto the local lifecycle.
func statusFromVenue(venueStatus string) (core.OrderStatus, error) {
	switch venueStatus {
	case "NEW":
		return core.OrderStatusOpen, nil
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled, nil
	case "FILLED":
		return core.OrderStatusFilled, nil
	case "CANCELED", "EXPIRED":
		return core.OrderStatusCancelled, nil
	case "REJECTED":
		return core.OrderStatusRejected, nil
	}
	return "", fmt.Errorf("unknown venue order status %q", venueStatus)
}

// applyVenueOrder reconciles the venue's view into the local order:
// status transition, fill accumulation, weighted-average fill price and
// summed commissions. PARTIALLY_FILLED orders stay working on the venue.
func applyVenueOrder(o *core.Order, vo *core.VenueOrder) error {
	status, err := statusFromVenue(vo.Status)
	if err != nil {
		return &apperrors.ExecutionError{ClientOrderID: o.ClientOrderID, Reason: err.Error()}
	}
	if err := transition(o, status); err != nil {
		return err
	}

	o.VenueOrderID = vo.OrderID

	if len(vo.Fills) > 0 {
		o.Fills = vo.Fills
	} else if vo.ExecutedQty.IsPositive() && len(o.Fills) == 0 {
		// The venue reported cumulative quantities without a fill list;
		// synthesize one fill at the average price.
		price := vo.Price
		if vo.QuoteQty.IsPositive() {
			price = vo.QuoteQty.Div(vo.ExecutedQty)
		}
		o.Fills = []core.Fill{{Price: price, Qty: vo.ExecutedQty}}
	}

	o.FilledQuantity = decimal.Zero
	o.Fees = decimal.Zero
	notional := decimal.Zero
	for _, f := range o.Fills {
		o.FilledQuantity = o.FilledQuantity.Add(f.Qty)
		notional = notional.Add(f.Price.Mul(f.Qty))
		o.Fees = o.Fees.Add(f.Commission)
	}
	if o.FilledQuantity.IsPositive() {
		o.FillPrice = notional.Div(o.FilledQuantity)
	}

	if o.Status == core.OrderStatusFilled {
		if !o.FilledQuantity.Equal(vo.ExecutedQty) && vo.ExecutedQty.IsPositive() {
			return &apperrors.ExecutionError{
				ClientOrderID: o.ClientOrderID,
				Reason: fmt.Sprintf("fill quantities disagree: fills sum %s, venue executed %s",
					o.FilledQuantity, vo.ExecutedQty),
			}
		}
		if o.FilledAt.IsZero() {
			o.FilledAt = vo.TransactTime
			if o.FilledAt.IsZero() {
				o.FilledAt = time.Now().UTC()
			}
		}
	}
	return nil
}

// Cancel cancels an OPEN or PARTIALLY_FILLED order, venue first and then
// locally. Cancelling an already-cancelled order is a no-op success.
func (r *Router) Cancel(ctx context.Context, clientOrderID string) error {
	o, err := r.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", clientOrderID, err)
	}

	switch o.Status {
	case core.OrderStatusCancelled:
		return nil
	case core.OrderStatusFilled, core.OrderStatusRejected:
		return &apperrors.StateInvariantError{
			Invariant: "order_state_machine",
			Detail:    fmt.Sprintf("order %s is terminal (%s), cannot cancel", clientOrderID, o.Status),
		}
	}

	if err := r.gateway.CancelOrder(ctx, o.Symbol, o.VenueOrderID); err != nil {
		// The venue no longer knows the order: treat as already gone.
		ge, ok := err.(*apperrors.GatewayError)
		if !ok || ge.VenueCode != -2011 {
			return fmt.Errorf("cancel %s on venue: %w", clientOrderID, err)
		}
	}

	if err := transition(o, core.OrderStatusCancelled); err != nil {
		return err
	}
	return r.store.SaveOrder(ctx, o)
}

// SyncOrder polls the venue for a working order and reconciles the local
// record. When an entry order fills, the position and (for buys) the lot
// are created. Returns the refreshed order.
func (r *Router) SyncOrder(ctx context.Context, clientOrderID string) (*core.Order, error) {
	o, err := r.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", clientOrderID, err)
	}
	if o.Status.Terminal() {
		return o, nil
	}

	vo, err := r.gateway.GetOrder(ctx, o.Symbol, o.VenueOrderID, o.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", clientOrderID, err)
	}

	prev := o.Status
	if err := applyVenueOrder(o, vo); err != nil {
		return nil, err
	}
	if o.Status == prev {
		return o, nil
	}
	if err := r.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("persist order %s: %w", clientOrderID, err)
	}

	if o.Status == core.OrderStatusFilled {
		if err := r.settleEntry(ctx, o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SyncPendingEntries reconciles every resting entry order, called from the
// position-monitor tick.
func (r *Router) SyncPendingEntries(ctx context.Context) {
	for _, id := range r.pendingEntryIDs() {
		if _, err := r.SyncOrder(ctx, id); err != nil {
			r.logger.Warn("Entry order sync failed", "client_order_id", id, "error", err)
		}
	}
}
