package execution

import (
	"context"
	"fmt"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ClosePosition exits a position at market through the same filter and
// limiter pipeline as entries, marks it CLOSED with realized PnL and
// records the trade. Every exit path (stop, target, time stop, kill
// switch, manual) lands here.
func (r *Router) ClosePosition(ctx context.Context, pos *core.Position, reason core.CloseReason) (*core.Trade, error) {
	if pos.Status == core.PositionClosed {
		return nil, &apperrors.StateInvariantError{
			Invariant: "position_lifecycle",
			Detail:    fmt.Sprintf("position %s already closed", pos.ID),
		}
	}

	pos.Status = core.PositionClosing
	if err := r.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("mark position closing: %w", err)
	}

	qty, err := r.filters.RoundQty(pos.Symbol, pos.Quantity)
	if err != nil {
		return nil, err
	}

	order := &core.Order{
		ClientOrderID: newClientOrderID(),
		UserID:        r.userID,
		Symbol:        pos.Symbol,
		Side:          exitSide(pos.Side),
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		Status:        core.OrderStatusPending,
		PositionID:    pos.ID,
		SubmittedAt:   r.now(),
	}
	order.Evidence.Request = fmt.Sprintf("%s MARKET %s qty=%s close=%s", order.Side, order.Symbol, qty, reason)
	if err := r.registerClientID(order.ClientOrderID); err != nil {
		return nil, err
	}
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist exit order: %w", err)
	}

	vo, err := r.gateway.PlaceOrder(ctx, r.toRequest(order))
	if err != nil {
		order.Status = core.OrderStatusRejected
		order.Evidence.RejectReason = err.Error()
		if serr := r.store.SaveOrder(ctx, order); serr != nil {
			r.logger.Error("Failed to persist rejected exit order", "error", serr)
		}
		// The exit did not reach the book; the position stays managed.
		pos.Status = core.PositionOpen
		if serr := r.store.SavePosition(ctx, pos); serr != nil {
			r.logger.Error("Failed to restore position status", "position_id", pos.ID, "error", serr)
		}
		return nil, fmt.Errorf("submit exit order for %s: %w", pos.ID, err)
	}

	if err := applyVenueOrder(order, vo); err != nil {
		return nil, err
	}
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist exit order: %w", err)
	}
	if order.Status != core.OrderStatusFilled {
		return nil, &apperrors.ExecutionError{
			ClientOrderID: order.ClientOrderID,
			Reason:        fmt.Sprintf("market exit did not fill, venue status %s", vo.Status),
		}
	}

	exit := order.FillPrice
	pnl := exit.Sub(pos.EntryPrice).Mul(order.FilledQuantity)
	if pos.Side == core.PositionShort {
		pnl = pnl.Neg()
	}
	pnl = pnl.Sub(order.Fees)

	pos.Status = core.PositionClosed
	pos.CloseReason = reason
	pos.CurrentPrice = exit
	pos.RealizedPnL = pnl
	pos.UnrealizedPnL = decimal.Zero
	pos.ClosedAt = r.now()
	if err := r.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("mark position closed: %w", err)
	}

	trade := &core.Trade{
		ID:          uuid.NewString(),
		UserID:      r.userID,
		Symbol:      pos.Symbol,
		Playbook:    pos.Playbook,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		Quantity:    order.FilledQuantity,
		RealizedPnL: pnl,
		RealizedR:   realizedR(pos, pnl),
		CloseReason: reason,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    pos.ClosedAt,
	}
	if err := r.store.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persist trade: %w", err)
	}
	if r.tradeHook != nil {
		r.tradeHook(trade)
	}

	r.logger.Info("Position closed",
		"symbol", pos.Symbol, "reason", reason, "entry", pos.EntryPrice,
		"exit", exit, "pnl", pnl.Round(2), "r", trade.RealizedR.Round(2))
	return trade, nil
}

func exitSide(side core.PositionSide) core.Side {
	if side == core.PositionLong {
		return core.SideSell
	}
	return core.SideBuy
}

// realizedR expresses the PnL in R units: one R is the risk taken at
// entry, |entry - stop| * quantity.
func realizedR(pos *core.Position, pnl decimal.Decimal) decimal.Decimal {
	risk := pos.Risk()
	if !risk.IsPositive() {
		return decimal.Zero
	}
	return pnl.Div(risk)
}
