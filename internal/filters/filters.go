// Package filters rounds and validates order parameters against the
// venue's exchange-info precision rules. All arithmetic is decimal; no
// float64 ever touches a price or quantity here.
package filters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/shopspring/decimal"
)

// venuePrecisionCeiling is the maximum number of decimals the venue uses
// for any tick or step. Quantities are scaled to integers at this ceiling
// for the modulo check.
const venuePrecisionCeiling = 8

// Service implements core.IFilters over a refreshable exchange-info
// snapshot.
type Service struct {
	gateway core.IGateway
	store   core.IStore
	logger  core.ILogger

	mu    sync.RWMutex
	pairs map[string]core.Pair

	refreshMu sync.Mutex
}

// NewService creates the filter service. Call Refresh (or seed via the
// store) before the first validation.
func NewService(gateway core.IGateway, store core.IStore, logger core.ILogger) *Service {
	return &Service{
		gateway: gateway,
		store:   store,
		logger:  logger.WithField("component", "filters"),
		pairs:   make(map[string]core.Pair),
	}
}

// Pair returns the trading rules for a symbol.
func (s *Service) Pair(symbol string) (core.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[symbol]
	if !ok {
		return core.Pair{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return p, nil
}

// RoundPrice floor-snaps price to the symbol's tick size.
func (s *Service) RoundPrice(symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	p, err := s.Pair(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return floorToIncrement(price, p.TickSize), nil
}

// RoundQty floor-snaps qty to the symbol's step size.
func (s *Service) RoundQty(symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	p, err := s.Pair(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return floorToIncrement(qty, p.StepSize), nil
}

// ValidateOrder checks price and quantity against every venue filter and
// reports all violations at once.
func (s *Service) ValidateOrder(symbol string, price, qty decimal.Decimal) error {
	p, err := s.Pair(symbol)
	if err != nil {
		return err
	}

	var violations []string

	if p.MinPrice.IsPositive() && price.LessThan(p.MinPrice) {
		violations = append(violations, fmt.Sprintf("price %s below minimum %s", price, p.MinPrice))
	}
	if p.MaxPrice.IsPositive() && price.GreaterThan(p.MaxPrice) {
		violations = append(violations, fmt.Sprintf("price %s above maximum %s", price, p.MaxPrice))
	}
	if p.MinQty.IsPositive() && qty.LessThan(p.MinQty) {
		violations = append(violations, fmt.Sprintf("quantity %s below minimum %s", qty, p.MinQty))
	}
	if p.MaxQty.IsPositive() && qty.GreaterThan(p.MaxQty) {
		violations = append(violations, fmt.Sprintf("quantity %s above maximum %s", qty, p.MaxQty))
	}
	if p.StepSize.IsPositive() && !conformsToStep(qty, p.StepSize) {
		violations = append(violations, fmt.Sprintf("quantity %s not a multiple of step %s", qty, p.StepSize))
	}
	if p.MinNotional.IsPositive() {
		notional := price.Mul(qty)
		if notional.LessThan(p.MinNotional) {
			violations = append(violations, fmt.Sprintf("notional %s below minimum %s", notional, p.MinNotional))
		}
	}

	if len(violations) > 0 {
		return &apperrors.FilterError{Symbol: symbol, Violations: violations}
	}
	return nil
}

// Refresh reloads exchange-info from the venue. Loads are serialized; a
// failed load keeps the previous snapshot so validation never goes dark.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	pairs, err := s.gateway.ExchangeInfo(ctx)
	if err != nil {
		s.logger.Warn("Exchange info refresh failed, keeping previous snapshot", "error", err)
		return err
	}

	s.mu.Lock()
	s.pairs = pairs
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveExchangeInfo(ctx, pairs); err != nil {
			s.logger.Warn("Failed to persist exchange info", "error", err)
		}
	}

	s.logger.Info("Exchange info refreshed", "pairs", len(pairs))
	return nil
}

// Seed installs a snapshot loaded from persistence, used at boot when the
// venue is unreachable but a recent snapshot exists.
func (s *Service) Seed(pairs map[string]core.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = pairs
}

// StartDailyRefresh refreshes the snapshot every interval until ctx ends.
func (s *Service) StartDailyRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil {
					s.logger.Error("Scheduled exchange info refresh failed", "error", err)
				}
			}
		}
	}()
}

// floorToIncrement snaps v down to a multiple of inc. Already-snapped
// values pass through unchanged.
func floorToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return v
	}
	return v.Div(inc).Floor().Mul(inc)
}

// conformsToStep checks qty % step == 0 using integers scaled to the venue
// precision ceiling, avoiding any floating-point modulo.
func conformsToStep(qty, step decimal.Decimal) bool {
	scale := decimal.New(1, venuePrecisionCeiling)
	qi := qty.Mul(scale)
	si := step.Mul(scale)
	if !qi.IsInteger() || !si.IsInteger() || si.IsZero() {
		return false
	}
	return qi.Mod(si).IsZero()
}

// PrecisionOf derives the number of decimal places implied by a tick or
// step string: trailing zeros are ignored, scientific notation honored,
// integers have precision zero.
func PrecisionOf(increment string) int {
	d, err := decimal.NewFromString(strings.TrimSpace(increment))
	if err != nil {
		return 0
	}
	if exp := -d.Exponent(); exp > 0 {
		// Normalize away trailing zeros: 0.01000 has exponent -5 but
		// precision 2.
		trimmed := strings.TrimRight(d.String(), "0")
		if i := strings.IndexByte(trimmed, '.'); i >= 0 {
			return len(trimmed) - i - 1
		}
		return 0
	}
	return 0
}
