// Package safety runs the pre-flight checks gating engine start.
package safety

import (
	"context"
	"fmt"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
)

// Checker validates venue access, account state and trading parameters
// before the supervisor starts taking entries. A failed check aborts the
// boot; nothing is traded on a half-working setup.
type Checker struct {
	gateway core.IGateway
	store   core.IStore
	logger  core.ILogger
}

func NewChecker(gateway core.IGateway, store core.IStore, logger core.ILogger) *Checker {
	return &Checker{
		gateway: gateway,
		store:   store,
		logger:  logger.WithField("component", "safety"),
	}
}

// Check runs every pre-flight check in order and returns the first
// failure.
func (c *Checker) Check(ctx context.Context, cfg *core.BotConfig, quoteAsset string) error {
	c.logger.Info("Running pre-flight checks", "universe_size", len(cfg.Universe), "quote_asset", quoteAsset)

	if err := c.checkParams(cfg); err != nil {
		return err
	}
	if err := c.checkVenue(ctx, cfg); err != nil {
		return err
	}
	if err := c.checkAccount(ctx, quoteAsset); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.Ping(ctx); err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}
	}

	c.logger.Info("Pre-flight checks passed")
	return nil
}

// checkParams validates the trading parameters that no later gate can
// compensate for.
func (c *Checker) checkParams(cfg *core.BotConfig) error {
	if len(cfg.Universe) == 0 {
		return fmt.Errorf("trading universe is empty")
	}
	if !cfg.RPct.IsPositive() || cfg.RPct.GreaterThan(decimal.NewFromFloat(0.05)) {
		return fmt.Errorf("per-trade risk %s outside (0, 0.05]", cfg.RPct)
	}
	if !cfg.MaxHeat.IsPositive() || cfg.MaxHeat.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max heat %s outside (0, 1]", cfg.MaxHeat)
	}
	if cfg.ReserveFloor.GreaterThan(cfg.ReserveTarget) {
		return fmt.Errorf("reserve floor %s above reserve target %s", cfg.ReserveFloor, cfg.ReserveTarget)
	}
	if cfg.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("max concurrent positions must be positive, got %d", cfg.MaxConcurrentPositions)
	}
	return nil
}

// checkVenue probes connectivity and confirms every configured pair is
// listed with trading rules.
func (c *Checker) checkVenue(ctx context.Context, cfg *core.BotConfig) error {
	if err := c.gateway.Ping(ctx); err != nil {
		return fmt.Errorf("venue unreachable: %w", err)
	}

	pairs, err := c.gateway.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("load exchange info: %w", err)
	}
	for _, symbol := range cfg.Universe {
		pair, ok := pairs[symbol]
		if !ok {
			return fmt.Errorf("pair %s not listed on venue", symbol)
		}
		if !pair.TickSize.IsPositive() || !pair.StepSize.IsPositive() {
			return fmt.Errorf("pair %s has unusable trading rules (tick %s, step %s)",
				symbol, pair.TickSize, pair.StepSize)
		}
	}
	return nil
}

// checkAccount confirms the account can trade and holds spendable quote.
func (c *Checker) checkAccount(ctx context.Context, quoteAsset string) error {
	account, err := c.gateway.Account(ctx)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !account.CanTrade {
		return fmt.Errorf("account has trading disabled")
	}

	free := decimal.Zero
	for _, b := range account.Balances {
		if b.Asset == quoteAsset {
			free = b.Free
			break
		}
	}
	if !free.IsPositive() {
		return fmt.Errorf("no free %s balance to trade with", quoteAsset)
	}

	c.logger.Info("Account check passed", "free_balance", free, "asset", quoteAsset)
	return nil
}
