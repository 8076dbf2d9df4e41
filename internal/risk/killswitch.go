package risk

import (
	"context"
	"time"

	"spottrader/internal/core"

	"github.com/shopspring/decimal"
)

// CheckKillSwitch flips the bot status when realized R losses breach the
// daily or weekly limit. Returns true when the bot is (now) halted. The
// caller persists the state; open positions keep being managed either way.
func (e *Engine) CheckKillSwitch(ctx context.Context, state *core.BotState, cfg *core.BotConfig) bool {
	if state.Status != core.BotActive {
		return true
	}

	if cfg.DailyRLimit.IsPositive() && state.DailyR.LessThanOrEqual(cfg.DailyRLimit.Neg()) {
		state.Status = core.BotHaltedDaily
		state.UpdatedAt = e.now()
		e.logger.Error("Kill switch tripped, daily loss limit breached",
			"daily_r", state.DailyR, "limit", cfg.DailyRLimit.Neg())
		return true
	}
	if cfg.WeeklyRLimit.IsPositive() && state.WeeklyR.LessThanOrEqual(cfg.WeeklyRLimit.Neg()) {
		state.Status = core.BotHaltedWeekly
		state.UpdatedAt = e.now()
		e.logger.Error("Kill switch tripped, weekly loss limit breached",
			"weekly_r", state.WeeklyR, "limit", cfg.WeeklyRLimit.Neg())
		return true
	}
	return false
}

// ResetHalt is the operator reset: the bot resumes taking entries. The
// daily and weekly R counters are left to the scheduler's own rollover.
func (e *Engine) ResetHalt(ctx context.Context, state *core.BotState) error {
	if state.Status == core.BotActive {
		return nil
	}
	prev := state.Status
	state.Status = core.BotActive
	state.UpdatedAt = e.now()
	if err := e.store.SaveBotState(ctx, state); err != nil {
		state.Status = prev
		return err
	}
	e.logger.Info("Halt reset by operator", "previous_status", prev)
	return nil
}

// RolloverCounters zeroes the daily R counter at UTC midnight and the
// weekly counter on Monday. Called from the supervisor's scheduler.
func (e *Engine) RolloverCounters(state *core.BotState, lastUpdate time.Time) {
	now := e.now().UTC()
	if now.Truncate(24 * time.Hour).After(lastUpdate.UTC().Truncate(24 * time.Hour)) {
		state.DailyPnL = decimal.Zero
		state.DailyR = decimal.Zero
		if now.Weekday() == time.Monday {
			state.WeeklyPnL = decimal.Zero
			state.WeeklyR = decimal.Zero
		}
	}
}
