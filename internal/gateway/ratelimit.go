package gateway

import (
	"context"
	"sync"
	"time"

	"spottrader/internal/core"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	generalWeightPerMinute = 1200
	generalMaxInFlight     = 5
	generalMinGap          = 50 * time.Millisecond

	orderBudgetPerSecond = 10
	orderMaxInFlight     = 1
	orderMinGap          = 100 * time.Millisecond

	haltDuration = 60 * time.Second
)

// weightLimiter is a token reservoir refilled in full at each wall-clock
// boundary. Callers that cannot be served from the current window suspend
// until the next refill; a venue rate-limit response halts all callers for
// a fixed period without dropping queued work.
type weightLimiter struct {
	capacity int
	window   time.Duration
	inflight *semaphore.Weighted
	spacing  *rate.Limiter
	logger   core.ILogger
	now      func() time.Time

	mu        sync.Mutex
	remaining int
	windowEnd time.Time
	haltUntil time.Time
}

func newWeightLimiter(capacity int, window time.Duration, maxInFlight int64, minGap time.Duration, logger core.ILogger) *weightLimiter {
	return &weightLimiter{
		capacity:  capacity,
		window:    window,
		inflight:  semaphore.NewWeighted(maxInFlight),
		spacing:   rate.NewLimiter(rate.Every(minGap), 1),
		logger:    logger,
		now:       time.Now,
		remaining: capacity,
	}
}

// Acquire blocks until weight tokens, an in-flight slot and the minimum
// spacing are all granted. The caller must Release exactly once.
func (l *weightLimiter) Acquire(ctx context.Context, weight int) error {
	if err := l.waitForWeight(ctx, weight); err != nil {
		return err
	}
	if err := l.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.spacing.Wait(ctx); err != nil {
		l.inflight.Release(1)
		return err
	}
	return nil
}

// Release frees the in-flight slot taken by Acquire.
func (l *weightLimiter) Release() {
	l.inflight.Release(1)
}

func (l *weightLimiter) waitForWeight(ctx context.Context, weight int) error {
	for {
		wait, ok := l.tryReserve(weight)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryReserve takes weight from the current window, or reports how long to
// wait before trying again.
func (l *weightLimiter) tryReserve(weight int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if now.Before(l.haltUntil) {
		return l.haltUntil.Sub(now), false
	}

	if !now.Before(l.windowEnd) {
		l.remaining = l.capacity
		l.windowEnd = now.Truncate(l.window).Add(l.window)
	}

	if weight > l.remaining {
		return l.windowEnd.Sub(now), false
	}

	l.remaining -= weight
	return 0, true
}

// Halt suspends all acquisition for the given duration. Waiters stay
// queued and resume when the halt lifts.
func (l *weightLimiter) Halt(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.haltUntil) {
		l.haltUntil = until
		l.logger.Warn("Rate limiter halted", "until", until.Format(time.RFC3339))
	}
}

// Remaining reports the weight left in the current window.
func (l *weightLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.now().Before(l.windowEnd) {
		return l.capacity
	}
	return l.remaining
}

// limiters bundles the two venue schedulers: the general weight reservoir
// and the stricter order-placement limiter. Order calls pass through both
// budgets (orders still consume general weight).
type limiters struct {
	general *weightLimiter
	order   *weightLimiter
}

func newLimiters(logger core.ILogger) *limiters {
	lg := logger.WithField("component", "rate_limiter")
	return &limiters{
		general: newWeightLimiter(generalWeightPerMinute, time.Minute, generalMaxInFlight, generalMinGap, lg.WithField("limiter", "general")),
		order:   newWeightLimiter(orderBudgetPerSecond, time.Second, orderMaxInFlight, orderMinGap, lg.WithField("limiter", "order")),
	}
}

// acquireGeneral schedules a non-order call of the given weight.
func (l *limiters) acquireGeneral(ctx context.Context, weight int) (release func(), err error) {
	if err := l.general.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return l.general.Release, nil
}

// acquireOrder schedules an order call: one general weight unit plus the
// order budget.
func (l *limiters) acquireOrder(ctx context.Context) (release func(), err error) {
	if err := l.general.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.order.Acquire(ctx, 1); err != nil {
		l.general.Release()
		return nil, err
	}
	return func() {
		l.order.Release()
		l.general.Release()
	}, nil
}

// haltGeneral suspends the general limiter after a venue rate-limit
// response.
func (l *limiters) haltGeneral() {
	l.general.Halt(haltDuration)
}

// klinesWeight returns the venue weight of a klines page by its size.
func klinesWeight(limit int) int {
	switch {
	case limit <= 100:
		return 1
	case limit <= 500:
		return 2
	default:
		return 5
	}
}
