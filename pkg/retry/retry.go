// Package retry implements a small retry loop with pluggable delays.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// DelayFunc returns the wait before retrying after the given zero-based
// attempt.
type DelayFunc func(attempt int) time.Duration

// Policy defines how to retry an operation. MaxRetries counts retries,
// not total attempts: MaxRetries=3 means up to 4 calls.
type Policy struct {
	MaxRetries int
	Delay      DelayFunc
}

// Jittered returns a DelayFunc of base*(attempt+1) plus uniform jitter in
// [0, jitter).
func Jittered(base, jitter time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := base * time.Duration(attempt+1)
		if jitter > 0 {
			d += time.Duration(rand.Int63n(int64(jitter)))
		}
		return d
	}
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes fn, retrying transient failures per the policy.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error

	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt >= policy.MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
}
