package scanner

import (
	"sync"
	"time"
)

// CooldownTracker keeps the in-memory per-pair last-signal times used to
// gate execution frequency. The router marks a pair after each executed
// signal.
type CooldownTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[string]time.Time)}
}

// Mark records an executed signal for the pair.
func (c *CooldownTracker) Mark(symbol string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[symbol] = at
}

// Last returns the last executed-signal time for the pair.
func (c *CooldownTracker) Last(symbol string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.last[symbol]
	return t, ok
}

// Ready reports whether the cooldown has elapsed for the pair.
func (c *CooldownTracker) Ready(symbol string, cooldown time.Duration, now time.Time) bool {
	last, ok := c.Last(symbol)
	if !ok {
		return true
	}
	return !now.Before(last.Add(cooldown))
}

// Restore seeds the tracker from persisted state.
func (c *CooldownTracker) Restore(last map[string]time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range last {
		c.last[k] = v
	}
}

// Snapshot copies the map for persistence in BotState.
func (c *CooldownTracker) Snapshot() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}
