package gateway

import (
	"sync"
	"time"
)

const (
	priceCacheTTL   = 30 * time.Second
	klineCacheTTL   = 5 * time.Minute
	balanceCacheTTL = 10 * time.Second
)

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
}

// ttlCache is a process-local cache with per-entry expiry. Expired entries
// remain readable through GetStale so callers can serve stale data when
// the upstream is down.
type ttlCache[V any] struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	now     func() time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[V]),
		now:     time.Now,
	}
}

// Get returns the entry when present and fresh.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetStale returns the entry regardless of age.
func (c *ttlCache[V]) GetStale(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores the entry with the current timestamp.
func (c *ttlCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, storedAt: c.now()}
}

// Invalidate drops one entry.
func (c *ttlCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
