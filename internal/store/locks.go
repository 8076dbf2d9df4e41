package store

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLocks serializes writes per entity id without a lock per entity.
// Two ids may share a stripe; that only costs contention, never correctness.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLocks) forKey(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%lockStripes]
}

// Lock acquires the stripe for key and returns the unlock function.
func (l *stripedLocks) Lock(key string) func() {
	mu := l.forKey(key)
	mu.Lock()
	return mu.Unlock
}
