package tier

import (
	"sync"
	"time"
)

// Cache memoizes resolved tiers per tenant id. Implementations must return
// the stored value itself on a hit, not a copy.
//
// Every Invalidate or Clear moves the affected keys to a new generation. A
// reader that resolved a value from data read before the invalidation stores
// it with SetIfCurrent so the stale value is dropped.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, v V)
	Generation(key string) uint64
	SetIfCurrent(key string, v V, gen uint64) bool
	Invalidate(key string)
	Clear()
}

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
}

// MemoryCache is an in-process Cache. With a zero TTL entries live until
// invalidated.
type MemoryCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	ttl     time.Duration
	now     func() time.Time

	// seq counts invalidations. gens holds the seq of each key's last
	// Invalidate; epoch the seq of the last Clear.
	seq   uint64
	epoch uint64
	gens  map[string]uint64
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache[V any](ttl time.Duration) *MemoryCache[V] {
	return &MemoryCache[V]{
		entries: make(map[string]cacheEntry[V]),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the cache clock. Used by TTL tests.
func (c *MemoryCache[V]) WithClock(now func() time.Time) *MemoryCache[V] {
	c.now = now
	return c
}

func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *MemoryCache[V]) Set(key string, v V) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: v, storedAt: c.now()}
	c.mu.Unlock()
}

// Generation returns the key's current generation. It only grows.
func (c *MemoryCache[V]) Generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation(key)
}

// SetIfCurrent stores v unless key was invalidated since gen was read.
func (c *MemoryCache[V]) SetIfCurrent(key string, v V, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation(key) != gen {
		return false
	}
	c.entries[key] = cacheEntry[V]{value: v, storedAt: c.now()}
	return true
}

func (c *MemoryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.seq++
	c.gens[key] = c.seq
	c.mu.Unlock()
}

func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry[V])
	c.seq++
	c.epoch = c.seq
	c.gens = make(map[string]uint64)
	c.mu.Unlock()
}

func (c *MemoryCache[V]) generation(key string) uint64 {
	return max(c.epoch, c.gens[key])
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache[V]) expired(e cacheEntry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl
}
