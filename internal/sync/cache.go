package sync

import (
	stdsync "sync"
	"time"
)

// Cache is a single-value TTL cache for remote metadata lookups. One
// invalidation policy, owned by the engine, instead of ad hoc
// module-level caches with their own timers.
type Cache struct {
	mu        stdsync.Mutex
	ttl       time.Duration
	value     *Metadata
	fetchedAt time.Time
}

// NewCache creates a metadata cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{ttl: ttl}
}

// Get returns the cached value if it is still fresh.
func (c *Cache) Get() (*Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil || time.Since(c.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.value, true
}

// Put stores a freshly fetched value.
func (c *Cache) Put(m *Metadata) {
	c.mu.Lock()
	c.value = m
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

// Invalidate drops the cached value.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.value = nil
	c.mu.Unlock()
}
