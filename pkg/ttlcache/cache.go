package ttlcache

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

type item[V any] struct {
	insertedAt time.Time
	value      V
}

// Cache is a map whose entries silently expire ttl after they were set.
// Expired entries are purged on every access, there is no background eviction:
// an idle cache keeps stale entries until it is touched again.
// Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock clockz.Clock
	items map[K]item[V]
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return NewWithClock[K, V](ttl, clockz.RealClock)
}

// NewWithClock is New with an injected clock, for deterministic tests.
func NewWithClock[K comparable, V any](ttl time.Duration, clock clockz.Clock) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:   ttl,
		clock: clock,
		items: make(map[K]item[V]),
	}
}

// purge must be called with mu held.
func (c *Cache[K, V]) purge() {
	now := c.clock.Now()
	for k, it := range c.items {
		if !it.insertedAt.Add(c.ttl).After(now) {
			delete(c.items, k)
		}
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge()
	it, ok := c.items[key]
	return it.value, ok
}

// Set stores value under key and restarts its ttl.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge()
	c.items[key] = item[V]{insertedAt: c.clock.Now(), value: value}
}

// GetOrSet returns the live value for key, or stores and returns create()'s
// result. Either way the entry's ttl is restarted.
func (c *Cache[K, V]) GetOrSet(key K, create func() V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge()
	it, ok := c.items[key]
	if !ok {
		it.value = create()
	}
	it.insertedAt = c.clock.Now()
	c.items[key] = it
	return it.value, ok
}

// Delete reports whether a live entry was removed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Range calls fn for a snapshot of the live entries, stopping when fn returns false.
// fn runs without the lock held, so it may use the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	c.purge()
	snapshot := make(map[K]V, len(c.items))
	for k, it := range c.items {
		snapshot[k] = it.value
	}
	c.mu.Unlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge()
	return len(c.items)
}
