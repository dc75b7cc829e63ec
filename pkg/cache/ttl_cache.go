package cache

import (
	"context"
	"sync"
	"time"
)

type LoadFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a read-through cache. A zero ttl disables expiration.
type TTLCache[K comparable, V any] struct {
	mutex   sync.RWMutex
	ttl     time.Duration
	entries map[K]entry[V]
	now     func() time.Time
}

func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:     ttl,
		entries: map[K]entry[V]{},
		now:     time.Now,
	}
}

// Get returns the cached value for key, calling load on a miss. Failed loads
// are not cached.
func (c *TTLCache[K, V]) Get(ctx context.Context, key K, load LoadFunc[V]) (V, error) {
	if value, ok := c.Peek(key); ok {
		return value, nil
	}

	value, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	c.Set(key, value)

	return value, nil
}

func (c *TTLCache[K, V]) Peek(key K) (V, bool) {
	c.mutex.RLock()
	cached, ok := c.entries[key]
	c.mutex.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}

	if !cached.expiresAt.IsZero() && c.now().After(cached.expiresAt) {
		c.Invalidate(key)

		var zero V
		return zero, false
	}

	return cached.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	c.mutex.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mutex.Unlock()
}

func (c *TTLCache[K, V]) Invalidate(key K) {
	c.mutex.Lock()
	delete(c.entries, key)
	c.mutex.Unlock()
}

func (c *TTLCache[K, V]) InvalidateAll() {
	c.mutex.Lock()
	c.entries = map[K]entry[V]{}
	c.mutex.Unlock()
}

func (c *TTLCache[K, V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.entries)
}
