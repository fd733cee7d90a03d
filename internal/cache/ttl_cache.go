package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a concurrency-safe key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
	Stats() Stats
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type Option func(*options)

type options struct {
	maxEntries int
	now        func() time.Time
}

// WithMaxEntries bounds the number of live entries. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithNow replaces the time source used for expiry.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]ttlEntry[V]
	maxEntries int
	now        func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewTTLCache returns an in-memory Cache. Expired entries are dropped lazily on
// read and eagerly when the cache is full.
func NewTTLCache[K comparable, V any](opts ...Option) Cache[K, V] {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return &ttlCache[K, V]{
		items:      make(map[K]ttlEntry[V]),
		maxEntries: o.maxEntries,
		now:        o.now,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		// another writer may have refreshed the key in between
		if current, still := c.items[key]; still && !c.now().Before(current.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return entry.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.items[key] = ttlEntry[V]{value: value, expiresAt: now.Add(ttl)}
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// evictLocked removes every expired entry, or the entry closest to expiry when
// nothing has expired yet.
func (c *ttlCache[K, V]) evictLocked(now time.Time) {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
		removed   int
	)
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			delete(c.items, key)
			removed++
			continue
		}
		if !found || entry.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = key, entry.expiresAt, true
		}
	}
	if removed == 0 && found {
		delete(c.items, oldestKey)
		removed = 1
	}
	c.evictions.Add(uint64(removed))
}
