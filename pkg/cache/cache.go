// Package cache provides a generic key/value store with per-entry TTL and LRU eviction.
// It knows nothing about requests; callers derive keys and TTLs themselves.
package cache

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const logPrefix = "cache:cache"

const (
	defaultCapacity = 1000
	defaultTTL      = 5 * time.Minute
)

// Options configures a Cache. Zero values use defaults.
type Options[V any] struct {
	Capacity   int
	DefaultTTL time.Duration
	// Clone copies a value on its way out of Get so callers never share cached state.
	// Nil returns the stored value as is, which is only safe for immutable values.
	Clone func(V) V
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size            int           `json:"size"`
	HitRate         float64       `json:"hitRate"`
	TotalHits       uint64        `json:"totalHits"`
	TotalMisses     uint64        `json:"totalMisses"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

// CacheCorruptionError describes an entry that failed the integrity check on read.
// It is never returned to callers; the entry is dropped and the read is a miss.
type CacheCorruptionError struct {
	Key    string
	Reason string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("%s - corrupt entry %q: %s", logPrefix, e.Key, e.Reason)
}

type entry[V any] struct {
	key        string
	value      V
	producedAt time.Time
	ttl        time.Duration
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	capacity   int
	defaultTTL time.Duration
	clone      func(V) V
	now        func() time.Time

	hits        uint64
	misses      uint64
	getCalls    uint64
	getDuration time.Duration
}

// New creates a Cache.
func New[V any](opts Options[V]) *Cache[V] {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		items:      make(map[string]*list.Element, capacity),
		order:      list.New(),
		capacity:   capacity,
		defaultTTL: ttl,
		clone:      opts.Clone,
		now:        now,
	}
}

// Get returns a copy of the value stored under key. Expired or corrupt entries
// are evicted in the same call and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	start := time.Now()
	var zero V

	c.mu.Lock()
	defer func() {
		c.getCalls++
		c.getDuration += time.Since(start)
		c.mu.Unlock()
	}()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[V])

	if err := checkEntry(e); err != nil {
		slog.Debug(err.Error())
		c.removeElement(el)
		c.misses++
		return zero, false
	}
	if c.now().Sub(e.producedAt) >= e.ttl {
		c.removeElement(el)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(el)
	c.hits++
	if c.clone != nil {
		return c.clone(e.value), true
	}
	return e.value, true
}

// Set inserts or replaces key. A non-positive ttl uses the default TTL. When the
// cache is full and key is new, the least-recently-used entry is evicted first.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.producedAt = c.now()
		e.ttl = ttl
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			evicted := oldest.Value.(*entry[V]).key
			c.removeElement(oldest)
			slog.Debug(fmt.Sprintf("%s - evicted least recently used key %s", logPrefix, evicted))
		}
	}

	el := c.order.PushFront(&entry[V]{key: key, value: value, producedAt: c.now(), ttl: ttl})
	c.items[key] = el
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Purge removes every entry. Counters are kept.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit/miss counters and the mean duration of Get calls.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:        c.order.Len(),
		TotalHits:   c.hits,
		TotalMisses: c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.getCalls > 0 {
		s.AvgResponseTime = c.getDuration / time.Duration(c.getCalls)
	}
	return s
}

func (c *Cache[V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[V])
	delete(c.items, e.key)
	c.order.Remove(el)
}

func checkEntry[V any](e *entry[V]) error {
	if e.producedAt.IsZero() {
		return &CacheCorruptionError{Key: e.key, Reason: "missing production time"}
	}
	if e.ttl <= 0 {
		return &CacheCorruptionError{Key: e.key, Reason: "non-positive ttl"}
	}
	return nil
}
