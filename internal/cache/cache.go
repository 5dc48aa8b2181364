// Package cache provides the content-addressed cache substrate shared by
// the analysis scheduler, the template service and the refactor pipeline.
// A cache is polymorphic over a Strategy that supplies key derivation, a
// validation predicate, a TTL and a maximum entry count; backends are the
// in-memory variant in this file and the sqlite-backed Persistent variant.
package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy supplies the capability set a cache instance is parameterized
// over: key derivation, a validation predicate, a TTL and a max entry count.
type Strategy[K comparable, V any] interface {
	// CacheKey derives the canonical string key for a lookup key.
	CacheKey(key K) string
	// Validate reports whether a cached value is still usable for the key.
	// TTL expiry is checked separately; Validate covers semantic staleness.
	Validate(key K, value V) bool
	// TTL is the maximum age of an entry. Zero means no expiry.
	TTL() time.Duration
	// MaxEntries bounds the number of live entries.
	MaxEntries() int
	// SizeOf estimates the in-memory size of a value in bytes.
	SizeOf(value V) int64
}

// Stats holds running cache counters. All updates are atomic.
type Stats struct {
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	totalBytes atomic.Int64
}

// StatsSnapshot is a point-in-time view of cache counters.
type StatsSnapshot struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	TotalBytes int64 `json:"totalBytes"`
}

// Snapshot returns a consistent-enough view of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Evictions:  s.evictions.Load(),
		TotalBytes: s.totalBytes.Load(),
	}
}

// TotalRequests is hits + misses.
func (s StatsSnapshot) TotalRequests() int64 {
	return s.Hits + s.Misses
}

// HitRate is hits / (hits + misses), 0 when no requests were made.
func (s StatsSnapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Interface is the contract shared by the in-memory and persistent backends.
type Interface[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V) error
	Remove(key K) (V, bool)
	Clear()
	EvictIfNeeded()
	Len() int
	Stats() StatsSnapshot
}

// entry is a live cache entry. sizeBytes is fixed for the entry's lifetime;
// a Put over an existing key destroys the old entry and creates a new one.
type entry[V any] struct {
	value          V
	sizeBytes      int64
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
	elem           *list.Element
}

// Memory is the in-memory cache backend with LRU eviction.
// A coarse lock serializes writers with readers; Get takes the write lock
// because a hit updates recency.
type Memory[K comparable, V any] struct {
	mu       sync.Mutex
	strategy Strategy[K, V]
	maxBytes int64
	entries  map[string]*entry[V]
	lru      *list.List // front = most recently accessed, element value = string key
	stats    Stats
}

// NewMemory creates an in-memory cache. maxBytes bounds the total value
// size; zero means entry count is the only bound.
func NewMemory[K comparable, V any](strategy Strategy[K, V], maxBytes int64) *Memory[K, V] {
	return &Memory[K, V]{
		strategy: strategy,
		maxBytes: maxBytes,
		entries:  make(map[string]*entry[V]),
		lru:      list.New(),
	}
}

// Get returns the cached value for key, updating recency on a hit.
// An expired or invalid entry is dropped and counted as a miss.
func (c *Memory[K, V]) Get(key K) (V, bool) {
	var zero V
	ck := c.strategy.CacheKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ck]
	if !ok {
		c.stats.misses.Add(1)
		return zero, false
	}

	if c.expired(e) || !c.strategy.Validate(key, e.value) {
		c.dropLocked(ck, e)
		c.stats.evictions.Add(1)
		c.stats.misses.Add(1)
		return zero, false
	}

	e.lastAccessedAt = time.Now()
	e.accessCount++
	c.lru.MoveToFront(e.elem)
	c.stats.hits.Add(1)
	return e.value, true
}

// Put inserts a value, evicting least-recently-accessed entries until the
// cache is within its entry and byte budgets. Never fails for the in-memory
// backend; the error return matches the shared backend contract.
func (c *Memory[K, V]) Put(key K, value V) error {
	ck := c.strategy.CacheKey(key)
	size := c.strategy.SizeOf(value)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[ck]; ok {
		c.dropLocked(ck, old)
	}

	e := &entry[V]{
		value:          value,
		sizeBytes:      size,
		createdAt:      now,
		lastAccessedAt: now,
	}
	e.elem = c.lru.PushFront(ck)
	c.entries[ck] = e
	c.stats.totalBytes.Add(size)

	c.evictOverBudgetLocked()
	return nil
}

// Remove deletes the entry for key, returning the prior value if present.
func (c *Memory[K, V]) Remove(key K) (V, bool) {
	var zero V
	ck := c.strategy.CacheKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ck]
	if !ok {
		return zero, false
	}
	c.dropLocked(ck, e)
	return e.value, true
}

// Clear atomically drops all entries. Stats remain.
func (c *Memory[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.lru.Init()
	c.stats.totalBytes.Store(0)
}

// EvictIfNeeded opportunistically purges expired and over-budget entries.
// TTL expiry is otherwise a validity check at read time.
func (c *Memory[K, V]) EvictIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ck, e := range c.entries {
		if c.expired(e) {
			c.dropLocked(ck, e)
			c.stats.evictions.Add(1)
		}
	}
	c.evictOverBudgetLocked()
}

// InvalidateMatching drops entries whose canonical key satisfies the
// predicate. Used by the advisory file watcher.
func (c *Memory[K, V]) InvalidateMatching(pred func(cacheKey string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for ck, e := range c.entries {
		if pred(ck) {
			c.dropLocked(ck, e)
			c.stats.evictions.Add(1)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live entries.
func (c *Memory[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the running counters.
func (c *Memory[K, V]) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Memory[K, V]) expired(e *entry[V]) bool {
	ttl := c.strategy.TTL()
	return ttl > 0 && time.Since(e.createdAt) > ttl
}

func (c *Memory[K, V]) dropLocked(ck string, e *entry[V]) {
	delete(c.entries, ck)
	c.lru.Remove(e.elem)
	c.stats.totalBytes.Add(-e.sizeBytes)
}

// evictOverBudgetLocked evicts by least recent access until the cache is
// within both the strategy's entry bound and the byte budget.
func (c *Memory[K, V]) evictOverBudgetLocked() {
	max := c.strategy.MaxEntries()
	for (max > 0 && len(c.entries) > max) ||
		(c.maxBytes > 0 && c.stats.totalBytes.Load() > c.maxBytes) {
		back := c.lru.Back()
		if back == nil {
			return
		}
		ck := back.Value.(string)
		c.dropLocked(ck, c.entries[ck])
		c.stats.evictions.Add(1)
	}
}

// approxSize estimates a value's size via its JSON encoding. Strategies use
// it when the value type has no cheaper measure.
func approxSize(v any) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 1
	}
	return int64(len(data))
}
