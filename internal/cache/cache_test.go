package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// plainStrategy is a minimal strategy for exercising the cache contract.
type plainStrategy struct {
	ttl time.Duration
	max int
}

func (s plainStrategy) CacheKey(key string) string        { return "test:" + key }
func (s plainStrategy) Validate(_ string, _ string) bool  { return true }
func (s plainStrategy) TTL() time.Duration                { return s.ttl }
func (s plainStrategy) MaxEntries() int                   { return s.max }
func (s plainStrategy) SizeOf(value string) int64         { return int64(len(value)) }

func TestMemoryGetPut(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 10}, 0)

	if _, ok := c.Get("a"); ok {
		t.Error("expected miss on empty cache")
	}

	if err := c.Put("a", "value-a"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := c.Get("a")
	if !ok || got != "value-a" {
		t.Errorf("expected hit with value-a, got %q ok=%v", got, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit 1 miss, got %+v", stats)
	}
}

func TestMemoryStatsInvariant(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 4}, 0)

	// Arbitrary interleaving of operations; hits+misses must equal the
	// number of Get calls and totalBytes must never go negative.
	gets := 0
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i%6)
		switch i % 4 {
		case 0:
			_ = c.Put(key, "some value")
		case 1, 2:
			c.Get(key)
			gets++
		case 3:
			c.Remove(key)
		}
	}
	c.Clear()
	c.Get("anything")
	gets++

	stats := c.Stats()
	if stats.TotalRequests() != int64(gets) {
		t.Errorf("hits+misses = %d, want %d", stats.TotalRequests(), gets)
	}
	if stats.TotalBytes < 0 {
		t.Errorf("totalBytes went negative: %d", stats.TotalBytes)
	}
	if stats.TotalBytes != 0 {
		t.Errorf("totalBytes after Clear should be 0, got %d", stats.TotalBytes)
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 3}, 0)

	_ = c.Put("a", "1")
	_ = c.Put("b", "2")
	_ = c.Put("c", "3")

	// Touch a and c so b becomes least recently accessed.
	c.Get("a")
	c.Get("c")

	// Cache at exactly max entries: one more Put evicts exactly one entry.
	_ = c.Put("d", "4")

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", c.Len())
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected least-recently-accessed entry b to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive eviction", key)
		}
	}
	if evictions := c.Stats().Evictions; evictions != 1 {
		t.Errorf("expected exactly 1 eviction, got %d", evictions)
	}
}

func TestMemoryByteBudget(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 100}, 10)

	_ = c.Put("a", "123456")  // 6 bytes
	_ = c.Put("b", "1234567") // 7 bytes, over 10 total

	if got := c.Stats().TotalBytes; got > 10 {
		t.Errorf("totalBytes %d exceeds budget", got)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("expected older entry evicted to fit byte budget")
	}
}

func TestMemoryTTLExpiryAtRead(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{ttl: time.Nanosecond, max: 10}, 0)

	_ = c.Put("a", "stale")
	time.Sleep(time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Error("expected expired entry to read as miss")
	}
	stats := c.Stats()
	if stats.Misses != 1 || stats.Evictions != 1 {
		t.Errorf("expected expiry counted as miss+eviction, got %+v", stats)
	}
}

func TestMemoryRemove(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 10}, 0)

	_ = c.Put("a", "value")
	prior, ok := c.Remove("a")
	if !ok || prior != "value" {
		t.Errorf("expected prior value back, got %q ok=%v", prior, ok)
	}
	if _, ok := c.Remove("a"); ok {
		t.Error("second remove should report absent")
	}
}

func TestMemoryPutReplacesEntry(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 10}, 0)

	_ = c.Put("a", "short")
	_ = c.Put("a", "a much longer value")

	if c.Len() != 1 {
		t.Fatalf("replace should not grow the cache, len=%d", c.Len())
	}
	if got := c.Stats().TotalBytes; got != int64(len("a much longer value")) {
		t.Errorf("totalBytes should track the live entry, got %d", got)
	}
}

func TestMemoryEvictIfNeeded(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{ttl: time.Nanosecond, max: 10}, 0)

	_ = c.Put("a", "1")
	_ = c.Put("b", "2")
	time.Sleep(time.Millisecond)

	c.EvictIfNeeded()

	if c.Len() != 0 {
		t.Errorf("expected expired entries purged, len=%d", c.Len())
	}
	if c.Stats().Evictions != 2 {
		t.Errorf("expected 2 evictions, got %d", c.Stats().Evictions)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 50}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%20)
				if j%3 == 0 {
					_ = c.Put(key, "v")
				} else {
					c.Get(key)
				}
			}
		}(i)
	}
	wg.Wait()

	if c.Stats().TotalBytes < 0 {
		t.Error("totalBytes went negative under concurrency")
	}
}

func TestHitRate(t *testing.T) {
	var s StatsSnapshot
	if s.HitRate() != 0 {
		t.Error("hit rate with zero requests must be 0")
	}
	s = StatsSnapshot{Hits: 3, Misses: 1}
	if s.HitRate() != 0.75 {
		t.Errorf("expected 0.75, got %f", s.HitRate())
	}
}

func TestInvalidateMatching(t *testing.T) {
	c := NewMemory[string, string](plainStrategy{max: 10}, 0)

	_ = c.Put("src/a.go", "1")
	_ = c.Put("src/b.go", "2")
	_ = c.Put("docs/c.md", "3")

	n := c.InvalidateMatching(func(ck string) bool {
		return len(ck) > 5 && ck[:9] == "test:src/"
	})
	if n != 2 {
		t.Errorf("expected 2 invalidated, got %d", n)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 survivor, got %d", c.Len())
	}
}
