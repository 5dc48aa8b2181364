package cache

import (
	"testing"
	"time"

	"dtk/internal/slogutil"
)

type persistStrategy struct {
	ttl time.Duration
	max int
}

func (s persistStrategy) CacheKey(key string) string       { return "p:" + key }
func (s persistStrategy) Validate(_ string, _ string) bool { return true }
func (s persistStrategy) TTL() time.Duration               { return s.ttl }
func (s persistStrategy) MaxEntries() int                  { return s.max }
func (s persistStrategy) SizeOf(value string) int64        { return int64(len(value)) }

func openTestCache(t *testing.T, dir string, strategy persistStrategy) *Persistent[string, string] {
	t.Helper()
	c, err := OpenPersistent[string, string](dir, "test", strategy, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("OpenPersistent failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPersistentPutGet(t *testing.T) {
	c := openTestCache(t, t.TempDir(), persistStrategy{max: 10})

	if err := c.Put("a", "hello"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := c.Get("a")
	if !ok || got != "hello" {
		t.Errorf("expected hit with hello, got %q ok=%v", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for absent key")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit 1 miss, got %+v", stats)
	}
}

func TestPersistentDurability(t *testing.T) {
	dir := t.TempDir()

	c := openTestCache(t, dir, persistStrategy{max: 10})
	if err := c.Put("session", "state-v1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A fresh handle over the same file must observe the committed value.
	reopened := openTestCache(t, dir, persistStrategy{max: 10})
	got, ok := reopened.Get("session")
	if !ok || got != "state-v1" {
		t.Errorf("value not durable across reopen, got %q ok=%v", got, ok)
	}
}

func TestPersistentTTL(t *testing.T) {
	c := openTestCache(t, t.TempDir(), persistStrategy{ttl: time.Nanosecond, max: 10})

	if err := c.Put("a", "stale"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Error("expected expired entry to read as miss")
	}
}

func TestPersistentRemoveAndClear(t *testing.T) {
	c := openTestCache(t, t.TempDir(), persistStrategy{max: 10})

	_ = c.Put("a", "1")
	_ = c.Put("b", "2")

	prior, ok := c.Remove("a")
	if !ok || prior != "1" {
		t.Errorf("expected prior value, got %q ok=%v", prior, ok)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, len=%d", c.Len())
	}
}

func TestPersistentMaxEntries(t *testing.T) {
	c := openTestCache(t, t.TempDir(), persistStrategy{max: 2})

	_ = c.Put("a", "1")
	time.Sleep(5 * time.Millisecond)
	_ = c.Put("b", "2")
	time.Sleep(5 * time.Millisecond)
	_ = c.Put("c", "3")

	if got := c.Len(); got != 2 {
		t.Errorf("expected trim to 2 entries, got %d", got)
	}
}

func TestPersistentNamespaceIsolation(t *testing.T) {
	dir := t.TempDir()
	logger := slogutil.NewDiscardLogger()

	a, err := OpenPersistent[string, string](dir, "ns-a", persistStrategy{max: 10}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := OpenPersistent[string, string](dir, "ns-b", persistStrategy{max: 10}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	_ = a.Put("shared-key", "from-a")
	if _, ok := b.Get("shared-key"); ok {
		t.Error("namespaces should not share entries")
	}
}
