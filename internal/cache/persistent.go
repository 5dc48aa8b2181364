package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	dtkerrors "dtk/internal/errors"
)

// Persistent is the durable cache backend. Values are JSON-encoded,
// zstd-compressed and stored in a sqlite file. Put commits synchronously:
// it is durable before return or fails with a cache error.
type Persistent[K comparable, V any] struct {
	strategy Strategy[K, V]
	db       *sql.DB
	ns       string
	logger   *slog.Logger
	stats    Stats
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// OpenPersistent opens (or creates) the persistent cache at dir/cache.db.
// ns namespaces entries so multiple strategies can share one file.
func OpenPersistent[K comparable, V any](dir, ns string, strategy Strategy[K, V], logger *slog.Logger) (*Persistent[K, V], error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dtkerrors.NewIo("failed to create cache directory", err, false)
	}

	dbPath := filepath.Join(dir, "cache.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, dtkerrors.NewIo("failed to open cache database", err, false)
	}

	// synchronous=FULL so Put is durable on commit
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, dtkerrors.NewIo("failed to set pragma", err, false)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS cache_entries (
		ns TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (ns, key)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, dtkerrors.NewIo("failed to create cache schema", err, false)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, dtkerrors.Wrap(dtkerrors.Internal, "failed to create zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, dtkerrors.Wrap(dtkerrors.Internal, "failed to create zstd decoder", err)
	}

	return &Persistent[K, V]{
		strategy: strategy,
		db:       db,
		ns:       ns,
		logger:   logger,
		enc:      enc,
		dec:      dec,
	}, nil
}

// Close closes the underlying database.
func (c *Persistent[K, V]) Close() error {
	c.enc.Close()
	c.dec.Close()
	return c.db.Close()
}

// Get returns the cached value for key. Read errors degrade to a miss so
// callers recompute rather than fail.
func (c *Persistent[K, V]) Get(key K) (V, bool) {
	var zero V
	ck := c.strategy.CacheKey(key)

	var blob []byte
	var createdAt string
	err := c.db.QueryRow(`
		SELECT value, created_at FROM cache_entries
		WHERE ns = ? AND key = ?
	`, c.ns, ck).Scan(&blob, &createdAt)

	if err == sql.ErrNoRows {
		c.stats.misses.Add(1)
		return zero, false
	}
	if err != nil {
		c.logger.Warn("cache read failed, degrading to miss", "ns", c.ns, "error", err.Error())
		c.stats.misses.Add(1)
		return zero, false
	}

	if c.expiredAt(createdAt) {
		c.deleteEntry(ck)
		c.stats.evictions.Add(1)
		c.stats.misses.Add(1)
		return zero, false
	}

	value, err := c.decode(blob)
	if err != nil {
		c.logger.Warn("cache entry undecodable, dropping", "ns", c.ns, "key", ck, "error", err.Error())
		c.deleteEntry(ck)
		c.stats.misses.Add(1)
		return zero, false
	}

	if !c.strategy.Validate(key, value) {
		c.deleteEntry(ck)
		c.stats.evictions.Add(1)
		c.stats.misses.Add(1)
		return zero, false
	}

	_, _ = c.db.Exec(`
		UPDATE cache_entries SET last_accessed_at = ?, access_count = access_count + 1
		WHERE ns = ? AND key = ?
	`, time.Now().UTC().Format(time.RFC3339), c.ns, ck)

	c.stats.hits.Add(1)
	return value, true
}

// Put stores a value durably. The insert has committed by the time Put
// returns nil.
func (c *Persistent[K, V]) Put(key K, value V) error {
	ck := c.strategy.CacheKey(key)

	blob, err := c.encode(value)
	if err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "failed to encode cache value", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO cache_entries (ns, key, value, size_bytes, created_at, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, c.ns, ck, blob, int64(len(blob)), now, now)
	if err != nil {
		return dtkerrors.NewIo("cache write failed", err, true)
	}

	c.stats.totalBytes.Add(int64(len(blob)))
	c.evictOverBudget()
	return nil
}

// Remove deletes the entry for key, returning the prior value if present.
func (c *Persistent[K, V]) Remove(key K) (V, bool) {
	var zero V
	ck := c.strategy.CacheKey(key)

	var blob []byte
	err := c.db.QueryRow(`
		SELECT value FROM cache_entries WHERE ns = ? AND key = ?
	`, c.ns, ck).Scan(&blob)
	if err != nil {
		return zero, false
	}

	c.deleteEntry(ck)
	value, err := c.decode(blob)
	if err != nil {
		return zero, false
	}
	return value, true
}

// Clear drops all entries in this namespace. Stats remain.
func (c *Persistent[K, V]) Clear() {
	_, _ = c.db.Exec("DELETE FROM cache_entries WHERE ns = ?", c.ns)
	c.stats.totalBytes.Store(0)
}

// EvictIfNeeded purges expired entries and trims over-budget ones.
func (c *Persistent[K, V]) EvictIfNeeded() {
	ttl := c.strategy.TTL()
	if ttl > 0 {
		cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
		res, err := c.db.Exec(`
			DELETE FROM cache_entries WHERE ns = ? AND created_at < ?
		`, c.ns, cutoff)
		if err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				c.stats.evictions.Add(n)
			}
		}
	}
	c.evictOverBudget()
}

// Len returns the number of live entries in this namespace.
func (c *Persistent[K, V]) Len() int {
	var count int
	if err := c.db.QueryRow(`
		SELECT COUNT(*) FROM cache_entries WHERE ns = ?
	`, c.ns).Scan(&count); err != nil {
		return 0
	}
	return count
}

// Stats returns a snapshot of the running counters.
func (c *Persistent[K, V]) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Persistent[K, V]) encode(value V) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *Persistent[K, V]) decode(blob []byte) (V, error) {
	var zero V
	data, err := c.dec.DecodeAll(blob, nil)
	if err != nil {
		return zero, err
	}
	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, err
	}
	return value, nil
}

func (c *Persistent[K, V]) expiredAt(createdAt string) bool {
	ttl := c.strategy.TTL()
	if ttl <= 0 {
		return false
	}
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return true
	}
	return time.Since(created) > ttl
}

func (c *Persistent[K, V]) deleteEntry(ck string) {
	_, _ = c.db.Exec("DELETE FROM cache_entries WHERE ns = ? AND key = ?", c.ns, ck)
}

// evictOverBudget trims least-recently-accessed entries beyond MaxEntries.
func (c *Persistent[K, V]) evictOverBudget() {
	max := c.strategy.MaxEntries()
	if max <= 0 {
		return
	}
	res, err := c.db.Exec(fmt.Sprintf(`
		DELETE FROM cache_entries WHERE ns = ? AND key IN (
			SELECT key FROM cache_entries WHERE ns = ?
			ORDER BY last_accessed_at DESC LIMIT -1 OFFSET %d
		)
	`, max), c.ns, c.ns)
	if err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			c.stats.evictions.Add(n)
		}
	}
}
