// Package sqlite is a cache store persisted in a SQLite database, so cached
// completions survive a restart.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/models"
)

// Cache is a cache.Store backed by SQLite.
type Cache struct {
	db     *sql.DB
	now    cache.Clock
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// busyTimeout lets writers wait for the identity store, which may share the
// database file.
const busyTimeout = "?_pragma=busy_timeout(5000)"

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now cache.Clock) Option {
	return func(c *Cache) { c.now = now }
}

// New opens (or creates) the cache database at dbPath.
func New(dbPath string, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection serialises writers, so no SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{db: db, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get retrieves a cached value. Expired rows read as absent and are removed.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.Ensure("get", err)
	}

	now := c.now().UnixNano()
	if now >= expiresAt {
		c.misses.Add(1)
		// lazy purge; only removes the row if it was not refreshed meanwhile
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ? AND expires_at <= ?`, key, now)
		return nil, false, nil
	}

	c.hits.Add(1)
	return value, true, nil
}

// Set stores value under key until now+ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, c.now().Add(ttl).UnixNano(),
	)
	return cache.Ensure("set", err)
}

// Delete removes key if present.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return cache.Ensure("delete", err)
}

// DeletePrefix removes every key starting with prefix.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	// compared as bytes: substr on TEXT counts characters, len counts bytes
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)`,
		len(prefix), prefix,
	)
	if err != nil {
		return 0, cache.Ensure("delete prefix", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?`, c.now().UnixNano(),
	).Scan(&count)
	if err != nil {
		return models.CacheStats{}, cache.Ensure("stats", err)
	}
	return models.CacheStats{
		Backend: "sqlite",
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Purge removes expired entries.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, c.now().UnixNano())
	if err != nil {
		return 0, cache.Ensure("purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return cache.Ensure("clear", err)
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
