// Package memory is an in-process cache store with LRU eviction.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/models"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a bounded, process-local cache.Store. Once capacity is exceeded the
// least recently used entry is evicted.
type Store struct {
	entries   *lru.Cache[string, entry]
	now       cache.Clock
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now cache.Clock) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store holding at most capacity entries.
func New(capacity int, opts ...Option) (*Store, error) {
	entries, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	s := &Store{entries: entries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns a copy of the value stored under key. Expired entries read as
// absent; only Purge and eviction remove them, never a read.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := s.entries.Get(key)
	if !ok || !s.now().Before(e.expiresAt) {
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	return clone(e.value), true, nil
}

// Set stores a private copy of value.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.entries.Add(key, entry{value: clone(value), expiresAt: s.now().Add(ttl)}) {
		s.evictions.Add(1)
	}
	return nil
}

// Delete removes key if present.
func (s *Store) Delete(_ context.Context, key string) error {
	s.entries.Remove(key)
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *Store) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	var n int64
	for _, key := range s.entries.Keys() {
		if strings.HasPrefix(key, prefix) && s.entries.Remove(key) {
			n++
		}
	}
	return n, nil
}

// Purge drops expired entries.
func (s *Store) Purge(_ context.Context) (int64, error) {
	now := s.now()
	var n int64
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if ok && !now.Before(e.expiresAt) && s.entries.Remove(key) {
			n++
		}
	}
	return n, nil
}

// Stats reports entry count and counters since creation.
func (s *Store) Stats(_ context.Context) (models.CacheStats, error) {
	return models.CacheStats{
		Backend:   "memory",
		Entries:   int64(s.entries.Len()),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}, nil
}

// Close drops all entries.
func (s *Store) Close() error {
	s.entries.Purge()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
