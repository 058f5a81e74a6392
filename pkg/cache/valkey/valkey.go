// Package valkey is a cache store shared between processes through a Valkey
// (or Redis) server.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/config"
	"github.com/chatgate/chatgate/pkg/models"
)

// DefaultConnectTimeout bounds the initial PING.
const DefaultConnectTimeout = 5 * time.Second

const scanCount = 100

// Store is a cache.Store on Valkey. Expiry is handled by the server.
type Store struct {
	client valkeylib.Client
	prefix string
	hits   atomic.Int64
	misses atomic.Int64
}

// New connects to the server described by cfg and verifies it with PING.
// The caller must Close the Store.
func New(cfg config.ValkeyConfig) (*Store, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey at %s: %w", cfg.Address, err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. Every key is stored under prefix.
func NewWithClient(client valkeylib.Client, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) fullKey(key string) string {
	return s.prefix + key
}

// Get retrieves a value; a nil reply means absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.fullKey(key)).Build()).AsBytes()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			s.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, cache.Ensure("get", err)
	}
	s.hits.Add(1)
	return data, true, nil
}

// Set stores value with SET ... PX so sub-second TTLs are honoured.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := s.client.B().Set().
		Key(s.fullKey(key)).
		Value(valkeylib.BinaryString(value)).
		Px(ttl).
		Build()
	return cache.Ensure("set", s.client.Do(ctx, cmd).Error())
}

// Delete removes key if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	return cache.Ensure("delete", s.client.Do(ctx, s.client.B().Del().Key(s.fullKey(key)).Build()).Error())
}

// DeletePrefix walks matching keys with SCAN and deletes them in batches.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	keys, err := s.scan(ctx, s.fullKey(escapeGlob(prefix))+"*")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		return 0, cache.Ensure("delete prefix", err)
	}
	return n, nil
}

func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanCount).Build()
		result, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, cache.Ensure("scan", err)
		}
		keys = append(keys, result.Elements...)
		cursor = result.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Stats counts keys under the store prefix.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	keys, err := s.scan(ctx, escapeGlob(s.prefix)+"*")
	if err != nil {
		return models.CacheStats{}, err
	}
	return models.CacheStats{
		Backend: "valkey",
		Entries: int64(len(keys)),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}, nil
}

// Purge is a no-op: the server expires keys itself.
func (s *Store) Purge(context.Context) (int64, error) {
	return 0, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
