// Package cache defines the key/value store with per-entry TTL that backs the
// completion, model listing and user caches.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/chatgate/chatgate/pkg/models"
)

// ErrUnavailable wraps any failure of the backing store itself. Callers treat
// it as a miss and fall back to the source of truth.
var ErrUnavailable = errors.New("cache unavailable")

// Store maps keys to opaque values that expire after a TTL.
//
// Get reports absent both for keys never set and for expired keys. Set
// overwrites unconditionally; the TTL runs from the moment of the call.
// Implementations must be safe for concurrent use and never expose a
// partially written value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	Close() error
}

// Inspector is implemented by stores that can report usage and drop expired
// entries on demand.
type Inspector interface {
	Stats(ctx context.Context) (models.CacheStats, error)
	// Purge eagerly removes expired entries and returns how many it removed.
	Purge(ctx context.Context) (int64, error)
}

// Clock returns the current time. Stores accept one so tests can move time.
type Clock func() time.Time

// IsUnavailable reports whether err came from a failing backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Ensure wraps a backend error with ErrUnavailable unless it already is one.
func Ensure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

// BackendError records which store operation failed.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return "cache " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both ErrUnavailable and the underlying cause.
func (e *BackendError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}
