// Package cachetest holds behaviour tests shared by every cache.Store backend.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/pkg/cache"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a Clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Harness is a fresh store plus a way to let time pass for it.
type Harness struct {
	Store   cache.Store
	Advance func(time.Duration)
}

// Run exercises the cache.Store contract against stores built by newHarness.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("RoundTrip", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.Set(ctx, "k", []byte(`{"v":1}`), time.Hour))
		got, ok, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"v":1}`, string(got))
	})

	t.Run("MissingKey", func(t *testing.T) {
		h := newHarness(t)
		_, ok, err := h.Store.Get(context.Background(), "never-set")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.Set(ctx, "k", []byte("old"), time.Hour))
		require.NoError(t, h.Store.Set(ctx, "k", []byte("new"), time.Hour))
		got, ok, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", string(got))
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.Set(ctx, "k", []byte("v"), time.Second))
		h.Advance(2 * time.Second)
		_, ok, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok, "expired entry must read as absent")
	})

	t.Run("TTLRestartsOnSet", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.Set(ctx, "k", []byte("v1"), 3*time.Second))
		h.Advance(2 * time.Second)
		require.NoError(t, h.Store.Set(ctx, "k", []byte("v2"), 3*time.Second))
		h.Advance(2 * time.Second)
		got, ok, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.Set(ctx, "k", []byte("v"), time.Hour))
		require.NoError(t, h.Store.Delete(ctx, "k"))
		_, ok, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		// deleting an absent key is not an error
		assert.NoError(t, h.Store.Delete(ctx, "k"))
	})

	t.Run("DeletePrefix", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		for _, k := range []string{"user:1", "user:2", "users:all", "models:list"} {
			require.NoError(t, h.Store.Set(ctx, k, []byte(k), time.Hour))
		}
		n, err := h.Store.DeletePrefix(ctx, "user:")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		for k, want := range map[string]bool{"user:1": false, "user:2": false, "users:all": true, "models:list": true} {
			_, ok, err := h.Store.Get(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, want, ok, k)
		}
	})

	t.Run("DeletePrefixNonASCII", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		for _, k := range []string{"üser:1", "üser:2", "user:3", "ü"} {
			require.NoError(t, h.Store.Set(ctx, k, []byte(k), time.Hour))
		}
		n, err := h.Store.DeletePrefix(ctx, "üser:")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		for k, want := range map[string]bool{"üser:1": false, "üser:2": false, "user:3": true, "ü": true} {
			_, ok, err := h.Store.Get(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, want, ok, k)
		}
	})

	t.Run("ExpiredKeyCanBeRewritten", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		require.NoError(t, h.Store.Set(ctx, "k", []byte("stale"), time.Second))
		h.Advance(2 * time.Second)
		_, ok, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, h.Store.Set(ctx, "k", []byte("fresh"), time.Hour))
		got, ok, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "fresh", string(got))
	})

	t.Run("ReturnedValueIsIndependent", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		value := []byte("abc")
		require.NoError(t, h.Store.Set(ctx, "k", value, time.Hour))
		value[0] = 'X'

		got, _, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		got[1] = 'Y'

		again, _, err := h.Store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again))
	})

	t.Run("ConcurrentPopulation", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		equivalent := map[string]bool{`{"content":"same"}`: true}

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := "shared"
				if _, ok, _ := h.Store.Get(ctx, key); !ok {
					_ = h.Store.Set(ctx, key, []byte(`{"content":"same"}`), time.Hour)
				}
				_ = h.Store.Set(ctx, fmt.Sprintf("own:%d", i), []byte("x"), time.Hour)
			}()
		}
		wg.Wait()

		got, ok, err := h.Store.Get(ctx, "shared")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, equivalent[string(got)], "unexpected value %q", got)
	})
}
