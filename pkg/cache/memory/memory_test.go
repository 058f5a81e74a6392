package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/pkg/cache/cachetest"
)

func newTestStore(t *testing.T, capacity int) (*Store, *cachetest.Clock) {
	t.Helper()
	clock := cachetest.NewClock()
	s, err := New(capacity, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestStoreContract(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cachetest.Harness {
		s, clock := newTestStore(t, 100)
		return cachetest.Harness{Store: s, Advance: clock.Advance}
	})
}

func TestLRUEviction(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	_, ok, _ := s.Get(ctx, "a") // a becomes most recently used
	require.True(t, ok)
	require.NoError(t, s.Set(ctx, "c", []byte("3"), time.Hour))

	_, ok, _ = s.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok, _ = s.Get(ctx, "a")
	assert.True(t, ok)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Evictions)
	assert.EqualValues(t, 2, stats.Entries)
}

func TestPurge(t *testing.T) {
	s, clock := newTestStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, s.Set(ctx, "long", []byte("y"), time.Hour))
	clock.Advance(time.Minute)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stats, _ := s.Stats(ctx)
	assert.EqualValues(t, 1, stats.Entries)
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "h1", []byte("data"), time.Hour)
	_, _, _ = s.Get(ctx, "h1") // hit
	_, _, _ = s.Get(ctx, "h2") // miss

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Backend)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestExpiredReadKeepsConcurrentSet(t *testing.T) {
	clock := cachetest.NewClock()
	ctx := context.Background()

	var (
		s     *Store
		armed bool
	)
	// the clock read inside Get is where a concurrent Set can land
	now := func() time.Time {
		if armed {
			armed = false
			require.NoError(t, s.Set(ctx, "k", []byte("fresh"), time.Hour))
		}
		return clock.Now()
	}
	s, err := New(10, WithClock(now))
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "k", []byte("stale"), time.Second))
	clock.Advance(2 * time.Second)

	armed = true
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "value written during the expired read was removed")
	assert.Equal(t, "fresh", string(got))
}
