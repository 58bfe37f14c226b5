package entitycache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *countingFetcher) fetch(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%s#%d", key, f.calls), nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCache(t *testing.T) (*Cache[string, string], *countingFetcher, *clockwork.FakeClock) {
	t.Helper()
	f := &countingFetcher{}
	clock := clockwork.NewFakeClock()
	c := New[string, string](f.fetch, Options{
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return c, f, clock
}

func TestRead_FreshValueIsNotRefetched(t *testing.T) {
	t.Parallel()
	c, f, clock := newTestCache(t)
	ctx := context.Background()

	v, err := c.Read(ctx, "case:1")
	require.NoError(t, err)
	assert.Equal(t, "case:1#1", v)

	clock.Advance(4 * time.Minute)
	v, err = c.Read(ctx, "case:1")
	require.NoError(t, err)
	assert.Equal(t, "case:1#1", v)
	assert.Equal(t, 1, f.count())
}

func TestRead_StaleServedWhileRevalidating(t *testing.T) {
	t.Parallel()
	c, f, clock := newTestCache(t)
	ctx := context.Background()

	_, err := c.Read(ctx, "case:1")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	v, err := c.Read(ctx, "case:1")
	require.NoError(t, err)
	assert.Equal(t, "case:1#1", v)

	require.Eventually(t, func() bool {
		got, _ := c.Peek("case:1")
		return got == "case:1#2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.count())
}

func TestRead_FetchErrorIsReturned(t *testing.T) {
	t.Parallel()
	c, f, _ := newTestCache(t)
	f.err = errors.New("store down")

	_, err := c.Read(context.Background(), "case:1")
	assert.EqualError(t, err, "store down")
	assert.Zero(t, c.Len())
}

func TestEviction_MeasuredFromLastUse(t *testing.T) {
	t.Parallel()
	c, f, clock := newTestCache(t)
	ctx := context.Background()

	_, err := c.Read(ctx, "case:1")
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	_, ok := c.Peek("case:1")
	require.True(t, ok)
	_, err = c.Read(ctx, "case:1")
	require.NoError(t, err)

	clock.Advance(9 * time.Minute)
	assert.Equal(t, 1, c.Len())

	clock.Advance(time.Minute)
	assert.Zero(t, c.Len())

	_, err = c.Read(ctx, "case:1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count())
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	c, f, _ := newTestCache(t)
	ctx := context.Background()

	_, _ = c.Read(ctx, "case:1")
	c.Invalidate("case:1")
	v, err := c.Read(ctx, "case:1")
	require.NoError(t, err)
	assert.Equal(t, "case:1#2", v)
	assert.Equal(t, 2, f.count())
}

func TestPrefetch(t *testing.T) {
	t.Parallel()
	c, f, clock := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Prefetch(ctx, "case:1"))
	require.NoError(t, c.Prefetch(ctx, "case:1"))
	assert.Equal(t, 1, f.count())

	clock.Advance(6 * time.Minute)
	require.NoError(t, c.Prefetch(ctx, "case:1"))
	assert.Equal(t, 2, f.count())

	v, err := c.Read(ctx, "case:1")
	require.NoError(t, err)
	assert.Equal(t, "case:1#2", v)
}

func TestSetOptimistic_Rollback(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_, _ = c.Read(ctx, "case:1")

	snap := c.SetOptimistic("case:1", func(cur string, ok bool) string {
		require.True(t, ok)
		return cur + "+edit"
	})
	v, _ := c.Peek("case:1")
	assert.Equal(t, "case:1#1+edit", v)

	assert.True(t, c.Rollback("case:1", snap))
	v, _ = c.Peek("case:1")
	assert.Equal(t, "case:1#1", v)
}

func TestRollback_OfAbsentKeyDeletes(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)

	snap := c.SetOptimistic("draft", func(_ string, ok bool) string {
		assert.False(t, ok)
		return "new"
	})
	assert.True(t, c.Rollback("draft", snap))
	_, ok := c.Peek("draft")
	assert.False(t, ok)
}

func TestRollback_SkippedWhenNewerValueArrived(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)

	c.Set("case:1", "v1")
	snap := c.SetOptimistic("case:1", func(string, bool) string { return "optimistic" })
	c.Set("case:1", "server")

	assert.False(t, c.Rollback("case:1", snap))
	v, _ := c.Peek("case:1")
	assert.Equal(t, "server", v)
}
