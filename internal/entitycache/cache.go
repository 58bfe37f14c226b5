// Package entitycache is a keyed client-side cache with independent
// staleness and eviction windows. Stale entries keep being served while a
// background refresh runs; entries unused for the eviction window are
// dropped.
package entitycache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Default windows.
const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultEvictAfter = 10 * time.Minute
)

// Fetcher loads the authoritative value for a key.
type Fetcher[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	StaleAfter time.Duration
	EvictAfter time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
	lastUsed  time.Time
	version   uint64
}

// Snapshot is the state of one key before an optimistic write.
type Snapshot[V any] struct {
	value   V
	existed bool
	// version of the entry right after the optimistic write.
	version uint64
}

// Cache holds values of type V keyed by K.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	version uint64

	fetch  Fetcher[K, V]
	flight singleflight.Group

	staleAfter time.Duration
	evictAfter time.Duration
	clock      clockwork.Clock
	log        *slog.Logger
}

// New creates a cache that loads misses with fetch.
func New[K comparable, V any](fetch Fetcher[K, V], opts Options) *Cache[K, V] {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = DefaultEvictAfter
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache[K, V]{
		entries:    map[K]*entry[V]{},
		fetch:      fetch,
		staleAfter: opts.StaleAfter,
		evictAfter: opts.EvictAfter,
		clock:      opts.Clock,
		log:        opts.Logger.With("component", "entitycache"),
	}
}

// Read returns the cached value for key. A fresh value is returned as is; a
// stale one is returned while a refresh runs in the background; a missing
// one is fetched before returning.
func (c *Cache[K, V]) Read(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	c.sweepLocked()
	now := c.clock.Now()
	if e, ok := c.entries[key]; ok {
		e.lastUsed = now
		value, stale := e.value, now.Sub(e.fetchedAt) >= c.staleAfter
		c.mu.Unlock()

		if stale {
			go c.refresh(context.WithoutCancel(ctx), key)
		}
		return value, nil
	}
	c.mu.Unlock()

	return c.load(ctx, key)
}

// Peek returns the cached value without fetching or touching it.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Prefetch loads key unless a fresh value is already cached.
func (c *Cache[K, V]) Prefetch(ctx context.Context, key K) error {
	c.mu.Lock()
	c.sweepLocked()
	e, ok := c.entries[key]
	fresh := ok && c.clock.Since(e.fetchedAt) < c.staleAfter
	c.mu.Unlock()

	if fresh {
		return nil
	}
	_, err := c.load(ctx, key)
	return err
}

// Invalidate drops key. The next Read fetches it again.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Set stores an authoritative value for key, marking it fresh.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value, true)
}

// SetOptimistic applies mutate to the current value of key (the zero value
// and false when absent) and returns a snapshot for Rollback. Freshness is
// left as it was.
func (c *Cache[K, V]) SetOptimistic(key K, mutate func(current V, ok bool) V) Snapshot[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	var snap Snapshot[V]
	if e, ok := c.entries[key]; ok {
		snap.value, snap.existed = e.value, true
	}
	c.storeLocked(key, mutate(snap.value, snap.existed), false)
	snap.version = c.entries[key].version
	return snap
}

// Rollback restores snap unless key was written again after the optimistic
// write. It reports whether the snapshot was restored.
func (c *Cache[K, V]) Rollback(key K, snap Snapshot[V]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.version != snap.version {
		return false
	}
	if !snap.existed {
		delete(c.entries, key)
		return true
	}
	c.storeLocked(key, snap.value, false)
	return true
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	return len(c.entries)
}

func (c *Cache[K, V]) load(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	var startVersion uint64
	if e, ok := c.entries[key]; ok {
		startVersion = e.version
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(fmt.Sprint(key), func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	value := v.(V)

	c.mu.Lock()
	defer c.mu.Unlock()
	// A write that landed while fetching is newer than the fetched value.
	if e, ok := c.entries[key]; ok && e.version != startVersion {
		e.lastUsed = c.clock.Now()
		return e.value, nil
	}
	c.storeLocked(key, value, true)
	return value, nil
}

func (c *Cache[K, V]) refresh(ctx context.Context, key K) {
	if _, err := c.load(ctx, key); err != nil {
		c.log.Warn("background refresh failed",
			slog.String("key", fmt.Sprint(key)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Cache[K, V]) storeLocked(key K, value V, fresh bool) {
	now := c.clock.Now()
	c.version++

	e, ok := c.entries[key]
	if !ok {
		e = &entry[V]{}
		c.entries[key] = e
	}
	e.value = value
	e.lastUsed = now
	e.version = c.version
	if fresh || !ok {
		e.fetchedAt = now
	}
}

func (c *Cache[K, V]) sweepLocked() {
	now := c.clock.Now()
	for k, e := range c.entries {
		if now.Sub(e.lastUsed) >= c.evictAfter {
			delete(c.entries, k)
		}
	}
}
