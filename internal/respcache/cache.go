// Package respcache is a short-lived cache of successful read responses.
// Entries are fresh for a fixed window from creation and are never
// invalidated by writes.
package respcache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// DefaultTTL is the freshness window of a cached response.
const DefaultTTL = 30 * time.Second

// Entry is one cached response.
type Entry struct {
	Status      int
	ContentType string
	Body        []byte
	Created     time.Time
}

// Cache is a bounded LRU of responses keyed by request path and query.
type Cache struct {
	entries *lru.Cache[string, Entry]
	ttl     time.Duration
	clock   clockwork.Clock
}

// New creates a cache holding at most size entries.
func New(size int, ttl time.Duration, clock clockwork.Clock) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &Cache{entries: entries, ttl: ttl, clock: clock}, nil
}

// Get returns the entry for key while it is fresh. An expired entry is
// removed and reported absent.
func (c *Cache) Get(key string) (Entry, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	if c.clock.Since(e.Created) >= c.ttl {
		c.entries.Remove(key)
		return Entry{}, false
	}
	return e, true
}

// Put stores e under key, stamped with the current time.
func (c *Cache) Put(key string, e Entry) {
	e.Created = c.clock.Now()
	c.entries.Add(key, e)
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int { return c.entries.Len() }
