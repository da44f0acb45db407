package quality

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	report  Report
	expires time.Time
}

// Cache is a bounded, TTL-wrapped quality-report cache keyed by
// sha256(artifact)+check_type (spec §4.6). Eviction is LRU via
// hashicorp/golang-lru/v2; TTL expiry is checked on read since that
// library's Cache type does not itself expire entries.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewCache returns a Cache holding up to capacity entries, each valid for
// ttl after being written.
func NewCache(capacity int, ttl time.Duration) (*Cache, error) {
	inner, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached report for key if present and not expired.
func (c *Cache) Get(key string) (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.inner.Get(key)
	if !ok {
		return Report{}, false
	}
	if c.now().After(entry.expires) {
		c.inner.Remove(key)
		return Report{}, false
	}
	return entry.report, true
}

// Put stores report under key with this cache's TTL.
func (c *Cache) Put(key string, report Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, cacheEntry{report: report, expires: c.now().Add(c.ttl)})
}
