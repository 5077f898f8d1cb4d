package fieldservice

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

type cacheEntry struct {
	body     []byte
	cachedAt time.Time
}

// Cache holds raw response bodies keyed by resource and filter signature.
type Cache struct {
	store  sync.Map // map[key]*cacheEntry
	ttl    time.Duration
	clock  clockwork.Clock
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(ttl time.Duration, clock clockwork.Clock) *Cache {
	return &Cache{ttl: ttl, clock: clock}
}

func cacheKey(resource, path, query string) string {
	return resource + "|" + path + "?" + query
}

func (c *Cache) Get(key string) ([]byte, bool) {
	if c.ttl <= 0 {
		c.misses.Add(1)
		return nil, false
	}

	val, ok := c.store.Load(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	entry := val.(*cacheEntry)
	if c.clock.Since(entry.cachedAt) > c.ttl {
		c.store.CompareAndDelete(key, entry)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.body, true
}

func (c *Cache) Set(key string, body []byte) {
	if c.ttl <= 0 {
		return
	}
	c.store.Store(key, &cacheEntry{body: body, cachedAt: c.clock.Now()})
}

// InvalidateResource drops every entry for a resource.
func (c *Cache) InvalidateResource(resource string) {
	prefix := resource + "|"
	c.store.Range(func(key, _ any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			c.store.Delete(key)
		}
		return true
	})
}

func (c *Cache) Clear() {
	c.store.Range(func(key, _ any) bool {
		c.store.Delete(key)
		return true
	})
}

func (c *Cache) Len() int {
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }
