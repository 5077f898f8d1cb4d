package fieldservice

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestCache_TTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCache(time.Minute, clock)

	key := cacheKey(ResourceJobs, "/jobs", "company_uuid=abc")
	c.Set(key, []byte(`{"data":[]}`))

	body, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, `{"data":[]}`, string(body))

	clock.Advance(61 * time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Hits())
	assert.Equal(t, int64(1), c.Misses())
	assert.Equal(t, 0, c.Len())
}

func TestCache_InvalidateResource(t *testing.T) {
	c := NewCache(time.Minute, clockwork.NewFakeClock())

	c.Set(cacheKey(ResourceJobs, "/jobs", ""), []byte("a"))
	c.Set(cacheKey(ResourceJobs, "/jobs/1", ""), []byte("b"))
	c.Set(cacheKey(ResourceCompanies, "/companies", ""), []byte("c"))

	c.InvalidateResource(ResourceJobs)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_DisabledWithZeroTTL(t *testing.T) {
	c := NewCache(0, clockwork.NewFakeClock())
	c.Set("k", []byte("v"))

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
