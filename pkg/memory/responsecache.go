package memory

import (
	"time"

	"github.com/lexatlas/lexrag/pkg/cache"
)

const responseKeyPrefix = "response"

// ResponseCache stores final user-facing answers keyed by the normalized
// query text. Callers must only populate it on the first turn of a session:
// later answers depend on conversation context and would mislead other
// sessions.
type ResponseCache struct {
	c *cache.MemoryCache
}

// NewResponseCache creates a response cache with the given capacity and TTL.
func NewResponseCache(maxSize int64, ttl time.Duration) *ResponseCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{
		c: cache.NewMemoryCache(cache.Config{MaxSize: maxSize, DefaultTTL: ttl}),
	}
}

// Get returns the cached answer for an equivalent query, if any.
func (r *ResponseCache) Get(query string) (string, bool) {
	v, ok := r.c.Get(cache.NormalizedQueryKey(responseKeyPrefix, query))
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores an answer for the query.
func (r *ResponseCache) Set(query, response string) {
	r.c.Set(cache.NormalizedQueryKey(responseKeyPrefix, query), response, 0)
}

// Stats exposes cache statistics.
func (r *ResponseCache) Stats() cache.Stats {
	return r.c.Stats()
}

// Close releases the cache.
func (r *ResponseCache) Close() error {
	return r.c.Close()
}
