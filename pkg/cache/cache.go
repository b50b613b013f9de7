// Package cache provides the in-process LRU+TTL caches used by the
// reranker and the response layer, plus the key-derivation schemes their
// contracts fix.
package cache

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("key not found")
)

// Stats holds cache performance metrics. Expired entries count as misses.
type Stats struct {
	// Hits is the number of successful cache retrievals.
	Hits int64

	// Misses is the number of cache misses.
	Misses int64

	// Sets is the number of cache writes.
	Sets int64

	// Evictions is the number of entries evicted due to capacity.
	Evictions int64

	// Expirations is the number of entries expired due to TTL.
	Expirations int64

	// Size is the current number of entries.
	Size int64

	// MaxSize is the maximum number of entries allowed.
	MaxSize int64
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Config holds cache configuration.
type Config struct {
	// MaxSize is the maximum number of entries (0 = default).
	MaxSize int64

	// DefaultTTL is the expiration for entries without an explicit TTL.
	DefaultTTL time.Duration

	// CleanupInterval is how often the expiration sweep runs.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:         1000,
		DefaultTTL:      time.Hour,
		CleanupInterval: time.Minute,
	}
}

// Entry represents a cached item.
type Entry struct {
	Key       string
	Value     interface{}
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the entry has expired.
func (e Entry) IsExpired() bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(e.ExpiresAt)
}
