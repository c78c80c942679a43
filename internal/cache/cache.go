// Package cache provides a TTL key-value cache used to memoize embeddings,
// query results and conversation snapshots.
//
// The cache is strictly best-effort: when the backend is unavailable every
// operation degrades to a no-op miss/no-store so the pipeline stays correct,
// just slower. Concurrent requests for the same key may both compute and
// both write; last write wins (known race, accepted).
package cache

import (
	"context"
	"time"
)

// Stats reports cache health and hit counters.
type Stats struct {
	Connected bool  `json:"connected"`
	Keys      int64 `json:"keys"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Errors    int64 `json:"errors"`
}

// HitRate returns the fraction of gets that were hits, in [0,1].
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the narrow contract the pipeline depends on. Implementations
// never return errors: backend failures are logged and surfaced as misses.
type Cache interface {
	// Get returns the value for key, or ok=false on miss or backend failure.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key with the given TTL. Failures are silent.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes a single key.
	Delete(ctx context.Context, key string)

	// Invalidate removes all keys matching a glob pattern (e.g. "query:*")
	// and returns the number of keys removed.
	Invalidate(ctx context.Context, pattern string) int

	// Stats reports counters for observability.
	Stats(ctx context.Context) Stats
}
