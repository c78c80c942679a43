package cache

import (
	"context"
	"time"
)

// Noop is the cache used when no backend is configured or the backend is
// unreachable at startup. Every get is a miss and every write is discarded.
type Noop struct{}

// NewNoop returns a cache that stores nothing.
func NewNoop() Noop { return Noop{} }

func (Noop) Get(ctx context.Context, key string) ([]byte, bool)            { return nil, false }
func (Noop) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {}
func (Noop) Delete(ctx context.Context, key string)                        {}
func (Noop) Invalidate(ctx context.Context, pattern string) int            { return 0 }
func (Noop) Stats(ctx context.Context) Stats                               { return Stats{} }

// Ensure Noop implements Cache.
var _ Cache = Noop{}
