package embedder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/docuchat/ragd/internal/cache"
)

// Cached decorates an Embedder with a long-lived cache keyed on
// (model, text). Embeddings are stable for a given text+model pair, so
// the TTL can be generous. Cache failures fall through to the inner
// embedder silently.
type Cached struct {
	inner  Embedder
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps an embedder with caching under the embedding TTL class.
func NewCached(inner Embedder, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{inner: inner, cache: c, ttl: ttl, logger: logger}
}

// Embed returns a cached vector when available, otherwise computes and stores it.
func (e *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey(e.inner.ModelName(), text)

	if raw, ok := e.cache.Get(ctx, key); ok {
		var vec []float32
		if err := json.Unmarshal(raw, &vec); err == nil && len(vec) > 0 {
			return vec, nil
		}
		// Corrupt entry: drop it and recompute.
		e.cache.Delete(ctx, key)
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(vec); err == nil {
		e.cache.Set(ctx, key, raw, e.ttl)
	} else {
		e.logger.Warn("failed to marshal embedding for cache", "error", err)
	}

	return vec, nil
}

// EmbedBatch embeds each text through the per-text cache.
func (e *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimension returns the inner embedder's dimensionality.
func (e *Cached) Dimension() int { return e.inner.Dimension() }

// ModelName returns the inner embedder's model name.
func (e *Cached) ModelName() string { return e.inner.ModelName() }

// Ensure Cached implements Embedder interface.
var _ Embedder = (*Cached)(nil)
