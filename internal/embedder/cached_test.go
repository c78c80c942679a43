package embedder

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/docuchat/ragd/internal/cache"
)

// countingEmbedder records how many times Embed is called.
type countingEmbedder struct {
	calls int
	vec   []float32
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *countingEmbedder) Dimension() int    { return len(e.vec) }
func (e *countingEmbedder) ModelName() string { return "test-model" }

func TestCached_SecondCallHitsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(context.Background(), cache.RedisConfig{Addr: mr.Addr()}, slog.Default())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}

	inner := &countingEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	cached := NewCached(inner, c, time.Hour, slog.Default())

	ctx := context.Background()
	first, err := cached.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := cached.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if inner.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.calls)
	}
	if len(first) != len(second) {
		t.Fatalf("vector length mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d: %g vs %g", i, first[i], second[i])
		}
	}
}

func TestCached_DifferentTextMisses(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(context.Background(), cache.RedisConfig{Addr: mr.Addr()}, slog.Default())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}

	inner := &countingEmbedder{vec: []float32{1}}
	cached := NewCached(inner, c, time.Hour, slog.Default())

	ctx := context.Background()
	if _, err := cached.Embed(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.Embed(ctx, "two"); err != nil {
		t.Fatal(err)
	}

	if inner.calls != 2 {
		t.Errorf("expected 2 inner calls, got %d", inner.calls)
	}
}

func TestCached_NoopCacheAlwaysComputes(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{1}}
	cached := NewCached(inner, cache.NewNoop(), time.Hour, slog.Default())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cached.Embed(ctx, "same"); err != nil {
			t.Fatal(err)
		}
	}

	if inner.calls != 3 {
		t.Errorf("expected 3 inner calls with noop cache, got %d", inner.calls)
	}
}
