package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()}, slog.Default())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedis_SetGet(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)

	got, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %s", got)
	}
}

func TestRedis_MissOnAbsentKey(t *testing.T) {
	c, _ := newTestRedis(t)

	if _, ok := c.Get(context.Background(), "nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestRedis_TTLExpiry(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Second)
	mr.FastForward(2 * time.Second)

	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestRedis_InvalidatePattern(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "query:a", []byte("1"), time.Minute)
	c.Set(ctx, "query:b", []byte("2"), time.Minute)
	c.Set(ctx, "emb:x", []byte("3"), time.Minute)

	removed := c.Invalidate(ctx, "query:*")
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Get(ctx, "emb:x"); !ok {
		t.Error("unrelated key was invalidated")
	}
}

func TestRedis_DegradesToMissWhenBackendDown(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	mr.Close()

	// No error escalation: gets miss, sets are silently dropped.
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatal("expected miss with backend down")
	}
	c.Set(ctx, "k2", []byte("v2"), time.Minute)
	c.Delete(ctx, "k1")
	if n := c.Invalidate(ctx, "*"); n != 0 {
		t.Errorf("expected 0 invalidated with backend down, got %d", n)
	}

	stats := c.Stats(ctx)
	if stats.Connected {
		t.Error("expected stats to report disconnected backend")
	}
	if stats.Errors == 0 {
		t.Error("expected error counter to increase")
	}
}

func TestRedis_StatsCounters(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	c.Get(ctx, "k1")
	c.Get(ctx, "absent")

	stats := c.Stats(ctx)
	if !stats.Connected {
		t.Error("expected connected")
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
	if stats.HitRate() != 0.5 {
		t.Errorf("expected hit rate 0.5, got %g", stats.HitRate())
	}
}
