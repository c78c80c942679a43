package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on top of a Redis backend.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// RedisConfig holds connection settings for the Redis cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection. Callers should
// fall back to Noop when this fails; a missing cache is not fatal.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, logger: logger}, nil
}

// Get returns the cached value, or a miss on absence or backend failure.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.errs.Add(1)
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Set stores the value with a TTL. Backend failures are logged, not returned.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// Delete removes a single key.
func (c *Redis) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}

// Invalidate removes all keys matching pattern using SCAN, so large
// keyspaces are not blocked the way KEYS would.
func (c *Redis) Invalidate(ctx context.Context, pattern string) int {
	var removed int
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.errs.Add(1)
			c.logger.Warn("cache invalidate failed", "key", iter.Val(), "error", err)
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache scan failed", "pattern", pattern, "error", err)
	}
	return removed
}

// Stats reports hit/miss counters and current key count.
func (c *Redis) Stats(ctx context.Context) Stats {
	stats := Stats{
		Connected: true,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Errors:    c.errs.Load(),
	}
	keys, err := c.client.DBSize(ctx).Result()
	if err != nil {
		stats.Connected = false
	} else {
		stats.Keys = keys
	}
	return stats
}

// Close releases the underlying connection pool.
func (c *Redis) Close() error {
	return c.client.Close()
}

// Ensure Redis implements Cache.
var _ Cache = (*Redis)(nil)
