package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Incr(context.Context, string) *redis.IntCmd
	Expire(context.Context, string, time.Duration) *redis.BoolCmd
}

// RedisCounter keeps counters in Redis so limits hold across instances.
type RedisCounter struct {
	store cmdable
	raw   *redis.Client
}

// NewRedisCounter connects to url and verifies connectivity.
func NewRedisCounter(ctx context.Context, url string) (*RedisCounter, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCounter{store: raw, raw: raw}, nil
}

// IncrWithTTL increments key and sets ttl on the first increment.
func (c *RedisCounter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := c.store.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl > 0 && count == 1 {
		if _, expErr := c.store.Expire(ctx, key, ttl).Result(); expErr != nil {
			return count, expErr
		}
	}
	return count, nil
}

// Ping reports whether Redis is reachable.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.store.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *RedisCounter) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// MemoryCounter is an in-process Counter for development and tests.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter creates an in-process counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memoryEntry), now: time.Now}
}

// IncrWithTTL increments key, resetting it once its TTL has passed.
func (c *MemoryCounter) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		e = &memoryEntry{}
		c.entries[key] = e
	}
	e.count++
	if e.count == 1 && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	// Opportunistic sweep keeps the map bounded.
	if len(c.entries) > 10000 {
		for k, v := range c.entries {
			if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	return e.count, nil
}
