package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is an optional Redis fast path in front of the durable index. A nil
// Cache is a no-op, so wiring stays unconditional while Redis itself is
// optional infrastructure.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps a Redis client; pass nil when Redis is not configured.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached entity ID for a digest, or "" on miss or error.
// Cache failures are never surfaced; the durable index is authoritative.
func (c *Cache) Get(ctx context.Context, digest string) string {
	if c == nil {
		return ""
	}
	val, err := c.client.Get(ctx, "idem:"+digest).Result()
	if err != nil {
		return ""
	}
	return val
}

// Set records a digest → entity ID binding with the cache TTL.
func (c *Cache) Set(ctx context.Context, digest, entityID string) {
	if c == nil {
		return
	}
	_ = c.client.Set(ctx, "idem:"+digest, entityID, c.ttl).Err()
}
