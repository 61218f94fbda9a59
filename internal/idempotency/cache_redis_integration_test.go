//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dartachalani/pkg/testutil/containers"
)

func TestCacheAgainstRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	rc := containers.NewRedisContainer(t)
	ctx := context.Background()

	t.Run("set then get round-trips", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		cache := NewCache(rc.Client, time.Minute)

		digest := Digest("darta.create", "cache-key")
		cache.Set(ctx, digest, "entity-1")
		assert.Equal(t, "entity-1", cache.Get(ctx, digest))
	})

	t.Run("miss returns empty", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		cache := NewCache(rc.Client, time.Minute)
		assert.Empty(t, cache.Get(ctx, Digest("darta.create", "never-set")))
	})

	t.Run("entries expire with the ttl", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		cache := NewCache(rc.Client, 50*time.Millisecond)

		digest := Digest("chalani.create", "short-lived")
		cache.Set(ctx, digest, "entity-2")
		require.Eventually(t, func() bool {
			return cache.Get(ctx, digest) == ""
		}, 2*time.Second, 25*time.Millisecond)
	})

	t.Run("nil cache is a no-op", func(t *testing.T) {
		cache := NewCache(nil, time.Minute)
		cache.Set(ctx, "d", "e")
		assert.Empty(t, cache.Get(ctx, "d"))
	})
}
