package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReplyCache(t *testing.T) {
	ctx := context.Background()

	t.Run("returns stored replies", func(t *testing.T) {
		cache := NewMemoryReplyCache(time.Minute)
		require.NoError(t, cache.Set(ctx, "c1", CachedReply{Body: []byte("ok"), ContentType: "text/plain"}))

		reply, ok, err := cache.Get(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "ok", string(reply.Body))

		_, ok, err = cache.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("entries expire after the ttl", func(t *testing.T) {
		now := time.Now()
		cache := NewMemoryReplyCache(time.Second)
		cache.now = func() time.Time { return now }

		require.NoError(t, cache.Set(ctx, "c1", CachedReply{Body: []byte("ok")}))
		now = now.Add(2 * time.Second)

		_, ok, err := cache.Get(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("Set prunes expired entries at most once per ttl", func(t *testing.T) {
		now := time.Now()
		cache := NewMemoryReplyCache(time.Second)
		cache.now = func() time.Time { return now }

		require.NoError(t, cache.Set(ctx, "old", CachedReply{}))
		now = now.Add(500 * time.Millisecond)
		require.NoError(t, cache.Set(ctx, "a", CachedReply{}))
		now = now.Add(600 * time.Millisecond)
		require.NoError(t, cache.Set(ctx, "b", CachedReply{}))
		assert.Equal(t, 2, cache.Len())

		// "a" has expired, but the last prune was less than a ttl ago
		now = now.Add(500 * time.Millisecond)
		require.NoError(t, cache.Set(ctx, "c", CachedReply{}))
		assert.Equal(t, 3, cache.Len())

		_, ok, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		now = now.Add(2 * time.Second)
		require.NoError(t, cache.Set(ctx, "new", CachedReply{}))
		assert.Equal(t, 1, cache.Len())
	})
}
