package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/mmate-gateway/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var listing = []store.CollectionInfo{
	{Name: "entities", Type: "collection"},
	{Name: "workitems", Type: "collection"},
}

// setupMiniRedis creates a miniredis server for testing.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestMemory(t *testing.T) {
	t.Run("miss then hit", func(t *testing.T) {
		c := NewMemory(time.Minute, nil)
		ctx := context.Background()

		_, err := c.Get(ctx, "tok")
		assert.ErrorIs(t, err, ErrCacheMiss)

		require.NoError(t, c.Set(ctx, "tok", listing))
		got, err := c.Get(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, listing, got)

		_, err = c.Get(ctx, "other")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("whole cache resets after ttl", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewMemory(time.Minute, func() time.Time { return now })
		ctx := context.Background()

		require.NoError(t, c.Set(ctx, "a", listing))
		now = now.Add(30 * time.Second)
		require.NoError(t, c.Set(ctx, "b", listing))
		assert.Equal(t, 2, c.Len())

		now = now.Add(31 * time.Second)
		_, err := c.Get(ctx, "b")
		assert.ErrorIs(t, err, ErrCacheMiss)
		assert.Zero(t, c.Len())
	})

	t.Run("returned slices are copies", func(t *testing.T) {
		c := NewMemory(time.Minute, nil)
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "tok", listing))

		got, _ := c.Get(ctx, "tok")
		got[0].Name = "changed"

		again, _ := c.Get(ctx, "tok")
		assert.Equal(t, "entities", again[0].Name)
	})
}

func TestRedis(t *testing.T) {
	t.Run("round trip through redis", func(t *testing.T) {
		mr, client := setupMiniRedis(t)
		c := NewRedis(client, time.Minute)
		ctx := context.Background()

		_, err := c.Get(ctx, "tok")
		assert.ErrorIs(t, err, ErrCacheMiss)

		require.NoError(t, c.Set(ctx, "tok", listing))
		got, err := c.Get(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, listing, got)

		keys := mr.Keys()
		require.Len(t, keys, 1)
		assert.NotContains(t, keys[0], "tok")
		assert.Equal(t, defaultKeyPrefix+HashKey("tok"), keys[0])
	})

	t.Run("entries expire", func(t *testing.T) {
		mr, client := setupMiniRedis(t)
		c := NewRedis(client, time.Minute, WithKeyPrefix("test:"))
		ctx := context.Background()

		require.NoError(t, c.Set(ctx, "tok", listing))
		mr.FastForward(2 * time.Minute)

		_, err := c.Get(ctx, "tok")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("unreachable redis surfaces an error", func(t *testing.T) {
		mr, client := setupMiniRedis(t)
		c := NewRedis(client, time.Minute)
		mr.Close()

		_, err := c.Get(context.Background(), "tok")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrCacheMiss)
	})
}
