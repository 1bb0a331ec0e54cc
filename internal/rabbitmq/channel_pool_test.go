package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelPool(t *testing.T) {
	ctx := context.Background()

	t.Run("requires an opener", func(t *testing.T) {
		_, err := NewChannelPool(nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("validates sizes", func(t *testing.T) {
		_, err := NewChannelPool(newFakeBroker().opener(), WithMaxSize(0))
		assert.ErrorIs(t, err, ErrInvalidConfig)
		_, err = NewChannelPool(newFakeBroker().opener(), WithMaxSize(2), WithMinSize(3))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("reuses returned channels", func(t *testing.T) {
		broker := newFakeBroker()
		pool, err := NewChannelPool(broker.opener(), WithMinSize(1), WithMaxSize(2))
		require.NoError(t, err)
		defer pool.Close()

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		first := ch.ID()
		pool.Put(ch)

		ch, err = pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, ch.ID())
		assert.Equal(t, 1, pool.Size())
		assert.Equal(t, 1, broker.opened)
	})

	t.Run("skips closed channels", func(t *testing.T) {
		pool, err := NewChannelPool(newFakeBroker().opener(), WithMinSize(1), WithMaxSize(2))
		require.NoError(t, err)
		defer pool.Close()

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		require.NoError(t, ch.Close())
		pool.Put(ch)
		assert.Equal(t, 0, pool.Size())

		ch, err = pool.Get(ctx)
		require.NoError(t, err)
		assert.False(t, ch.IsClosed())
	})

	t.Run("waits when exhausted", func(t *testing.T) {
		pool, err := NewChannelPool(newFakeBroker().opener(), WithMinSize(0), WithMaxSize(1))
		require.NoError(t, err)
		defer pool.Close()

		held, err := pool.Get(ctx)
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = pool.Get(short)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		go func() {
			time.Sleep(10 * time.Millisecond)
			pool.Put(held)
		}()
		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, held.ID(), ch.ID())
	})

	t.Run("discards channels after a failed execute", func(t *testing.T) {
		pool, err := NewChannelPool(newFakeBroker().opener(), WithMinSize(1), WithMaxSize(2))
		require.NoError(t, err)
		defer pool.Close()

		err = pool.Execute(ctx, func(Channel) error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 0, pool.Size())

		err = pool.Execute(ctx, func(Channel) error { panic("kaboom") })
		assert.ErrorContains(t, err, "kaboom")
		assert.Equal(t, 0, pool.Size())

		require.NoError(t, pool.Execute(ctx, func(Channel) error { return nil }))
		assert.Equal(t, 1, pool.Size())
	})

	t.Run("closed pool refuses work", func(t *testing.T) {
		pool, err := NewChannelPool(newFakeBroker().opener())
		require.NoError(t, err)
		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
		assert.Equal(t, 0, pool.Size())
	})
}
