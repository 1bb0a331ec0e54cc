package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("delay grows and is capped", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, 300*time.Millisecond, 2, 5)
		policy.Jitter = false

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 300*time.Millisecond, policy.NextDelay(2))
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 5)
		for i := 0; i < 50; i++ {
			d := policy.NextDelay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("classifier and permanent errors stop retries", func(t *testing.T) {
		transient := errors.New("transient")
		policy := NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 3).
			WithClassifier(func(err error) bool { return errors.Is(err, transient) })

		ok, _ := policy.ShouldRetry(0, transient)
		assert.True(t, ok)
		ok, _ = policy.ShouldRetry(0, errors.New("other"))
		assert.False(t, ok)
		ok, _ = policy.ShouldRetry(0, Permanent(transient))
		assert.False(t, ok)
		ok, _ = policy.ShouldRetry(3, transient)
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "op", NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errors.New("again")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up with a RetryError", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Retry(context.Background(), "publish", NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return boom
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, "publish", retryErr.Op)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 3, calls)
	})

	t.Run("non retryable error is returned unchanged", func(t *testing.T) {
		boom := errors.New("boom")
		err := Retry(context.Background(), "op", NewFixedDelay(time.Millisecond, 2), func() error {
			return Permanent(boom)
		})

		var retryErr *RetryError
		assert.False(t, errors.As(err, &retryErr))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("context cancellation stops waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := Retry(ctx, "op", NewFixedDelay(time.Hour, 5), func() error {
			cancel()
			return errors.New("fail")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
