package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationTracker(t *testing.T) {
	t.Run("Track validates its arguments", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		noop := func(contracts.Envelope, error) {}

		assert.Error(t, tracker.Track(contracts.Envelope{}, noop))
		assert.Error(t, tracker.Track(contracts.FromCommand("x"), nil))

		env := contracts.FromCommand("x")
		require.NoError(t, tracker.Track(env, noop))
		assert.ErrorContains(t, tracker.Track(env, noop), "request already tracked")
		assert.Equal(t, 1, tracker.Len())
	})

	t.Run("Resolve fulfils once", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		skeleton, err := contracts.FromCommand("queuemessage").WithData(map[string]any{"queuename": "q", "data": 1})
		require.NoError(t, err)

		var calls int
		var got contracts.Envelope
		require.NoError(t, tracker.Track(skeleton, func(reply contracts.Envelope, err error) {
			calls++
			got = reply
			assert.NoError(t, err)
		}))

		reply, err := skeleton.Reply("").WithData(map[string]any{"data": 2})
		require.NoError(t, err)

		assert.True(t, tracker.Resolve(reply))
		assert.False(t, tracker.Resolve(reply))
		assert.Equal(t, 1, calls)
		assert.Equal(t, skeleton.ID, got.ReplyTo)
		assert.JSONEq(t, `{"queuename":"q","data":2}`, string(got.Data))
		assert.Zero(t, tracker.Len())
	})

	t.Run("non-object replies replace the payload", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		skeleton, err := contracts.FromCommand("x").WithData(map[string]any{"a": 1})
		require.NoError(t, err)
		var got contracts.Envelope
		require.NoError(t, tracker.Track(skeleton, func(reply contracts.Envelope, _ error) { got = reply }))

		reply, err := skeleton.Reply("").WithData([]int{1, 2})
		require.NoError(t, err)
		tracker.Resolve(reply)

		assert.JSONEq(t, `[1,2]`, string(got.Data))
	})

	t.Run("Flush abandons everything", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		reason := errors.New("closed")
		var errs []error
		for i := 0; i < 3; i++ {
			require.NoError(t, tracker.Track(contracts.FromCommand("x"), func(_ contracts.Envelope, err error) {
				errs = append(errs, err)
			}))
		}

		assert.Equal(t, 3, tracker.Flush(reason))
		assert.Len(t, errs, 3)
		for _, err := range errs {
			assert.ErrorIs(t, err, reason)
		}
		assert.Zero(t, tracker.Len())
	})

	t.Run("Pending reports sent requests", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		env := contracts.FromCommand("x")
		require.NoError(t, tracker.Track(env, func(contracts.Envelope, error) {}))

		pending := tracker.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, RequestStatusSent, pending[0].Status)
		assert.Equal(t, env.ID, pending[0].Skeleton.ID)
	})
}

func TestConnectionRequest(t *testing.T) {
	t.Run("Request waits for the correlated reply", func(t *testing.T) {
		var conn *Connection
		sender := SenderFunc(func(_ context.Context, env contracts.Envelope) error {
			go func() {
				reply, _ := env.Reply("").WithData(map[string]string{"answer": "42"})
				conn.Tracker().Resolve(reply)
			}()
			return nil
		})
		conn = NewConnection(sender)

		req, err := contracts.FromCommand("queuemessage").WithData(map[string]string{"question": "?"})
		require.NoError(t, err)
		reply, err := conn.Request(context.Background(), req)

		require.NoError(t, err)
		assert.Equal(t, req.ID, reply.ReplyTo)
		assert.JSONEq(t, `{"question":"?","answer":"42"}`, string(reply.Data))
	})

	t.Run("Request is abandoned when ctx ends", func(t *testing.T) {
		conn := NewConnection(SenderFunc(func(context.Context, contracts.Envelope) error { return nil }))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := conn.Request(ctx, contracts.FromCommand("x"))

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, conn.Tracker().Len())
	})

	t.Run("Close flushes outstanding requests", func(t *testing.T) {
		sender := &recordingSender{}
		conn := NewConnection(sender)
		done := make(chan error, 1)
		go func() {
			_, err := conn.Request(context.Background(), contracts.FromCommand("x"))
			done <- err
		}()
		require.Eventually(t, func() bool { return conn.Tracker().Len() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, conn.Close())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("request not released")
		}
		assert.True(t, sender.Closed())
		assert.True(t, conn.Devnull())
		assert.ErrorIs(t, conn.Send(context.Background(), contracts.FromCommand("x")), ErrConnectionClosed)
	})
}

func TestConnectionTasks(t *testing.T) {
	t.Run("tasks run sequentially in order", func(t *testing.T) {
		conn := NewConnection(&recordingSender{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go conn.Run(ctx)

		results := make(chan int, 3)
		for i := 0; i < 3; i++ {
			i := i
			require.NoError(t, conn.Enqueue(func(context.Context) { results <- i }))
		}

		for want := 0; want < 3; want++ {
			select {
			case got := <-results:
				assert.Equal(t, want, got)
			case <-time.After(time.Second):
				t.Fatal("task did not run")
			}
		}
	})

	t.Run("full queue is reported", func(t *testing.T) {
		conn := NewConnection(&recordingSender{}, WithQueueSize(1))
		require.NoError(t, conn.Enqueue(func(context.Context) {}))
		assert.ErrorIs(t, conn.Enqueue(func(context.Context) {}), ErrQueueFull)
	})

	t.Run("closed connection refuses work", func(t *testing.T) {
		conn := NewConnection(&recordingSender{})
		require.NoError(t, conn.Close())
		assert.ErrorIs(t, conn.Enqueue(func(context.Context) {}), ErrConnectionClosed)
	})
}
