package rabbitmq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, broker *fakeBroker) *ChannelPool {
	t.Helper()
	pool, err := NewChannelPool(broker.opener(), WithMinSize(0), WithMaxSize(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	fastRetry := WithPublishRetry(&reliability.FixedDelay{Delay: time.Millisecond, MaxAttempts: 1, Retryable: IsRetryable})

	t.Run("waits for the confirm", func(t *testing.T) {
		broker := newFakeBroker()
		broker.queues["q"] = &fakeQueue{name: "q"}
		pub := NewPublisher(newTestPool(t, broker))

		require.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{Body: []byte(`{"a":1}`)}))
		require.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{Body: []byte(`{"a":2}`)}))

		published := broker.publishedTo("q")
		require.Len(t, published, 2)
		assert.False(t, published[0].Msg.Timestamp.IsZero())
		q, _ := broker.queue("q")
		assert.Len(t, q.backlog, 2)
	})

	t.Run("retries a nacked publish then gives up", func(t *testing.T) {
		broker := newFakeBroker()
		broker.nackAll = true
		pub := NewPublisher(newTestPool(t, broker), fastRetry)

		err := pub.Publish(ctx, "", "q", amqp.Publishing{})
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "q", pubErr.RoutingKey)
		assert.ErrorIs(t, err, ErrPublishNotConfirmed)
		assert.Len(t, broker.publishes(), 2)
	})

	t.Run("discards the channel on publish failure", func(t *testing.T) {
		broker := newFakeBroker()
		broker.publishErr = amqp.ErrClosed
		pool := newTestPool(t, broker)
		pub := NewPublisher(pool, fastRetry)

		err := pub.Publish(ctx, "ex", "key", amqp.Publishing{})
		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.Equal(t, 0, pool.Size())
		assert.Equal(t, 2, broker.opened)
	})

	t.Run("without confirms", func(t *testing.T) {
		broker := newFakeBroker()
		broker.nackAll = true
		pub := NewPublisher(newTestPool(t, broker), WithConfirmMode(false))
		assert.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{}))
	})
}

func TestConsumer(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, opts ...ConsumerOption) (*fakeBroker, *Consumer, *Publisher) {
		broker := newFakeBroker()
		broker.queues["q"] = &fakeQueue{name: "q"}
		return broker, NewConsumer(broker.opener(), opts...), NewPublisher(newTestPool(t, broker))
	}

	t.Run("acks handled deliveries and requeues failures", func(t *testing.T) {
		broker, consumer, pub := setup(t)
		var calls atomic.Int32
		sub, err := consumer.Subscribe(ctx, "q", func(_ context.Context, d amqp.Delivery) error {
			calls.Add(1)
			if string(d.Body) == "bad" {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)
		assert.NotEmpty(t, sub.Tag)
		assert.Equal(t, 1, consumer.Active())

		require.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{Body: []byte("good")}))
		require.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{Body: []byte("bad")}))

		require.True(t, eventually(func() bool { return broker.ackState(2) != "" }))
		assert.Equal(t, "ack", broker.ackState(1))
		assert.Equal(t, "requeue", broker.ackState(2))
		assert.Equal(t, int32(2), calls.Load())

		require.NoError(t, consumer.Cancel(sub))
		require.NoError(t, consumer.Cancel(sub))
		assert.Equal(t, 0, consumer.Active())
		assert.Equal(t, 0, broker.consumerCount("q"))
	})

	t.Run("ack always settles failures", func(t *testing.T) {
		broker, consumer, pub := setup(t, WithAckStrategy(AckAlways))
		_, err := consumer.Subscribe(ctx, "q", func(context.Context, amqp.Delivery) error { return errBoom })
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{}))
		assert.True(t, eventually(func() bool { return broker.ackState(1) == "ack" }))
		consumer.CancelAll()
		assert.Equal(t, 0, consumer.Active())
	})

	t.Run("survives a panicking handler", func(t *testing.T) {
		broker, consumer, pub := setup(t)
		_, err := consumer.Subscribe(ctx, "q", func(_ context.Context, d amqp.Delivery) error {
			if string(d.Body) == "panic" {
				panic("handler exploded")
			}
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{Body: []byte("panic")}))
		require.NoError(t, pub.Publish(ctx, "", "q", amqp.Publishing{Body: []byte("fine")}))
		require.True(t, eventually(func() bool { return broker.ackState(2) == "ack" }))
		assert.Equal(t, "requeue", broker.ackState(1))
		consumer.CancelAll()
	})

	t.Run("stops when ctx ends", func(t *testing.T) {
		broker, consumer, _ := setup(t)
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := consumer.Subscribe(subCtx, "q", func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, err)
		cancel()
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription did not stop")
		}
		assert.Equal(t, 0, broker.consumerCount("q"))
	})

	t.Run("unknown queue", func(t *testing.T) {
		_, consumer, _ := setup(t)
		_, err := consumer.Subscribe(ctx, "missing", func(context.Context, amqp.Delivery) error { return nil })
		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)
	})
}
