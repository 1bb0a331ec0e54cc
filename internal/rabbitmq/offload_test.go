package rabbitmq

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFunc func(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error)

func (f executorFunc) Execute(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error) {
	return f(ctx, env)
}

func newOffloadPair(t *testing.T, fake *fakeBroker, exec Executor, opts ...OffloaderOption) (*Offloader, context.CancelFunc) {
	t.Helper()
	pool := newTestPool(t, fake)
	topology := NewTopologyManager(pool)
	pub := NewPublisher(pool)

	offloader := NewOffloader(topology, pub, NewConsumer(fake.opener(), WithAckStrategy(AckAlways)), opts...)
	require.NoError(t, offloader.Start(context.Background()))
	t.Cleanup(func() { _ = offloader.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	if exec != nil {
		worker := NewWorker(topology, pub, NewConsumer(fake.opener()), exec)
		go func() { _ = worker.Run(ctx) }()
		require.True(t, eventually(func() bool { return fake.consumerCount(DefaultWorkQueue) == 1 }))
	}
	t.Cleanup(cancel)
	return offloader, cancel
}

func TestOffload(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through a worker", func(t *testing.T) {
		fake := newFakeBroker()
		var executed atomic.Int32
		offloader, _ := newOffloadPair(t, fake, executorFunc(func(_ context.Context, env contracts.Envelope) (contracts.Envelope, error) {
			executed.Add(1)
			return env.Reply("").WithData(map[string]any{"result": env.Command})
		}))

		req := contracts.FromCommand("query")
		req.JWT = "token"
		reply, err := offloader.SendForProcessing(ctx, req, 3)
		require.NoError(t, err)
		assert.Equal(t, req.ID, reply.ReplyTo)
		assert.JSONEq(t, `{"result":"query"}`, string(reply.Data))
		assert.Equal(t, int32(1), executed.Load())
		assert.Equal(t, 0, offloader.Pending())

		work := fake.publishedTo(DefaultWorkQueue)
		require.Len(t, work, 1)
		assert.Equal(t, uint8(3), work[0].Msg.Priority)
		assert.Equal(t, req.ID, work[0].Msg.CorrelationId)
		assert.True(t, eventually(func() bool { return fake.ackState(1) == "ack" }))
	})

	t.Run("declares the work queue topology", func(t *testing.T) {
		fake := newFakeBroker()
		newOffloadPair(t, fake, nil)
		q, ok := fake.queue(DefaultWorkQueue)
		require.True(t, ok)
		assert.Equal(t, int32(MaxPriority), q.args["x-max-priority"])
		_, ok = fake.queue(DefaultWorkQueue + ".dlq")
		assert.True(t, ok)
	})

	t.Run("commands a worker refuses get an error reply", func(t *testing.T) {
		fake := newFakeBroker()
		offloader, _ := newOffloadPair(t, fake, executorFunc(func(_ context.Context, env contracts.Envelope) (contracts.Envelope, error) {
			return contracts.Envelope{}, fmt.Errorf("%w: %s", messaging.ErrNotOffloadable, env.Command)
		}))

		reply, err := offloader.SendForProcessing(ctx, contracts.FromCommand("registerqueue"), 1)
		require.NoError(t, err)
		assert.Equal(t, "error", reply.Command)
		assert.Contains(t, string(reply.Data), "registerqueue")
	})

	t.Run("failed executions are requeued", func(t *testing.T) {
		fake := newFakeBroker()
		var attempts atomic.Int32
		offloader, _ := newOffloadPair(t, fake, executorFunc(func(_ context.Context, env contracts.Envelope) (contracts.Envelope, error) {
			attempts.Add(1)
			return contracts.Envelope{}, errBoom
		}), WithOffloadTimeout(50*time.Millisecond))

		_, err := offloader.SendForProcessing(ctx, contracts.FromCommand("query"), 1)
		assert.ErrorIs(t, err, ErrOffloadTimeout)
		assert.Equal(t, "requeue", fake.ackState(1))
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("times out without a worker", func(t *testing.T) {
		fake := newFakeBroker()
		offloader, _ := newOffloadPair(t, fake, nil, WithOffloadTimeout(20*time.Millisecond))

		_, err := offloader.SendForProcessing(ctx, contracts.FromCommand("query"), 1)
		assert.ErrorIs(t, err, ErrOffloadTimeout)
		assert.Equal(t, 0, offloader.Pending())
	})

	t.Run("honours the caller's context", func(t *testing.T) {
		fake := newFakeBroker()
		offloader, _ := newOffloadPair(t, fake, nil)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := offloader.SendForProcessing(short, contracts.FromCommand("query"), 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("not started", func(t *testing.T) {
		fake := newFakeBroker()
		pool := newTestPool(t, fake)
		offloader := NewOffloader(NewTopologyManager(pool), NewPublisher(pool), NewConsumer(fake.opener()))
		_, err := offloader.SendForProcessing(ctx, contracts.FromCommand("query"), 1)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("worker stops with its context", func(t *testing.T) {
		fake := newFakeBroker()
		pool := newTestPool(t, fake)
		worker := NewWorker(NewTopologyManager(pool), NewPublisher(pool), NewConsumer(fake.opener()),
			executorFunc(func(_ context.Context, env contracts.Envelope) (contracts.Envelope, error) { return env, nil }),
			WithWorkerQueue("jobs"))

		ctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- worker.Run(ctx) }()
		require.True(t, eventually(func() bool { return fake.consumerCount("jobs") == 1 }))
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("worker did not stop")
		}
	})

	t.Run("malformed replies are dropped", func(t *testing.T) {
		fake := newFakeBroker()
		offloader, _ := newOffloadPair(t, fake, nil)
		pub := NewPublisher(newTestPool(t, fake))
		require.NoError(t, pub.Publish(ctx, "", offloader.replyQueue, amqp.Publishing{CorrelationId: "x", Body: []byte("nope")}))
		assert.True(t, eventually(func() bool { return fake.ackState(1) == "ack" }))
	})
}
