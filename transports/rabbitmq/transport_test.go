package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnector struct {
	mu       sync.Mutex
	declared []string
	consumed []string
	closed   bool
	failOpen bool
}

func (s *stubConnector) OpenChannel() (rabbitmq.Channel, error) {
	if s.failOpen {
		return nil, errors.New("connection refused")
	}
	return &stubChannel{conn: s, deliveries: make(chan amqp.Delivery)}, nil
}

func (s *stubConnector) IsConnected() bool { return !s.closed }

func (s *stubConnector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConnector) queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.declared...)
}

func (s *stubConnector) consuming(queue string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.consumed {
		if q == queue {
			return true
		}
	}
	return false
}

type stubChannel struct {
	conn       *stubConnector
	deliveries chan amqp.Delivery
	once       sync.Once
	closed     atomic.Bool
}

func (c *stubChannel) Qos(int, int, bool) error { return nil }

func (c *stubChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *stubChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if name == "" {
		name = "amq.gen-reply"
	}
	c.conn.mu.Lock()
	c.conn.declared = append(c.conn.declared, name)
	c.conn.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (c *stubChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (c *stubChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.conn.mu.Lock()
	c.conn.consumed = append(c.conn.consumed, queue)
	c.conn.mu.Unlock()
	return c.deliveries, nil
}

func (c *stubChannel) Cancel(string, bool) error {
	c.once.Do(func() { close(c.deliveries) })
	return nil
}

func (c *stubChannel) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	return nil
}

func (c *stubChannel) Confirm(bool) error { return nil }

func (c *stubChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	return confirm
}

func (c *stubChannel) IsClosed() bool { return c.closed.Load() }

func (c *stubChannel) Close() error {
	c.closed.Store(true)
	c.once.Do(func() { close(c.deliveries) })
	return nil
}

type executorFunc func(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error)

func (f executorFunc) Execute(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error) {
	return f(ctx, env)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("without offload", func(t *testing.T) {
		conn := &stubConnector{}
		tr, err := New(ctx, conn, WithChannelPoolSize(2), WithReplyTimeout(time.Second))
		require.NoError(t, err)
		assert.NotNil(t, tr.Broker())
		assert.Nil(t, tr.Offloader())
		assert.NotNil(t, tr.Pool())
		assert.Empty(t, conn.queues())

		require.NoError(t, tr.Close())
		assert.True(t, conn.closed)
	})

	t.Run("offload declares the work queue", func(t *testing.T) {
		conn := &stubConnector{}
		tr, err := New(ctx, conn, WithOffload("jobs", 5*time.Second))
		require.NoError(t, err)
		require.NotNil(t, tr.Offloader())

		assert.Contains(t, conn.queues(), "jobs")
		assert.Contains(t, conn.queues(), "jobs.dlq")
		assert.True(t, conn.consuming("amq.gen-reply"))
		assert.Equal(t, 0, tr.Offloader().Pending())
		require.NoError(t, tr.Close())
	})

	t.Run("default work queue", func(t *testing.T) {
		conn := &stubConnector{}
		tr, err := New(ctx, conn, WithOffload("", 0))
		require.NoError(t, err)
		assert.Contains(t, conn.queues(), rabbitmq.DefaultWorkQueue)
		require.NoError(t, tr.Close())
	})

	t.Run("invalid pool size", func(t *testing.T) {
		_, err := New(ctx, &stubConnector{}, WithChannelPoolSize(0))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfig)
	})

	t.Run("channel failure", func(t *testing.T) {
		_, err := New(ctx, &stubConnector{failOpen: true})
		assert.ErrorContains(t, err, "failed to create channel pool")
	})
}

func TestRunWorker(t *testing.T) {
	conn := &stubConnector{}
	tr, err := New(context.Background(), conn, WithOffload("jobs", time.Second))
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.RunWorker(ctx, executorFunc(func(_ context.Context, env contracts.Envelope) (contracts.Envelope, error) {
			return env.Reply("pong"), nil
		}))
	}()

	require.Eventually(t, func() bool { return conn.consuming("jobs") }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
