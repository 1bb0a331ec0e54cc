package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks on success and requeues on error.
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual leaves acknowledgment to the handler.
	AckManual
)

// Consumer starts subscriptions. Every subscription owns a channel, so a
// slow handler never holds up publishes.
type Consumer struct {
	open           ChannelOpener
	prefetchCount  int
	exclusive      bool
	strategy       AcknowledgmentStrategy
	handlerTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	active map[string]*Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithAckStrategy sets how deliveries are acknowledged.
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(open ChannelOpener, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		open:           open,
		prefetchCount:  10,
		strategy:       AckOnSuccess,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		active:         make(map[string]*Subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscription is a running consumer on one queue.
type Subscription struct {
	Queue string
	Tag   string

	channel Channel
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Done is closed when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe starts consuming queue. The subscription stops when ctx ends,
// when Cancel is called or when the broker closes the delivery channel.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (*Subscription, error) {
	tag := uuid.NewString()
	ch, err := c.open()
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "open channel", Err: err}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "set qos", Err: err}
	}
	deliveries, err := ch.Consume(queue, tag, false, c.exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:   queue,
		Tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.active[tag] = sub
	c.mu.Unlock()

	go c.processMessages(subCtx, sub, deliveries, handler)
	c.logger.Info("subscribed to queue", "queue", queue, "consumertag", tag, "prefetchcount", c.prefetchCount)
	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		_ = sub.channel.Close()
		c.mu.Lock()
		delete(c.active, sub.Tag)
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumertag", sub.Tag)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				return
			}
			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message", "error", err, "queue", sub.Queue, "messageid", delivery.MessageId)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in message handler")
			c.logger.Error("message handler panicked", "panic", r)
		}
		c.acknowledge(delivery, err)
	}()
	return handler(msgCtx, delivery)
}

func (c *Consumer) acknowledge(delivery amqp.Delivery, err error) {
	var ackErr error
	switch c.strategy {
	case AckManual:
		return
	case AckAlways:
		ackErr = delivery.Ack(false)
	default:
		if err != nil {
			ackErr = delivery.Nack(false, true)
		} else {
			ackErr = delivery.Ack(false)
		}
	}
	if ackErr != nil {
		c.logger.Error("failed to acknowledge message", "error", ackErr, "originalerror", err)
	}
}

// Cancel stops the subscription and waits for its handler loop to exit.
func (c *Consumer) Cancel(sub *Subscription) error {
	var err error
	sub.once.Do(func() {
		if cerr := sub.channel.Cancel(sub.Tag, false); cerr != nil && !sub.channel.IsClosed() {
			err = &ConsumerError{Queue: sub.Queue, ConsumerTag: sub.Tag, Op: "cancel", Err: cerr}
		}
		sub.cancel()
	})
	<-sub.done
	return err
}

// CancelAll stops every active subscription.
func (c *Consumer) CancelAll() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.active))
	for _, sub := range c.active {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := c.Cancel(sub); err != nil {
				c.logger.Error("failed to cancel consumer", "queue", sub.Queue, "error", err)
			}
		}(sub)
	}
	wg.Wait()
}

// Active returns the number of running subscriptions.
func (c *Consumer) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
