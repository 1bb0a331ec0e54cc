package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes through the channel pool, optionally waiting for
// broker confirms, and retries transient failures.
type Publisher struct {
	pool           *ChannelPool
	confirm        bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	retry          reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublishRetry sets the retry policy for transient failures.
func WithPublishRetry(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retry = policy
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithConfirmMode puts publishing channels in confirm mode.
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// NewPublisher creates a publisher over pool with confirms on. A publish
// waits at most 5s for its confirm and 10s overall when ctx has no deadline.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		retry:          reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 3).WithClassifier(IsRetryable),
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to exchange with routingKey.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	err := reliability.Retry(ctx, "publish", p.retry, func() error {
		return p.publishOnce(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		p.logger.Error("failed to publish", "exchange", exchange, "routingkey", routingKey, "error", err)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	if p.confirm && !ch.confirm {
		if err := ch.Confirm(false); err != nil {
			p.pool.Discard(ch)
			return &ChannelError{Op: "enable confirms", ChannelID: ch.id, Err: err}
		}
		ch.confirm = true
		ch.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.pool.Discard(ch)
		return err
	}
	if !p.confirm {
		p.pool.Put(ch)
		return nil
	}

	select {
	case confirm, ok := <-ch.confirms:
		if !ok {
			p.pool.Discard(ch)
			return ErrConnectionClosed
		}
		p.pool.Put(ch)
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil
	case <-time.After(p.confirmTimeout):
		// a late confirm would be read by the next publish on this channel
		p.pool.Discard(ch)
		return ErrPublishTimeout
	case <-ctx.Done():
		p.pool.Discard(ch)
		return ctx.Err()
	}
}
