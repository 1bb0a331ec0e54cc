package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDelivery is the payload of the queuemessage request a client receives
// for every delivery on one of its registered queues. The client answers
// with a reply whose data, or data.data when present, is published to the
// delivery's reply-to queue.
type QueueDelivery struct {
	QueueName     string          `json:"queuename"`
	Exchange      string          `json:"exchange,omitempty"`
	RoutingKey    string          `json:"routingkey,omitempty"`
	ReplyTo       string          `json:"replyto,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ConsumerTag   string          `json:"consumertag,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Broker bridges client connections to RabbitMQ. It implements
// messaging.QueueClient.
type Broker struct {
	topology     *TopologyManager
	publisher    *Publisher
	consumer     *Consumer
	replyTimeout time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	bindings map[string]map[string]*Subscription
}

var _ messaging.QueueClient = (*Broker)(nil)

// BrokerOption configures the broker
type BrokerOption func(*Broker)

// WithReplyTimeout bounds how long a client may take to answer a delivery
// that carries a reply-to.
func WithReplyTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		b.replyTimeout = timeout
	}
}

// WithBrokerLogger sets the logger
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker. consumer should use AckAlways so a delivery
// is settled once it has been handed to the client.
func NewBroker(topology *TopologyManager, publisher *Publisher, consumer *Consumer, options ...BrokerOption) *Broker {
	b := &Broker{
		topology:     topology,
		publisher:    publisher,
		consumer:     consumer,
		replyTimeout: 30 * time.Second,
		logger:       slog.Default(),
		bindings:     make(map[string]map[string]*Subscription),
	}
	for _, opt := range options {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// RegisterQueue declares queue and forwards its deliveries to conn.
func (b *Broker) RegisterQueue(ctx context.Context, conn *messaging.Connection, queue string) (string, error) {
	q, err := b.topology.DeclareQueue(ctx, QueueDeclaration{
		Name:       queue,
		AutoDelete: true,
		Exclusive:  queue == "",
	})
	if err != nil {
		return "", err
	}
	if err := b.subscribe(conn, q.Name); err != nil {
		return "", err
	}
	return q.Name, nil
}

// RegisterExchange declares exchange and, when addQueue is set, a server
// named queue bound with routingKey and forwarded to conn.
func (b *Broker) RegisterExchange(ctx context.Context, conn *messaging.Connection, exchange, algorithm, routingKey string, addQueue bool) (string, error) {
	kind, err := ExchangeKind(algorithm)
	if err != nil {
		return "", err
	}
	if err := b.topology.DeclareExchange(ctx, ExchangeDeclaration{Name: exchange, Type: kind}); err != nil {
		return "", err
	}
	if !addQueue {
		return "", nil
	}
	q, err := b.topology.DeclareQueue(ctx, QueueDeclaration{AutoDelete: true, Exclusive: true})
	if err != nil {
		return "", err
	}
	if err := b.topology.BindQueue(ctx, Binding{Queue: q.Name, Exchange: exchange, RoutingKey: routingKey}); err != nil {
		return "", err
	}
	if err := b.subscribe(conn, q.Name); err != nil {
		return "", err
	}
	return q.Name, nil
}

// CloseConsumer stops forwarding queue to conn.
func (b *Broker) CloseConsumer(ctx context.Context, conn *messaging.Connection, queue string) error {
	b.mu.Lock()
	sub, ok := b.bindings[conn.ID()][queue]
	if ok {
		delete(b.bindings[conn.ID()], queue)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConsumer, queue)
	}
	return b.consumer.Cancel(sub)
}

// Send publishes msg without a reply address.
func (b *Broker) Send(ctx context.Context, msg messaging.OutboundMessage) error {
	msg.ReplyTo = ""
	return b.publish(ctx, msg)
}

// SendWithReplyTo publishes msg with msg.ReplyTo as reply address.
func (b *Broker) SendWithReplyTo(ctx context.Context, msg messaging.OutboundMessage) error {
	if msg.ReplyTo == "" {
		return fmt.Errorf("%w: replyto is required", ErrInvalidConfig)
	}
	return b.publish(ctx, msg)
}

func (b *Broker) publish(ctx context.Context, msg messaging.OutboundMessage) error {
	if b.isClosed() {
		return ErrBrokerClosed
	}
	key := msg.RoutingKey
	if msg.Exchange == "" {
		key = msg.Queue
	}
	return b.publisher.Publish(ctx, msg.Exchange, key, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Priority:      clampPriority(msg.Priority),
		Expiration:    expiration(msg.Expiration),
		Body:          msg.Body,
	})
}

// Subscriptions returns the number of queues forwarded to conn.
func (b *Broker) Subscriptions(conn *messaging.Connection) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings[conn.ID()])
}

// Close stops every consumer. Later registrations and publishes fail with
// ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.bindings = make(map[string]map[string]*Subscription)
	b.mu.Unlock()

	b.cancel()
	b.consumer.CancelAll()
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) subscribe(conn *messaging.Connection, queue string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	if _, ok := b.bindings[conn.ID()][queue]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	sub, err := b.consumer.Subscribe(b.ctx, queue, b.forward(conn, queue))
	if err != nil {
		return err
	}

	b.mu.Lock()
	subs, watched := b.bindings[conn.ID()]
	if !watched {
		subs = make(map[string]*Subscription)
		b.bindings[conn.ID()] = subs
	}
	subs[queue] = sub
	b.mu.Unlock()

	if !watched {
		go b.release(conn)
	}
	b.logger.Debug("forwarding queue", "connection", conn.ID(), "queue", queue)
	return nil
}

// release cancels the consumers of conn once it closes.
func (b *Broker) release(conn *messaging.Connection) {
	select {
	case <-conn.Done():
	case <-b.ctx.Done():
		return
	}
	b.mu.Lock()
	subs := b.bindings[conn.ID()]
	delete(b.bindings, conn.ID())
	b.mu.Unlock()

	for queue, sub := range subs {
		if err := b.consumer.Cancel(sub); err != nil {
			b.logger.Warn("failed to close consumer", "connection", conn.ID(), "queue", queue, "error", err)
		}
	}
}

func (b *Broker) forward(conn *messaging.Connection, queue string) MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		data := json.RawMessage(d.Body)
		if !json.Valid(d.Body) {
			data, _ = json.Marshal(string(d.Body))
		}
		env, err := contracts.FromCommand("queuemessage").WithData(QueueDelivery{
			QueueName:     queue,
			Exchange:      d.Exchange,
			RoutingKey:    d.RoutingKey,
			ReplyTo:       d.ReplyTo,
			CorrelationID: d.CorrelationId,
			ConsumerTag:   d.ConsumerTag,
			Data:          data,
		})
		if err != nil {
			return err
		}
		if d.ReplyTo == "" {
			return conn.Send(ctx, env)
		}

		reqCtx, cancel := context.WithTimeout(ctx, b.replyTimeout)
		defer cancel()
		reply, err := conn.Request(reqCtx, env)
		if err != nil {
			return fmt.Errorf("failed to forward delivery from %s: %w", queue, err)
		}
		return b.publisher.Publish(ctx, "", d.ReplyTo, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: d.CorrelationId,
			Body:          replyBody(reply),
		})
	}
}

func replyBody(reply contracts.Envelope) []byte {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(reply.Data, &wrapped); err == nil && len(wrapped.Data) > 0 {
		return wrapped.Data
	}
	if len(reply.Data) == 0 {
		return []byte("null")
	}
	return reply.Data
}

func clampPriority(p int) uint8 {
	switch {
	case p < 0:
		return 0
	case p > MaxPriority:
		return MaxPriority
	}
	return uint8(p)
}

func expiration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}
