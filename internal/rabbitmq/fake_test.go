package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory stand-in for a RabbitMQ server. Queues buffer
// messages until a consumer attaches; each queue delivers to its consumers
// round robin.
type fakeBroker struct {
	mu         sync.Mutex
	queues     map[string]*fakeQueue
	exchanges  map[string]string
	bindings   map[string][]fakeBinding
	published  []fakePublish
	acks       map[uint64]string
	nextTag    uint64
	nextQueue  int
	opened     int
	nackAll    bool
	publishErr error
}

type fakeQueue struct {
	name      string
	args      amqp.Table
	backlog   []amqp.Delivery
	consumers []*fakeConsumer
	next      int
}

type fakeConsumer struct {
	tag        string
	deliveries chan amqp.Delivery
	channel    *fakeChannel
}

type fakeBinding struct {
	queue string
	key   string
}

type fakePublish struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:    make(map[string]*fakeQueue),
		exchanges: make(map[string]string),
		bindings:  make(map[string][]fakeBinding),
		acks:      make(map[uint64]string),
	}
}

func (b *fakeBroker) opener() ChannelOpener {
	return func() (Channel, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.opened++
		return &fakeChannel{broker: b}, nil
	}
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[tag] = "ack"
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		b.acks[tag] = "requeue"
	} else {
		b.acks[tag] = "nack"
	}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

func (b *fakeBroker) ackState(tag uint64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[tag]
}

func (b *fakeBroker) publishes() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublish(nil), b.published...)
}

func (b *fakeBroker) publishedTo(key string) []fakePublish {
	var out []fakePublish
	for _, p := range b.publishes() {
		if p.Exchange == "" && p.Key == key {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

func (b *fakeBroker) queue(name string) (*fakeQueue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

// route must be called with b.mu held.
func (b *fakeBroker) route(exchange, key string, msg amqp.Publishing) {
	var targets []string
	if exchange == "" {
		targets = []string{key}
	} else {
		kind := b.exchanges[exchange]
		for _, binding := range b.bindings[exchange] {
			if kind == amqp.ExchangeFanout || binding.key == key {
				targets = append(targets, binding.queue)
			}
		}
	}
	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		b.nextTag++
		d := amqp.Delivery{
			Acknowledger:  b,
			DeliveryTag:   b.nextTag,
			Exchange:      exchange,
			RoutingKey:    key,
			ReplyTo:       msg.ReplyTo,
			CorrelationId: msg.CorrelationId,
			Expiration:    msg.Expiration,
			Priority:      msg.Priority,
			Body:          msg.Body,
		}
		if len(q.consumers) == 0 {
			q.backlog = append(q.backlog, d)
			continue
		}
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		d.ConsumerTag = c.tag
		c.deliveries <- d
	}
}

type fakeChannel struct {
	broker   *fakeBroker
	mu       sync.Mutex
	closed   bool
	confirm  bool
	confirms chan amqp.Confirmation
	seq      uint64
}

var _ Channel = (*fakeChannel)(nil)

func (c *fakeChannel) Qos(int, int, bool) error { return c.check() }

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if err := c.check(); err != nil {
		return err
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if existing, ok := c.broker.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"}
	}
	c.broker.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.check(); err != nil {
		return amqp.Queue{}, err
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if name == "" {
		c.broker.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", c.broker.nextQueue)
	}
	q, ok := c.broker.queues[name]
	if !ok {
		q = &fakeQueue{name: name, args: args}
		c.broker.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if err := c.check(); err != nil {
		return err
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if _, ok := c.broker.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	c.broker.bindings[exchange] = append(c.broker.bindings[exchange], fakeBinding{queue: name, key: key})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	q, ok := c.broker.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + queue}
	}
	fc := &fakeConsumer{tag: consumer, deliveries: make(chan amqp.Delivery, 64), channel: c}
	q.consumers = append(q.consumers, fc)
	for _, d := range q.backlog {
		d.ConsumerTag = consumer
		fc.deliveries <- d
	}
	q.backlog = nil
	return fc.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.removeConsumers(func(fc *fakeConsumer) bool { return fc.tag == consumer })
	return nil
}

// removeConsumers must be called with broker.mu held.
func (c *fakeChannel) removeConsumers(match func(*fakeConsumer) bool) {
	for _, q := range c.broker.queues {
		kept := q.consumers[:0]
		for _, fc := range q.consumers {
			if match(fc) {
				close(fc.deliveries)
				continue
			}
			kept = append(kept, fc)
		}
		q.consumers = kept
	}
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.broker.mu.Lock()
	if c.broker.publishErr != nil {
		err := c.broker.publishErr
		c.broker.mu.Unlock()
		return err
	}
	c.broker.published = append(c.broker.published, fakePublish{Exchange: exchange, Key: key, Msg: msg})
	c.broker.route(exchange, key, msg)
	nack := c.broker.nackAll
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirm && c.confirms != nil {
		c.seq++
		c.confirms <- amqp.Confirmation{DeliveryTag: c.seq, Ack: !nack}
	}
	return nil
}

func (c *fakeChannel) Confirm(bool) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirm = true
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.removeConsumers(func(fc *fakeConsumer) bool { return fc.channel == c })
	return nil
}

func (c *fakeChannel) check() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

var errBoom = errors.New("boom")

// eventually polls cond for up to a second.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
