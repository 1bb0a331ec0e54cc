package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultWorkQueue is the queue offloaded commands are published to.
const DefaultWorkQueue = "openflow.process"

// Offloader publishes requests to the work queue and waits for the reply a
// Worker publishes to this process's reply queue. It implements
// messaging.Offloader.
type Offloader struct {
	topology  *TopologyManager
	publisher *Publisher
	consumer  *Consumer
	queue     string
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	replyQueue string
	sub        *Subscription
	pending    map[string]chan contracts.Envelope
}

var _ messaging.Offloader = (*Offloader)(nil)

// OffloaderOption configures the offloader
type OffloaderOption func(*Offloader)

// WithWorkQueue sets the work queue name.
func WithWorkQueue(queue string) OffloaderOption {
	return func(o *Offloader) {
		o.queue = queue
	}
}

// WithOffloadTimeout bounds the wait for a worker reply.
func WithOffloadTimeout(timeout time.Duration) OffloaderOption {
	return func(o *Offloader) {
		o.timeout = timeout
	}
}

// WithOffloaderLogger sets the logger
func WithOffloaderLogger(logger *slog.Logger) OffloaderOption {
	return func(o *Offloader) {
		o.logger = logger
	}
}

// NewOffloader creates an offloader. Start must be called before use.
func NewOffloader(topology *TopologyManager, publisher *Publisher, consumer *Consumer, options ...OffloaderOption) *Offloader {
	o := &Offloader{
		topology:  topology,
		publisher: publisher,
		consumer:  consumer,
		queue:     DefaultWorkQueue,
		timeout:   time.Minute,
		logger:    slog.Default(),
		pending:   make(map[string]chan contracts.Envelope),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Start declares the work queue and a private reply queue and begins
// consuming replies.
func (o *Offloader) Start(ctx context.Context) error {
	if err := o.topology.DeclareTopology(ctx, WorkQueueTopology(o.queue)); err != nil {
		return fmt.Errorf("failed to declare work queue: %w", err)
	}
	q, err := o.topology.DeclareQueue(ctx, QueueDeclaration{AutoDelete: true, Exclusive: true})
	if err != nil {
		return fmt.Errorf("failed to declare reply queue: %w", err)
	}
	sub, err := o.consumer.Subscribe(context.Background(), q.Name, o.handleReply)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.replyQueue = q.Name
	o.sub = sub
	o.mu.Unlock()
	o.logger.Info("offloading enabled", "queue", o.queue, "replyqueue", q.Name)
	return nil
}

// SendForProcessing publishes env with the given priority and returns the
// worker's reply.
func (o *Offloader) SendForProcessing(ctx context.Context, env contracts.Envelope, priority int) (contracts.Envelope, error) {
	o.mu.Lock()
	replyQueue := o.replyQueue
	if replyQueue == "" {
		o.mu.Unlock()
		return contracts.Envelope{}, ErrConnectionNotReady
	}
	if _, dup := o.pending[env.ID]; dup {
		o.mu.Unlock()
		return contracts.Envelope{}, fmt.Errorf("%w: duplicate request id %s", ErrInvalidConfig, env.ID)
	}
	replies := make(chan contracts.Envelope, 1)
	o.pending[env.ID] = replies
	o.mu.Unlock()
	defer o.forget(env.ID)

	body, err := env.ToWire()
	if err != nil {
		return contracts.Envelope{}, err
	}
	err = o.publisher.Publish(ctx, "", o.queue, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: env.ID,
		ReplyTo:       replyQueue,
		Priority:      clampPriority(priority),
		Body:          body,
	})
	if err != nil {
		return contracts.Envelope{}, err
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return contracts.Envelope{}, fmt.Errorf("%w: %s %s", ErrOffloadTimeout, env.Command, env.ID)
	case <-ctx.Done():
		return contracts.Envelope{}, ctx.Err()
	}
}

// Pending returns the number of requests waiting for a worker.
func (o *Offloader) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Close stops consuming replies.
func (o *Offloader) Close() error {
	o.mu.Lock()
	sub := o.sub
	o.sub = nil
	o.replyQueue = ""
	o.mu.Unlock()
	if sub == nil {
		return nil
	}
	return o.consumer.Cancel(sub)
}

func (o *Offloader) forget(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

func (o *Offloader) handleReply(_ context.Context, d amqp.Delivery) error {
	reply, err := contracts.FromWire(d.Body)
	if err != nil {
		o.logger.Warn("dropping malformed offload reply", "correlationid", d.CorrelationId, "error", err)
		return nil
	}
	o.mu.Lock()
	replies, ok := o.pending[d.CorrelationId]
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("offload reply without pending request", "correlationid", d.CorrelationId)
		return nil
	}
	select {
	case replies <- reply:
	default:
	}
	return nil
}

// Executor runs an offloaded request. *messaging.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error)
}

// Worker consumes the work queue, executes each request and publishes the
// reply to the requester's reply queue.
type Worker struct {
	topology  *TopologyManager
	publisher *Publisher
	consumer  *Consumer
	executor  Executor
	queue     string
	logger    *slog.Logger
}

// WorkerOption configures the worker
type WorkerOption func(*Worker)

// WithWorkerQueue sets the work queue name.
func WithWorkerQueue(queue string) WorkerOption {
	return func(w *Worker) {
		w.queue = queue
	}
}

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker. consumer should use AckOnSuccess so requests
// whose reply could not be published are redelivered.
func NewWorker(topology *TopologyManager, publisher *Publisher, consumer *Consumer, executor Executor, options ...WorkerOption) *Worker {
	w := &Worker{
		topology:  topology,
		publisher: publisher,
		consumer:  consumer,
		executor:  executor,
		queue:     DefaultWorkQueue,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Run consumes the work queue until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.topology.DeclareTopology(ctx, WorkQueueTopology(w.queue)); err != nil {
		return fmt.Errorf("failed to declare work queue: %w", err)
	}
	sub, err := w.consumer.Subscribe(ctx, w.queue, w.handle)
	if err != nil {
		return err
	}
	w.logger.Info("worker started", "queue", w.queue)
	select {
	case <-ctx.Done():
		_ = w.consumer.Cancel(sub)
		return nil
	case <-sub.Done():
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: work queue %s", ErrConnectionClosed, w.queue)
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) error {
	env, err := contracts.FromWire(d.Body)
	if err != nil {
		w.logger.Warn("dropping malformed work item", "correlationid", d.CorrelationId, "error", err)
		return nil
	}
	reply, err := w.executor.Execute(ctx, env)
	if errors.Is(err, messaging.ErrNotOffloadable) {
		reply = env.ErrorReply(err.Error())
	} else if err != nil {
		return err
	}
	if d.ReplyTo == "" {
		return nil
	}
	body, err := reply.ToWire()
	if err != nil {
		return err
	}
	return w.publisher.Publish(ctx, "", d.ReplyTo, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
}
