// Package rabbitmq assembles the broker side of the gateway: one connection,
// a channel pool, the client queue broker and optionally the offload path.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

// Connector is the broker connection. *rabbitmq.ConnectionManager
// implements it.
type Connector interface {
	OpenChannel() (rabbitmq.Channel, error)
	IsConnected() bool
	Close() error
}

// Transport owns every AMQP component the gateway uses.
type Transport struct {
	conn      Connector
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	broker    *rabbitmq.Broker
	offloader *rabbitmq.Offloader
	cfg       TransportConfig

	mu        sync.Mutex
	consumers []*rabbitmq.Consumer
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	PoolSize          int
	Prefetch          int
	ReplyTimeout      time.Duration
	Offload           bool
	WorkQueue         string
	OffloadTimeout    time.Duration
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithChannelPoolSize caps the number of pooled publishing channels.
func WithChannelPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolSize = size
	}
}

// WithPrefetch sets the prefetch count of client queue consumers.
func WithPrefetch(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Prefetch = count
	}
}

// WithReplyTimeout bounds how long a forwarded delivery waits for the
// client's reply.
func WithReplyTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ReplyTimeout = timeout
	}
}

// WithOffload publishes offloadable commands to queue instead of running
// them in process.
func WithOffload(queue string, timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Offload = true
		if queue != "" {
			cfg.WorkQueue = queue
		}
		if timeout > 0 {
			cfg.OffloadTimeout = timeout
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

func newConfig(options []TransportOption) TransportConfig {
	cfg := TransportConfig{
		PoolSize:       10,
		Prefetch:       50,
		ReplyTimeout:   30 * time.Second,
		WorkQueue:      rabbitmq.DefaultWorkQueue,
		OffloadTimeout: time.Minute,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// Dial connects to url and builds a transport on the connection.
func Dial(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	t, err := New(ctx, manager, options...)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	return t, nil
}

// New builds a transport on an established connection.
func New(ctx context.Context, conn Connector, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)

	pool, err := rabbitmq.NewChannelPool(conn.OpenChannel,
		rabbitmq.WithMaxSize(cfg.PoolSize),
		rabbitmq.WithChannelLogger(cfg.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	t := &Transport{
		conn:      conn,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		cfg:       cfg,
	}

	// client deliveries are acked once forwarded, the reply travels separately
	t.broker = rabbitmq.NewBroker(t.topology, t.publisher, t.consumer(rabbitmq.AckAlways),
		rabbitmq.WithReplyTimeout(cfg.ReplyTimeout),
		rabbitmq.WithBrokerLogger(cfg.Logger),
	)

	if cfg.Offload {
		t.offloader = rabbitmq.NewOffloader(t.topology, t.publisher, t.consumer(rabbitmq.AckAlways),
			rabbitmq.WithWorkQueue(cfg.WorkQueue),
			rabbitmq.WithOffloadTimeout(cfg.OffloadTimeout),
			rabbitmq.WithOffloaderLogger(cfg.Logger),
		)
		if err := t.offloader.Start(ctx); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("failed to start offloader: %w", err)
		}
	}
	return t, nil
}

func (t *Transport) consumer(strategy rabbitmq.AcknowledgmentStrategy) *rabbitmq.Consumer {
	c := rabbitmq.NewConsumer(t.conn.OpenChannel,
		rabbitmq.WithPrefetchCount(t.cfg.Prefetch),
		rabbitmq.WithAckStrategy(strategy),
		rabbitmq.WithConsumerLogger(t.cfg.Logger),
	)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c
}

// Broker returns the client queue broker.
func (t *Transport) Broker() *rabbitmq.Broker { return t.broker }

// Offloader returns the offloader, or nil when offloading is disabled.
func (t *Transport) Offloader() *rabbitmq.Offloader { return t.offloader }

// Pool returns the publishing channel pool.
func (t *Transport) Pool() *rabbitmq.ChannelPool { return t.pool }

// Connector returns the underlying connection.
func (t *Transport) Connector() Connector { return t.conn }

// RunWorker consumes the work queue with executor until ctx ends.
func (t *Transport) RunWorker(ctx context.Context, executor rabbitmq.Executor) error {
	// failed requests are redelivered
	worker := rabbitmq.NewWorker(t.topology, t.publisher, t.consumer(rabbitmq.AckOnSuccess), executor,
		rabbitmq.WithWorkerQueue(t.cfg.WorkQueue),
		rabbitmq.WithWorkerLogger(t.cfg.Logger),
	)
	return worker.Run(ctx)
}

// Close stops all consumers and closes the pool and the connection.
func (t *Transport) Close() error {
	var errs []error
	if t.offloader != nil {
		errs = append(errs, t.offloader.Close())
	}
	if t.broker != nil {
		errs = append(errs, t.broker.Close())
	}
	t.mu.Lock()
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()
	for _, c := range consumers {
		c.CancelAll()
	}
	errs = append(errs, t.pool.Close(), t.conn.Close())
	return errors.Join(errs...)
}
