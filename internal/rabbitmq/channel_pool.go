package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out channels for short operations (declarations and
// publishes). Consumers open their own channels.
type ChannelPool struct {
	open        ChannelOpener
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel is a channel checked out of the pool.
type PooledChannel struct {
	Channel
	lastUsed time.Time
	id       string
	confirm  bool
	confirms chan amqp.Confirmation
}

// ID identifies the channel in logs.
func (p *PooledChannel) ID() string { return p.id }

// ChannelPoolOption configures the ChannelPool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize caps the number of open channels.
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets how many channels are opened up front and kept when idle.
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a pool over open and pre-opens minSize channels.
func NewChannelPool(open ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if open == nil {
		return nil, fmt.Errorf("%w: channel opener is required", ErrInvalidConfig)
	}
	pool := &ChannelPool{
		open:        open,
		maxSize:     10,
		minSize:     1,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(pool)
	}
	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfig)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfig)
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			_ = pool.Close()
			return nil, &ChannelError{Op: "pool initialization", ChannelID: fmt.Sprintf("init-%d", i), Err: err}
		}
		pool.channels <- ch
	}

	go pool.cleanupIdle()
	return pool, nil
}

// Get retrieves a channel from the pool, opening one while under maxSize.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, &ChannelError{Op: "get channel", ChannelID: "new", Err: err}
			}
			return cp.createChannel()
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err()}
		case <-time.After(cp.waitTimeout):
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted}
		}
	}
}

// Put returns a channel to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed {
		_ = ch.Close()
		return
	}
	if ch.IsClosed() {
		cp.release()
		return
	}
	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.release()
	}
}

// Discard closes ch and frees its slot, for channels left in an unknown
// state by a failed operation.
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	cp.release()
}

// Close closes the idle channels. Channels still checked out are closed when
// they are returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsClosed() {
				_ = ch.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.open()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err}
	}
	pooled := &PooledChannel{Channel: ch, lastUsed: time.Now(), id: uuid.NewString()}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()
	cp.logger.Debug("opened channel", "channel", pooled.id)
	return pooled, nil
}

func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel
	drain:
		for {
			select {
			case ch := <-cp.channels:
				if ch.lastUsed.Before(cutoff) && cp.Size() > cp.minSize {
					_ = ch.Close()
					cp.release()
					cp.logger.Debug("closed idle channel", "channel", ch.id)
					continue
				}
				keep = append(keep, ch)
			default:
				break drain
			}
		}
		for _, ch := range keep {
			cp.Put(ch)
		}
	}
}

// Size returns the number of open channels, idle or in use.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a pooled channel. A channel on which fn failed or
// panicked is discarded.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
		if err != nil {
			cp.Discard(ch)
			return
		}
		cp.Put(ch)
	}()
	return fn(ch.Channel)
}
