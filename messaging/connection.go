package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrConnectionClosed = errors.New("messaging: connection is closed")
	ErrQueueFull        = errors.New("messaging: connection task queue is full")
)

// Sender delivers envelopes to the remote end of a connection.
type Sender interface {
	Send(ctx context.Context, env contracts.Envelope) error
	Close() error
}

// SenderFunc adapts a function to Sender. Close is a no-op.
type SenderFunc func(ctx context.Context, env contracts.Envelope) error

func (f SenderFunc) Send(ctx context.Context, env contracts.Envelope) error { return f(ctx, env) }

func (f SenderFunc) Close() error { return nil }

// ClientInfo describes the remote client.
type ClientInfo struct {
	Agent      string
	Version    string
	RemoteAddr string
}

// Task is a unit of work executed on a connection's queue.
type Task func(ctx context.Context)

// Connection is the per-client session. Tasks enqueued on a connection run
// one at a time in order, so commands from one client never interleave.
type Connection struct {
	id      string
	sender  Sender
	info    ClientInfo
	tracker *CorrelationTracker
	logger  *slog.Logger

	mu            sync.RWMutex
	identity      *contracts.Identity
	token         string
	lastHeartbeat time.Time
	limiter       *rate.Limiter
	commandCounts map[string]int
	timers        map[*time.Timer]struct{}

	devnull atomic.Bool
	closed  atomic.Bool
	limited atomic.Int64
	streak  atomic.Int64

	tasks     chan Task
	done      chan struct{}
	closeOnce sync.Once
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionID overrides the generated connection id.
func WithConnectionID(id string) ConnectionOption {
	return func(c *Connection) {
		c.id = id
	}
}

// WithClientInfo records client metadata.
func WithClientInfo(info ClientInfo) ConnectionOption {
	return func(c *Connection) {
		c.info = info
	}
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithQueueSize sets the capacity of the task queue.
func WithQueueSize(size int) ConnectionOption {
	return func(c *Connection) {
		c.tasks = make(chan Task, size)
	}
}

// NewConnection creates a connection delivering outbound envelopes to sender.
func NewConnection(sender Sender, options ...ConnectionOption) *Connection {
	c := &Connection{
		id:            uuid.New().String(),
		sender:        sender,
		tracker:       NewCorrelationTracker(),
		logger:        slog.Default(),
		lastHeartbeat: time.Now(),
		commandCounts: make(map[string]int),
		timers:        make(map[*time.Timer]struct{}),
		tasks:         make(chan Task, 256),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Info returns the client metadata.
func (c *Connection) Info() ClientInfo { return c.info }

// Tracker returns the correlation tracker of outbound requests.
func (c *Connection) Tracker() *CorrelationTracker { return c.tracker }

// SetSession stores the signed in identity and its token.
func (c *Connection) SetSession(identity *contracts.Identity, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
	c.token = token
}

// Identity returns the signed in identity, or nil.
func (c *Connection) Identity() *contracts.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Token returns the session token.
func (c *Connection) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Touch records activity from the client.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the time of the last inbound message.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Devnull reports whether inbound messages are being discarded.
func (c *Connection) Devnull() bool { return c.devnull.Load() }

// SetDevnull makes the connection discard all further inbound messages.
func (c *Connection) SetDevnull() { c.devnull.Store(true) }

// Closed reports whether Close was called.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CountCommand increments the per-command counter.
func (c *Connection) CountCommand(command string) {
	c.mu.Lock()
	c.commandCounts[command]++
	c.mu.Unlock()
}

// CommandCounts returns a copy of the per-command counters.
func (c *Connection) CommandCounts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.commandCounts))
	for k, v := range c.commandCounts {
		out[k] = v
	}
	return out
}

// Limited returns how many messages were rate limited.
func (c *Connection) Limited() int64 { return c.limited.Load() }

// markLimited returns how many messages were limited since the limiter last
// admitted one.
func (c *Connection) markLimited() int64 {
	c.limited.Add(1)
	return c.streak.Add(1)
}

func (c *Connection) admitted() { c.streak.Store(0) }

func (c *Connection) rateLimiter(create func() *rate.Limiter) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiter == nil {
		c.limiter = create()
	}
	return c.limiter
}

// Enqueue schedules task on the connection queue.
func (c *Connection) Enqueue(task Task) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.tasks <- task:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrQueueFull
	}
}

// Defer enqueues task after delay. Pending deferred tasks are dropped when
// the connection closes.
func (c *Connection) Defer(delay time.Duration, task Task) {
	if c.closed.Load() {
		return
	}
	// the timer callback blocks on mu until the timer is registered
	c.mu.Lock()
	defer c.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, timer)
		c.mu.Unlock()
		if err := c.Enqueue(task); err != nil {
			c.logger.Warn("dropped deferred task", "connection", c.id, "error", err)
		}
	})
	c.timers[timer] = struct{}{}
}

// Run executes queued tasks until ctx is cancelled or the connection closes.
func (c *Connection) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case task := <-c.tasks:
			c.runTask(ctx, task)
		}
	}
}

func (c *Connection) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in connection task", "connection", c.id, "panic", r)
		}
	}()
	task(ctx)
}

// Send delivers env to the client.
func (c *Connection) Send(ctx context.Context, env contracts.Envelope) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send %s to connection %s: %w", env.Command, c.id, err)
	}
	return nil
}

// Request sends env to the client and waits for the correlated reply. The
// pending entry is abandoned when ctx ends first.
func (c *Connection) Request(ctx context.Context, env contracts.Envelope) (contracts.Envelope, error) {
	type result struct {
		env contracts.Envelope
		err error
	}
	replies := make(chan result, 1)
	err := c.tracker.Track(env, func(reply contracts.Envelope, err error) {
		replies <- result{env: reply, err: err}
	})
	if err != nil {
		return contracts.Envelope{}, err
	}
	if err := c.Send(ctx, env); err != nil {
		c.tracker.Abandon(env.ID, err)
		return contracts.Envelope{}, err
	}
	select {
	case r := <-replies:
		return r.env, r.err
	case <-ctx.Done():
		c.tracker.Abandon(env.ID, ctx.Err())
		return contracts.Envelope{}, ctx.Err()
	}
}

// Close releases the connection. Outstanding requests are abandoned with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.devnull.Store(true)
		c.mu.Lock()
		for t := range c.timers {
			t.Stop()
		}
		c.timers = map[*time.Timer]struct{}{}
		c.mu.Unlock()
		if n := c.tracker.Flush(ErrConnectionClosed); n > 0 {
			c.logger.Debug("abandoned pending requests", "connection", c.id, "count", n)
		}
		close(c.done)
		err = c.sender.Close()
	})
	return err
}
