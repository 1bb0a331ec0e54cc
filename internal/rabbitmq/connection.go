package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens a broker connection.
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and reconnects with
// exponential backoff when the server closes it.
type ConnectionManager struct {
	url         string
	dial        Dialer
	dialTimeout time.Duration
	backoff     *reliability.ExponentialBackoff
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay. Later attempts back
// off exponentially up to five minutes.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxRetries caps reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.MaxAttempts = retries
	}
}

// WithDialer replaces amqp.Dial, mainly for tests.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a manager for url. Nothing is dialed until
// Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dial:        amqp.Dial,
		dialTimeout: 30 * time.Second,
		backoff:     reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2, -1),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// Connect dials the broker once. Later losses are handled in the background.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err}
	}
	cm.attach(conn)
	cm.logger.Info("connected to rabbitmq", "url", SanitizeURL(cm.url))
	go cm.handleReconnect(cm.notifyClose)
	return nil
}

func (cm *ConnectionManager) current() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// OpenChannel opens a channel on the current connection. It is the default
// ChannelOpener for pools and consumers.
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	conn, err := cm.current()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// IsConnected reports whether a live connection is attached.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	select {
	case err := <-notify:
		if err != nil {
			cm.logger.Error("rabbitmq connection closed", "error", err)
		}
		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()
		cm.reconnect()
	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if max := cm.backoff.MaxRetries(); max >= 0 && attempt >= max {
			cm.logger.Error("giving up on rabbitmq, broker commands will fail until restart",
				"url", SanitizeURL(cm.url),
				"attempts", attempt,
				"duration", time.Since(start),
			)
			return
		}

		if attempt > 0 {
			delay := cm.backoff.NextDelay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-cm.done:
				return
			}
		}

		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		cm.attach(conn)
		notify := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("reconnected to rabbitmq", "attempts", attempt+1, "duration", time.Since(start))
		go cm.handleReconnect(notify)
		return
	}
}
