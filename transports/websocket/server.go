// Package websocket serves gateway clients over websocket connections. Each
// text frame carries one envelope.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrServerClosed = errors.New("websocket server closed")

// Processor handles one inbound frame. *messaging.Dispatcher implements it.
type Processor interface {
	ProcessRaw(ctx context.Context, conn *messaging.Connection, raw []byte)
}

// Server upgrades HTTP requests and runs one session per client.
type Server struct {
	processor      Processor
	upgrader       websocket.Upgrader
	logger         *slog.Logger
	maxConnections int
	pingInterval   time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	queueSize      int
	connected      prometheus.Gauge
	authenticator  messaging.IdentityResolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*messaging.Connection
	reserved int
	closed   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAuthenticator verifies a token presented at upgrade, either as an
// "Authorization: Bearer" header or a jwt query parameter, and signs the
// session in with it. Requests with an invalid token are rejected with 401.
func WithAuthenticator(resolver messaging.IdentityResolver) ServerOption {
	return func(s *Server) {
		s.authenticator = resolver
	}
}

// WithMaxConnections rejects upgrades beyond n open sessions. Zero means no
// limit.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// WithPingInterval sets how often the server pings idle clients.
func WithPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = timeout
	}
}

// WithReadLimit sets the largest accepted frame in bytes.
func WithReadLimit(limit int64) ServerOption {
	return func(s *Server) {
		s.readLimit = limit
	}
}

// WithQueueSize sets the per connection task queue capacity.
func WithQueueSize(size int) ServerOption {
	return func(s *Server) {
		s.queueSize = size
	}
}

// WithCheckOrigin replaces the origin check. The default accepts any origin.
func WithCheckOrigin(check func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

// WithRegisterer registers the open connections gauge.
func WithRegisterer(registerer prometheus.Registerer) ServerOption {
	return func(s *Server) {
		s.connected = promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "websocket_connections",
			Help:      "Open websocket client connections.",
		})
	}
}

// NewServer creates a server feeding frames to processor.
func NewServer(processor Processor, options ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		processor: processor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:       slog.Default(),
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		readLimit:    16 << 20,
		queueSize:    256,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*messaging.Connection),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Connections returns the number of open sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ServeHTTP upgrades the request and blocks until the session ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.reserve() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	token := requestToken(r)
	var identity *contracts.Identity
	if token != "" && s.authenticator != nil {
		var err error
		identity, err = s.authenticator.Identify(token)
		if err != nil {
			s.release()
			s.logger.Warn("rejected upgrade with invalid token", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	sender := &frameSender{ws: ws, timeout: s.writeTimeout}
	conn := messaging.NewConnection(sender,
		messaging.WithClientInfo(messaging.ClientInfo{
			Agent:      r.Header.Get("User-Agent"),
			RemoteAddr: r.RemoteAddr,
		}),
		messaging.WithQueueSize(s.queueSize),
		messaging.WithConnectionLogger(s.logger),
	)
	if identity != nil {
		conn.SetSession(identity, token)
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	s.logger.Info("client connected", "connection", conn.ID(), "remote", r.RemoteAddr)
	s.serve(conn, ws, sender)
	s.logger.Info("client disconnected", "connection", conn.ID(), "remote", r.RemoteAddr)
}

func (s *Server) serve(conn *messaging.Connection, ws *websocket.Conn, sender *frameSender) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer conn.Close()

	go conn.Run(ctx)
	go s.keepalive(ctx, conn, sender)

	ws.SetReadLimit(s.readLimit)
	_ = ws.SetReadDeadline(s.readDeadline())
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(s.readDeadline())
	})

	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.Closed() {
				s.logger.Debug("read failed", "connection", conn.ID(), "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(s.readDeadline())
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		err = conn.Enqueue(func(ctx context.Context) {
			s.processor.ProcessRaw(ctx, conn, raw)
		})
		if errors.Is(err, messaging.ErrQueueFull) {
			s.logger.Warn("connection queue full, closing", "connection", conn.ID())
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) keepalive(ctx context.Context, conn *messaging.Connection, sender *frameSender) {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := sender.ping(); err != nil {
				s.logger.Debug("ping failed", "connection", conn.ID(), "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// readDeadline allows two missed pings. Without pings reads never time out.
func (s *Server) readDeadline() time.Time {
	if s.pingInterval <= 0 {
		return time.Time{}
	}
	return time.Now().Add(2*s.pingInterval + s.writeTimeout)
}

func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.maxConnections > 0 && s.reserved >= s.maxConnections {
		return false
	}
	s.reserved++
	s.wg.Add(1)
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) track(conn *messaging.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.reserved--
		s.wg.Done()
		return false
	}
	s.sessions[conn.ID()] = conn
	if s.connected != nil {
		s.connected.Inc()
	}
	return true
}

func (s *Server) untrack(conn *messaging.Connection) {
	s.mu.Lock()
	delete(s.sessions, conn.ID())
	if s.connected != nil {
		s.connected.Dec()
	}
	s.mu.Unlock()
	s.release()
}

// Close disconnects every client and waits for their sessions to end or ctx
// to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	sessions := make([]*messaging.Connection, 0, len(s.sessions))
	for _, conn := range s.sessions {
		sessions = append(sessions, conn)
	}
	s.mu.Unlock()

	s.cancel()
	for _, conn := range sessions {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameSender writes envelopes as text frames. gorilla connections allow one
// concurrent writer.
type frameSender struct {
	ws      *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
	closed  bool
}

func (f *frameSender) Send(ctx context.Context, env contracts.Envelope) error {
	raw, err := env.ToWire()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	_ = f.ws.SetWriteDeadline(f.deadline(ctx))
	return f.ws.WriteMessage(websocket.TextMessage, raw)
}

func (f *frameSender) ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	return f.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.timeout))
}

func (f *frameSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = f.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return f.ws.Close()
}

func (f *frameSender) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("jwt")
}
