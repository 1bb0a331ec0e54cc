package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
)

// ErrNotOffloadable is returned by Execute for commands that must run on the
// connection that received them.
var ErrNotOffloadable = errors.New("messaging: command cannot be executed by a worker")

// Offloader hands a request to the external worker pool and waits for the
// reply produced there.
type Offloader interface {
	SendForProcessing(ctx context.Context, env contracts.Envelope, priority int) (contracts.Envelope, error)
}

// IdentityResolver verifies a token and returns the identity it carries.
type IdentityResolver interface {
	Identify(token string) (*contracts.Identity, error)
}

// TokenRefresher reissues a token with current role membership.
type TokenRefresher interface {
	Refresh(ctx context.Context, identity *contracts.Identity) (string, *contracts.Identity, error)
}

const (
	defaultRetryBackoff        = 250 * time.Millisecond
	defaultDisconnectThreshold = 1000
	notValidatedMessage        = "User not validated, please login again"
)

// Dispatcher is the single entry point for inbound envelopes.
type Dispatcher struct {
	registry   *Registry
	logger     *slog.Logger
	middleware []Middleware
	limiter    Limiter
	offloader  Offloader
	refresher  TokenRefresher
	resolver   IdentityResolver
	metrics    *Metrics

	retryBackoff        time.Duration
	disconnectThreshold int64
	validateUser        bool
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware wraps every handler. The first middleware is the outermost.
func WithMiddleware(middleware ...Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// WithRateLimiter enables per-connection rate limiting.
func WithRateLimiter(limiter Limiter) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = limiter
	}
}

// WithOffloader routes offloadable commands to the worker pool.
func WithOffloader(offloader Offloader) DispatcherOption {
	return func(d *Dispatcher) {
		d.offloader = offloader
	}
}

// WithTokenRefresher enables token reloads after commands that change roles.
func WithTokenRefresher(refresher TokenRefresher) DispatcherOption {
	return func(d *Dispatcher) {
		d.refresher = refresher
	}
}

// WithIdentityResolver sets the token verifier used for authenticated commands.
func WithIdentityResolver(resolver IdentityResolver) DispatcherOption {
	return func(d *Dispatcher) {
		d.resolver = resolver
	}
}

// WithMetrics records dispatcher metrics.
func WithMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithRetryBackoff sets the delay before a rate limited message is retried.
func WithRetryBackoff(backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.retryBackoff = backoff
	}
}

// WithDisconnectThreshold sets how many consecutively limited messages close
// a connection. An admitted message starts the count again.
func WithDisconnectThreshold(threshold int64) DispatcherOption {
	return func(d *Dispatcher) {
		d.disconnectThreshold = threshold
	}
}

// WithUserValidation rejects authenticated commands from identities that
// have not completed validation.
func WithUserValidation(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.validateUser = enabled
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:            registry,
		logger:              slog.Default(),
		retryBackoff:        defaultRetryBackoff,
		disconnectThreshold: defaultDisconnectThreshold,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Registry returns the command table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// ProcessRaw decodes a frame and processes it. A frame that cannot be decoded
// is answered with an error envelope carrying no data.
func (d *Dispatcher) ProcessRaw(ctx context.Context, conn *Connection, raw []byte) {
	if conn.Devnull() {
		return
	}
	env, err := contracts.FromWire(raw)
	if err != nil {
		d.logger.Warn("dropping malformed frame", "connection", conn.ID(), "error", err)
		reply := contracts.FromCommand("error")
		reply.Priority = 0
		if sendErr := conn.Send(ctx, reply); sendErr != nil {
			d.logger.Debug("failed to send malformed frame reply", "connection", conn.ID(), "error", sendErr)
		}
		return
	}
	d.Process(ctx, conn, env)
}

// Process handles one envelope received on conn. It sends at most one reply.
func (d *Dispatcher) Process(ctx context.Context, conn *Connection, env contracts.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.panicked()
			d.logger.Error("panic while processing message",
				"connection", conn.ID(),
				"command", env.Command,
				"id", env.ID,
				"panic", r,
			)
		}
	}()

	if conn.Devnull() {
		return
	}
	env.Command = strings.ToLower(env.Command)
	conn.Touch()

	switch env.Command {
	case "ping":
		if env.ReplyTo == "" {
			d.send(ctx, conn, env.Reply("pong"))
		}
		return
	case "pong":
		return
	}

	if d.limiter != nil {
		if !d.limiter.Allow(conn) {
			d.rateLimited(ctx, conn, env)
			return
		}
		conn.admitted()
	}

	if env.ReplyTo != "" {
		if !conn.Tracker().Resolve(env) {
			d.logger.Debug("reply without pending request",
				"connection", conn.ID(),
				"replyto", env.ReplyTo,
				"command", env.Command,
			)
		}
		return
	}

	if env.Command == "signin" {
		d.signin(ctx, conn, env)
		return
	}

	conn.CountCommand(env.Command)
	desc, ok := d.registry.Lookup(env.Command)
	if !ok {
		d.unknownCommand(ctx, conn, env)
		return
	}

	call := &Call{Request: env, Conn: conn}
	if desc.RequiresAuth {
		reply, ok := d.authenticate(call, conn.Token())
		if !ok {
			d.send(ctx, conn, reply)
			return
		}
	}

	reply := d.run(ctx, desc, call, true)
	d.send(ctx, conn, reply)

	if desc.ReloadsToken && d.refresher != nil && !ReplyFailed(reply) {
		identity := call.Identity
		conn.Defer(0, func(ctx context.Context) {
			d.reloadToken(ctx, conn, identity)
		})
	}
}

// Execute runs an offloadable command without a connection and returns its
// reply. It never offloads again.
func (d *Dispatcher) Execute(ctx context.Context, env contracts.Envelope) (reply contracts.Envelope, err error) {
	env.Command = strings.ToLower(env.Command)
	desc, ok := d.registry.Lookup(env.Command)
	if !ok {
		return env.ErrorReply("Unknown command " + env.Command), nil
	}
	if !desc.Offloadable {
		return contracts.Envelope{}, fmt.Errorf("%w: %s", ErrNotOffloadable, env.Command)
	}

	defer func() {
		if r := recover(); r != nil {
			d.metrics.panicked()
			d.logger.Error("panic while executing offloaded command", "command", env.Command, "id", env.ID, "panic", r)
			reply = env.ErrorReply(fmt.Sprint(r))
			err = nil
		}
	}()

	call := &Call{Request: env}
	if desc.RequiresAuth {
		if failed, ok := d.authenticate(call, ""); !ok {
			return failed, nil
		}
	}
	return d.run(ctx, desc, call, false), nil
}

// authenticate resolves the token of call and verifies the identity. On
// failure the returned envelope is the reply to send.
func (d *Dispatcher) authenticate(call *Call, sessionToken string) (contracts.Envelope, bool) {
	env, ok := call.Request.EnsureAuthToken(sessionToken)
	if !ok {
		return env, false
	}
	call.Request = env
	if d.resolver == nil {
		return env.ErrorReply("Authentication is not configured"), false
	}
	identity, err := d.resolver.Identify(env.JWT)
	if err != nil {
		return env.ErrorReply(err.Error()), false
	}
	if d.validateUser && !identity.Validated && !identity.IsAdmin() {
		return env.ErrorReply(notValidatedMessage), false
	}
	call.Identity = identity
	return env, true
}

// signin attaches a verified token to conn, so later commands may omit it.
// Login flows that run outside the gateway hand their token over this way.
func (d *Dispatcher) signin(ctx context.Context, conn *Connection, env contracts.Envelope) {
	call := &Call{Request: env, Conn: conn}
	reply, ok := d.authenticate(call, "")
	if !ok {
		d.logger.Warn("signin rejected", "connection", conn.ID(), "id", env.ID)
		d.send(ctx, conn, reply)
		return
	}
	conn.SetSession(call.Identity, call.Request.JWT)
	d.logger.Info("client signed in", "connection", conn.ID(), "user", call.Identity.Username)

	reply, err := call.Request.Reply("").WithData(map[string]any{
		"jwt":  call.Request.JWT,
		"user": call.Identity,
	})
	if err != nil {
		d.logger.Error("failed to encode signin reply", "connection", conn.ID(), "error", err)
		reply = env.ErrorReply(err.Error())
	}
	d.send(ctx, conn, reply)
}

func (d *Dispatcher) run(ctx context.Context, desc CommandDescriptor, call *Call, allowOffload bool) contracts.Envelope {
	start := time.Now()
	var reply contracts.Envelope

	if allowOffload && desc.Offloadable && d.offloader != nil {
		offloaded, err := d.offloader.SendForProcessing(ctx, call.Request, call.Request.Priority)
		if err != nil {
			d.logger.Error("failed to offload command", "command", desc.Name, "id", call.Request.ID, "error", err)
			reply = call.Request.ErrorReply(err.Error())
		} else {
			reply = offloaded
		}
	} else {
		reply = d.chain(desc.Handler)(ctx, call)
	}

	d.metrics.observe(desc.Name, ReplyFailed(reply), time.Since(start))
	return reply
}

func (d *Dispatcher) chain(h HandlerFunc) HandlerFunc {
	for i := len(d.middleware) - 1; i >= 0; i-- {
		h = d.middleware[i](h)
	}
	return h
}

func (d *Dispatcher) rateLimited(ctx context.Context, conn *Connection, env contracts.Envelope) {
	count := conn.markLimited()
	d.metrics.limited(env.Command)

	if count >= d.disconnectThreshold {
		d.metrics.disconnected()
		d.logger.Error("rate limit threshold exceeded, closing connection",
			"connection", conn.ID(),
			"limited", count,
		)
		conn.SetDevnull()
		if err := conn.Close(); err != nil {
			d.logger.Debug("failed to close connection", "connection", conn.ID(), "error", err)
		}
		return
	}

	d.logger.Debug("rate limited, retrying later",
		"connection", conn.ID(),
		"command", env.Command,
		"backoff", d.retryBackoff,
	)
	conn.Defer(d.retryBackoff, func(ctx context.Context) {
		d.Process(ctx, conn, env)
	})
}

func (d *Dispatcher) unknownCommand(ctx context.Context, conn *Connection, env contracts.Envelope) {
	switch env.Command {
	case "", "error", "refreshtoken":
		d.logger.Debug("ignoring message", "connection", conn.ID(), "command", env.Command, "id", env.ID)
		return
	}
	d.metrics.unknownCommand()
	d.logger.Error("unknown command", "connection", conn.ID(), "command", env.Command, "id", env.ID)
	d.send(ctx, conn, env.ErrorReply("Unknown command "+env.Command))
}

func (d *Dispatcher) reloadToken(ctx context.Context, conn *Connection, identity *contracts.Identity) {
	if identity == nil {
		identity = conn.Identity()
	}
	if identity == nil {
		return
	}
	token, refreshed, err := d.refresher.Refresh(ctx, identity)
	if err != nil {
		d.logger.Error("failed to reload token", "connection", conn.ID(), "user", identity.Username, "error", err)
		return
	}
	conn.SetSession(refreshed, token)

	msg, err := contracts.FromCommand("refreshtoken").WithData(map[string]any{
		"jwt":  token,
		"user": refreshed,
	})
	if err != nil {
		d.logger.Error("failed to encode refreshtoken", "connection", conn.ID(), "error", err)
		return
	}
	d.send(ctx, conn, msg)
}

func (d *Dispatcher) send(ctx context.Context, conn *Connection, env contracts.Envelope) {
	if err := conn.Send(ctx, env); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			d.logger.Debug("reply dropped, connection closed", "connection", conn.ID(), "command", env.Command)
			return
		}
		d.logger.Error("failed to send reply", "connection", conn.ID(), "command", env.Command, "error", err)
	}
}
