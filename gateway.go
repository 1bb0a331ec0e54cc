// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway wires the dispatcher, its command handlers and the broker
// and websocket transports into one process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/auth"
	"github.com/glimte/mmate-gateway/billing"
	"github.com/glimte/mmate-gateway/config"
	"github.com/glimte/mmate-gateway/handlers"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/housekeeping"
	"github.com/glimte/mmate-gateway/instances"
	"github.com/glimte/mmate-gateway/internal/cache"
	"github.com/glimte/mmate-gateway/internal/journal"
	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/glimte/mmate-gateway/internal/upstream"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/store"
	rabbitmqTransport "github.com/glimte/mmate-gateway/transports/rabbitmq"
	"github.com/glimte/mmate-gateway/transports/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Gateway owns every long lived component of the process.
type Gateway struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	store      store.DocumentStore
	tokens     *auth.TokenService
	guard      *auth.Guard
	redis      redis.UniversalClient
	scheduler  *housekeeping.Scheduler
	commands   *messaging.Registry
	journal    *journal.Journal
	dispatcher *messaging.Dispatcher
	transport  *rabbitmqTransport.Transport
	server     *websocket.Server
	health     *health.Registry
	mux        *http.ServeMux

	closeOnce sync.Once
}

type gatewayConfig struct {
	logger    *slog.Logger
	store     store.DocumentStore
	registry  *prometheus.Registry
	transport *rabbitmqTransport.Transport
	redis     redis.UniversalClient
}

// Option configures the Gateway.
type Option func(*gatewayConfig)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *gatewayConfig) {
		cfg.logger = logger
	}
}

// WithStore replaces the in-memory document store.
func WithStore(st store.DocumentStore) Option {
	return func(cfg *gatewayConfig) {
		cfg.store = st
	}
}

// WithMetricsRegistry collects metrics into registry instead of a private one.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(cfg *gatewayConfig) {
		cfg.registry = registry
	}
}

// WithTransport uses an already connected broker transport. The gateway
// closes it on Close.
func WithTransport(t *rabbitmqTransport.Transport) Option {
	return func(cfg *gatewayConfig) {
		cfg.transport = t
	}
}

// WithRedis uses client instead of dialing redis.addr.
func WithRedis(client redis.UniversalClient) Option {
	return func(cfg *gatewayConfig) {
		cfg.redis = client
	}
}

// New builds a gateway from cfg. An empty amqp.url runs without the broker
// commands.
func New(ctx context.Context, cfg config.Config, options ...Option) (*Gateway, error) {
	gc := &gatewayConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(gc)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:       cfg,
		logger:    gc.logger,
		registry:  gc.registry,
		store:     gc.store,
		redis:     gc.redis,
		transport: gc.transport,
		health:    health.NewRegistry(),
		mux:       http.NewServeMux(),
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if g.store == nil {
		g.store = store.NewMemory(store.WithMemoryLogger(g.logger))
	}
	if g.redis == nil && cfg.Redis.Addr != "" {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var err error
	g.tokens, err = auth.NewTokenService(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	g.guard = auth.NewGuard(g.store, g.tokens,
		auth.WithGuardLogger(g.logger),
		auth.WithPolicy(auth.Policy{
			ForceQueuePrefix:       cfg.AMQP.ForceQueuePrefix,
			ForceExchangePrefix:    cfg.AMQP.ForceExchangePrefix,
			ForceSenderHasRead:     cfg.AMQP.ForceSenderHasRead,
			ForceSenderHasInvoke:   cfg.AMQP.ForceSenderHasInvoke,
			ForceConsumerHasUpdate: cfg.AMQP.ForceConsumerHasUpdate,
		}),
	)

	if g.transport == nil && cfg.AMQP.URL != "" {
		g.transport, err = dialBroker(ctx, cfg.AMQP, g.logger)
		if err != nil {
			g.closeRedis()
			return nil, err
		}
	}

	if err := g.buildDispatcher(); err != nil {
		_ = g.Close()
		return nil, err
	}
	g.buildServer()
	g.registerHealth()
	g.routes()
	return g, nil
}

func dialBroker(ctx context.Context, cfg config.AMQPConfig, logger *slog.Logger) (*rabbitmqTransport.Transport, error) {
	options := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
			rabbitmq.WithMaxRetries(cfg.MaxReconnects),
		),
		rabbitmqTransport.WithChannelPoolSize(cfg.ChannelPoolSize),
		rabbitmqTransport.WithPrefetch(cfg.Prefetch),
		rabbitmqTransport.WithReplyTimeout(cfg.ReplyTimeout),
	}
	if cfg.EnableOffload {
		options = append(options, rabbitmqTransport.WithOffload(cfg.WorkQueue, cfg.OffloadTimeout))
	}
	t, err := rabbitmqTransport.Dial(ctx, cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", rabbitmq.SanitizeURL(cfg.URL), err)
	}
	return t, nil
}

func (g *Gateway) buildDispatcher() error {
	cfg := g.cfg

	var collections cache.Collections = cache.NewMemory(cfg.Cache.CollectionsTTL, time.Now)
	if cfg.Cache.Backend == "redis" && g.redis != nil {
		collections = cache.NewRedis(g.redis, cfg.Cache.CollectionsTTL,
			cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
			cache.WithRedisLogger(g.logger),
		)
	}

	var gate housekeeping.Gate = housekeeping.NewMemoryGate()
	if g.redis != nil {
		gate = housekeeping.NewRedisGate(g.redis, cfg.Redis.GateKey)
	}

	billingOpts := []billing.Option{
		billing.WithSettings(billing.Settings{
			ForceVAT:      cfg.Billing.ForceVAT,
			ForceCheckout: cfg.Billing.ForceCheckout,
			BaseURL:       cfg.Billing.BaseURL,
		}),
		billing.WithLogger(g.logger),
	}
	if cfg.Billing.URL != "" {
		client := upstream.NewClient("billing", cfg.Billing.URL,
			upstream.WithBasicAuth(cfg.Billing.APIKey, ""),
			upstream.WithHTTPClient(&http.Client{Timeout: cfg.Billing.Timeout}),
			upstream.WithLogger(g.logger),
			upstream.WithMetrics(g.registry),
		)
		billingOpts = append(billingOpts, billing.WithProvider(billing.NewRESTProvider(client)))
	}
	billingService := billing.NewService(g.store, billingOpts...)

	var manager *instances.Manager
	if cfg.Instances.URL != "" {
		client := upstream.NewClient("instances", cfg.Instances.URL,
			upstream.WithBearerToken(cfg.Instances.Token),
			upstream.WithHTTPClient(&http.Client{Timeout: cfg.Instances.Timeout}),
			upstream.WithBreaker(cfg.Instances.BreakerThreshold, cfg.Instances.BreakerTimeout),
			upstream.WithLogger(g.logger),
			upstream.WithMetrics(g.registry),
		)
		manager = instances.NewManager(g.store, instances.NewRESTDriver(client), instances.WithLogger(g.logger))
	}

	settings := housekeeping.DefaultSettings()
	settings.Interval = cfg.Housekeeping.Interval
	settings.MultiTenant = cfg.Housekeeping.MultiTenant
	settings.SkipCollections = cfg.Housekeeping.SkipCollections
	schedOpts := []housekeeping.Option{
		housekeeping.WithSettings(settings),
		housekeeping.WithBilling(billingService),
		housekeeping.WithLogger(g.logger),
		housekeeping.WithMetrics(g.registry),
	}
	if manager != nil {
		schedOpts = append(schedOpts, housekeeping.WithInstances(manager))
	}
	g.scheduler = housekeeping.NewScheduler(g.store, gate, schedOpts...)

	handlerOpts := []handlers.Option{
		handlers.WithCollectionsCache(collections),
		handlers.WithBilling(billingService),
		handlers.WithScheduler(g.scheduler),
		handlers.WithSettings(handlers.Settings{
			EnableExchange:    cfg.AMQP.EnabledExchange,
			DefaultExpiration: cfg.AMQP.DefaultExpiration,
			EntityRestriction: cfg.Auth.EntityRestriction,
			WorkitemPriority:  cfg.Workitems.DefaultPriority,
		}),
		handlers.WithLogger(g.logger),
	}
	if manager != nil {
		handlerOpts = append(handlerOpts, handlers.WithInstances(manager))
	}
	if g.transport != nil {
		handlerOpts = append(handlerOpts, handlers.WithQueueClient(g.transport.Broker()))
	}
	h := handlers.New(g.store, g.guard, handlerOpts...)

	g.journal = journal.New()
	g.commands = messaging.NewRegistry(messaging.WithRegistryLogger(g.logger))
	if err := h.Register(g.commands); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithDispatcherLogger(g.logger),
		messaging.WithMiddleware(messaging.LoggingMiddleware(g.logger), journal.Middleware(g.journal)),
		messaging.WithIdentityResolver(g.guard),
		messaging.WithTokenRefresher(auth.NewRefresher(g.store, g.tokens, cfg.Auth.TokenTTL)),
		messaging.WithMetrics(messaging.NewMetrics(g.registry)),
		messaging.WithUserValidation(cfg.Server.ValidateUserForm),
	}
	if cfg.RateLimit.Enabled {
		dispatcherOpts = append(dispatcherOpts,
			messaging.WithRateLimiter(messaging.NewTokenBucketLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)),
			messaging.WithRetryBackoff(cfg.RateLimit.RetryBackoff),
			messaging.WithDisconnectThreshold(cfg.RateLimit.DisconnectThreshold),
		)
	}
	if g.transport != nil && g.transport.Offloader() != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithOffloader(g.transport.Offloader()))
	}
	g.dispatcher = messaging.NewDispatcher(g.commands, dispatcherOpts...)
	return nil
}

func (g *Gateway) buildServer() {
	cfg := g.cfg.Server
	g.server = websocket.NewServer(g.dispatcher,
		websocket.WithServerLogger(g.logger),
		websocket.WithMaxConnections(cfg.MaxConnections),
		websocket.WithPingInterval(cfg.PingInterval),
		websocket.WithWriteTimeout(cfg.WriteTimeout),
		websocket.WithReadLimit(cfg.MaxMessageSize),
		websocket.WithQueueSize(cfg.QueueSize),
		websocket.WithRegisterer(g.registry),
		websocket.WithAuthenticator(g.guard),
	)
}

func (g *Gateway) registerHealth() {
	g.health.SetMetadata("commands", len(g.commands.Commands()))
	g.health.Register(health.NewConnectionsChecker(g.server.Connections, g.cfg.Server.MaxConnections))
	g.health.Register(health.NewMemoryChecker(10000, 50000))
	if g.redis != nil {
		g.health.Register(health.NewRedisChecker(g.redis))
	}
	if g.transport != nil {
		conn := g.transport.Connector()
		g.health.Register(health.NewBrokerChecker(conn, conn.OpenChannel))
		g.health.Register(health.NewChannelPoolChecker(g.transport.Pool()))
	}
}

func (g *Gateway) routes() {
	g.mux.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	g.mux.Handle("/health", health.NewHandler(g.health, 5*time.Second))
	g.mux.Handle("/ready", health.ReadinessHandler(g.health))
	g.mux.Handle("/live", health.LivenessHandler())
	g.mux.Handle("/debug/commands", journal.Handler(g.journal))
	g.mux.Handle(g.cfg.Server.Path, g.server)
}

// Handler returns the HTTP handler serving websocket clients, metrics and
// health.
func (g *Gateway) Handler() http.Handler { return g.mux }

// Dispatcher returns the command dispatcher.
func (g *Gateway) Dispatcher() *messaging.Dispatcher { return g.dispatcher }

// Tokens returns the token service.
func (g *Gateway) Tokens() *auth.TokenService { return g.tokens }

// Store returns the document store.
func (g *Gateway) Store() store.DocumentStore { return g.store }

// Run starts the background jobs and serves HTTP on the configured address
// until ctx ends, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.runHousekeeping(ctx)
	}()

	errs := make(chan error, 2)
	if g.transport != nil && g.cfg.AMQP.RunWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.transport.RunWorker(ctx, g.dispatcher); err != nil {
				errs <- fmt.Errorf("offload worker stopped: %w", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              g.cfg.Server.Addr,
		Handler:           g.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		g.logger.Info("gateway listening", "addr", srv.Addr, "path", g.cfg.Server.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
	defer stop()
	g.logger.Info("shutting down gateway")
	if err := g.server.Close(shutdownCtx); err != nil && !errors.Is(err, websocket.ErrServerClosed) {
		g.logger.Warn("failed to close websocket sessions", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("failed to shut down http server", "error", err)
	}
	wg.Wait()
	return errors.Join(runErr, g.Close())
}

func (g *Gateway) runHousekeeping(ctx context.Context) {
	if !g.cfg.Housekeeping.RunOnStart {
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.cfg.Housekeeping.Interval):
		}
	}
	g.scheduler.Start(ctx)
}

// Close releases the broker and redis connections.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.transport != nil {
			err = g.transport.Close()
		}
		err = errors.Join(err, g.closeRedis())
	})
	return err
}

func (g *Gateway) closeRedis() error {
	if g.redis == nil {
		return nil
	}
	return g.redis.Close()
}
