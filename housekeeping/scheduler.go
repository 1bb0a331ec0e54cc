package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/billing"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/instances"
	"github.com/glimte/mmate-gateway/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultInterval is the minimum time between two passes.
const DefaultInterval = 60 * time.Minute

// Options selects the steps of one pass.
type Options struct {
	SkipInstances      bool `json:"skipnodered"`
	SkipCalculateSize  bool `json:"skipcalculatesize"`
	SkipUpdateUserSize bool `json:"skipupdateusersize"`
	// Force resets the gate before acquiring it.
	Force bool `json:"-"`
}

// Settings tunes the scheduler.
type Settings struct {
	Interval          time.Duration
	MultiTenant       bool
	SkipCollections   []string
	SearchCollections []string
}

// DefaultSettings returns the defaults used when no settings are given.
func DefaultSettings() Settings {
	return Settings{
		Interval:          DefaultInterval,
		SearchCollections: []string{"entities", store.CollectionUsers, store.CollectionConfig, store.CollectionMQ, store.CollectionWorkitems, store.CollectionFiles},
	}
}

// Scheduler runs housekeeping passes guarded by a Gate.
type Scheduler struct {
	store     store.DocumentStore
	gate      Gate
	instances *instances.Manager
	billing   *billing.Service
	settings  Settings
	logger    *slog.Logger
	now       func() time.Time
	runs      *prometheus.CounterVec
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithInstances enables instance autocreation.
func WithInstances(m *instances.Manager) Option {
	return func(s *Scheduler) {
		s.instances = m
	}
}

// WithBilling enables metered usage reporting.
func WithBilling(b *billing.Service) Option {
	return func(s *Scheduler) {
		s.billing = b
	}
}

// WithSettings overrides the default settings.
func WithSettings(settings Settings) Option {
	return func(s *Scheduler) {
		s.settings = settings
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithMetrics registers the run counter with registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.runs = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "housekeeping_runs_total",
			Help:      "Housekeeping passes by result.",
		}, []string{"result"})
	}
}

// NewScheduler creates a scheduler. A nil gate uses a MemoryGate.
func NewScheduler(st store.DocumentStore, gate Gate, options ...Option) *Scheduler {
	if gate == nil {
		gate = NewMemoryGate()
	}
	s := &Scheduler{
		store:    st,
		gate:     gate,
		settings: DefaultSettings(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.settings.Interval <= 0 {
		s.settings.Interval = DefaultInterval
	}
	return s
}

func (s *Scheduler) count(result string) {
	if s.runs != nil {
		s.runs.WithLabelValues(result).Inc()
	}
}

// Run executes one pass when the gate allows it. ran is false when the
// previous pass started less than the interval ago. Steps are isolated: a
// failing step is logged and the remaining steps still run; the joined step
// errors are returned.
func (s *Scheduler) Run(ctx context.Context, opts Options) (bool, error) {
	if opts.Force {
		if err := s.gate.Reset(ctx); err != nil {
			s.count("error")
			return false, err
		}
	}
	now := s.now()
	ok, err := s.gate.TryAcquire(ctx, now, s.settings.Interval)
	if err != nil {
		s.count("error")
		return false, err
	}
	if !ok {
		s.logger.Debug("skipping housekeeping, too early for next run", "interval", s.settings.Interval)
		s.count("skipped")
		return false, nil
	}

	s.logger.Info("housekeeping started", "skip_instances", opts.SkipInstances,
		"skip_calculate_size", opts.SkipCalculateSize, "skip_update_user_size", opts.SkipUpdateUserSize)
	p := &pass{Scheduler: s, root: contracts.Root(), day: startOfDay(now)}

	var errs []error
	step := func(name string, skip bool, fn func(context.Context) error) {
		if skip {
			return
		}
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, ctx.Err()))
			return
		}
		started := s.now()
		if err := fn(ctx); err != nil {
			s.logger.Error("housekeeping step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		s.logger.Debug("housekeeping step done", "step", name, "duration", s.now().Sub(started))
	}

	step("autocreate instances", opts.SkipInstances || s.instances == nil, p.autocreateInstances)
	step("ensure indexes", false, p.ensureIndexes)
	step("search names", false, p.backfillSearchNames)
	step("collection usage", opts.SkipCalculateSize, p.collectionUsage)
	step("user usage", opts.SkipUpdateUserSize, p.userUsage)
	step("customer usage", !s.settings.MultiTenant, p.customerUsage)
	step("quota", !s.settings.MultiTenant, p.enforceQuota)

	err = errors.Join(errs...)
	if err != nil {
		s.count("failed")
	} else {
		s.count("completed")
	}
	s.logger.Info("housekeeping completed", "duration", s.now().Sub(now), "failed_steps", len(errs))
	return true, err
}

// Start runs a pass every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Run(ctx, Options{}); err != nil {
			s.logger.Warn("scheduled housekeeping finished with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
