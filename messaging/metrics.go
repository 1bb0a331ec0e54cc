package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher collectors.
type Metrics struct {
	commands    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	panics      prometheus.Counter
	disconnects prometheus.Counter
	unknown     prometheus.Counter
}

// NewMetrics registers the dispatcher collectors with registerer. A nil
// registerer uses the default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &Metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "commands_total",
			Help:      "Commands processed, by command and outcome.",
		}, []string{"command", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "command_duration_seconds",
			Help:      "Command handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limited_total",
			Help:      "Messages delayed by the per-connection rate limiter.",
		}, []string{"command"}),
		panics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "handler_panics_total",
			Help:      "Recovered panics while processing messages.",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limit_disconnects_total",
			Help:      "Connections closed for exceeding the rate limit threshold.",
		}),
		unknown: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "unknown_commands_total",
			Help:      "Messages with an unregistered command.",
		}),
	}
}

func (m *Metrics) observe(command string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.duration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) limited(command string) {
	if m != nil {
		m.rateLimited.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) panicked() {
	if m != nil {
		m.panics.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.disconnects.Inc()
	}
}

func (m *Metrics) unknownCommand() {
	if m != nil {
		m.unknown.Inc()
	}
}
