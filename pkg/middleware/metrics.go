package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
	"github.com/docket-hq/slate-sheikah/pkg/replica"
	"github.com/docket-hq/slate-sheikah/pkg/server"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "slate").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for message, load and save durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "slate",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics collects Prometheus metrics for the collaboration server.
// It implements server.Observer.
//
// Metrics collected:
//   - slate_sessions_active: Gauge of registered sessions
//   - slate_session_loads_total: Counter of finished loads by status
//   - slate_session_load_duration_seconds: Histogram of successful load time
//   - slate_connections_active: Gauge of attached connections
//   - slate_messages_total: Counter of inbound messages by type and status
//   - slate_message_duration_seconds: Histogram of message handling time
//   - slate_message_errors_total: Counter of rejected messages by type and error type
//   - slate_document_saves_total: Counter of saves by status
//   - slate_document_save_duration_seconds: Histogram of save time
//   - slate_cleanup_removed_total: Counter of sessions removed by cleanup
//   - slate_cleanup_duration_seconds: Histogram of sweep time
type Metrics struct {
	sessionsActive    prometheus.Gauge
	sessionLoads      *prometheus.CounterVec
	loadDuration      prometheus.Histogram
	connectionsActive prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
	messageDuration   *prometheus.HistogramVec
	messageErrors     *prometheus.CounterVec
	saves             *prometheus.CounterVec
	saveDuration      prometheus.Histogram
	cleanupRemoved    prometheus.Counter
	cleanupDuration   prometheus.Histogram
}

var _ server.Observer = (*Metrics)(nil)

// NewMetrics registers the collaboration metrics with the configured
// registry. Registering twice with the same registry panics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}
	histogram := func(name, help string) prometheus.HistogramOpts {
		return prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}
	}

	return &Metrics{
		sessionsActive: factory.NewGauge(gauge("sessions_active",
			"Number of registered document sessions")),
		sessionLoads: factory.NewCounterVec(counter("session_loads_total",
			"Total number of finished document loads"), []string{"status"}),
		loadDuration: factory.NewHistogram(histogram("session_load_duration_seconds",
			"Document load duration in seconds")),
		connectionsActive: factory.NewGauge(gauge("connections_active",
			"Number of attached connections")),
		messagesTotal: factory.NewCounterVec(counter("messages_total",
			"Total number of inbound messages processed"), []string{"type", "status"}),
		messageDuration: factory.NewHistogramVec(histogram("message_duration_seconds",
			"Inbound message processing duration in seconds"), []string{"type"}),
		messageErrors: factory.NewCounterVec(counter("message_errors_total",
			"Total number of rejected inbound messages"), []string{"type", "error_type"}),
		saves: factory.NewCounterVec(counter("document_saves_total",
			"Total number of document saves"), []string{"status"}),
		saveDuration: factory.NewHistogram(histogram("document_save_duration_seconds",
			"Document save duration in seconds")),
		cleanupRemoved: factory.NewCounter(counter("cleanup_removed_total",
			"Total number of idle sessions removed by cleanup")),
		cleanupDuration: factory.NewHistogram(histogram("cleanup_duration_seconds",
			"Cleanup sweep duration in seconds")),
	}
}

// SessionCreated implements server.Observer.
func (m *Metrics) SessionCreated(string) {
	m.sessionsActive.Inc()
}

// SessionReady implements server.Observer.
func (m *Metrics) SessionReady(_ string, load time.Duration) {
	m.sessionLoads.WithLabelValues("ready").Inc()
	m.loadDuration.Observe(load.Seconds())
}

// SessionFailed implements server.Observer.
func (m *Metrics) SessionFailed(string, error) {
	m.sessionLoads.WithLabelValues("failed").Inc()
}

// SessionDestroyed implements server.Observer.
func (m *Metrics) SessionDestroyed(string) {
	m.sessionsActive.Dec()
}

// ConnectionAttached implements server.Observer.
func (m *Metrics) ConnectionAttached(string) {
	m.connectionsActive.Inc()
}

// ConnectionDetached implements server.Observer.
func (m *Metrics) ConnectionDetached(string) {
	m.connectionsActive.Dec()
}

// DocumentSaved implements server.Observer.
func (m *Metrics) DocumentSaved(_ string, took time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.saves.WithLabelValues(status).Inc()
	m.saveDuration.Observe(took.Seconds())
}

// CleanupSwept implements server.Observer.
func (m *Metrics) CleanupSwept(removed int, took time.Duration) {
	m.cleanupRemoved.Add(float64(removed))
	m.cleanupDuration.Observe(took.Seconds())
}

// Middleware returns a message middleware that counts and times inbound
// messages by type. Unknown types share one label value.
func (m *Metrics) Middleware() server.MessageMiddleware {
	return func(next server.MessageHandler) server.MessageHandler {
		return func(ctx context.Context, conn *server.Connection, msg *protocol.Message) error {
			msgType := string(msg.Type)
			if !msg.Type.Known() {
				msgType = "unknown"
			}

			start := time.Now()
			err := next(ctx, conn, msg)
			m.messageDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

			status := "success"
			if err != nil {
				status = "error"
				m.messageErrors.WithLabelValues(msgType, categorizeError(err)).Inc()
			}
			m.messagesTotal.WithLabelValues(msgType, status).Inc()
			return err
		}
	}
}

// categorizeError maps an error to a low-cardinality label.
func categorizeError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, replica.ErrInvalidOp):
		return "invalid_op"
	case errors.Is(err, replica.ErrPositionInvalid):
		return "invalid_position"
	case errors.Is(err, replica.ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, server.ErrSessionNotReady):
		return "not_ready"
	case errors.Is(err, server.ErrSessionFailed):
		return "session_failed"
	case errors.Is(err, server.ErrSessionNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
