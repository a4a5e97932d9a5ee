package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine. All Record methods
// are safe on a nil or disabled Metrics.
type Metrics struct {
	config MetricsConfig

	// Dispatch metrics
	dispatches        *prometheus.CounterVec
	resourcesSelected *prometheus.CounterVec

	// Invocation metrics
	invocationsStarted  *prometheus.CounterVec
	invocationsFinished *prometheus.CounterVec
	invocationDuration  *prometheus.HistogramVec
	invocationsInFlight prometheus.Gauge
	polls               *prometheus.CounterVec

	// Limiter metrics
	limiterRejections *prometheus.CounterVec

	// Provider call metrics
	providerRetries *prometheus.CounterVec
	providerErrors  *prometheus.CounterVec

	// Safety metrics
	roleMisses     *prometheus.CounterVec
	loopSuppressed *prometheus.CounterVec
	actionMetrics  *prometheus.CounterVec
	errorsByClass  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: registry,

		dispatches:          counter("dispatches_total", "Total number of task dispatches", "task", "outcome"),
		resourcesSelected:   counter("resources_selected_total", "Resources selected by dispatches", "task"),
		invocationsStarted:  counter("invocations_started_total", "Invocations whose action was executed", "task", "action"),
		invocationsFinished: counter("invocations_finished_total", "Invocations that reached a terminal state", "task", "state"),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Time from start to terminal state",
				Buckets:   buckets,
			},
			[]string{"task", "state"},
		),
		invocationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invocations_in_flight",
			Help:      "Invocations holding a concurrency slot",
		}),
		polls:             counter("completion_polls_total", "Completion checks performed", "task"),
		limiterRejections: counter("limiter_rejections_total", "Starts deferred because the concurrency key was saturated", "task"),
		providerRetries:   counter("provider_retries_total", "Retried provider calls", "service", "method"),
		providerErrors:    counter("provider_errors_total", "Provider calls that failed after retries", "service", "method"),
		roleMisses:        counter("role_resolution_misses_total", "Accounts skipped because no role could be assumed", "account"),
		loopSuppressed:    counter("tag_writes_suppressed_total", "Tag writes suppressed by the event loop guard", "task"),
		actionMetrics:     counter("action_metric_total", "Named numeric metrics reported by actions", "task", "metric"),
		errorsByClass:     counter("errors_by_class_total", "Total number of errors by error class", "class"),
	}

	registry.MustRegister(
		m.dispatches,
		m.resourcesSelected,
		m.invocationsStarted,
		m.invocationsFinished,
		m.invocationDuration,
		m.invocationsInFlight,
		m.polls,
		m.limiterRejections,
		m.providerRetries,
		m.providerErrors,
		m.roleMisses,
		m.loopSuppressed,
		m.actionMetrics,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordDispatch records a dispatch outcome (dispatched, skipped, rejected).
func (m *Metrics) RecordDispatch(task, outcome string, resources int) {
	if !m.enabled() {
		return
	}
	m.dispatches.WithLabelValues(task, outcome).Inc()
	m.resourcesSelected.WithLabelValues(task).Add(float64(resources))
}

// RecordInvocationStarted records an executed invocation.
func (m *Metrics) RecordInvocationStarted(task, action string) {
	if !m.enabled() {
		return
	}
	m.invocationsStarted.WithLabelValues(task, action).Inc()
	m.invocationsInFlight.Inc()
}

// RecordInvocationFinished records a terminal invocation. started is false
// for invocations that failed before acquiring a slot.
func (m *Metrics) RecordInvocationFinished(task, state string, duration time.Duration, started bool) {
	if !m.enabled() {
		return
	}
	m.invocationsFinished.WithLabelValues(task, state).Inc()
	m.invocationDuration.WithLabelValues(task, state).Observe(duration.Seconds())
	if started {
		m.invocationsInFlight.Dec()
	}
}

// RecordPoll records a completion check.
func (m *Metrics) RecordPoll(task string) {
	if !m.enabled() {
		return
	}
	m.polls.WithLabelValues(task).Inc()
}

// RecordLimiterRejection records a start deferred by the concurrency limiter.
func (m *Metrics) RecordLimiterRejection(task string) {
	if !m.enabled() {
		return
	}
	m.limiterRejections.WithLabelValues(task).Inc()
}

// RecordProviderRetry records a retried provider call.
func (m *Metrics) RecordProviderRetry(service, method string) {
	if !m.enabled() {
		return
	}
	m.providerRetries.WithLabelValues(service, method).Inc()
}

// RecordProviderError records a provider call that failed for good.
func (m *Metrics) RecordProviderError(service, method string) {
	if !m.enabled() {
		return
	}
	m.providerErrors.WithLabelValues(service, method).Inc()
}

// RecordRoleMiss records an account skipped for lack of a role.
func (m *Metrics) RecordRoleMiss(account string) {
	if !m.enabled() {
		return
	}
	m.roleMisses.WithLabelValues(account).Inc()
}

// RecordLoopSuppressed records a tag write dropped by the event loop guard.
func (m *Metrics) RecordLoopSuppressed(task string) {
	if !m.enabled() {
		return
	}
	m.loopSuppressed.WithLabelValues(task).Inc()
}

// RecordActionMetrics adds the named numeric metrics of an invocation result.
func (m *Metrics) RecordActionMetrics(task string, values map[string]float64) {
	if !m.enabled() {
		return
	}
	for name, v := range values {
		if v < 0 {
			continue
		}
		m.actionMetrics.WithLabelValues(task, name).Add(v)
	}
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns an HTTP server exposing metrics, or nil when
// metrics are disabled or no listen address is configured.
func (m *Metrics) NewMetricsServer() *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
