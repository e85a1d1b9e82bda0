package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the orchestrator.
// A Metrics built with metrics disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Orchestrator operations
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	activeOperations    prometheus.Gauge
	candidateFallbacks  *prometheus.CounterVec

	// Stacks
	stackTransitions *prometheus.CounterVec
	stackWait        *prometheus.HistogramVec

	// Provider calls
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Templates and events
	patchesApplied *prometheus.CounterVec
	eventsFired    *prometheus.CounterVec

	// Errors
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

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

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of build, update and destroy operations started",
			},
			[]string{"operation"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations completed by result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of orchestrator operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "result"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of running operations",
			},
		),
		candidateFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidate_fallbacks_total",
				Help:      "Total number of builds that moved on to the next candidate cloud",
			},
			[]string{"cloud_type"},
		),

		stackTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_transitions_total",
				Help:      "Total number of stack status transitions",
			},
			[]string{"status"},
		),
		stackWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stack_wait_seconds",
				Help:      "Time spent waiting for stacks to converge",
				Buckets:   buckets,
			},
			[]string{"provider", "result"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		patchesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "template_patches_applied_total",
				Help:      "Total number of template patches applied",
			},
			[]string{"provider", "patch"},
		),
		eventsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_fired_total",
				Help:      "Total number of event bus fires by result",
			},
			[]string{"event", "result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.activeOperations,
		m.candidateFallbacks,
		m.stackTransitions,
		m.stackWait,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.patchesApplied,
		m.eventsFired,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// RecordOperationStarted increments the counter for started operations.
func (m *Metrics) RecordOperationStarted(operation string) {
	if m == nil || m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(operation).Inc()
	m.activeOperations.Inc()
}

// RecordOperationCompleted records a finished operation with its result and duration.
func (m *Metrics) RecordOperationCompleted(operation, result string, duration time.Duration) {
	if m == nil || m.operationsCompleted == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordCandidateFallback records a move to the next candidate cloud.
func (m *Metrics) RecordCandidateFallback(cloudType string) {
	if m == nil || m.candidateFallbacks == nil {
		return
	}
	m.candidateFallbacks.WithLabelValues(cloudType).Inc()
}

// RecordStackTransition records a stack entering status.
func (m *Metrics) RecordStackTransition(status string) {
	if m == nil || m.stackTransitions == nil {
		return
	}
	m.stackTransitions.WithLabelValues(status).Inc()
}

// RecordStackWait records the time a stack took to converge or fail.
func (m *Metrics) RecordStackWait(provider, result string, duration time.Duration) {
	if m == nil || m.stackWait == nil {
		return
	}
	m.stackWait.WithLabelValues(provider, result).Observe(duration.Seconds())
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordPatchApplied records one applied template patch.
func (m *Metrics) RecordPatchApplied(provider, patch string) {
	if m == nil || m.patchesApplied == nil {
		return
	}
	m.patchesApplied.WithLabelValues(provider, patch).Inc()
}

// RecordEventFired records an event bus fire and its result.
func (m *Metrics) RecordEventFired(event, result string) {
	if m == nil || m.eventsFired == nil {
		return
	}
	m.eventsFired.WithLabelValues(event, result).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server returns the HTTP server exposing the metrics endpoint.
func (m *Metrics) Server() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartMetricsServer starts an HTTP server to expose metrics in the background.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	server := m.Server()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", server.Addr).Msg("metrics server stopped")
		}
	}()

	return nil
}
