package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the convertly core.
type Metrics struct {
	config MetricsConfig

	// Polling metrics
	pollAttempts  *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	pollGiveUps   prometheus.Counter
	activeWatches prometheus.Gauge

	// Consistency metrics
	overlaysApplied    prometheus.Counter
	overlaysCommitted  prometheus.Counter
	overlaysRolledBack prometheus.Counter
	overlaysKept       prometheus.Counter
	confirmDuration    *prometheus.HistogramVec
	reconciliations    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Total number of poll attempts by outcome",
			},
			[]string{"outcome"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of remote status fetches in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		pollGiveUps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_give_ups_total",
				Help:      "Total number of watches that exhausted their attempt cap",
			},
		),
		activeWatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_watches",
				Help:      "Current number of active poll watches",
			},
		),

		overlaysApplied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overlays_applied_total",
				Help:      "Total number of optimistic overlays applied",
			},
		),
		overlaysCommitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overlays_committed_total",
				Help:      "Total number of overlays committed as authoritative",
			},
		),
		overlaysRolledBack: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overlays_rolled_back_total",
				Help:      "Total number of overlays rolled back after failed confirmation",
			},
		),
		overlaysKept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overlays_kept_total",
				Help:      "Total number of unconfirmed overlays kept after failed confirmation",
			},
		),
		confirmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "confirm_duration_seconds",
				Help:      "Duration of confirming requests in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of consistency reconciliations by result",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.pollAttempts,
		m.pollDuration,
		m.pollGiveUps,
		m.activeWatches,
		m.overlaysApplied,
		m.overlaysCommitted,
		m.overlaysRolledBack,
		m.overlaysKept,
		m.confirmDuration,
		m.reconciliations,
		m.errorsByClass,
	)

	return m, nil
}

// Polling metrics

// RecordPollAttempt records one poll cycle with its outcome and duration.
func (m *Metrics) RecordPollAttempt(outcome string, duration time.Duration) {
	if m == nil || m.pollAttempts == nil {
		return
	}
	m.pollAttempts.WithLabelValues(outcome).Inc()
	m.pollDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPollGiveUp records a watch that exhausted its attempt cap.
func (m *Metrics) RecordPollGiveUp() {
	if m == nil || m.pollGiveUps == nil {
		return
	}
	m.pollGiveUps.Inc()
}

// SetActiveWatches sets the current number of active watches.
func (m *Metrics) SetActiveWatches(count float64) {
	if m == nil || m.activeWatches == nil {
		return
	}
	m.activeWatches.Set(count)
}

// Consistency metrics

// RecordOverlayApplied records an optimistic apply.
func (m *Metrics) RecordOverlayApplied() {
	if m == nil || m.overlaysApplied == nil {
		return
	}
	m.overlaysApplied.Inc()
}

// RecordOverlayCommitted records a committed overlay.
func (m *Metrics) RecordOverlayCommitted() {
	if m == nil || m.overlaysCommitted == nil {
		return
	}
	m.overlaysCommitted.Inc()
}

// RecordOverlayRolledBack records a rollback after a failed confirmation.
func (m *Metrics) RecordOverlayRolledBack() {
	if m == nil || m.overlaysRolledBack == nil {
		return
	}
	m.overlaysRolledBack.Inc()
}

// RecordOverlayKept records an unconfirmed overlay kept in place.
func (m *Metrics) RecordOverlayKept() {
	if m == nil || m.overlaysKept == nil {
		return
	}
	m.overlaysKept.Inc()
}

// RecordConfirm records a confirming request with its result and duration.
func (m *Metrics) RecordConfirm(result string, duration time.Duration) {
	if m == nil || m.confirmDuration == nil {
		return
	}
	m.confirmDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordReconciliation records a consistency check by result
// (clean, overwritten, error).
func (m *Metrics) RecordReconciliation(result string) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}

// Error metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
