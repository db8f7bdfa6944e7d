// Package metrics provides Prometheus metrics collection for plan routing,
// materialized view health, and batch execution.
package metrics

import (
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adanalytics/queryaccel/infrastructure/runtime"
)

// Metrics holds every Prometheus collector this engine exposes.
type Metrics struct {
	// Plan routing: how the planner resolved each submitted query.
	PlanRoutingTotal *prometheus.CounterVec
	ComputeDuration  *prometheus.HistogramVec
	IODuration       *prometheus.HistogramVec

	// Materialized view health, one gauge sample per name per poll.
	MVHealthState   *prometheus.GaugeVec
	MVRowCount      *prometheus.GaugeVec
	MVByteSize      *prometheus.GaugeVec
	MVBuildDuration prometheus.Histogram
	MVBuildTotal    *prometheus.CounterVec

	// Batch execution outcomes.
	BatchStatusTotal *prometheus.CounterVec
	BatchSizeTotal   prometheus.Histogram

	// Correctness validator.
	ValidatorMismatchTotal *prometheus.CounterVec

	// Error metrics, retained across every component.
	ErrorsTotal *prometheus.CounterVec

	// Service health.
	ServiceInfo *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PlanRoutingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryaccel_plan_routing_total",
				Help: "Total number of plans routed, by match type and outcome status.",
			},
			[]string{"match_type", "status", "source"},
		),
		ComputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queryaccel_compute_duration_seconds",
				Help:    "In-engine compute time for a plan, excluding I/O wait.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"match_type"},
		),
		IODuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queryaccel_io_duration_seconds",
				Help:    "Parquet scan I/O wait time for a plan.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"match_type"},
		),

		MVHealthState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queryaccel_mv_health_state",
				Help: "1 if the named materialized view is in the given lifecycle state, else 0.",
			},
			[]string{"mv_name", "state"},
		),
		MVRowCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queryaccel_mv_row_count",
				Help: "Row count of the named materialized view's current ready snapshot.",
			},
			[]string{"mv_name"},
		),
		MVByteSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queryaccel_mv_byte_size",
				Help: "Byte size of the named materialized view's current ready snapshot.",
			},
			[]string{"mv_name"},
		),
		MVBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "queryaccel_mv_build_duration_seconds",
				Help:    "Wall-clock duration of an MV build attempt, successful or not.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		MVBuildTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryaccel_mv_build_total",
				Help: "Total number of MV build attempts, by outcome.",
			},
			[]string{"mv_name", "outcome"},
		),

		BatchStatusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryaccel_batch_plan_status_total",
				Help: "Total number of per-plan batch outcomes, by terminal status.",
			},
			[]string{"status"},
		),
		BatchSizeTotal: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "queryaccel_batch_size",
				Help:    "Number of queries submitted per batch.",
				Buckets: []float64{1, 2, 5, 10, 15, 20},
			},
		),

		ValidatorMismatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryaccel_validator_mismatch_total",
				Help: "Total number of correctness-validator row mismatches found, by MV name.",
			},
			[]string{"mv_name"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryaccel_errors_total",
				Help: "Total number of errors, by kind and operation.",
			},
			[]string{"kind", "operation"},
		),

		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queryaccel_service_info",
				Help: "Service build information.",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.PlanRoutingTotal,
			m.ComputeDuration,
			m.IODuration,
			m.MVHealthState,
			m.MVRowCount,
			m.MVByteSize,
			m.MVBuildDuration,
			m.MVBuildTotal,
			m.BatchStatusTotal,
			m.BatchSizeTotal,
			m.ValidatorMismatchTotal,
			m.ErrorsTotal,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordPlanRouting records the outcome of routing and executing one plan.
func (m *Metrics) RecordPlanRouting(status, matchType, source string) {
	m.PlanRoutingTotal.WithLabelValues(matchType, status, source).Inc()
}

// ObserveComputeDuration records in-engine compute time for a plan of the
// given match type.
func (m *Metrics) ObserveComputeDuration(matchType string, seconds float64) {
	m.ComputeDuration.WithLabelValues(matchType).Observe(seconds)
}

// ObserveIODuration records parquet scan I/O wait time for a plan of the
// given match type.
func (m *Metrics) ObserveIODuration(matchType string, seconds float64) {
	m.IODuration.WithLabelValues(matchType).Observe(seconds)
}

// SetMVHealth records the current lifecycle state of a materialized view:
// the gauge for state is set to 1 and every other known state for the same
// mv_name is set to 0, so a dashboard can graph state transitions cleanly.
func (m *Metrics) SetMVHealth(mvName string, states []string, current string) {
	for _, s := range states {
		if s == current {
			m.MVHealthState.WithLabelValues(mvName, s).Set(1)
		} else {
			m.MVHealthState.WithLabelValues(mvName, s).Set(0)
		}
	}
}

// SetMVSize records the row count and byte size of a materialized view's
// current ready snapshot.
func (m *Metrics) SetMVSize(mvName string, rowCount, byteSize int64) {
	m.MVRowCount.WithLabelValues(mvName).Set(float64(rowCount))
	m.MVByteSize.WithLabelValues(mvName).Set(float64(byteSize))
}

// RecordMVBuild records the outcome and duration of an MV build attempt.
func (m *Metrics) RecordMVBuild(mvName, outcome string, seconds float64) {
	m.MVBuildTotal.WithLabelValues(mvName, outcome).Inc()
	m.MVBuildDuration.Observe(seconds)
}

// RecordBatch records a completed batch's size and the terminal status of
// every plan it contained.
func (m *Metrics) RecordBatch(size int, statusCounts map[string]int) {
	m.BatchSizeTotal.Observe(float64(size))
	for status, count := range statusCounts {
		m.BatchStatusTotal.WithLabelValues(status).Add(float64(count))
	}
}

// RecordValidatorMismatch records one correctness-validator mismatch found
// for the named materialized view.
func (m *Metrics) RecordValidatorMismatch(mvName string) {
	m.ValidatorMismatchTotal.WithLabelValues(mvName).Inc()
}

// RecordError records an error, by kind and operation.
func (m *Metrics) RecordError(kind, operation string) {
	m.ErrorsTotal.WithLabelValues(kind, operation).Inc()
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
