package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification module.
type Metrics struct {
	// Verifications started, by type
	Started *prometheus.CounterVec

	// Terminal outcomes by status and type
	Outcome *prometheus.CounterVec

	// End-to-end processing latency (start to terminal) by type
	ProcessingDuration *prometheus.HistogramVec

	// Adapter call latency by backend and operation
	AdapterLatency *prometheus.HistogramVec

	// Adapter failures by backend
	AdapterFailures *prometheus.CounterVec

	// Duplicate terminal writes absorbed by the idempotency guard
	DuplicateCompletions prometheus.Counter

	// Status cache hit/miss
	CacheReads *prometheus.CounterVec

	// Verifications currently processing
	Active prometheus.Gauge
}

// New creates a Metrics instance with all verification metrics registered.
func New() *Metrics {
	return &Metrics{
		Started: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_verifications_started_total",
			Help: "Verifications started, by type",
		}, []string{"type"}),

		Outcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_verification_outcomes_total",
			Help: "Terminal verification outcomes by status and type",
		}, []string{"status", "type"}),

		ProcessingDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veridoc_verification_duration_seconds",
			Help:    "Time from start to terminal status, by type",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"type"}),

		AdapterLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veridoc_adapter_duration_seconds",
			Help:    "Duration of backend adapter calls by backend and operation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend", "operation"}),

		AdapterFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_adapter_failures_total",
			Help: "Backend adapter call failures by backend",
		}, []string{"backend"}),

		DuplicateCompletions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_duplicate_completions_total",
			Help: "Terminal writes absorbed because the record was already terminal",
		}),

		CacheReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_status_cache_reads_total",
			Help: "Status cache reads by outcome (hit, miss)",
		}, []string{"outcome"}),

		Active: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veridoc_verifications_active",
			Help: "Verifications currently processing",
		}),
	}
}

// ObserveAdapter records one backend call.
func (m *Metrics) ObserveAdapter(backend, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.AdapterLatency.WithLabelValues(backend, operation).Observe(d.Seconds())
	if err != nil {
		m.AdapterFailures.WithLabelValues(backend).Inc()
	}
}

// ObserveOutcome records a terminal transition.
func (m *Metrics) ObserveOutcome(status, vtype string, processing time.Duration) {
	if m == nil {
		return
	}
	m.Outcome.WithLabelValues(status, vtype).Inc()
	m.ProcessingDuration.WithLabelValues(vtype).Observe(processing.Seconds())
}

// IncStarted records a new verification.
func (m *Metrics) IncStarted(vtype string) {
	if m != nil {
		m.Started.WithLabelValues(vtype).Inc()
	}
}

// IncDuplicate records an absorbed duplicate terminal write.
func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.DuplicateCompletions.Inc()
	}
}

// IncActive marks one more verification as processing.
func (m *Metrics) IncActive() {
	if m != nil {
		m.Active.Inc()
	}
}

// DecActive marks one verification as done processing.
func (m *Metrics) DecActive() {
	if m != nil {
		m.Active.Dec()
	}
}

// IncCacheRead records a cache hit or miss.
func (m *Metrics) IncCacheRead(outcome string) {
	if m != nil {
		m.CacheReads.WithLabelValues(outcome).Inc()
	}
}
