package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for RequestsTotal.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics for insightd.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	AttemptsTotal    prometheus.Counter
	RetriesTotal     prometheus.Counter
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	RequestsInFlight prometheus.Gauge
	CacheReads       *prometheus.CounterVec
	Escalations      prometheus.Counter
	Notifications    *prometheus.CounterVec
	TrackedInsights  prometheus.Gauge
	Ready            prometheus.Gauge
	BreakerState     prometheus.Gauge

	latency *Latency
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "insightd",
				Name:      "attempts_total",
				Help:      "Total number of transport attempts started",
			},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "insightd",
				Name:      "retries_total",
				Help:      "Total number of retries scheduled after a failed attempt",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "insightd",
				Name:      "requests_total",
				Help:      "Total number of finished requests by outcome",
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "insightd",
				Name:      "request_duration_seconds",
				Help:      "Latency of successful attempts",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 13), // 5ms to ~20s
			},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "insightd",
				Name:      "requests_in_flight",
				Help:      "Current number of requests owned by the orchestrator",
			},
		),
		CacheReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "insightd",
				Name:      "cache_reads_total",
				Help:      "Insight cache lookups by result (fresh, stale, miss)",
			},
			[]string{"result"},
		),
		Escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "insightd",
				Name:      "escalations_total",
				Help:      "Cache-preferring fetches escalated to force-recompute",
			},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "insightd",
				Name:      "notifications_total",
				Help:      "Notifications published by kind",
			},
			[]string{"kind"},
		),
		TrackedInsights: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "insightd",
				Name:      "tracked_insights",
				Help:      "Number of insights in the refresh rotation",
			},
		),
		Ready: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "insightd",
				Name:      "ready",
				Help:      "Whether the upstream API is reachable (1=yes, 0=no)",
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "insightd",
				Name:      "breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		latency: NewLatency(),
	}
}

// IncAttempts counts a started attempt.
func (m *Metrics) IncAttempts() {
	if m == nil {
		return
	}
	m.AttemptsTotal.Inc()
}

// IncRetries counts a scheduled retry.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// RecordRequest records a finished request.
func (m *Metrics) RecordRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.RequestDuration.Observe(d.Seconds())
		m.latency.Record(d)
	}
}

// SetInFlight updates the in-flight gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.RequestsInFlight.Set(float64(n))
}

// RecordCacheRead counts a cache lookup.
func (m *Metrics) RecordCacheRead(result string) {
	if m == nil {
		return
	}
	m.CacheReads.WithLabelValues(result).Inc()
}

// IncEscalations counts an escalation.
func (m *Metrics) IncEscalations() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

// RecordNotification counts a published notification.
func (m *Metrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

// SetTracked updates the tracked insights gauge.
func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedInsights.Set(float64(n))
}

// SetReady updates the readiness gauge.
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.Ready.Set(1)
	} else {
		m.Ready.Set(0)
	}
}

// SetBreakerState updates the breaker gauge.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
}

// Latency returns percentiles of successful attempts.
func (m *Metrics) Latency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.latency.Snapshot()
}
