package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	RequestTotal          *prometheus.CounterVec
	RequestDurationMs     *prometheus.HistogramVec
	UpstreamAttemptsTotal *prometheus.CounterVec
	QuotaDecisionsTotal   *prometheus.CounterVec
	HealthProbesTotal     *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_request_total",
			Help: "Total number of HTTP requests handled by the gateway.",
		}, []string{"route", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_ms",
			Help:    "HTTP request duration in milliseconds (including provider latency).",
			Buckets: []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"route"}),

		UpstreamAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_attempts_total",
			Help: "Upstream provider attempts by routing mode and outcome.",
		}, []string{"provider", "mode", "outcome"}),

		QuotaDecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_quota_decisions_total",
			Help: "Access token validations by tier and outcome.",
		}, []string{"tier", "outcome"}),

		HealthProbesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_health_probes_total",
			Help: "Active provider health probes by outcome.",
		}, []string{"provider", "outcome"}),
	}
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route, status string, durationMs float64) {
	m.RequestTotal.WithLabelValues(route, status).Inc()
	m.RequestDurationMs.WithLabelValues(route).Observe(durationMs)
}

// RecordAttempt records one upstream attempt.
func (m *Metrics) RecordAttempt(provider, mode string, err error) {
	m.UpstreamAttemptsTotal.WithLabelValues(provider, mode, outcome(err)).Inc()
}

// RecordQuotaDecision records a token validation. outcome is one of
// allowed, exceeded or unknown.
func (m *Metrics) RecordQuotaDecision(tier, outcome string) {
	m.QuotaDecisionsTotal.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) RecordProbe(provider string, err error) {
	m.HealthProbesTotal.WithLabelValues(provider, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
