package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	if m.RequestTotal == nil {
		t.Error("RequestTotal should not be nil")
	}
	if m.RequestDurationMs == nil {
		t.Error("RequestDurationMs should not be nil")
	}
	if m.UpstreamAttemptsTotal == nil {
		t.Error("UpstreamAttemptsTotal should not be nil")
	}
	if m.QuotaDecisionsTotal == nil {
		t.Error("QuotaDecisionsTotal should not be nil")
	}
	if m.HealthProbesTotal == nil {
		t.Error("HealthProbesTotal should not be nil")
	}
}

func TestNewMetrics_RegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordAttempt("openai", "direct", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "relay_upstream_attempts_total" {
			found = true
		}
	}
	if !found {
		t.Error("relay_upstream_attempts_total not registered")
	}
}

func TestRecordRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordRequest("/v1/chat/completions", "200", 150)
	m.RecordRequest("/v1/chat/completions", "200", 90)

	if got := counterValue(t, m.RequestTotal, "/v1/chat/completions", "200"); got != 2 {
		t.Errorf("expected request count 2, got %v", got)
	}

	hist, err := m.RequestDurationMs.GetMetricWithLabelValues("/v1/chat/completions")
	if err != nil {
		t.Fatal(err)
	}
	var metric dto.Metric
	hist.(prometheus.Histogram).Write(&metric)
	if metric.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("expected 2 samples, got %d", metric.GetHistogram().GetSampleCount())
	}
}

func TestRecordAttempt(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordAttempt("openai", "direct", errors.New("boom"))
	m.RecordAttempt("groq", "fallback", nil)

	if got := counterValue(t, m.UpstreamAttemptsTotal, "openai", "direct", "failure"); got != 1 {
		t.Errorf("openai failures = %v, want 1", got)
	}
	if got := counterValue(t, m.UpstreamAttemptsTotal, "groq", "fallback", "success"); got != 1 {
		t.Errorf("groq successes = %v, want 1", got)
	}
}

func TestRecordQuotaDecisionAndProbe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordQuotaDecision("premium", "exceeded")
	m.RecordProbe("openai", nil)
	m.RecordProbe("openai", errors.New("HTTP 500: Internal Server Error"))

	if got := counterValue(t, m.QuotaDecisionsTotal, "premium", "exceeded"); got != 1 {
		t.Errorf("quota decisions = %v, want 1", got)
	}
	if got := counterValue(t, m.HealthProbesTotal, "openai", "failure"); got != 1 {
		t.Errorf("probe failures = %v, want 1", got)
	}
}
