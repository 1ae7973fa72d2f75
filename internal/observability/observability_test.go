package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/config"
	"github.com/jkaninda/crucible/internal/engine"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (a CounterVec only
	// appears after first use).
	m.ValidationsTotal.WithLabelValues("standard", "accepted").Inc()
	m.ExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.DispatchesTotal.WithLabelValues("search", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"crucible_validator_validations_total",
		"crucible_engine_executions_total",
		"crucible_capability_dispatches_total",
		"crucible_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.ExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("process", "timed_out").Inc()

	if got := counterValue(t, m.Registry, "crucible_engine_executions_total", prometheus.Labels{"backend": "process", "kind": "success"}); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "crucible_engine_executions_total", prometheus.Labels{"backend": "process", "kind": "timed_out"}); got != 1 {
		t.Errorf("timed_out count = %v, want 1", got)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("audit_db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("docker", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["audit_db"].Status != "fail" {
		t.Errorf("audit_db check = %q, want fail", status.Checks["audit_db"].Status)
	}
	if status.Checks["docker"].Status != "ok" {
		t.Errorf("docker check = %q, want ok", status.Checks["docker"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("process")
	a.RecordSuccess("process")
}

func TestAnomalyDetector_Windows(t *testing.T) {
	a := NewAnomalyDetector(nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("process")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("process")
	}

	a.mu.Lock()
	errs := a.errorCounts["process"].sum()
	successes := a.successCounts["process"].sum()
	a.mu.Unlock()

	if errs != 6 {
		t.Errorf("errors = %v, want 6", errs)
	}
	if successes != 4 {
		t.Errorf("successes = %v, want 4", successes)
	}
}

// --- InstrumentedStrategy (wrapper) ---

type mockStrategy struct {
	name    string
	outcome *engine.Outcome
	called  int
}

func (m *mockStrategy) Name() string { return m.name }
func (m *mockStrategy) Execute(ctx context.Context, run engine.Run) *engine.Outcome {
	m.called++
	return m.outcome
}

func TestInstrumentedStrategy_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockStrategy{
		name: "process",
		outcome: &engine.Outcome{
			Kind:  engine.KindSuccess,
			Value: 42,
			Usage: engine.Usage{Operations: 10, Duration: 100 * time.Millisecond},
		},
	}

	s := NewInstrumentedStrategy(inner, metrics, nil, nil)
	out := s.Execute(context.Background(), engine.Run{})
	if out.Kind != engine.KindSuccess {
		t.Fatalf("kind = %s", out.Kind)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	val := counterValue(t, metrics.Registry, "crucible_engine_executions_total", prometheus.Labels{"backend": "process", "kind": "success"})
	if val != 1 {
		t.Errorf("executions_total = %v, want 1", val)
	}
}

func TestInstrumentedStrategy_BackendFailure(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockStrategy{
		name:    "docker",
		outcome: &engine.Outcome{Kind: engine.KindBackendFailure, Error: "daemon unreachable"},
	}

	s := NewInstrumentedStrategy(inner, metrics, nil, NewAnomalyDetector(nil))
	out := s.Execute(context.Background(), engine.Run{})
	if out.Kind != engine.KindBackendFailure {
		t.Fatalf("kind = %s", out.Kind)
	}

	val := counterValue(t, metrics.Registry, "crucible_engine_executions_total", prometheus.Labels{"backend": "docker", "kind": "backend_failure"})
	if val != 1 {
		t.Errorf("executions_total = %v, want 1", val)
	}
}

func TestInstrumentedStrategy_NilMetrics(t *testing.T) {
	inner := &mockStrategy{name: "inprocess", outcome: &engine.Outcome{Kind: engine.KindSuccess}}

	// nil metrics — should not panic.
	s := NewInstrumentedStrategy(inner, nil, nil, nil)
	if out := s.Execute(context.Background(), engine.Run{}); out.Kind != engine.KindSuccess {
		t.Fatalf("kind = %s", out.Kind)
	}
}

// --- InstrumentedInvoker (wrapper) ---

type mockInvoker struct {
	value any
	err   error
}

func (m *mockInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return m.value, m.err
}

func TestInstrumentedInvoker_RecordsDispatches(t *testing.T) {
	metrics := NewMetricsCollector()

	inv := NewInstrumentedInvoker(&mockInvoker{value: "ok"}, metrics, nil)
	if _, err := inv.Invoke(context.Background(), "search", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failing := NewInstrumentedInvoker(&mockInvoker{err: errors.New("boom")}, metrics, nil)
	if _, err := failing.Invoke(context.Background(), "search", nil); err == nil {
		t.Fatal("expected error")
	}

	if val := counterValue(t, metrics.Registry, "crucible_capability_dispatches_total", prometheus.Labels{"capability": "search", "status": "success"}); val != 1 {
		t.Errorf("success dispatches = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "crucible_capability_dispatches_total", prometheus.Labels{"capability": "search", "status": "error"}); val != 1 {
		t.Errorf("error dispatches = %v, want 1", val)
	}
}

var _ capability.Invoker = (*mockInvoker)(nil)

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
