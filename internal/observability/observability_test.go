package observability

import (
	"context"
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/mcpbox/internal/config"
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
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
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

	// Initialize vec metrics so they appear in Gather.
	m.InstanceLoadsTotal.WithLabelValues("github", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("success").Inc()
	m.BridgeCallsTotal.WithLabelValues("ping", "success").Inc()
	m.SchemaCacheLookupsTotal.WithLabelValues("hit").Inc()
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
		"mcpbox_instance_loads_total",
		"mcpbox_execution_total",
		"mcpbox_bridge_calls_total",
		"mcpbox_schema_cache_lookups_total",
		"mcpbox_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.BridgeCallsTotal.WithLabelValues("create_issue", "success").Inc()
	m.BridgeCallsTotal.WithLabelValues("create_issue", "success").Inc()
	m.BridgeCallsTotal.WithLabelValues("create_issue", "error").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "mcpbox_bridge_calls_total" {
			family = f
		}
	}
	if family == nil {
		t.Fatal("bridge calls metric not gathered")
	}

	counts := make(map[string]float64)
	for _, metric := range family.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "status" {
				counts[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if counts["success"] != 2 {
		t.Errorf("success count = %v, want 2", counts["success"])
	}
	if counts["error"] != 1 {
		t.Errorf("error count = %v, want 1", counts["error"])
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("status = %q, want ok with no checks", got.Status)
	}
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q", got.Status)
	}
}

func TestHealthChecker_DegradedOnFailure(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("backend", func(ctx context.Context) error { return errors.New("executable missing") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", got.Status)
	}
	if got.Checks["store"].Status != "ok" {
		t.Errorf("store check = %+v", got.Checks["store"])
	}
	if got.Checks["backend"].Status != "fail" || got.Checks["backend"].Message == "" {
		t.Errorf("backend check = %+v", got.Checks["backend"])
	}
}
