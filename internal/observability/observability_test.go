package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/execution"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs == nil || obs.Health == nil {
		t.Fatal("expected a health checker even without observability config")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("optional components should be nil for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.SpanTracer() != nil {
		t.Error("span tracer should be nil when tracing is off")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("expected metrics collector")
	}
	if obs.AnomalyOrNil() == nil {
		t.Error("expected anomaly detector")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

func TestTracerSetup_NilTracerIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil setup: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.ExecutionsTotal.WithLabelValues("stdout").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/execute", "200").Inc()
	m.SetSessions(3)
	m.MemoryKill()
	m.TrackWorkers(func() int { return 2 })

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		names[f.GetName()] = f
	}
	for _, expected := range []string{
		"runbox_execution_total",
		"runbox_http_requests_total",
		"runbox_sessions_active",
		"runbox_memory_kills_total",
		"runbox_workers_active",
	} {
		if names[expected] == nil {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
	if got := names["runbox_sessions_active"].GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("sessions_active = %v, want 3", got)
	}
	if got := names["runbox_workers_active"].GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("workers_active = %v, want 2", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.SetSessions(1)
	m.MemoryKill()
	m.TrackWorkers(func() int { return 0 })
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
	if !status.OK() {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("worker", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.OK() {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != "fail" {
		t.Errorf("storage check = %q, want fail", status.Checks["storage"].Status)
	}
	if status.Checks["storage"].Message != "connection refused" {
		t.Errorf("storage message = %q", status.Checks["storage"].Message)
	}
	if status.Checks["worker"].Status != "ok" {
		t.Errorf("worker check = %q, want ok", status.Checks["worker"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); !status.OK() {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report zero error rate")
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		a.RecordSuccess("op")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("op")
	}
	if got := a.ErrorRate("op"); got != 0.6 {
		t.Errorf("error rate = %v, want 0.6", got)
	}

	// Everything ages out of the window.
	now = now.Add(2 * time.Minute)
	if got := a.ErrorRate("op"); got != 0 {
		t.Errorf("error rate after window = %v, want 0", got)
	}
}

// --- InstrumentedHandler ---

type stubHandler struct {
	resp   execution.Response
	status int
	called int
}

func (s *stubHandler) HandleSubmission(ctx context.Context, sub execution.Submission) (execution.Response, int) {
	s.called++
	return s.resp, s.status
}

func TestInstrumentedHandler_RecordsOutcome(t *testing.T) {
	metrics := NewMetricsCollector()
	out := "1\n"
	inner := &stubHandler{
		resp:   execution.Response{ID: "abc", Stdout: &out, Outcome: execution.OutcomeStdout},
		status: http.StatusOK,
	}
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)

	h := NewInstrumentedHandler(inner, metrics, nil, anomaly)
	resp, status := h.HandleSubmission(context.Background(), execution.NewSubmission("print(1)", ""))
	if status != http.StatusOK || resp.ID != "abc" {
		t.Fatalf("unexpected passthrough: %d %+v", status, resp)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	val := counterValue(t, metrics.Registry, "runbox_execution_total", prometheus.Labels{"outcome": "stdout"})
	if val != 1 {
		t.Errorf("execution_total = %v, want 1", val)
	}
	if anomaly.ErrorRate(anomalyOperation) != 0 {
		t.Error("success should not raise the error rate")
	}
}

func TestInstrumentedHandler_CallerMistakesIgnoredByAnomaly(t *testing.T) {
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	inner := &stubHandler{
		resp:   execution.Response{Error: execution.MsgInvalidCode, Outcome: execution.OutcomeInvalid},
		status: http.StatusBadRequest,
	}

	h := NewInstrumentedHandler(inner, nil, nil, anomaly)
	h.HandleSubmission(context.Background(), execution.Submission{Code: 42})
	if anomaly.ErrorRate(anomalyOperation) != 0 {
		t.Error("validation failures should not count as service errors")
	}

	inner.resp = execution.Response{Error: execution.MsgTimeout, Outcome: execution.OutcomeTimeout, Err: execution.ErrTimeout}
	inner.status = http.StatusInternalServerError
	h.HandleSubmission(context.Background(), execution.NewSubmission("while(true){}", ""))
	if anomaly.ErrorRate(anomalyOperation) != 1 {
		t.Errorf("error rate = %v, want 1", anomaly.ErrorRate(anomalyOperation))
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "runbox_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "418"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := HTTPMetricsMiddleware(nil, nil, next)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

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
