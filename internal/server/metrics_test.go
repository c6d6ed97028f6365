package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/54b3r/mailrag-go/internal/workflow"
)

// Metrics must satisfy the engine's observer hook.
var _ workflow.Observer = (*Metrics)(nil)

// newMetricsTestServer builds a routed Server backed by a fresh isolated
// registry so tests do not pollute prometheus.DefaultRegisterer.
func newMetricsTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := New(&fakeRunner{resp: sampleResponse()}, nil, &Config{
		ChatTimeout:     5 * time.Minute,
		MetricsRegistry: reg,
		MetricsGatherer: reg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s, reg
}

// findMetric returns the first sample of name whose labels include want.
func findMetric(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			return m
		}
	}
	return nil
}

func Test_Metrics_EndpointReturns200(t *testing.T) {
	t.Parallel()
	s, _ := newMetricsTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("want 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "mailrag_chat_active_streams") {
		t.Error("expected mailrag_chat_active_streams in exposition")
	}
}

func Test_Metrics_ChatCounterIncremented(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"tenant_id":"acme","question":"hi"}`))
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	m := findMetric(t, reg, "mailrag_chat_requests_total", map[string]string{"mode": "sync", "outcome": "ok"})
	if m == nil {
		t.Fatal(`mailrag_chat_requests_total{mode="sync",outcome="ok"} not found`)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("want counter=1, got %v", got)
	}

	h := findMetric(t, reg, "mailrag_http_requests_total", map[string]string{"handler": "chat", "code": "200"})
	if h == nil {
		t.Fatal(`mailrag_http_requests_total{handler="chat",code="200"} not found`)
	}
}

func Test_Metrics_ActiveStreamsGauge(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	s.metrics.chatActiveStreams.Inc()
	s.metrics.chatActiveStreams.Inc()

	m := findMetric(t, reg, "mailrag_chat_active_streams", nil)
	if m == nil {
		t.Fatal("mailrag_chat_active_streams not found")
	}
	if v := m.GetGauge().GetValue(); v != 2 {
		t.Errorf("want active_streams=2, got %v", v)
	}
}

func Test_Metrics_WorkflowObserver(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveStage("retrieve", 40*time.Millisecond)
	m.ObserveStage("retrieve", 60*time.Millisecond)
	m.RetrievalDegraded()
	m.RoutingFallback()
	m.RoutingFallback()

	stage := findMetric(t, reg, "mailrag_workflow_stage_duration_seconds", map[string]string{"step": "retrieve"})
	if stage == nil {
		t.Fatal("stage histogram not found")
	}
	if n := stage.GetHistogram().GetSampleCount(); n != 2 {
		t.Errorf("want 2 samples, got %d", n)
	}
	if v := findMetric(t, reg, "mailrag_workflow_retrieval_degraded_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("retrieval_degraded_total: want 1, got %v", v)
	}
	if v := findMetric(t, reg, "mailrag_workflow_routing_fallback_total", nil).GetCounter().GetValue(); v != 2 {
		t.Errorf("routing_fallback_total: want 2, got %v", v)
	}
}
