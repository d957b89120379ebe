package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// createTestMetrics creates a Metrics instance for testing with a custom registry
// to avoid conflicts with the global registry across tests
func createTestMetrics(namespace string) (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewMetricsWithRegistry(namespace, registry, registry), registry
}

func TestCreateTestMetrics_DefaultNamespace(t *testing.T) {
	m, registry := createTestMetrics("")
	m.RecordBiddingOutcome("win")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "adselection_bidding_outcomes_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected adselection_bidding_outcomes_total to be registered")
	}
}

func TestRecorderImplementations(t *testing.T) {
	var _ Recorder = NoOp{}
	var _ Recorder = &Metrics{}
}

func TestRecordStage(t *testing.T) {
	m, _ := createTestMetrics("test")

	m.RecordStage(StageFetchLogic, 15*time.Millisecond)
	m.RecordStage(StageFetchLogic, 25*time.Millisecond)
	m.RecordStage(StageBidding, 5*time.Millisecond)

	if count := testutil.CollectAndCount(m.StageDuration); count != 2 {
		t.Errorf("expected 2 stage series, got %d", count)
	}
}

func TestRecordTimeout(t *testing.T) {
	m, _ := createTestMetrics("test")

	m.RecordTimeout(StageBidding)
	m.RecordTimeout(StageBidding)
	m.RecordTimeout(StageSelection)

	if v := testutil.ToFloat64(m.Timeouts.WithLabelValues(StageBidding)); v != 2 {
		t.Errorf("expected 2 bidding timeouts, got %v", v)
	}
	if v := testutil.ToFloat64(m.Timeouts.WithLabelValues(StageSelection)); v != 1 {
		t.Errorf("expected 1 selection timeout, got %v", v)
	}
}

func TestRecordOutcomes(t *testing.T) {
	m, _ := createTestMetrics("test")

	m.RecordBiddingOutcome("win")
	m.RecordBiddingOutcome("no_bid")
	m.RecordBiddingOutcome("win")
	m.RecordSelectionOutcome("no_winner")

	if v := testutil.ToFloat64(m.BiddingOutcomes.WithLabelValues("win")); v != 2 {
		t.Errorf("expected 2 wins, got %v", v)
	}
	if v := testutil.ToFloat64(m.SelectionOutcomes.WithLabelValues("no_winner")); v != 1 {
		t.Errorf("expected 1 no_winner, got %v", v)
	}
}

func TestRecordFilteredAds(t *testing.T) {
	m, _ := createTestMetrics("test")

	m.RecordFilteredAds("frequency_cap", 3)
	m.RecordFilteredAds("frequency_cap", 0)
	m.RecordFilteredAds("app_install", 1)

	if v := testutil.ToFloat64(m.FilteredAds.WithLabelValues("frequency_cap")); v != 3 {
		t.Errorf("expected 3 frequency cap drops, got %v", v)
	}
	if v := testutil.ToFloat64(m.FilteredAds.WithLabelValues("app_install")); v != 1 {
		t.Errorf("expected 1 app install drop, got %v", v)
	}
}

func TestRecordScriptFetch(t *testing.T) {
	m, _ := createTestMetrics("test")

	m.RecordScriptFetch("override", "ok")
	m.RecordScriptFetch("network", "error")

	if v := testutil.ToFloat64(m.ScriptFetches.WithLabelValues("override", "ok")); v != 1 {
		t.Errorf("expected 1 override fetch, got %v", v)
	}
	if v := testutil.ToFloat64(m.ScriptFetches.WithLabelValues("network", "error")); v != 1 {
		t.Errorf("expected 1 failed network fetch, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m, _ := createTestMetrics("test")
	m.RecordBiddingOutcome("win")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_bidding_outcomes_total{outcome="win"} 1`) {
		t.Errorf("expected bidding outcome in exposition, got:\n%s", body)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	m, _ := createTestMetrics("test")

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/auction", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if v := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/v1/auction", "202")); v != 1 {
		t.Errorf("expected 1 request recorded, got %v", v)
	}
	if v := testutil.ToFloat64(m.RequestsInFlight); v != 0 {
		t.Errorf("expected 0 in flight after request, got %v", v)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	m, _ := createTestMetrics("test")

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	if v := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/status", "200")); v != 1 {
		t.Errorf("expected default 200 status, got %v", v)
	}
}

func BenchmarkRecordStage(b *testing.B) {
	m, _ := createTestMetrics("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordStage(StageBidding, time.Millisecond)
	}
}
