package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry is nil")
	}
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("/ask", 200, 50*time.Millisecond)
	m.RecordRequest("/ask", 200, 100*time.Millisecond)
	m.RecordRequest("/ask", 400, 5*time.Millisecond)

	// Check counter
	val := counterValue(t, m.RequestsTotal, "endpoint", "/ask", "status", "200")
	if val != 2 {
		t.Errorf("expected 2 requests with status 200, got %f", val)
	}

	val = counterValue(t, m.RequestsTotal, "endpoint", "/ask", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestRecordRetrieval(t *testing.T) {
	m := New()
	m.RecordRetrieval("ok", map[string]int{
		"vector": 30,
		"bm25":   12,
		"final":  8,
	}, 42000)

	val := counterValue(t, m.RetrievalsTotal, "outcome", "ok")
	if val != 1 {
		t.Errorf("expected 1 retrieval, got %f", val)
	}
}

func TestRecordRetrieval_ZeroTokens(t *testing.T) {
	m := New()
	// An empty retrieval must not record a zero token observation
	m.RecordRetrieval("empty", nil, 0)

	val := counterValue(t, m.RetrievalsTotal, "outcome", "empty")
	if val != 1 {
		t.Errorf("expected 1 retrieval, got %f", val)
	}
}

func TestRecordLLMCall(t *testing.T) {
	m := New()
	m.RecordLLMCall("chat", "ok", 800*time.Millisecond)
	m.RecordLLMCall("chat", "error", 100*time.Millisecond)
	m.RecordLLMCall("embedding", "ok", 200*time.Millisecond)

	if val := counterValue(t, m.LLMCallsTotal, "kind", "chat", "status", "ok"); val != 1 {
		t.Errorf("expected 1 ok chat call, got %f", val)
	}
	if val := counterValue(t, m.LLMCallsTotal, "kind", "chat", "status", "error"); val != 1 {
		t.Errorf("expected 1 failed chat call, got %f", val)
	}
}

func TestRecordIngestStage(t *testing.T) {
	m := New()
	m.RecordIngestStage("text_extracted", "ok")
	m.RecordIngestStage("text_extracted", "ok")
	m.RecordIngestStage("chunks_processed", "error")

	if val := counterValue(t, m.IngestStagesTotal, "stage", "text_extracted", "status", "ok"); val != 2 {
		t.Errorf("expected 2 stage executions, got %f", val)
	}
}

func TestMiddleware(t *testing.T) {
	m := New()

	handler := m.Middleware("/ask", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodPost, "/ask", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	val := counterValue(t, m.RequestsTotal, "endpoint", "/ask", "status", "200")
	if val != 1 {
		t.Errorf("expected 1 request recorded, got %f", val)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	m := New()

	handler := m.Middleware("/ask", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/ask", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/ask", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("/ask", 200, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "lexrag_requests_total") {
		t.Error("metrics output missing lexrag_requests_total")
	}
	if !strings.Contains(body, "lexrag_request_duration_seconds") {
		t.Error("metrics output missing lexrag_request_duration_seconds")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing go runtime metrics")
	}
}

func TestActiveRequests(t *testing.T) {
	m := New()

	started := make(chan struct{})
	release := make(chan struct{})

	handler := m.Middleware("/ask", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		req := httptest.NewRequest(http.MethodPost, "/ask", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}()

	<-started

	var metric dto.Metric
	if err := m.ActiveRequests.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Errorf("expected 1 active request, got %f", metric.GetGauge().GetValue())
	}

	close(release)
}

// counterValue extracts the value of a counter with the given label pairs.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labelPairs ...string) float64 {
	t.Helper()
	labels := prometheus.Labels{}
	for i := 0; i < len(labelPairs); i += 2 {
		labels[labelPairs[i]] = labelPairs[i+1]
	}
	counter, err := cv.GetMetricWith(labels)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
