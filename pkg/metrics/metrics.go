// Package metrics provides Prometheus instrumentation for lexrag.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for lexrag.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	RetrievalsTotal *prometheus.CounterVec
	RetrievalChunks *prometheus.HistogramVec
	ContextTokens   prometheus.Histogram

	LLMCallsTotal   *prometheus.CounterVec
	LLMCallDuration *prometheus.HistogramVec

	IngestStagesTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all lexrag metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexrag_requests_total",
				Help: "Total HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexrag_request_duration_seconds",
				Help:    "HTTP request latency distribution.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lexrag_active_requests",
				Help: "Number of requests currently being processed.",
			},
		),
		RetrievalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexrag_retrievals_total",
				Help: "Total retrieve operations by outcome (ok/empty/error/cached).",
			},
			[]string{"outcome"},
		),
		RetrievalChunks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexrag_retrieval_chunks",
				Help:    "Chunk counts per retrieval by stage (vector/cluster/bm25/entity/merged/final).",
				Buckets: []float64{0, 1, 2, 4, 8, 12, 16, 24, 32, 48, 64},
			},
			[]string{"stage"},
		),
		ContextTokens: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lexrag_context_tokens",
				Help:    "Token count of the assembled retrieval context.",
				Buckets: prometheus.ExponentialBuckets(256, 2, 10),
			},
		),
		LLMCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexrag_llm_calls_total",
				Help: "Total provider calls by kind (chat/embedding) and status.",
			},
			[]string{"kind", "status"},
		),
		LLMCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexrag_llm_call_duration_seconds",
				Help:    "Provider call latency distribution by kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		IngestStagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexrag_ingest_stages_total",
				Help: "Total ingest stage executions by stage and status.",
			},
			[]string{"stage", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RetrievalsTotal,
		m.RetrievalChunks,
		m.ContextTokens,
		m.LLMCallsTotal,
		m.LLMCallDuration,
		m.IngestStagesTotal,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request's metrics.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRetrieval records one retrieve operation's per-stage chunk counts.
func (m *Metrics) RecordRetrieval(outcome string, stageCounts map[string]int, contextTokens int) {
	m.RetrievalsTotal.WithLabelValues(outcome).Inc()
	for stage, n := range stageCounts {
		m.RetrievalChunks.WithLabelValues(stage).Observe(float64(n))
	}
	if contextTokens > 0 {
		m.ContextTokens.Observe(float64(contextTokens))
	}
}

// RecordLLMCall records one provider call.
func (m *Metrics) RecordLLMCall(kind, status string, duration time.Duration) {
	m.LLMCallsTotal.WithLabelValues(kind, status).Inc()
	m.LLMCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordIngestStage records one ingest stage execution.
func (m *Metrics) RecordIngestStage(stage, status string) {
	m.IngestStagesTotal.WithLabelValues(stage, status).Inc()
}

// Middleware returns an HTTP middleware that instruments requests.
func (m *Metrics) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RecordRequest(endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
