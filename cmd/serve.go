package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexatlas/lexrag/pkg/orchestrator"
	"github.com/lexatlas/lexrag/pkg/retriever"
	"github.com/lexatlas/lexrag/pkg/sse"
	"github.com/lexatlas/lexrag/pkg/telemetry"
	"github.com/lexatlas/lexrag/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the lexrag HTTP server.

Endpoints:
  POST /ask       Answer a question. Streams progress and the final answer
                  over SSE when the client accepts text/event-stream,
                  otherwise returns a single JSON response.
  POST /retrieve  Raw hybrid retrieval without answer composition.
  GET  /healthz   Liveness and store connectivity.
  GET  /metrics   Prometheus metrics.

Example:
  lexrag serve --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "listen port (overrides config)")
	serveCmd.Flags().String("host", "", "listen host (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:    cfg.Telemetry.Tracing.Enabled,
		Exporter:   cfg.Telemetry.Tracing.Exporter,
		Endpoint:   cfg.Telemetry.Tracing.Endpoint,
		SampleRate: cfg.Telemetry.Tracing.SampleRate,
		Insecure:   cfg.Telemetry.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	s := &server{app: a, tracing: tracing}

	mux := http.NewServeMux()
	mux.HandleFunc("/ask", a.metrics.Middleware("/ask", s.handleAsk))
	mux.HandleFunc("/retrieve", a.metrics.Middleware("/retrieve", s.handleRetrieve))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", a.metrics.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			done <- err
			return
		}
		done <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-done
}

type server struct {
	app     *app
	tracing *telemetry.Provider
}

type askRequest struct {
	Query     string `json:"query"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type askResponse struct {
	Response   string           `json:"response"`
	SessionID  string           `json:"session_id"`
	Agent      types.AgentKind  `json:"agent"`
	Cached     bool             `json:"cached"`
	ReportPath string           `json:"report_path,omitempty"`
	SubQueries int              `json:"sub_queries,omitempty"`
	QueryInfo  *types.QueryInfo `json:"query_info,omitempty"`
}

func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	ctx, span := s.tracing.StartRequest(r.Context(), "/ask")
	defer span.End()

	oreq := orchestrator.Request{
		Query:     req.Query,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	}

	// Stream progress when the client asked for SSE and the connection
	// supports flushing.
	var stream *sse.Writer
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		if stream = sse.NewWriter(w); stream != nil {
			oreq.Progress = func(stage string) {
				_ = stream.SendProgress(sse.Stage(stage))
			}
		}
	}

	answer, err := s.app.orch.Ask(ctx, oreq)
	if err != nil {
		telemetry.RecordError(span, err)
		s.app.log.Error().Err(err).Msg("ask failed")
		if stream != nil {
			_ = stream.SendError(sse.StageAnswer, err.Error())
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := askResponse{
		Response:   answer.Response,
		SessionID:  answer.SessionID,
		Agent:      answer.AgentUsed,
		Cached:     answer.Cached,
		ReportPath: answer.ReportPath,
		SubQueries: answer.SubQueries,
		QueryInfo:  answer.QueryInfo,
	}

	if stream != nil {
		_ = stream.SendComplete(resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type retrieveRequest struct {
	Query string `json:"query"`
}

type retrieveResponse struct {
	Context string          `json:"context"`
	Chunks  []retrieveChunk `json:"chunks"`
	Stats   retrieveStats   `json:"stats"`
}

type retrieveChunk struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	ClusterID int    `json:"cluster_id"`
}

type retrieveStats struct {
	VectorHits  int   `json:"vector_hits"`
	ClusterHits int   `json:"cluster_hits"`
	BM25Hits    int   `json:"bm25_hits"`
	EntityHits  int   `json:"entity_hits"`
	Merged      int   `json:"merged"`
	Final       int   `json:"final"`
	Reranked    bool  `json:"reranked"`
	Tokens      int   `json:"tokens"`
	LatencyMs   int64 `json:"latency_ms"`
}

func (s *server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	ctx, span := s.tracing.StartRequest(r.Context(), "/retrieve")
	defer span.End()

	info := s.app.intel.Understand(ctx, req.Query)
	result, err := s.app.retriever.Retrieve(ctx, req.Query, info, retriever.NewState())
	if err != nil {
		telemetry.RecordError(span, err)
		s.app.log.Error().Err(err).Msg("retrieve failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	telemetry.RecordRetrievalResult(span, result.Stats.Merged, result.Stats.Final, result.Stats.Tokens, result.Stats.Latency)

	resp := retrieveResponse{
		Context: result.Context,
		Stats: retrieveStats{
			VectorHits:  result.Stats.VectorHits,
			ClusterHits: result.Stats.ClusterHits,
			BM25Hits:    result.Stats.BM25Hits,
			EntityHits:  result.Stats.EntityHits,
			Merged:      result.Stats.Merged,
			Final:       result.Stats.Final,
			Reranked:    result.Stats.Reranked,
			Tokens:      result.Stats.Tokens,
			LatencyMs:   result.Stats.Latency.Milliseconds(),
		},
	}
	for _, c := range result.Chunks {
		resp.Chunks = append(resp.Chunks, retrieveChunk{
			ID:        c.ID,
			Content:   c.Content,
			ClusterID: c.ClusterID(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := s.app.store.Ping(ctx); err != nil {
		status = map[string]string{"status": "degraded", "store": err.Error()}
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
