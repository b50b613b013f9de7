package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/budget"
	"github.com/lexatlas/lexrag/pkg/chunkproc"
	"github.com/lexatlas/lexrag/pkg/config"
	"github.com/lexatlas/lexrag/pkg/extract"
	"github.com/lexatlas/lexrag/pkg/ingest"
	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/logging"
	"github.com/lexatlas/lexrag/pkg/memory"
	"github.com/lexatlas/lexrag/pkg/metrics"
	"github.com/lexatlas/lexrag/pkg/orchestrator"
	"github.com/lexatlas/lexrag/pkg/queryintel"
	"github.com/lexatlas/lexrag/pkg/ratelimit"
	"github.com/lexatlas/lexrag/pkg/report"
	"github.com/lexatlas/lexrag/pkg/rerank"
	"github.com/lexatlas/lexrag/pkg/retriever"
	"github.com/lexatlas/lexrag/pkg/splitter"
	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/store/postgres"
	"github.com/lexatlas/lexrag/pkg/store/qdrant"
	"github.com/lexatlas/lexrag/pkg/tokenizer"
)

// app holds the wired service graph. Commands build it once from the
// loaded configuration and close it on exit.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	client  *llm.Client
	store   store.Store
	metrics *metrics.Metrics

	intel     *queryintel.Understander
	retriever *retriever.Retriever
	orch      *orchestrator.Orchestrator
}

// newApp builds the query-path service graph: store, LLM client, hybrid
// retriever, session memory and the orchestrator on top.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RPM:         cfg.RateLimit.RPM,
		MaxRetries:  cfg.RateLimit.MaxRetries,
		BackoffMin:  cfg.RateLimit.BackoffMin,
		BackoffMax:  cfg.RateLimit.BackoffMax,
		RetryMargin: cfg.RateLimit.RetryMargin,
	})
	exec := ratelimit.NewExecutor(limiter, logging.Component(log, "ratelimit"))

	client, err := llm.NewClient(llm.Config{
		APIKey:           cfg.LLM.APIKey,
		BaseURL:          cfg.LLM.BaseURL,
		Model:            cfg.LLM.Model,
		AdvancedModel:    cfg.LLM.AdvancedModel,
		EmbeddingModel:   cfg.LLM.EmbeddingModel,
		RoutineTimeout:   cfg.LLM.RoutineTimeout,
		ReasoningTimeout: cfg.LLM.ReasoningTimeout,
	}, exec)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.ForModel(cfg.LLM.Model)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	reranker := rerank.New(client, client, rerank.Config{
		Model:              cfg.LLM.Model,
		MaxToRerank:        cfg.Retrieval.MaxChunksForReranking,
		CacheCapacity:      cfg.Rerank.CacheCapacity,
		CacheTTL:           cfg.Rerank.CacheTTL,
		DiversityThreshold: cfg.Rerank.DiversityThreshold,
		EvalMaxChars:       cfg.Rerank.EvalMaxChars,
	}, logging.Component(log, "rerank"))

	trimmer := budget.New(budget.Config{MaxTotalTokens: cfg.Retrieval.MaxTotalTokens}, tok)

	retr := retriever.New(st, client, reranker, trimmer, retriever.Config{
		Corpus:            cfg.Retrieval.Corpus,
		MaxChunksReturned: cfg.Retrieval.MaxChunksReturned,
		ClusterMatchCount: cfg.Retrieval.ClusterMatchCount,
		BM25Limit:         cfg.Retrieval.BM25Limit,
		KeepNormal:        cfg.Retrieval.MaxChunksToKeepNormal,
		KeepReports:       cfg.Retrieval.MaxChunksToKeepReport,
	}, logging.Component(log, "retriever"))

	intel := queryintel.New(client, cfg.LLM.AdvancedModel, logging.Component(log, "queryintel"))

	mem := memory.NewManager(st, client, memory.Config{
		MaxLoadTokens: cfg.Memory.MaxTokens,
		Model:         cfg.LLM.Model,
	}, logging.Component(log, "memory"))

	responses := memory.NewResponseCache(int64(cfg.Memory.CacheCapacity), cfg.Memory.CacheTTL)

	reports := report.New(client, report.Config{
		Model: cfg.LLM.AdvancedModel,
	}, logging.Component(log, "report"))

	orch := orchestrator.New(client, intel, retr, mem, responses, reports, orchestrator.Config{
		Model:            cfg.LLM.Model,
		MaxHistoryTokens: cfg.Memory.MaxTokens,
	}, logging.Component(log, "orchestrator"))

	return &app{
		cfg:       cfg,
		log:       log,
		client:    client,
		store:     st,
		metrics:   metrics.New(),
		intel:     intel,
		retriever: retr,
		orch:      orch,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres", "":
		st, err := postgres.New(ctx, postgres.Config{
			URL:          cfg.Store.DSN,
			EmbeddingDim: cfg.LLM.EmbeddingDims,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return st, nil
	case "qdrant":
		st, err := qdrant.New(ctx, qdrant.Config{
			Host:   cfg.Store.Host,
			APIKey: cfg.Store.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %q (supported: postgres, qdrant)", cfg.Store.Backend)
	}
}

// newPipeline builds the ingestion pipeline on top of the app's store and
// LLM client.
func (a *app) newPipeline(concurrent int) (*ingest.Pipeline, error) {
	extractor := extract.New(a.client, extract.Config{
		Model: a.cfg.LLM.Model,
	}, logging.Component(a.log, "extract"))

	split := splitter.New(a.client, splitter.Config{
		ChunkSize:        a.cfg.Splitter.ChunkSize,
		MinChunkSize:     a.cfg.Splitter.MinChunkSize,
		MaxChunks:        a.cfg.Splitter.MaxChunks,
		OverlapSize:      a.cfg.Splitter.OverlapSize,
		AllowSubdivision: a.cfg.Splitter.AllowArticleSubdivision,
		MaxArticleSize:   a.cfg.Splitter.MaxArticleSize,
	}, logging.Component(a.log, "splitter"))

	processor := chunkproc.New(a.client, a.client, chunkproc.Config{
		Model:     a.cfg.LLM.Model,
		BatchSize: a.cfg.Ingest.ProcessBatchSize,
	}, logging.Component(a.log, "chunkproc"))

	if concurrent <= 0 {
		concurrent = a.cfg.Ingest.ConcurrentDocuments
	}

	return ingest.New(extractor, split, processor, a.store, a.store, a.metrics, ingest.Config{
		Corpus:                 a.cfg.Retrieval.Corpus,
		CheckpointDir:          a.cfg.Ingest.CheckpointDir,
		QuarantineDir:          a.cfg.Ingest.PendingChunksDir,
		MaxConcurrentDocuments: concurrent,
	}, logging.Component(a.log, "ingest"))
}

// Close releases the store connection.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing store")
	}
}
