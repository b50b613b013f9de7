// Package config provides configuration file support for lexrag.
// It handles loading, validation, and environment variable interpolation
// for lexrag.yaml configuration files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full lexrag configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Splitter  SplitterConfig  `mapstructure:"splitter"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LLMConfig holds chat and embedding provider settings.
type LLMConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	AdvancedModel  string `mapstructure:"advanced_model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	EmbeddingDims  int    `mapstructure:"embedding_dims"`

	// RoutineTimeout bounds routine calls; ReasoningTimeout bounds calls to
	// the advanced model.
	RoutineTimeout   time.Duration `mapstructure:"routine_timeout"`
	ReasoningTimeout time.Duration `mapstructure:"reasoning_timeout"`
}

// RateLimitConfig holds the shared outbound-call budget.
type RateLimitConfig struct {
	RPM         int           `mapstructure:"rpm"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	RetryMargin time.Duration `mapstructure:"retry_margin"`
}

// StoreConfig holds the chunk/document store settings.
type StoreConfig struct {
	// Backend selects the store implementation: postgres or qdrant
	Backend string `mapstructure:"backend"`

	// DSN is the postgres connection string
	DSN string `mapstructure:"dsn"`

	// Host and APIKey configure the qdrant backend
	Host   string `mapstructure:"host"`
	APIKey string `mapstructure:"api_key"`
}

// RetrievalConfig holds hybrid retriever limits.
type RetrievalConfig struct {
	// Corpus is the chunks table / collection name (pd_peru, pd_mex, ...)
	Corpus string `mapstructure:"corpus"`

	MaxTotalTokens        int `mapstructure:"max_total_tokens"`
	MaxChunksReturned     int `mapstructure:"max_chunks_returned"`
	MaxChunksForReranking int `mapstructure:"max_chunks_for_reranking"`
	MaxChunksToKeepNormal int `mapstructure:"max_chunks_to_keep_normal"`
	MaxChunksToKeepReport int `mapstructure:"max_chunks_to_keep_reports"`

	// ClusterMatchCount is how many chunks each cluster search fetches
	ClusterMatchCount int `mapstructure:"cluster_match_count"`

	// BM25Limit caps lexical-search results merged per query
	BM25Limit int `mapstructure:"bm25_limit"`
}

// RerankConfig holds LLM reranker settings.
type RerankConfig struct {
	CacheCapacity      int           `mapstructure:"cache_capacity"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	DiversityThreshold float64       `mapstructure:"diversity_threshold"`
	EvalMaxChars       int           `mapstructure:"eval_max_chars"`
}

// SplitterConfig holds text splitter sizes.
type SplitterConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	MinChunkSize int `mapstructure:"min_chunk_size"`
	MaxChunks    int `mapstructure:"max_chunks"`
	OverlapSize  int `mapstructure:"overlap_size"`

	AllowArticleSubdivision bool `mapstructure:"allow_article_subdivision"`
	MaxArticleSize          int  `mapstructure:"max_article_size"`
}

// IngestConfig holds pipeline directories and batch sizes.
type IngestConfig struct {
	CheckpointDir    string `mapstructure:"checkpoint_dir"`
	PendingChunksDir string `mapstructure:"pending_chunks_dir"`

	ProcessBatchSize    int `mapstructure:"process_batch_size"`
	ProcessWorkers      int `mapstructure:"process_workers"`
	ConcurrentDocuments int `mapstructure:"concurrent_documents"`
}

// MemoryConfig holds session memory and response cache settings.
type MemoryConfig struct {
	MaxTokens     int           `mapstructure:"max_tokens"`
	CacheCapacity int           `mapstructure:"cache_capacity"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		LLM: LLMConfig{
			APIKey:           "${OPENAI_API_KEY}",
			Model:            "gpt-4o-mini",
			AdvancedModel:    "gpt-4o",
			EmbeddingModel:   "text-embedding-3-small",
			EmbeddingDims:    1536,
			RoutineTimeout:   60 * time.Second,
			ReasoningTimeout: 300 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPM:         450,
			MaxRetries:  5,
			BackoffMin:  time.Second,
			BackoffMax:  60 * time.Second,
			RetryMargin: 500 * time.Millisecond,
		},
		Store: StoreConfig{
			Backend: "postgres",
		},
		Retrieval: RetrievalConfig{
			Corpus:                "pd_peru",
			MaxTotalTokens:        100000,
			MaxChunksReturned:     30,
			MaxChunksForReranking: 15,
			MaxChunksToKeepNormal: 8,
			MaxChunksToKeepReport: 12,
			ClusterMatchCount:     5,
			BM25Limit:             15,
		},
		Rerank: RerankConfig{
			CacheCapacity:      100,
			CacheTTL:           time.Hour,
			DiversityThreshold: 0.8,
			EvalMaxChars:       800,
		},
		Splitter: SplitterConfig{
			ChunkSize:               8000,
			MinChunkSize:            200,
			MaxChunks:               100,
			OverlapSize:             75,
			AllowArticleSubdivision: false,
			MaxArticleSize:          12000,
		},
		Ingest: IngestConfig{
			CheckpointDir:       "checkpoints",
			PendingChunksDir:    "pending_chunks",
			ProcessBatchSize:    5,
			ProcessWorkers:      5,
			ConcurrentDocuments: 2,
		},
		Memory: MemoryConfig{
			MaxTokens:     100000,
			CacheCapacity: 1000,
			CacheTTL:      time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Interpolate environment variables in string fields
	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must be non-negative")
	}

	if cfg.LLM.EmbeddingDims <= 0 {
		errs = append(errs, fmt.Sprintf("llm.embedding_dims: must be positive, got %d", cfg.LLM.EmbeddingDims))
	}

	if cfg.RateLimit.RPM <= 0 {
		errs = append(errs, fmt.Sprintf("rate_limit.rpm: must be positive, got %d", cfg.RateLimit.RPM))
	}
	if cfg.RateLimit.MaxRetries < 1 {
		errs = append(errs, "rate_limit.max_retries: must be at least 1")
	}
	if cfg.RateLimit.BackoffMin > cfg.RateLimit.BackoffMax {
		errs = append(errs, "rate_limit.backoff_min: must not exceed backoff_max")
	}

	validBackends := map[string]bool{"postgres": true, "qdrant": true, "": true}
	if !validBackends[cfg.Store.Backend] {
		errs = append(errs, fmt.Sprintf("store.backend: unsupported backend %q (supported: postgres, qdrant)", cfg.Store.Backend))
	}
	if cfg.Store.Backend == "qdrant" && cfg.Store.Host == "" {
		errs = append(errs, "store.host: required for the qdrant backend")
	}

	if cfg.Retrieval.Corpus == "" {
		errs = append(errs, "retrieval.corpus: must be set")
	}
	if cfg.Retrieval.MaxTotalTokens <= 0 {
		errs = append(errs, "retrieval.max_total_tokens: must be positive")
	}
	if cfg.Retrieval.MaxChunksReturned <= 0 {
		errs = append(errs, "retrieval.max_chunks_returned: must be positive")
	}
	if cfg.Retrieval.MaxChunksToKeepNormal <= 0 || cfg.Retrieval.MaxChunksToKeepReport <= 0 {
		errs = append(errs, "retrieval.max_chunks_to_keep_*: must be positive")
	}

	if cfg.Rerank.DiversityThreshold < 0 || cfg.Rerank.DiversityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("rerank.diversity_threshold: must be between 0 and 1, got %f", cfg.Rerank.DiversityThreshold))
	}

	if cfg.Splitter.MinChunkSize <= 0 || cfg.Splitter.ChunkSize <= cfg.Splitter.MinChunkSize {
		errs = append(errs, "splitter: chunk_size must exceed min_chunk_size and both must be positive")
	}

	if cfg.Ingest.ProcessBatchSize <= 0 {
		errs = append(errs, "ingest.process_batch_size: must be positive")
	}
	if cfg.Ingest.ConcurrentDocuments <= 0 {
		errs = append(errs, "ingest.concurrent_documents: must be positive")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level: unsupported level %q", cfg.Logging.Level))
	}
	validFormats := map[string]bool{"console": true, "json": true, "": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format: unsupported format %q (supported: console, json)", cfg.Logging.Format))
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)

	cfg.LLM.APIKey = InterpolateEnv(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = InterpolateEnv(cfg.LLM.BaseURL)
	cfg.LLM.Model = InterpolateEnv(cfg.LLM.Model)
	cfg.LLM.AdvancedModel = InterpolateEnv(cfg.LLM.AdvancedModel)
	cfg.LLM.EmbeddingModel = InterpolateEnv(cfg.LLM.EmbeddingModel)

	cfg.Store.Backend = InterpolateEnv(cfg.Store.Backend)
	cfg.Store.DSN = InterpolateEnv(cfg.Store.DSN)
	cfg.Store.Host = InterpolateEnv(cfg.Store.Host)
	cfg.Store.APIKey = InterpolateEnv(cfg.Store.APIKey)

	cfg.Retrieval.Corpus = InterpolateEnv(cfg.Retrieval.Corpus)

	cfg.Ingest.CheckpointDir = InterpolateEnv(cfg.Ingest.CheckpointDir)
	cfg.Ingest.PendingChunksDir = InterpolateEnv(cfg.Ingest.PendingChunksDir)

	cfg.Logging.Level = InterpolateEnv(cfg.Logging.Level)
	cfg.Logging.Format = InterpolateEnv(cfg.Logging.Format)

	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// a lexrag.yaml file.
func GenerateTemplate() string {
	return `# lexrag configuration

server:
  port: 8080
  host: 0.0.0.0
  read_timeout: 30s
  write_timeout: 120s

llm:
  api_key: ${OPENAI_API_KEY}
  base_url: ""             # override for OpenAI-compatible providers
  model: gpt-4o-mini
  advanced_model: gpt-4o
  embedding_model: text-embedding-3-small
  embedding_dims: 1536
  routine_timeout: 60s
  reasoning_timeout: 300s

rate_limit:
  rpm: 450
  max_retries: 5
  backoff_min: 1s
  backoff_max: 60s
  retry_margin: 500ms

store:
  backend: postgres        # postgres or qdrant
  dsn: ${DATABASE_URL}
  host: ""                 # required for qdrant
  api_key: ""

retrieval:
  corpus: pd_peru
  max_total_tokens: 100000
  max_chunks_returned: 30
  max_chunks_for_reranking: 15
  max_chunks_to_keep_normal: 8
  max_chunks_to_keep_reports: 12
  cluster_match_count: 5
  bm25_limit: 15

rerank:
  cache_capacity: 100
  cache_ttl: 1h
  diversity_threshold: 0.8
  eval_max_chars: 800

splitter:
  chunk_size: 8000
  min_chunk_size: 200
  max_chunks: 100
  overlap_size: 75
  allow_article_subdivision: false
  max_article_size: 12000

ingest:
  checkpoint_dir: checkpoints
  pending_chunks_dir: pending_chunks
  process_batch_size: 5
  process_workers: 5
  concurrent_documents: 2

memory:
  max_tokens: 100000
  cache_capacity: 1000
  cache_ttl: 1h

logging:
  level: info
  format: console          # console or json

telemetry:
  tracing:
    enabled: false
    exporter: otlp         # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0       # 0.0 to 1.0
    insecure: true
`
}
