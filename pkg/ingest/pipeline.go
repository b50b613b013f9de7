// Package ingest orchestrates the document pipeline: extract metadata and
// text, split into chunks, enrich, and insert into the chunk store. Every
// stage transition is checkpointed so crashed or interrupted runs resume
// where they stopped, and failed inserts are quarantined for later retry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexatlas/lexrag/pkg/chunkproc"
	"github.com/lexatlas/lexrag/pkg/extract"
	"github.com/lexatlas/lexrag/pkg/metrics"
	"github.com/lexatlas/lexrag/pkg/splitter"
	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/types"
)

// Config holds pipeline settings.
type Config struct {
	// Corpus is the chunk-store corpus inserts go to (default: "pd_peru")
	Corpus string

	// CheckpointDir holds checkpoints and stage artifacts
	CheckpointDir string

	// QuarantineDir holds per-document failed-insert files
	QuarantineDir string

	// InsertBatchSize is the number of chunks per insert batch (default: 5)
	InsertBatchSize int

	// InsertCooldown is the pause between insert batches (default: 1s)
	InsertCooldown time.Duration

	// MaxConcurrentDocuments bounds parallel document pipelines (default: 2)
	MaxConcurrentDocuments int
}

// DefaultConfig returns production pipeline settings.
func DefaultConfig() Config {
	return Config{
		Corpus:                 "pd_peru",
		CheckpointDir:          "checkpoints",
		QuarantineDir:          "pending_chunks",
		InsertBatchSize:        5,
		InsertCooldown:         time.Second,
		MaxConcurrentDocuments: 2,
	}
}

// Stats tracks pipeline counters. Updated atomically by concurrent document
// workers.
type Stats struct {
	Documents         int64
	Completed         int64
	Failed            int64
	ChunksInserted    int64
	ChunksQuarantined int64
	StartTime         time.Time
	EndTime           time.Time
}

// Duration returns the total processing duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// ProgressCallback is called periodically with a stats snapshot.
type ProgressCallback func(stats Stats)

// Pipeline runs documents through the staged ingest flow.
type Pipeline struct {
	extractor *extract.Extractor
	splitter  *splitter.Splitter
	processor *chunkproc.Processor
	chunks    store.ChunkStore
	documents store.DocumentStore
	ckpt      *CheckpointStore
	metrics   *metrics.Metrics
	cfg       Config
	log       zerolog.Logger
	stats     Stats
}

// New creates a Pipeline and its checkpoint and quarantine directories.
// The metrics registry may be nil.
func New(
	extractor *extract.Extractor,
	split *splitter.Splitter,
	processor *chunkproc.Processor,
	chunks store.ChunkStore,
	documents store.DocumentStore,
	m *metrics.Metrics,
	cfg Config,
	log zerolog.Logger,
) (*Pipeline, error) {
	if cfg.Corpus == "" {
		cfg.Corpus = "pd_peru"
	}
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = 5
	}
	if cfg.InsertCooldown <= 0 {
		cfg.InsertCooldown = time.Second
	}
	if cfg.MaxConcurrentDocuments <= 0 {
		cfg.MaxConcurrentDocuments = 2
	}

	ckpt, err := NewCheckpointStore(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.QuarantineDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating quarantine dir: %w", err)
	}

	return &Pipeline{
		extractor: extractor,
		splitter:  split,
		processor: processor,
		chunks:    chunks,
		documents: documents,
		ckpt:      ckpt,
		metrics:   m,
		cfg:       cfg,
		log:       log,
	}, nil
}

// Checkpoints exposes the checkpoint store for status reporting.
func (p *Pipeline) Checkpoints() *CheckpointStore { return p.ckpt }

// ingestExtensions are the file types selected when scanning a folder.
var ingestExtensions = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".tiff": true,
}

// ScanFolder returns the ingestable files of a directory, sorted by name.
func ScanFolder(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading folder: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ingestExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Process runs one document through every pending stage. Completed stages
// are skipped, so re-running on an unchanged file is a no-op. Any stage
// failure is recorded on the checkpoint and stops this document only.
func (p *Pipeline) Process(ctx context.Context, path string) error {
	docID := DocID(path)
	log := p.log.With().Str("doc_id", docID).Str("path", path).Logger()

	cp, err := p.ckpt.Load(docID)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = types.NewCheckpoint(docID, path)
	}
	if cp.Ingested {
		log.Info().Msg("document already ingested, skipping")
		return nil
	}
	// A resumed run clears the previous failure and retries from the last
	// completed stage.
	cp.Error = ""
	cp.FailedAt = ""

	stages := []struct {
		name string
		run  func(context.Context, *types.ProcessingCheckpoint) error
	}{
		{"metadata", p.stageMetadata},
		{"document_row", p.stageDocumentRow},
		{"text", p.stageText},
		{"split", p.stageSplit},
		{"process", p.stageProcess},
		{"ingest", p.stageIngest},
	}
	for _, stage := range stages {
		if err := stage.run(ctx, cp); err != nil {
			cp.MarkFailed(err)
			if saveErr := p.ckpt.Save(cp); saveErr != nil {
				log.Error().Err(saveErr).Msg("saving failed checkpoint")
			}
			p.recordStage(stage.name, "error")
			log.Error().Err(err).Str("stage", stage.name).Msg("pipeline stage failed")
			return fmt.Errorf("stage %s: %w", stage.name, err)
		}
		if err := p.ckpt.Save(cp); err != nil {
			return fmt.Errorf("saving checkpoint after %s: %w", stage.name, err)
		}
		p.recordStage(stage.name, "ok")
	}

	log.Info().
		Int("chunks", cp.ChunksCount).
		Bool("ingested", cp.Ingested).
		Msg("pipeline finished")
	return nil
}

func (p *Pipeline) stageMetadata(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	if cp.MetadataExtracted {
		return nil
	}
	cp.Metadata = p.extractor.ExtractMetadata(ctx, cp.FilePath)
	cp.MetadataExtracted = true
	return nil
}

func (p *Pipeline) stageDocumentRow(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	if cp.DocumentIDDB != 0 {
		return nil
	}
	id, err := p.documents.InsertDocument(ctx, cp.Metadata)
	if err != nil {
		return fmt.Errorf("inserting document record: %w", err)
	}
	cp.DocumentIDDB = id
	if cp.Metadata != nil {
		cp.Metadata.ID = id
	}
	return nil
}

func (p *Pipeline) stageText(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	if cp.TextExtracted {
		return nil
	}
	extracted, err := p.extractor.ExtractText(ctx, cp.FilePath)
	if err != nil {
		return fmt.Errorf("extracting text: %w", err)
	}

	path := p.ckpt.TextPath(cp.DocID)
	if err := os.WriteFile(path, []byte(extracted.Content), 0o644); err != nil {
		return fmt.Errorf("writing text artifact: %w", err)
	}
	cp.TextFile = path
	cp.TextExtracted = true

	p.log.Info().
		Str("doc_id", cp.DocID).
		Str("method", extracted.Method).
		Int("pages", extracted.PageCount).
		Msg("text extracted")
	return nil
}

func (p *Pipeline) stageSplit(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	if cp.ChunksCreated {
		return nil
	}
	raw, err := os.ReadFile(cp.TextFile)
	if err != nil {
		return fmt.Errorf("reading text artifact: %w", err)
	}

	chunks, err := p.splitter.Split(ctx, string(raw), cp.Metadata)
	if err != nil {
		return fmt.Errorf("splitting text: %w", err)
	}

	path := p.ckpt.ChunksPath(cp.DocID)
	if err := writeJSON(path, chunks); err != nil {
		return err
	}
	cp.ChunksFile = path
	cp.ChunksCount = len(chunks)
	cp.ChunksCreated = true
	return nil
}

func (p *Pipeline) stageProcess(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	if cp.ChunksProcessed {
		return nil
	}
	var chunks []types.SplitChunk
	if err := readJSON(cp.ChunksFile, &chunks); err != nil {
		return fmt.Errorf("reading chunks artifact: %w", err)
	}

	identifier := cp.FilePath
	if cp.Metadata != nil && cp.Metadata.OriginalURL != "" {
		identifier = cp.Metadata.OriginalURL
	}
	processed, err := p.processor.Process(ctx, chunks, identifier, cp.DocumentIDDB, cp.Metadata)
	if err != nil {
		return fmt.Errorf("processing chunks: %w", err)
	}

	path := p.ckpt.ProcessedPath(cp.DocID)
	if err := writeJSON(path, processed); err != nil {
		return err
	}
	cp.ProcessedFile = path
	cp.ChunksProcessed = true
	return nil
}

func (p *Pipeline) stageIngest(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	inserted, failed, err := p.Ingest(ctx, cp)
	if err != nil {
		return err
	}
	atomic.AddInt64(&p.stats.ChunksInserted, int64(inserted))
	atomic.AddInt64(&p.stats.ChunksQuarantined, int64(failed))
	return nil
}

// Ingest inserts a document's processed chunks in batches, quarantining
// failed inserts. The checkpoint is marked ingested only when every chunk
// succeeded.
func (p *Pipeline) Ingest(ctx context.Context, cp *types.ProcessingCheckpoint) (inserted, failed int, err error) {
	if cp.Ingested {
		return 0, 0, nil
	}
	if !cp.ChunksProcessed || cp.ProcessedFile == "" {
		return 0, 0, errors.New("chunks not processed yet")
	}

	var chunks []types.Chunk
	if err := readJSON(cp.ProcessedFile, &chunks); err != nil {
		return 0, 0, fmt.Errorf("reading processed artifact: %w", err)
	}

	var quarantined []types.QuarantinedChunk
	for start := 0; start < len(chunks); start += p.cfg.InsertBatchSize {
		end := start + p.cfg.InsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		for i := start; i < end; i++ {
			chunk := chunks[i]
			if insertErr := p.chunks.InsertChunk(ctx, p.cfg.Corpus, &chunk); insertErr != nil {
				p.log.Error().Err(insertErr).
					Str("doc_id", cp.DocID).
					Int("chunk_number", chunk.ChunkNumber).
					Msg("chunk insert failed, quarantining")
				quarantined = append(quarantined, types.QuarantinedChunk{
					Chunk:      chunk,
					Error:      insertErr.Error(),
					RetryCount: 1,
				})
				continue
			}
			inserted++
		}
		if end < len(chunks) {
			if err := sleepCtx(ctx, p.cfg.InsertCooldown); err != nil {
				return inserted, len(quarantined), err
			}
		}
	}

	if len(quarantined) > 0 {
		if err := p.quarantine(cp.DocID, quarantined); err != nil {
			return inserted, len(quarantined), err
		}
	}

	cp.Ingested = len(quarantined) == 0
	if cp.Ingested {
		cp.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return inserted, len(quarantined), nil
}

// ProcessAll runs the pipeline over many files with bounded concurrency.
// One document failing does not stop the others.
func (p *Pipeline) ProcessAll(ctx context.Context, paths []string, progress ProgressCallback) (*Stats, error) {
	p.stats = Stats{StartTime: time.Now(), Documents: int64(len(paths))}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if progress != nil {
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					progress(p.snapshot())
				}
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentDocuments)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := p.Process(gctx, path); err != nil {
				atomic.AddInt64(&p.stats.Failed, 1)
				// Context errors abort the whole run; document errors are
				// already checkpointed and only counted here.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			atomic.AddInt64(&p.stats.Completed, 1)
			return nil
		})
	}
	err := g.Wait()

	p.stats.EndTime = time.Now()
	snapshot := p.snapshot()
	return &snapshot, err
}

// Resume re-runs every incomplete, non-failed pipeline from its checkpoint.
// It returns how many documents were attempted.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	checkpoints, err := p.ckpt.List()
	if err != nil {
		return 0, err
	}

	var paths []string
	for _, cp := range checkpoints {
		if cp.Ingested || cp.Error != "" {
			continue
		}
		paths = append(paths, cp.FilePath)
	}
	if len(paths) == 0 {
		return 0, nil
	}

	p.log.Info().Int("documents", len(paths)).Msg("resuming incomplete pipelines")
	_, err = p.ProcessAll(ctx, paths, nil)
	return len(paths), err
}

func (p *Pipeline) snapshot() Stats {
	return Stats{
		Documents:         atomic.LoadInt64(&p.stats.Documents),
		Completed:         atomic.LoadInt64(&p.stats.Completed),
		Failed:            atomic.LoadInt64(&p.stats.Failed),
		ChunksInserted:    atomic.LoadInt64(&p.stats.ChunksInserted),
		ChunksQuarantined: atomic.LoadInt64(&p.stats.ChunksQuarantined),
		StartTime:         p.stats.StartTime,
		EndTime:           p.stats.EndTime,
	}
}

func (p *Pipeline) recordStage(stage, status string) {
	if p.metrics != nil {
		p.metrics.RecordIngestStage(stage, status)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
