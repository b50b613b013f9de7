package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexatlas/lexrag/pkg/chunkproc"
	"github.com/lexatlas/lexrag/pkg/extract"
	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/logging"
	"github.com/lexatlas/lexrag/pkg/splitter"
	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/types"
)

const sampleRegulation = `REGLAMENTO DE PROTECCIÓN DE DATOS

Artículo 1.- Objeto
El presente reglamento desarrolla la ley de protección de datos personales.

Artículo 2.- Ámbito de aplicación
Se aplica al tratamiento de datos personales en territorio nacional.

Artículo 3.- Principios
El tratamiento de datos se rige por los principios de legalidad y consentimiento.`

// pipelineChat serves every LLM role in the pipeline by routing on the
// system prompt.
type pipelineChat struct {
	mu sync.Mutex
}

func (c *pipelineChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	system := req.Messages[0].Content
	switch {
	case strings.Contains(system, "documentos jurídicos"):
		return &llm.ChatResponse{Content: `{
			"document_type": "Reglamento",
			"document_title": "Reglamento de Protección de Datos",
			"issuing_authority": "SBS",
			"publication_date": "2011-07-03",
			"jurisdiction": "Perú",
			"status": "vigente"
		}`}, nil
	case strings.Contains(system, "titles and summaries"):
		return &llm.ChatResponse{Content: `{"title":"Fragmento","summary":"Contexto del fragmento"}`}, nil
	case strings.Contains(system, "clasifica fragmentos"):
		return &llm.ChatResponse{Content: "Regulación y Supervisión"}, nil
	case strings.Contains(system, "palabras clave"):
		return &llm.ChatResponse{Content: "datos personales, reglamento"}, nil
	}
	return &llm.ChatResponse{Content: "?"}, nil
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.5, 0.5}, nil
}

func (s staticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = s.Embed(ctx, texts[i])
	}
	return out, nil
}

func (staticEmbedder) Dimension() int { return 2 }

func (staticEmbedder) ModelName() string { return "test-embedder" }

// memChunkStore records inserts and can fail selected chunk numbers.
type memChunkStore struct {
	mu       sync.Mutex
	inserted []types.Chunk
	failNums map[int]bool
}

func (s *memChunkStore) InsertChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNums[chunk.ChunkNumber] {
		return errors.New("insert rejected")
	}
	s.inserted = append(s.inserted, *chunk)
	return nil
}

func (s *memChunkStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func (s *memChunkStore) VectorMatch(ctx context.Context, corpus string, embedding []float32, matchCount int) ([]types.Chunk, error) {
	return nil, store.ErrNotSupported
}

func (s *memChunkStore) ClusterMatch(ctx context.Context, corpus string, clusterID, matchCount int) ([]types.Chunk, error) {
	return nil, store.ErrNotSupported
}

func (s *memChunkStore) ScanVigente(ctx context.Context, corpus string) ([]types.Chunk, error) {
	return nil, store.ErrNotSupported
}

func (s *memChunkStore) FilterSubstring(ctx context.Context, corpus, needle string) ([]types.Chunk, error) {
	return nil, store.ErrNotSupported
}

func (s *memChunkStore) UpdateChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	return store.ErrNotSupported
}

func (s *memChunkStore) DeleteChunk(ctx context.Context, corpus, id string) error {
	return store.ErrNotSupported
}

// memDocStore counts document inserts.
type memDocStore struct {
	mu     sync.Mutex
	nextID int64
	docs   map[int64]*types.Document
}

func (s *memDocStore) InsertDocument(ctx context.Context, doc *types.Document) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs == nil {
		s.docs = make(map[int64]*types.Document)
	}
	s.nextID++
	s.docs[s.nextID] = doc
	return s.nextID, nil
}

func (s *memDocStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *memDocStore) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}
	return nil, store.ErrNotFound
}

func (s *memDocStore) GetDocumentByURL(ctx context.Context, url string) (*types.Document, error) {
	return nil, store.ErrNotFound
}

func (s *memDocStore) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	return nil
}

type testEnv struct {
	pipeline *Pipeline
	chunks   *memChunkStore
	docs     *memDocStore
	file     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	file := filepath.Join(dir, "reglamento.txt")
	if err := os.WriteFile(file, []byte(sampleRegulation), 0o644); err != nil {
		t.Fatalf("writing sample: %v", err)
	}

	chat := &pipelineChat{}
	embed := staticEmbedder{}

	procCfg := chunkproc.DefaultConfig()
	procCfg.BatchCooldown = time.Millisecond

	cfg := DefaultConfig()
	cfg.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.QuarantineDir = filepath.Join(dir, "pending_chunks")
	cfg.InsertCooldown = time.Millisecond

	chunks := &memChunkStore{}
	docs := &memDocStore{}

	p, err := New(
		extract.New(chat, extract.DefaultConfig(), logging.Nop()),
		splitter.New(embed, splitter.DefaultConfig(), logging.Nop()),
		chunkproc.New(chat, embed, procCfg, logging.Nop()),
		chunks,
		docs,
		nil,
		cfg,
		logging.Nop(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{pipeline: p, chunks: chunks, docs: docs, file: file}
}

func TestDocID(t *testing.T) {
	id := DocID("/some/file.pdf")
	if len(id) != 12 {
		t.Fatalf("doc id length = %d", len(id))
	}
	if id != DocID("/some/file.pdf") {
		t.Error("doc id not stable")
	}
	if id == DocID("/some/other.pdf") {
		t.Error("distinct paths share a doc id")
	}
}

func TestCheckpointStore_RoundTrip(t *testing.T) {
	s, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCheckpointStore: %v", err)
	}

	cp := types.NewCheckpoint("abc123def456", "/docs/x.pdf")
	cp.MetadataExtracted = true
	cp.TextExtracted = true
	if err := s.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(cp.DocID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || !loaded.TextExtracted || loaded.FilePath != "/docs/x.pdf" {
		t.Errorf("roundtrip mismatch: %+v", loaded)
	}
	if loaded.Stage() != types.StageTextExtracted {
		t.Errorf("stage = %q", loaded.Stage())
	}

	missing, err := s.Load("nope")
	if err != nil || missing != nil {
		t.Errorf("missing checkpoint: %v %v", missing, err)
	}
}

func TestPipeline_ProcessCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.pipeline.Process(ctx, env.file); err != nil {
		t.Fatalf("Process: %v", err)
	}

	cp, err := env.pipeline.Checkpoints().Load(DocID(env.file))
	if err != nil || cp == nil {
		t.Fatalf("loading checkpoint: %v", err)
	}
	if cp.Stage() != types.StageCompleted {
		t.Fatalf("stage = %q, error = %q", cp.Stage(), cp.Error)
	}
	if cp.CompletedAt == "" {
		t.Error("completed_at not set")
	}
	if cp.ChunksCount != 3 {
		t.Errorf("chunks count = %d, want 3", cp.ChunksCount)
	}

	for _, artifact := range []string{cp.TextFile, cp.ChunksFile, cp.ProcessedFile} {
		if _, err := os.Stat(artifact); err != nil {
			t.Errorf("missing artifact %s: %v", artifact, err)
		}
	}

	if env.docs.count() != 1 {
		t.Errorf("document inserts = %d", env.docs.count())
	}
	if env.chunks.count() != 3 {
		t.Fatalf("chunk inserts = %d", env.chunks.count())
	}
	inserted := env.chunks.inserted[0]
	if inserted.DocumentID != cp.DocumentIDDB {
		t.Errorf("chunk document id = %d, want %d", inserted.DocumentID, cp.DocumentIDDB)
	}
	if inserted.Metadata["document_title"] != "Reglamento de Protección de Datos" {
		t.Errorf("replicated title = %v", inserted.Metadata["document_title"])
	}
}

func TestPipeline_SecondRunInsertsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.pipeline.Process(ctx, env.file); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := env.chunks.count()

	if err := env.pipeline.Process(ctx, env.file); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if env.chunks.count() != before {
		t.Errorf("second run added inserts: %d -> %d", before, env.chunks.count())
	}
	if env.docs.count() != 1 {
		t.Errorf("document inserts = %d", env.docs.count())
	}
}

func TestPipeline_ResumeFinishesInterruptedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.pipeline.Process(ctx, env.file); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Simulate a crash between chunk processing and ingestion.
	ckpt := env.pipeline.Checkpoints()
	cp, _ := ckpt.Load(DocID(env.file))
	cp.ChunksProcessed = false
	cp.Ingested = false
	cp.CompletedAt = ""
	if err := ckpt.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	resumed, err := env.pipeline.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d", resumed)
	}

	cp, _ = ckpt.Load(DocID(env.file))
	if cp.Stage() != types.StageCompleted {
		t.Errorf("stage after resume = %q", cp.Stage())
	}
	// Extraction and document insert were not redone.
	if env.docs.count() != 1 {
		t.Errorf("document inserts = %d", env.docs.count())
	}
}

func TestPipeline_QuarantineAndRetry(t *testing.T) {
	env := newTestEnv(t)
	env.chunks.failNums = map[int]bool{0: true, 2: true}
	ctx := context.Background()

	if err := env.pipeline.Process(ctx, env.file); err != nil {
		t.Fatalf("Process: %v", err)
	}

	cp, _ := env.pipeline.Checkpoints().Load(DocID(env.file))
	if cp.Ingested {
		t.Fatal("document marked ingested despite failed inserts")
	}
	if env.chunks.count() != 1 {
		t.Fatalf("inserted = %d, want 1", env.chunks.count())
	}

	files, err := env.pipeline.ListQuarantine()
	if err != nil || len(files) != 1 {
		t.Fatalf("quarantine files = %v (%v)", files, err)
	}

	var qf types.QuarantineFile
	if err := readJSON(files[0], &qf); err != nil {
		t.Fatalf("reading quarantine file: %v", err)
	}
	if qf.TotalFailed != 2 || len(qf.Chunks) != 2 {
		t.Fatalf("quarantined = %d", qf.TotalFailed)
	}
	for _, qc := range qf.Chunks {
		if qc.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", qc.RetryCount)
		}
		if qc.Error == "" {
			t.Error("quarantined chunk missing error")
		}
	}

	// Store healthy again: retry drains the quarantine file.
	env.chunks.failNums = nil
	result, err := env.pipeline.RetryFailed(ctx, files[0])
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if result.Succeeded != 2 || result.StillFailing != 0 {
		t.Fatalf("retry result = %+v", result)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Error("quarantine file not deleted after full retry")
	}

	cp, _ = env.pipeline.Checkpoints().Load(DocID(env.file))
	if !cp.Ingested || cp.CompletedAt == "" {
		t.Errorf("checkpoint not completed after retry: %+v", cp)
	}
	if env.chunks.count() != 3 {
		t.Errorf("total inserted = %d, want 3", env.chunks.count())
	}
}

func TestPipeline_RetryKeepsStillFailing(t *testing.T) {
	env := newTestEnv(t)
	env.chunks.failNums = map[int]bool{1: true}
	ctx := context.Background()

	if err := env.pipeline.Process(ctx, env.file); err != nil {
		t.Fatalf("Process: %v", err)
	}
	files, _ := env.pipeline.ListQuarantine()
	if len(files) != 1 {
		t.Fatalf("quarantine files = %d", len(files))
	}

	// Still failing: the file is rewritten with an incremented retry count.
	result, err := env.pipeline.RetryFailed(ctx, files[0])
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if result.StillFailing != 1 {
		t.Fatalf("retry result = %+v", result)
	}

	var qf types.QuarantineFile
	if err := readJSON(files[0], &qf); err != nil {
		t.Fatalf("reading quarantine file: %v", err)
	}
	if qf.Chunks[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", qf.Chunks[0].RetryCount)
	}
	if qf.RetryTimestamp == "" {
		t.Error("retry timestamp not recorded")
	}
}

func TestScanFolder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.pdf", "b.PNG", "c.txt", "d.jpeg", "e.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	files, err := ScanFolder(dir)
	if err != nil {
		t.Fatalf("ScanFolder: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("selected %d files: %v", len(files), files)
	}
	for _, f := range files {
		switch filepath.Base(f) {
		case "a.pdf", "b.PNG", "d.jpeg":
		default:
			t.Errorf("unexpected selection: %s", f)
		}
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.pipeline.Process(ctx, env.file); err != nil {
		t.Fatalf("Process: %v", err)
	}

	report, err := env.pipeline.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.TotalDocuments != 1 || report.Completed != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Documents) != 1 || report.Documents[0].Stage != types.StageCompleted {
		t.Errorf("documents = %+v", report.Documents)
	}
	if report.Documents[0].Progress != 1 {
		t.Errorf("progress = %v", report.Documents[0].Progress)
	}
	if report.Documents[0].Title != "Reglamento de Protección de Datos" {
		t.Errorf("title = %q", report.Documents[0].Title)
	}
}

func TestProcessAll_CountsOutcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	missing := filepath.Join(filepath.Dir(env.file), "missing.pdf")
	stats, err := env.pipeline.ProcessAll(ctx, []string{env.file, missing}, nil)
	if err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ChunksInserted != 3 {
		t.Errorf("chunks inserted = %d", stats.ChunksInserted)
	}
}
