package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lexatlas/lexrag/pkg/types"
)

// DocID derives a stable document identifier from the source file path: the
// first 12 hex characters of its MD5.
func DocID(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])[:12]
}

// CheckpointStore persists per-document pipeline state and stage artifacts
// under one directory. One checkpoint file per document, rewritten after
// every stage transition.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates the directory if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *CheckpointStore) Dir() string { return s.dir }

func (s *CheckpointStore) checkpointPath(docID string) string {
	return filepath.Join(s.dir, docID+"_checkpoint.json")
}

// TextPath is where the extracted Markdown text of a document is stored.
func (s *CheckpointStore) TextPath(docID string) string {
	return filepath.Join(s.dir, docID+"_text.txt")
}

// ChunksPath is where the raw split chunks of a document are stored.
func (s *CheckpointStore) ChunksPath(docID string) string {
	return filepath.Join(s.dir, docID+"_chunks.json")
}

// ProcessedPath is where the enriched chunks of a document are stored.
func (s *CheckpointStore) ProcessedPath(docID string) string {
	return filepath.Join(s.dir, docID+"_processed.json")
}

// Load returns the checkpoint for a document, or nil if none exists.
func (s *CheckpointStore) Load(docID string) (*types.ProcessingCheckpoint, error) {
	raw, err := os.ReadFile(s.checkpointPath(docID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", docID, err)
	}
	var cp types.ProcessingCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", docID, err)
	}
	return &cp, nil
}

// Save rewrites the checkpoint file. The write goes through a temp file and
// rename so a crash mid-write never leaves a truncated checkpoint.
func (s *CheckpointStore) Save(cp *types.ProcessingCheckpoint) error {
	return writeJSON(s.checkpointPath(cp.DocID), cp)
}

// List returns every stored checkpoint, ordered by doc id.
func (s *CheckpointStore) List() ([]*types.ProcessingCheckpoint, error) {
	entries, err := filepath.Glob(filepath.Join(s.dir, "*_checkpoint.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	var out []*types.ProcessingCheckpoint
	for _, path := range entries {
		docID := strings.TrimSuffix(filepath.Base(path), "_checkpoint.json")
		cp, err := s.Load(docID)
		if err != nil || cp == nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func writeJSON(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
