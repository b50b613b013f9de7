package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lexatlas/lexrag/pkg/types"
)

// quarantine writes a document's failed inserts under the quarantine
// directory for later retry.
func (p *Pipeline) quarantine(docID string, failed []types.QuarantinedChunk) error {
	now := time.Now()
	path := filepath.Join(p.cfg.QuarantineDir,
		fmt.Sprintf("%s_failed_%s.json", docID, now.Format("20060102150405")))

	file := types.QuarantineFile{
		DocID:       docID,
		Timestamp:   now.UTC().Format(time.RFC3339),
		TotalFailed: len(failed),
		Chunks:      failed,
	}
	if err := writeJSON(path, &file); err != nil {
		return fmt.Errorf("writing quarantine file: %w", err)
	}
	p.log.Warn().
		Str("doc_id", docID).
		Int("chunks", len(failed)).
		Str("file", path).
		Msg("failed chunks quarantined")
	return nil
}

// ListQuarantine returns every quarantine file path, sorted by name.
func (p *Pipeline) ListQuarantine() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(p.cfg.QuarantineDir, "*_failed_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// RetryResult summarizes one retry pass over a quarantine file.
type RetryResult struct {
	Total        int
	Succeeded    int
	StillFailing int
}

// RetryFailed re-attempts every chunk in a quarantine file. Chunks that fail
// again are written back with an incremented retry count; the file is
// deleted when all succeed, and the document's checkpoint is then marked
// ingested.
func (p *Pipeline) RetryFailed(ctx context.Context, path string) (*RetryResult, error) {
	var file types.QuarantineFile
	if err := readJSON(path, &file); err != nil {
		return nil, fmt.Errorf("reading quarantine file: %w", err)
	}

	result := &RetryResult{Total: len(file.Chunks)}
	var remaining []types.QuarantinedChunk
	for _, qc := range file.Chunks {
		chunk := qc.Chunk
		if err := p.chunks.InsertChunk(ctx, p.cfg.Corpus, &chunk); err != nil {
			remaining = append(remaining, types.QuarantinedChunk{
				Chunk:      qc.Chunk,
				Error:      err.Error(),
				RetryCount: qc.RetryCount + 1,
			})
			continue
		}
		result.Succeeded++
	}
	result.StillFailing = len(remaining)

	if len(remaining) > 0 {
		file.Chunks = remaining
		file.TotalFailed = len(remaining)
		file.RetryTimestamp = time.Now().UTC().Format(time.RFC3339)
		if err := writeJSON(path, &file); err != nil {
			return result, fmt.Errorf("rewriting quarantine file: %w", err)
		}
		return result, nil
	}

	if err := os.Remove(path); err != nil {
		return result, fmt.Errorf("removing quarantine file: %w", err)
	}
	p.log.Info().Str("doc_id", file.DocID).Msg("all quarantined chunks inserted")

	if err := p.markIngestedIfClear(file.DocID); err != nil {
		return result, err
	}
	return result, nil
}

// markIngestedIfClear completes a document's checkpoint once no quarantine
// files for it remain.
func (p *Pipeline) markIngestedIfClear(docID string) error {
	pending, err := filepath.Glob(filepath.Join(p.cfg.QuarantineDir, docID+"_failed_*.json"))
	if err != nil || len(pending) > 0 {
		return err
	}
	cp, err := p.ckpt.Load(docID)
	if err != nil || cp == nil || cp.Ingested {
		return err
	}
	cp.Ingested = true
	cp.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	return p.ckpt.Save(cp)
}

// DocumentStatus is one line of the status report.
type DocumentStatus struct {
	DocID       string  `json:"doc_id"`
	Stage       string  `json:"stage"`
	Progress    float64 `json:"progress"`
	ChunksCount int     `json:"chunks_count"`
	Title       string  `json:"document_title,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// StatusReport aggregates every checkpoint plus pending quarantine files.
type StatusReport struct {
	TotalDocuments   int              `json:"total_documents"`
	Completed        int              `json:"completed"`
	Failed           int              `json:"failed"`
	InProgress       int              `json:"in_progress"`
	PendingIngestion int              `json:"pending_ingestion"`
	QuarantineFiles  int              `json:"quarantine_files"`
	Documents        []DocumentStatus `json:"documents"`
}

// Status builds the aggregate ingest report.
func (p *Pipeline) Status() (*StatusReport, error) {
	checkpoints, err := p.ckpt.List()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{TotalDocuments: len(checkpoints)}
	for _, cp := range checkpoints {
		stage := cp.Stage()
		switch {
		case stage == types.StageCompleted:
			report.Completed++
		case stage == types.StageFailed:
			report.Failed++
		case stage == types.StageChunksProcessed:
			report.PendingIngestion++
		default:
			report.InProgress++
		}

		status := DocumentStatus{
			DocID:       cp.DocID,
			Stage:       stage,
			Progress:    cp.Progress(),
			ChunksCount: cp.ChunksCount,
			Error:       cp.Error,
		}
		if cp.Metadata != nil {
			status.Title = cp.Metadata.Title
		}
		report.Documents = append(report.Documents, status)
	}

	quarantine, err := p.ListQuarantine()
	if err != nil {
		return nil, err
	}
	report.QuarantineFiles = len(quarantine)
	return report, nil
}

// WriteStatusReport renders the report as JSON to a file, creating parent
// directories as needed.
func (p *Pipeline) WriteStatusReport(path string) error {
	report, err := p.Status()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeJSON(path, report)
}

// SummaryLine renders a short human-readable report summary.
func (r *StatusReport) SummaryLine() string {
	return strings.TrimSpace(fmt.Sprintf(
		"documents=%d completed=%d failed=%d in_progress=%d pending_ingestion=%d quarantine_files=%d",
		r.TotalDocuments, r.Completed, r.Failed, r.InProgress, r.PendingIngestion, r.QuarantineFiles,
	))
}
