package types

import "time"

// ProcessingCheckpoint tracks one document's progress through the ingest
// pipeline. Persisted as <doc_id>_checkpoint.json and rewritten after every
// stage transition so crashed runs can resume.
type ProcessingCheckpoint struct {
	// DocID is the first 12 hex characters of the file-path hash
	DocID string `json:"doc_id"`

	// FilePath is the absolute path of the source file
	FilePath string `json:"file_path"`

	// Stage flags. They advance monotonically along the lifecycle order
	// unless Error is set.
	MetadataExtracted bool `json:"metadata_extracted"`
	TextExtracted     bool `json:"text_extracted"`
	ChunksCreated     bool `json:"chunks_created"`
	ChunksProcessed   bool `json:"chunks_processed"`
	Ingested          bool `json:"ingested"`

	// Metadata is the extracted document record
	Metadata *Document `json:"metadata,omitempty"`

	// Artifact references for each completed stage
	TextFile      string `json:"text_file,omitempty"`
	ChunksFile    string `json:"chunks_file,omitempty"`
	ChunksCount   int    `json:"chunks_count"`
	ProcessedFile string `json:"processed_file,omitempty"`

	// DocumentIDDB is the document's row id in the store
	DocumentIDDB int64 `json:"document_id_db,omitempty"`

	Error       string `json:"error,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	StartedAt   string `json:"started_at"`
}

// NewCheckpoint creates a checkpoint for a file at the start of its pipeline.
func NewCheckpoint(docID, filePath string) *ProcessingCheckpoint {
	return &ProcessingCheckpoint{
		DocID:     docID,
		FilePath:  filePath,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Stage names in lifecycle order.
const (
	StageNotStarted        = "not_started"
	StageMetadataExtracted = "metadata_extracted"
	StageTextExtracted     = "text_extracted"
	StageChunksCreated     = "chunks_created"
	StageChunksProcessed   = "chunks_processed"
	StageCompleted         = "completed"
	StageFailed            = "failed"
)

// Stage returns the checkpoint's current lifecycle stage.
func (c *ProcessingCheckpoint) Stage() string {
	switch {
	case c.Error != "":
		return StageFailed
	case c.Ingested:
		return StageCompleted
	case c.ChunksProcessed:
		return StageChunksProcessed
	case c.ChunksCreated:
		return StageChunksCreated
	case c.TextExtracted:
		return StageTextExtracted
	case c.MetadataExtracted:
		return StageMetadataExtracted
	}
	return StageNotStarted
}

// Progress returns completion as a fraction of the five stage flags.
func (c *ProcessingCheckpoint) Progress() float64 {
	flags := []bool{
		c.MetadataExtracted,
		c.TextExtracted,
		c.ChunksCreated,
		c.ChunksProcessed,
		c.Ingested,
	}
	done := 0
	for _, f := range flags {
		if f {
			done++
		}
	}
	return float64(done) / float64(len(flags))
}

// MarkFailed records a stage failure.
func (c *ProcessingCheckpoint) MarkFailed(err error) {
	c.Error = err.Error()
	c.FailedAt = time.Now().UTC().Format(time.RFC3339)
}

// QuarantinedChunk is one chunk whose store insert failed, held for retry.
type QuarantinedChunk struct {
	Chunk      Chunk  `json:"chunk"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

// QuarantineFile is the on-disk record of a document's failed inserts,
// written under pending_chunks/.
type QuarantineFile struct {
	DocID          string             `json:"doc_id"`
	Timestamp      string             `json:"timestamp"`
	RetryTimestamp string             `json:"retry_timestamp,omitempty"`
	TotalFailed    int                `json:"total_failed"`
	Chunks         []QuarantinedChunk `json:"chunks"`
}
