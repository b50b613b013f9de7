// Package store defines the persistence capability the retrieval and ingest
// pipelines run against: vector similarity plus row-level queries over a
// per-jurisdiction chunks corpus, a documents table, and conversation
// sessions. Backends live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/lexatlas/lexrag/pkg/types"
)

// Common errors.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported indicates the backend cannot serve this operation.
	// Vector-only backends return it for document and session operations.
	ErrNotSupported = errors.New("operation not supported by this backend")
)

// ChunkStore is the corpus-level capability the retriever and ingester use.
type ChunkStore interface {
	// VectorMatch returns up to matchCount chunks ordered by similarity to
	// the query embedding.
	VectorMatch(ctx context.Context, corpus string, embedding []float32, matchCount int) ([]types.Chunk, error)

	// ClusterMatch returns up to matchCount chunks assigned to clusterID.
	ClusterMatch(ctx context.Context, corpus string, clusterID, matchCount int) ([]types.Chunk, error)

	// ScanVigente returns every chunk of the corpus that is currently in
	// force. The vigente predicate is applied atomically per chunk; see
	// Vigente for the rule.
	ScanVigente(ctx context.Context, corpus string) ([]types.Chunk, error)

	// FilterSubstring returns chunks whose title or content contains needle,
	// case-insensitively.
	FilterSubstring(ctx context.Context, corpus, needle string) ([]types.Chunk, error)

	// InsertChunk stores a chunk and fills in its assigned ID.
	InsertChunk(ctx context.Context, corpus string, chunk *types.Chunk) error

	// UpdateChunk rewrites a stored chunk by ID.
	UpdateChunk(ctx context.Context, corpus string, chunk *types.Chunk) error

	// DeleteChunk removes a chunk by ID.
	DeleteChunk(ctx context.Context, corpus, id string) error
}

// DocumentStore manages the regulatory_documents table.
type DocumentStore interface {
	// InsertDocument stores a document record and returns its row id.
	InsertDocument(ctx context.Context, doc *types.Document) (int64, error)

	// GetDocument returns a document by row id, ErrNotFound if absent.
	GetDocument(ctx context.Context, id int64) (*types.Document, error)

	// GetDocumentByURL returns a document by its original URL or path.
	GetDocumentByURL(ctx context.Context, url string) (*types.Document, error)

	// UpdateDocumentStatus changes the force-of-law status of a document.
	UpdateDocumentStatus(ctx context.Context, id int64, status string) error
}

// SessionStore manages conversation sessions and their message batches.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.ConversationSession) error

	// GetSession returns a session by id, ErrNotFound if absent.
	GetSession(ctx context.Context, id string) (*types.ConversationSession, error)

	// UpdateSessionMetadata replaces the session metadata bag and bumps
	// updated_at.
	UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error

	// SaveMessageBatch appends one turn's messages and adds its token count
	// to the session total.
	SaveMessageBatch(ctx context.Context, batch *types.MessageBatch) error

	// LoadMessageBatches returns batches for a session, most recent first.
	// A limit of 0 loads all.
	LoadMessageBatches(ctx context.Context, sessionID string, limit int) ([]types.MessageBatch, error)
}

// Store is the full capability set. The postgres backend implements all of
// it; qdrant implements ChunkStore only.
type Store interface {
	ChunkStore
	DocumentStore
	SessionStore

	Ping(ctx context.Context) error
	Close() error
}

// Vigente reports whether a chunk is in force. A chunk is vigente iff its
// parent document's status is "vigente", or no parent record exists and the
// chunk's own metadata status is "vigente", or no status information exists
// on either side. A document that exists with a different status always
// excludes the chunk.
func Vigente(docStatus string, docFound bool, chunkStatus string) bool {
	if docFound {
		if docStatus == types.StatusVigente {
			return true
		}
		return docStatus == "" && chunkStatus == ""
	}
	if chunkStatus == types.StatusVigente {
		return true
	}
	return chunkStatus == ""
}
