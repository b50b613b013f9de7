// Package postgres implements store.Store on PostgreSQL with the pgvector
// extension. Chunks live in one table per jurisdiction corpus; documents and
// sessions are shared tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/types"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	// URL is the connection string (postgres://...)
	URL string

	// EmbeddingDim is the vector column dimensionality (default: 1536)
	EmbeddingDim int
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	cfg  Config
}

// corpusPattern restricts corpus names to safe SQL identifiers. Corpus names
// come from configuration and are interpolated into table names.
var corpusPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// New connects to PostgreSQL and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 1536
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Store{pool: pool, cfg: cfg}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the shared tables and the chunks table for corpus.
func (s *Store) Migrate(ctx context.Context, corpus string) error {
	if err := validCorpus(corpus); err != nil {
		return err
	}

	shared := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS regulatory_documents (
  id                BIGSERIAL PRIMARY KEY,
  document_type     TEXT NOT NULL DEFAULT '',
  document_title    TEXT NOT NULL DEFAULT '',
  issuing_authority TEXT NOT NULL DEFAULT '',
  publication_date  TEXT NOT NULL DEFAULT '',
  effective_date    TEXT NOT NULL DEFAULT '',
  jurisdiction      TEXT NOT NULL DEFAULT '',
  status            TEXT NOT NULL DEFAULT '',
  document_number   TEXT NOT NULL DEFAULT '',
  official_source   TEXT NOT NULL DEFAULT '',
  original_url      TEXT NOT NULL DEFAULT '',
  file_name         TEXT NOT NULL DEFAULT '',
  extraction_date   TEXT NOT NULL DEFAULT '',
  extraction_error  TEXT NOT NULL DEFAULT '',
  metadata          JSONB NOT NULL DEFAULT '{}',
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS regulatory_documents_url_idx
  ON regulatory_documents (original_url);

CREATE TABLE IF NOT EXISTS conversation_sessions (
  id           TEXT PRIMARY KEY,
  user_id      TEXT NOT NULL DEFAULT '',
  metadata     JSONB NOT NULL DEFAULT '{}',
  total_tokens INT NOT NULL DEFAULT 0,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS message_batches (
  id          BIGSERIAL PRIMARY KEY,
  session_id  TEXT NOT NULL REFERENCES conversation_sessions(id),
  payload     JSONB NOT NULL,
  token_count INT NOT NULL DEFAULT 0,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS message_batches_session_idx
  ON message_batches (session_id, created_at DESC);
`
	if _, err := s.pool.Exec(ctx, shared); err != nil {
		return fmt.Errorf("shared schema migration failed: %w", err)
	}

	perCorpus := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id           BIGSERIAL PRIMARY KEY,
  url          TEXT NOT NULL DEFAULT '',
  chunk_number INT NOT NULL DEFAULT 0,
  title        TEXT NOT NULL DEFAULT '',
  summary      TEXT NOT NULL DEFAULT '',
  content      TEXT NOT NULL DEFAULT '',
  embedding    vector(%[2]d),
  metadata     JSONB NOT NULL DEFAULT '{}',
  document_id  BIGINT REFERENCES regulatory_documents(id),
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx
  ON %[1]s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE INDEX IF NOT EXISTS %[1]s_cluster_idx
  ON %[1]s (((metadata->>'cluster_id')::int));
`, corpus, s.cfg.EmbeddingDim)
	if _, err := s.pool.Exec(ctx, perCorpus); err != nil {
		return fmt.Errorf("corpus schema migration failed: %w", err)
	}
	return nil
}

const chunkColumns = `id, url, chunk_number, title, summary, content, metadata, COALESCE(document_id, 0)`

// VectorMatch returns the matchCount nearest chunks by cosine distance.
func (s *Store) VectorMatch(ctx context.Context, corpus string, embedding []float32, matchCount int) ([]types.Chunk, error) {
	if err := validCorpus(corpus); err != nil {
		return nil, err
	}
	if matchCount <= 0 {
		matchCount = 10
	}

	q := fmt.Sprintf(`
SELECT %s, 1 - (embedding <=> $1) AS score
FROM %s
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1
LIMIT $2`, chunkColumns, corpus)

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), matchCount)
	if err != nil {
		return nil, fmt.Errorf("vector match failed: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows, true)
}

// ClusterMatch returns up to matchCount chunks assigned to clusterID, in
// document order.
func (s *Store) ClusterMatch(ctx context.Context, corpus string, clusterID, matchCount int) ([]types.Chunk, error) {
	if err := validCorpus(corpus); err != nil {
		return nil, err
	}
	if matchCount <= 0 {
		matchCount = 5
	}

	q := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE (metadata->>'cluster_id')::int = $1
ORDER BY chunk_number
LIMIT $2`, chunkColumns, corpus)

	rows, err := s.pool.Query(ctx, q, clusterID, matchCount)
	if err != nil {
		return nil, fmt.Errorf("cluster match failed: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows, false)
}

// ScanVigente returns every in-force chunk. The status rule is evaluated in
// SQL so each chunk sees a consistent view of its parent document.
func (s *Store) ScanVigente(ctx context.Context, corpus string) ([]types.Chunk, error) {
	if err := validCorpus(corpus); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
SELECT c.id, c.url, c.chunk_number, c.title, c.summary, c.content, c.metadata, COALESCE(c.document_id, 0)
FROM %s c
LEFT JOIN regulatory_documents d ON d.id = c.document_id
WHERE
  (d.id IS NOT NULL AND (
    d.status = 'vigente'
    OR (COALESCE(d.status, '') = '' AND COALESCE(c.metadata->>'status', '') = '')
  ))
  OR
  (d.id IS NULL AND COALESCE(c.metadata->>'status', '') IN ('vigente', ''))
ORDER BY c.id`, corpus)

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("vigente scan failed: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows, false)
}

// FilterSubstring returns chunks whose title or content contains needle.
func (s *Store) FilterSubstring(ctx context.Context, corpus, needle string) ([]types.Chunk, error) {
	if err := validCorpus(corpus); err != nil {
		return nil, err
	}
	if needle == "" {
		return nil, nil
	}

	q := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE title ILIKE '%%' || $1 || '%%' OR content ILIKE '%%' || $1 || '%%'
ORDER BY id`, chunkColumns, corpus)

	rows, err := s.pool.Query(ctx, q, needle)
	if err != nil {
		return nil, fmt.Errorf("substring filter failed: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows, false)
}

// InsertChunk stores a chunk and fills in its assigned ID.
func (s *Store) InsertChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	if err := validCorpus(corpus); err != nil {
		return err
	}

	meta, err := marshalMeta(chunk.Metadata)
	if err != nil {
		return err
	}

	var emb any
	if len(chunk.Embedding) > 0 {
		emb = pgvector.NewVector(chunk.Embedding)
	} else {
		emb = (*pgvector.Vector)(nil)
	}

	var docID any
	if chunk.DocumentID > 0 {
		docID = chunk.DocumentID
	}

	q := fmt.Sprintf(`
INSERT INTO %s (url, chunk_number, title, summary, content, embedding, metadata, document_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`, corpus)

	var id int64
	err = s.pool.QueryRow(ctx, q,
		chunk.URL, chunk.ChunkNumber, chunk.Title, chunk.Summary, chunk.Content,
		emb, meta, docID,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("chunk insert failed: %w", err)
	}
	chunk.ID = strconv.FormatInt(id, 10)
	return nil
}

// UpdateChunk rewrites a stored chunk by ID.
func (s *Store) UpdateChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	if err := validCorpus(corpus); err != nil {
		return err
	}
	id, err := strconv.ParseInt(chunk.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chunk id %q: %w", chunk.ID, err)
	}

	meta, err := marshalMeta(chunk.Metadata)
	if err != nil {
		return err
	}

	var emb any
	if len(chunk.Embedding) > 0 {
		emb = pgvector.NewVector(chunk.Embedding)
	} else {
		emb = (*pgvector.Vector)(nil)
	}

	q := fmt.Sprintf(`
UPDATE %s
SET url = $2, chunk_number = $3, title = $4, summary = $5, content = $6,
    embedding = $7, metadata = $8
WHERE id = $1`, corpus)

	tag, err := s.pool.Exec(ctx, q, id,
		chunk.URL, chunk.ChunkNumber, chunk.Title, chunk.Summary, chunk.Content,
		emb, meta,
	)
	if err != nil {
		return fmt.Errorf("chunk update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteChunk removes a chunk by ID.
func (s *Store) DeleteChunk(ctx context.Context, corpus, id string) error {
	if err := validCorpus(corpus); err != nil {
		return err
	}
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chunk id %q: %w", id, err)
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, corpus), rowID)
	if err != nil {
		return fmt.Errorf("chunk delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertDocument stores a document record and returns its row id.
func (s *Store) InsertDocument(ctx context.Context, doc *types.Document) (int64, error) {
	meta, err := marshalMeta(doc.Metadata)
	if err != nil {
		return 0, err
	}

	const q = `
INSERT INTO regulatory_documents (
  document_type, document_title, issuing_authority, publication_date,
  effective_date, jurisdiction, status, document_number, official_source,
  original_url, file_name, extraction_date, extraction_error, metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id`

	var id int64
	err = s.pool.QueryRow(ctx, q,
		doc.Type, doc.Title, doc.IssuingAuthority, doc.PublicationDate,
		doc.EffectiveDate, doc.Jurisdiction, doc.Status, doc.Number,
		doc.OfficialSource, doc.OriginalURL, doc.FileName, doc.ExtractionDate,
		doc.ExtractionError, meta,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("document insert failed: %w", err)
	}
	doc.ID = id
	return id, nil
}

const documentColumns = `id, document_type, document_title, issuing_authority,
publication_date, effective_date, jurisdiction, status, document_number,
official_source, original_url, file_name, extraction_date, extraction_error, metadata`

// GetDocument returns a document by row id.
func (s *Store) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	q := fmt.Sprintf(`SELECT %s FROM regulatory_documents WHERE id = $1`, documentColumns)
	return s.queryDocument(ctx, q, id)
}

// GetDocumentByURL returns a document by its original URL or path.
func (s *Store) GetDocumentByURL(ctx context.Context, url string) (*types.Document, error) {
	q := fmt.Sprintf(`SELECT %s FROM regulatory_documents WHERE original_url = $1 LIMIT 1`, documentColumns)
	return s.queryDocument(ctx, q, url)
}

func (s *Store) queryDocument(ctx context.Context, q string, arg any) (*types.Document, error) {
	var doc types.Document
	var meta []byte
	err := s.pool.QueryRow(ctx, q, arg).Scan(
		&doc.ID, &doc.Type, &doc.Title, &doc.IssuingAuthority,
		&doc.PublicationDate, &doc.EffectiveDate, &doc.Jurisdiction, &doc.Status,
		&doc.Number, &doc.OfficialSource, &doc.OriginalURL, &doc.FileName,
		&doc.ExtractionDate, &doc.ExtractionError, &meta,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("document query failed: %w", err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &doc.Metadata)
	}
	return &doc, nil
}

// UpdateDocumentStatus changes the force-of-law status of a document.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE regulatory_documents SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateSession stores a new conversation session.
func (s *Store) CreateSession(ctx context.Context, session *types.ConversationSession) error {
	meta, err := marshalMeta(session.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO conversation_sessions (id, user_id, metadata, total_tokens)
VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, meta, session.TotalTokens)
	if err != nil {
		return fmt.Errorf("session create failed: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.ConversationSession, error) {
	var session types.ConversationSession
	var meta []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, metadata, total_tokens, created_at, updated_at
FROM conversation_sessions WHERE id = $1`, id).Scan(
		&session.ID, &session.UserID, &meta, &session.TotalTokens,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("session query failed: %w", err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &session.Metadata)
	}
	return &session, nil
}

// UpdateSessionMetadata replaces the session metadata bag.
func (s *Store) UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE conversation_sessions SET metadata = $2, updated_at = now() WHERE id = $1`,
		id, meta)
	if err != nil {
		return fmt.Errorf("session metadata update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveMessageBatch appends one turn's messages inside a transaction so the
// session token total stays consistent with the batch rows.
func (s *Store) SaveMessageBatch(ctx context.Context, batch *types.MessageBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO message_batches (session_id, payload, token_count)
VALUES ($1, $2, $3)`,
		batch.SessionID, []byte(batch.Payload), batch.TokenCount)
	if err != nil {
		return fmt.Errorf("batch insert failed: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE conversation_sessions
SET total_tokens = total_tokens + $2, updated_at = now()
WHERE id = $1`,
		batch.SessionID, batch.TokenCount)
	if err != nil {
		return fmt.Errorf("session total update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return tx.Commit(ctx)
}

// LoadMessageBatches returns batches for a session, most recent first.
func (s *Store) LoadMessageBatches(ctx context.Context, sessionID string, limit int) ([]types.MessageBatch, error) {
	q := `
SELECT session_id, payload, token_count, created_at
FROM message_batches
WHERE session_id = $1
ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("batch load failed: %w", err)
	}
	defer rows.Close()

	var batches []types.MessageBatch
	for rows.Next() {
		var b types.MessageBatch
		var payload []byte
		if err := rows.Scan(&b.SessionID, &payload, &b.TokenCount, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Payload = json.RawMessage(payload)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func validCorpus(corpus string) error {
	if !corpusPattern.MatchString(corpus) {
		return fmt.Errorf("invalid corpus name %q", corpus)
	}
	return nil
}

func marshalMeta(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("metadata marshal failed: %w", err)
	}
	return data, nil
}

func scanChunks(rows pgx.Rows, withScore bool) ([]types.Chunk, error) {
	var chunks []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var id int64
		var meta []byte

		dest := []any{&id, &c.URL, &c.ChunkNumber, &c.Title, &c.Summary, &c.Content, &meta, &c.DocumentID}
		var score float64
		if withScore {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		c.ID = strconv.FormatInt(id, 10)
		c.Score = float32(score)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &c.Metadata)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
