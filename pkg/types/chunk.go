package types

// Chunk represents one retrievable fragment of a regulatory document.
// The same shape is used for freshly processed chunks (pre-insert) and for
// retrieval hits (post-insert), so the ingest and query pipelines share a
// single currency.
type Chunk struct {
	// ID is the row identifier in the chunk store. Empty before insert.
	ID string `json:"id,omitempty"`

	// URL is the source identifier (a URL or a local file path)
	URL string `json:"url"`

	// ChunkNumber is the ordinal of this chunk within its document
	ChunkNumber int `json:"chunk_number"`

	// Title is the LLM-derived chunk title
	Title string `json:"title"`

	// Summary is the LLM-derived situating context (not a paraphrase)
	Summary string `json:"summary"`

	// Content is the raw chunk text, Markdown-formatted
	Content string `json:"content"`

	// Embedding is the vector representation (float32 for memory efficiency)
	Embedding []float32 `json:"embedding,omitempty"`

	// Score is the relevance score from the most recent ranking stage
	Score float32 `json:"-"`

	// Metadata carries the enrichment fields (category, keywords, article
	// number, replicated document fields, ...)
	Metadata map[string]interface{} `json:"metadata"`

	// DocumentID references the parent document row (0 = no parent)
	DocumentID int64 `json:"document_id,omitempty"`
}

// NewChunk creates a Chunk with an initialized metadata map.
func NewChunk(id, content string) *Chunk {
	return &Chunk{
		ID:       id,
		Content:  content,
		Metadata: make(map[string]interface{}),
	}
}

// Dimension returns the embedding dimensionality.
func (c *Chunk) Dimension() int {
	return len(c.Embedding)
}

// ClusterID returns the cluster assignment from metadata, -1 if absent.
func (c *Chunk) ClusterID() int {
	if c.Metadata == nil {
		return -1
	}
	switch v := c.Metadata["cluster_id"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return -1
}

// MetaString returns a string metadata field, "" if absent or non-string.
func (c *Chunk) MetaString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	if s, ok := c.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// Clone creates a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	embedding := make([]float32, len(c.Embedding))
	copy(embedding, c.Embedding)

	metadata := make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		metadata[k] = v
	}

	cp := *c
	cp.Embedding = embedding
	cp.Metadata = metadata
	return &cp
}

// SplitChunk is the text splitter's output record, before enrichment.
type SplitChunk struct {
	// Text is the chunk body
	Text string `json:"text"`

	// ClusterID groups related chunks; the article ordinal in regulatory
	// mode, the semantic cluster index otherwise. -1 means unclustered.
	ClusterID int `json:"cluster_id"`

	// ClusterSize is the number of chunks sharing ClusterID
	ClusterSize int `json:"cluster_size"`

	// HasOverlap reports whether the chunk begins with carried-over tail
	// sentences from the previous chunk
	HasOverlap bool `json:"has_overlap"`

	// ArticleNumber is set only for regulatory-mode chunks ("3", "3.2", ...)
	ArticleNumber string `json:"article_number,omitempty"`

	// ArticleTitle is the full article heading
	ArticleTitle string `json:"article_title,omitempty"`

	// Hierarchy lists the structure markers enclosing this chunk
	Hierarchy []StructureMarker `json:"hierarchy,omitempty"`

	// IsSubdivision marks chunks produced by splitting an oversized article
	IsSubdivision bool `json:"is_subdivision"`

	// ClusteringMethod records how the chunk was formed ("article",
	// "semantic", "simple")
	ClusteringMethod string `json:"clustering_method,omitempty"`
}

// StructureMarker is one CAPITULO/TITULO/SECCION heading in a regulatory
// document's hierarchy.
type StructureMarker struct {
	Type   string `json:"type"`
	Number string `json:"number"`
	Title  string `json:"title"`
}
