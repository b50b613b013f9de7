package types

// Document represents one regulatory publication. Created once by the
// extractor, never mutated on the query path.
type Document struct {
	// ID is the surrogate row id, assigned on first insert (0 = not stored)
	ID int64 `json:"id,omitempty"`

	// Type classifies the publication (ley, reglamento, circular, ...)
	Type string `json:"document_type"`

	// Title is the official document title. Never empty after extraction.
	Title string `json:"document_title"`

	// IssuingAuthority is the body that published the document
	IssuingAuthority string `json:"issuing_authority,omitempty"`

	// PublicationDate is an ISO-8601 date or empty, never a malformed string
	PublicationDate string `json:"publication_date,omitempty"`

	// EffectiveDate is an ISO-8601 date or empty
	EffectiveDate string `json:"effective_date,omitempty"`

	// Jurisdiction names the territory the document applies to
	Jurisdiction string `json:"jurisdiction,omitempty"`

	// Status is the force-of-law state: "vigente", "derogado", ...
	Status string `json:"status,omitempty"`

	// Number is the official document number
	Number string `json:"document_number,omitempty"`

	// OfficialSource names the gazette or registry of publication
	OfficialSource string `json:"official_source,omitempty"`

	// OriginalURL is the source path or URL the document was ingested from
	OriginalURL string `json:"original_url,omitempty"`

	// FileName is the basename of the ingested file
	FileName string `json:"file_name,omitempty"`

	// ExtractionDate is when metadata extraction ran (RFC 3339)
	ExtractionDate string `json:"extraction_date,omitempty"`

	// ExtractionError records a metadata-extraction failure, if any
	ExtractionError string `json:"extraction_error,omitempty"`

	// Metadata holds free-form extra fields
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// StatusVigente is the status value meaning "currently in force".
const StatusVigente = "vigente"

// ExtractedText is the text-extraction result for one document.
type ExtractedText struct {
	// Content is the Markdown-converted document text
	Content string `json:"content"`

	// PageCount is the number of source pages (1 for non-paged inputs)
	PageCount int `json:"page_count"`

	// Method records how the text was obtained: "pdf", "ocr" or "mixed"
	Method string `json:"extraction_method"`

	// Seconds is the wall-clock extraction time
	Seconds float64 `json:"extraction_time"`
}
