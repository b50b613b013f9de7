package types

// Complexity classifies how much handling a query needs.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Entity types recognized by query understanding. Only a subset participates
// in entity search.
const (
	EntityRegulation   = "regulation"
	EntityRegion       = "region"
	EntityProgram      = "program"
	EntityProcess      = "process"
	EntityTechnicalReq = "technical_requirement"
)

// Intent is one detected query intent with its confidence.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Entity is one typed entity mentioned by the query.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Keyword is one query keyword with its retrieval importance in [0,1].
type Keyword struct {
	Word       string  `json:"word"`
	Importance float64 `json:"importance"`
}

// QueryInfo is the structured analysis of a user query. Per-request only;
// never persisted.
type QueryInfo struct {
	OriginalQuery string `json:"original_query"`

	// ExpandedQuery is the query rephrased with implicit context made
	// explicit. Never empty after understanding completes.
	ExpandedQuery string `json:"expanded_query"`

	// SearchQuery is the retrieval-optimized form. Never empty.
	SearchQuery string `json:"search_query"`

	// DecomposedQueries are sub-questions for complex queries, possibly empty
	DecomposedQueries []string `json:"decomposed_queries,omitempty"`

	Intents  []Intent  `json:"intents,omitempty"`
	Entities []Entity  `json:"entities,omitempty"`
	Keywords []Keyword `json:"keywords,omitempty"`

	// DomainTerms maps technical terms found in the query to definitions
	DomainTerms map[string]string `json:"domain_terms,omitempty"`

	Complexity Complexity `json:"complexity"`
	Language   string     `json:"language,omitempty"`

	// EstimatedSearchQuality predicts retrieval quality in [0,1]
	EstimatedSearchQuality float64 `json:"estimated_search_quality"`
}

// SearchableEntities returns the entities whose type participates in the
// retriever's entity search.
func (q *QueryInfo) SearchableEntities() []Entity {
	var out []Entity
	for _, e := range q.Entities {
		switch e.Type {
		case EntityRegulation, EntityProgram, EntityProcess, EntityTechnicalReq:
			out = append(out, e)
		}
	}
	return out
}

// ImportantKeywords returns keyword words with importance above the given
// threshold.
func (q *QueryInfo) ImportantKeywords(threshold float64) []string {
	var out []string
	for _, k := range q.Keywords {
		if k.Importance > threshold {
			out = append(out, k.Word)
		}
	}
	return out
}
