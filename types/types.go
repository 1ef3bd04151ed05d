package types

import "time"

// Vector is a dense embedding produced by an external Embedder.
// The engine never computes vectors itself; it only stores and compares them.
type Vector []float32

// ContentType classifies the structural kind of a chunk's text.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeTable ContentType = "table"
	ContentTypeList  ContentType = "list"
	ContentTypeCode  ContentType = "code"
)

// DocumentChunk is the unit of indexing and retrieval. Chunks are created
// only by the chunker and are immutable afterwards. Parent/child relations
// are expressed as ids into the engine-owned chunk arena, never as pointers;
// construction guarantees the relations form a tree.
type DocumentChunk struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	Position    int         `json:"position"`
	Level       int         `json:"level"`
	ParentID    string      `json:"parent_id,omitempty"`
	ChildIDs    []string    `json:"child_ids,omitempty"`
	ContentType ContentType `json:"content_type"`
	SourceFile  string      `json:"source_file,omitempty"`
	PageNumber  int         `json:"page_number,omitempty"`

	// Derived flags, set by the chunker from pattern matching.
	HasNumbers  bool `json:"has_numbers"`
	HasDates    bool `json:"has_dates"`
	HasCurrency bool `json:"has_currency"`

	EstimatedCategory string         `json:"estimated_category,omitempty"`
	PublishedAt       *time.Time     `json:"published_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// HybridResult is one fused retrieval hit. Ephemeral: produced per query,
// discarded after the response is assembled.
type HybridResult struct {
	ChunkID       string         `json:"chunk_id"`
	Text          string         `json:"text"`
	Score         float64        `json:"score"`
	SemanticScore float64        `json:"semantic_score"`
	LexicalScore  float64        `json:"lexical_score"`
	RerankScore   *float64       `json:"rerank_score,omitempty"`
	Rank          int            `json:"rank"`
	Source        string         `json:"source,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AttributedSource describes one contributing source with its
// credibility/recency/confidence scoring and a short excerpt.
type AttributedSource struct {
	ID               string  `json:"id"`
	Domain           string  `json:"domain,omitempty"`
	FileName         string  `json:"file_name,omitempty"`
	Author           string  `json:"author,omitempty"`
	Year             int     `json:"year,omitempty"`
	RelevanceScore   float64 `json:"relevance_score"`
	CredibilityScore float64 `json:"credibility_score"`
	RecencyScore     float64 `json:"recency_score"`
	ConfidenceScore  float64 `json:"confidence_score"`
	Excerpt          string  `json:"excerpt,omitempty"`
}

// Label returns the display identity of the source: domain for web
// sources, file name for user-supplied files, id as last resort.
func (s AttributedSource) Label() string {
	if s.Domain != "" {
		return s.Domain
	}
	if s.FileName != "" {
		return s.FileName
	}
	return s.ID
}
