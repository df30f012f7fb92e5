// Package retrieval implements the five read-only operations exposed to
// callers of a folder's index: list_folders, list_documents,
// get_document_outline, explore, and search. All five fail loud: a missing
// semantic field is surfaced as an explicit error marker, never silently
// substituted with an empty value.
package retrieval

// QueryEmbedder produces the query-side embedding for a search string,
// already carrying the model's query prefix and L2 normalization — the
// same shape as semantic.Embedder, kept as its own type here so this
// package doesn't import internal/semantic for one function signature.
type QueryEmbedder func(query string) ([]float32, error)

// QualityIndicators carries the three per-document/folder quality numbers
// that recur across every retrieval response.
type QualityIndicators struct {
	ExtractionConfidence float64
	PhraseRichness       float64
	TopicSpecificity     float64
}

// SemanticPreview is the folder-level summary attached to list_folders and
// explore results.
type SemanticPreview struct {
	TopTopics      []string
	AvgReadability float64
	Quality        QualityIndicators
}

// FolderSummary is one entry of list_folders' result.
type FolderSummary struct {
	Name          string
	Path          string
	DocumentCount int
	Preview       SemanticPreview
}

// DocumentSemanticSummaryView is the semantic_summary object list_documents
// attaches to each document.
type DocumentSemanticSummaryView struct {
	PrimaryPurpose string
	KeyConcepts    []string
	MainTopics     []string
	DocumentType   string
	Readability    float64
	Quality        QualityIndicators
}

// DocumentSummary is one entry of list_documents' result. Err is set
// instead of Semantics when a document has no DocumentSemanticSummary yet
// (never aggregated, or aggregation failed) — the field is present and
// explicit rather than a silently empty semantic_summary.
type DocumentSummary struct {
	ID        string
	Name      string
	Size      int64
	Semantics *DocumentSemanticSummaryView
	Err       string
}

// ChunkOutlineSemantics is the semantics object attached to each outline entry.
type ChunkOutlineSemantics struct {
	MainPoints  []string
	Topics      []string
	KeyPhrases  []string
	HasExamples bool
	HasData     bool
	Readability float64
}

// OutlineEntry is one chunk of get_document_outline's ordered result.
type OutlineEntry struct {
	ChunkID    string
	Heading    string
	ChunkIndex int
	Semantics  *ChunkOutlineSemantics
	Err        string
}

// Breadcrumb is one path segment of explore's result, carrying the
// aggregated topic hint for that ancestor folder.
type Breadcrumb struct {
	Name      string
	Path      string
	TopicHint string
}

// ExploreResult is explore's full result: breadcrumbs back to the root,
// plus the subfolders of path itself (identical shape to list_folders).
type ExploreResult struct {
	Breadcrumbs []Breadcrumb
	Subfolders  []*FolderSummary
}

// MatchType names which stage of the search pipeline produced a hit.
type MatchType string

const (
	MatchTypeSemantic       MatchType = "semantic"
	MatchTypeFilenameExact  MatchType = "filename_exact"
	MatchTypeFilenamePartial MatchType = "filename_partial"
)

// SearchStrategy names how a result's score was shaped by the hybrid
// keyword boost.
type SearchStrategy string

const (
	StrategyPlain          SearchStrategy = ""
	StrategyHybridBoosted  SearchStrategy = "hybrid_boosted"
	StrategyKeywordOnly    SearchStrategy = "keyword_only"
)

// SemanticContext explains why a search hit is relevant.
type SemanticContext struct {
	WhyRelevant     string
	MatchedConcepts []string
	SearchStrategy  SearchStrategy
	BoostApplied    bool
	KeywordMatches  []string
}

// SearchHit is one ranked result of search.
type SearchHit struct {
	ChunkID   string
	DocumentID string
	Score     float64
	MatchType MatchType
	Context   SemanticContext
}

// SearchInsights summarizes the query itself, attached once per search response.
type SearchInsights struct {
	QueryInterpretation   string
	ModelOptimization     string
	PoorTokenizersDetected []string
	Confidence            float64
}

// SearchResponse is search's full result.
type SearchResponse struct {
	Hits     []*SearchHit
	Insights SearchInsights
}
