package retrieval

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/folderkb/engine/internal/aggregate"
	"github.com/folderkb/engine/internal/store"
)

// filenameExactThreshold and filenamePartialThreshold gate the two rungs
// of the filename boost ladder: a vector hit against the synthetic
// filename chunk only outranks content matches when the filename itself
// is a strong or partial match for the query.
const (
	filenameExactThreshold   = 0.9
	filenamePartialThreshold = 0.7
)

// keywordBoostMultiplier is applied to a semantic hit's score when the
// same chunk also surfaces from the BM25 keyword pass over a poor-tokenizer
// term in the query.
const keywordBoostMultiplier = 1.3

// keywordOnlyScore is the fixed relevance given to a chunk that only the
// keyword pass found, never the semantic one.
const keywordOnlyScore = 0.75

// candidatePoolMultiplier over-fetches vector results so the filename
// boost ladder has content-chunk scores to compare against even when the
// filename chunk itself ranks above the first k content chunks.
const candidatePoolMultiplier = 4

var rawTermPattern = regexp.MustCompile(`[A-Za-z0-9_-]+`)

// retrievalStore is the subset of store.MetadataStore the five operations
// actually read; narrowed the same way aggregate.folderStore is, so tests
// can supply a minimal fake instead of the full MetadataStore surface.
type retrievalStore interface {
	ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error)
	GetFileByPath(ctx context.Context, projectID, path string) (*store.File, error)
	GetDocumentSummary(ctx context.Context, documentID string) (*store.DocumentSemanticSummary, error)
	GetChunksByFile(ctx context.Context, fileID string) ([]*store.Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]*store.Chunk, error)
	GetChunk(ctx context.Context, id string) (*store.Chunk, error)
}

// Engine implements the five retrieval operations against a folder's
// stored index: list_folders, list_documents, get_document_outline,
// explore, and search.
type Engine struct {
	metadata retrievalStore
	vectors  store.VectorStore
	keyword  store.BM25Index
	folders  *aggregate.FolderAggregator
	embed    QueryEmbedder
}

// NewEngine builds an Engine over the given storage layers. embed produces
// the query-side embedding for search; it is nil-checked lazily, only when
// Search is actually called, so callers that never search need not supply one.
func NewEngine(metadata retrievalStore, vectors store.VectorStore, keyword store.BM25Index, folders *aggregate.FolderAggregator, embed QueryEmbedder) *Engine {
	return &Engine{metadata: metadata, vectors: vectors, keyword: keyword, folders: folders, embed: embed}
}

// ListFolders returns the immediate subfolders of parentPath, each carrying
// an aggregated semantic preview of its direct-child documents.
func (e *Engine) ListFolders(ctx context.Context, projectID, parentPath string) ([]*FolderSummary, error) {
	paths, err := e.metadata.ListFilePathsUnder(ctx, projectID, parentPath)
	if err != nil {
		return nil, fmt.Errorf("retrieval: list folders under %q: %w", parentPath, err)
	}

	names := subfolderNames(paths, parentPath)
	summaries := make([]*FolderSummary, 0, len(names))
	for _, name := range names {
		childPath := joinFolder(parentPath, name)
		preview, err := e.folders.Preview(ctx, projectID, childPath)
		if err != nil {
			return nil, fmt.Errorf("retrieval: preview folder %q: %w", childPath, err)
		}
		summaries = append(summaries, &FolderSummary{
			Name:          name,
			Path:          childPath,
			DocumentCount: preview.DocumentCount,
			Preview: SemanticPreview{
				TopTopics:      preview.TopTopics,
				AvgReadability: preview.AvgReadability,
				Quality: QualityIndicators{
					PhraseRichness:   preview.PhraseDiversity,
					TopicSpecificity: preview.TopicSpecificity,
				},
			},
		})
	}
	return summaries, nil
}

// ListDocuments returns the documents directly inside folderPath, each
// carrying its document-level semantic summary. A document with no summary
// yet, or one that failed its quality floor, gets Err set instead of
// Semantics — fail loud rather than a silently empty summary.
func (e *Engine) ListDocuments(ctx context.Context, projectID, folderPath string) ([]*DocumentSummary, error) {
	paths, err := e.metadata.ListFilePathsUnder(ctx, projectID, folderPath)
	if err != nil {
		return nil, fmt.Errorf("retrieval: list documents under %q: %w", folderPath, err)
	}

	direct := directFiles(paths, folderPath)
	sort.Strings(direct)

	docs := make([]*DocumentSummary, 0, len(direct))
	for _, p := range direct {
		file, err := e.metadata.GetFileByPath(ctx, projectID, p)
		if err != nil {
			return nil, fmt.Errorf("retrieval: get file %q: %w", p, err)
		}
		if file == nil {
			continue
		}
		doc := &DocumentSummary{ID: file.ID, Name: path.Base(p), Size: file.Size}

		summary, err := e.metadata.GetDocumentSummary(ctx, file.ID)
		switch {
		case err != nil:
			doc.Err = fmt.Sprintf("semantic summary lookup failed: %v", err)
		case summary == nil:
			doc.Err = "no semantic summary: document not yet aggregated"
		case summary.Status != aggregate.StatusOK:
			doc.Err = fmt.Sprintf("semantic summary failed quality floor: %s", summary.FailureReason)
		default:
			doc.Semantics = &DocumentSemanticSummaryView{
				PrimaryPurpose: summary.PrimaryTheme,
				KeyConcepts:    summary.TopKeyPhrases,
				MainTopics:     summary.TopTopics,
				DocumentType:   file.ContentType,
				Readability:    summary.AvgReadability,
				Quality: QualityIndicators{
					ExtractionConfidence: summary.Confidence,
					PhraseRichness:       summary.PhraseRichness,
					TopicSpecificity:     topicSpecificityOf(summary.TopTopics),
				},
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// GetDocumentOutline returns the ordered chunks of documentID with their
// per-chunk semantics. A chunk whose semantics failed extraction, or were
// never recorded, gets Err set instead of Semantics.
func (e *Engine) GetDocumentOutline(ctx context.Context, documentID string) ([]*OutlineEntry, error) {
	chunks, err := e.metadata.GetChunksByFile(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: get chunks for %q: %w", documentID, err)
	}

	var content []*store.Chunk
	for _, c := range chunks {
		if !c.IsFilenameChunk() {
			content = append(content, c)
		}
	}
	sort.Slice(content, func(i, j int) bool { return content[i].ChunkIndex < content[j].ChunkIndex })

	entries := make([]*OutlineEntry, 0, len(content))
	for _, c := range content {
		entry := &OutlineEntry{ChunkID: c.ID, ChunkIndex: c.ChunkIndex}
		sem, ok := store.DecodeChunkSemantics(c.Metadata)
		switch {
		case !ok:
			entry.Err = "no semantics recorded for this chunk"
		case sem.Failed:
			entry.Err = "semantic extraction failed its confidence floor"
		default:
			entry.Heading = sem.Heading
			entry.Semantics = &ChunkOutlineSemantics{
				MainPoints:  topN(sem.KeyPhrases, 3),
				Topics:      sem.Topics,
				KeyPhrases:  sem.KeyPhrases,
				HasExamples: containsExampleMarker(c.Content),
				HasData:     containsDataMarker(c.Content),
				Readability: sem.Readability,
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Explore returns breadcrumbs back to the root plus the subfolders of path
// itself, letting a caller orient within the tree in one call.
func (e *Engine) Explore(ctx context.Context, projectID, folderPath string) (*ExploreResult, error) {
	segments := strings.FieldsFunc(folderPath, func(r rune) bool { return r == '/' })

	var breadcrumbs []Breadcrumb
	for i := range segments {
		ancestor := strings.Join(segments[:i+1], "/")
		hint := ""
		if preview, err := e.folders.Preview(ctx, projectID, ancestor); err == nil && len(preview.TopTopics) > 0 {
			hint = preview.TopTopics[0]
		}
		breadcrumbs = append(breadcrumbs, Breadcrumb{Name: segments[i], Path: ancestor, TopicHint: hint})
	}

	subfolders, err := e.ListFolders(ctx, projectID, folderPath)
	if err != nil {
		return nil, err
	}
	return &ExploreResult{Breadcrumbs: breadcrumbs, Subfolders: subfolders}, nil
}

// Search runs the full pipeline: vector top-K, filename boost ladder,
// hybrid keyword boost for poor-tokenizer terms, then a single score sort.
func (e *Engine) Search(ctx context.Context, query string, k int) (*SearchResponse, error) {
	if e.embed == nil {
		return nil, fmt.Errorf("retrieval: search requires a query embedder")
	}
	if k <= 0 {
		k = 10
	}

	queryVec, err := e.embed(query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	vectorHits, err := e.vectors.Search(ctx, queryVec, k*candidatePoolMultiplier)
	if err != nil {
		return nil, fmt.Errorf("retrieval: vector search: %w", err)
	}

	chunkIDs := make([]string, len(vectorHits))
	for i, h := range vectorHits {
		chunkIDs[i] = h.ID
	}
	chunks, err := e.metadata.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieval: load chunks for search hits: %w", err)
	}
	chunkByID := make(map[string]*store.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}

	bestContentScore := make(map[string]float64) // documentID -> best non-filename-chunk score
	for _, h := range vectorHits {
		c := chunkByID[h.ID]
		if c == nil || c.IsFilenameChunk() {
			continue
		}
		if s := float64(h.Score); s > bestContentScore[c.FileID] {
			bestContentScore[c.FileID] = s
		}
	}

	hitsByChunk := make(map[string]*SearchHit, len(vectorHits))
	var ranked []*SearchHit
	for _, h := range vectorHits {
		c := chunkByID[h.ID]
		if c == nil {
			continue
		}
		sim := float64(h.Score)
		hit := &SearchHit{ChunkID: h.ID, DocumentID: c.FileID}

		switch {
		case c.IsFilenameChunk() && sim >= filenameExactThreshold:
			hit.Score = 0.4*(sim*1.5) + 0.6*bestContentScore[c.FileID]
			hit.MatchType = MatchTypeFilenameExact
		case c.IsFilenameChunk() && sim >= filenamePartialThreshold:
			hit.Score = 0.3*sim + 0.7*bestContentScore[c.FileID]
			hit.MatchType = MatchTypeFilenamePartial
		default:
			hit.Score = sim
			hit.MatchType = MatchTypeSemantic
		}
		hit.Context = semanticContextFor(c)
		ranked = append(ranked, hit)
		hitsByChunk[h.ID] = hit
	}

	poorTerms := detectPoorTokenizerTerms(rawTerms(query))
	var keywordMatched []string
	if e.keyword != nil {
		for _, term := range poorTerms {
			kwResults, err := e.keyword.Search(ctx, term, k*candidatePoolMultiplier)
			if err != nil {
				continue // keyword boost is best-effort; a broken BM25 pass must not fail the whole search
			}
			for _, kr := range kwResults {
				if existing, ok := hitsByChunk[kr.DocID]; ok {
					if existing.Context.SearchStrategy != StrategyHybridBoosted {
						existing.Score *= keywordBoostMultiplier
						existing.Context.SearchStrategy = StrategyHybridBoosted
						existing.Context.BoostApplied = true
					}
					existing.Context.KeywordMatches = appendUnique(existing.Context.KeywordMatches, term)
					continue
				}
				c := chunkByID[kr.DocID]
				if c == nil {
					c, err = e.metadata.GetChunk(ctx, kr.DocID)
					if err != nil || c == nil {
						continue
					}
					chunkByID[kr.DocID] = c
				}
				hit := &SearchHit{
					ChunkID:    kr.DocID,
					DocumentID: c.FileID,
					Score:      keywordOnlyScore,
					MatchType:  MatchTypeSemantic,
					Context: SemanticContext{
						SearchStrategy: StrategyKeywordOnly,
						BoostApplied:   true,
						KeywordMatches: []string{term},
					},
				}
				hitsByChunk[kr.DocID] = hit
				ranked = append(ranked, hit)
			}
			keywordMatched = append(keywordMatched, term)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	confidence := 0.0
	if len(ranked) > 0 {
		confidence = ranked[0].Score
	}

	return &SearchResponse{
		Hits: ranked,
		Insights: SearchInsights{
			QueryInterpretation:   query,
			ModelOptimization:     modelOptimizationNote(poorTerms),
			PoorTokenizersDetected: poorTerms,
			Confidence:             clamp01(confidence),
		},
	}, nil
}

func semanticContextFor(c *store.Chunk) SemanticContext {
	sem, ok := store.DecodeChunkSemantics(c.Metadata)
	if !ok || sem.Failed {
		return SemanticContext{WhyRelevant: "matched on embedding similarity; no chunk semantics available"}
	}
	return SemanticContext{
		WhyRelevant:     sem.Heading,
		MatchedConcepts: topN(sem.Topics, 5),
	}
}

func modelOptimizationNote(poorTerms []string) string {
	if len(poorTerms) == 0 {
		return "query terms are well-suited to subword tokenization"
	}
	return fmt.Sprintf("keyword boost applied for %d identifier-shaped term(s)", len(poorTerms))
}

func rawTerms(query string) []string {
	return rawTermPattern.FindAllString(query, -1)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func topN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsExampleMarker(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "example") || strings.Contains(content, "```")
}

func containsDataMarker(content string) bool {
	digits := 0
	for _, r := range content {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return len(content) > 0 && float64(digits)/float64(len(content)) > 0.05
}

func topicSpecificityOf(topics []string) float64 {
	if len(topics) == 0 {
		return 0
	}
	specific := 0
	for _, t := range topics {
		if len(strings.Fields(t)) > 1 {
			specific++
		}
	}
	return float64(specific) / float64(len(topics))
}

// subfolderNames returns the distinct immediate subfolder names found
// among paths relative to parentPath, sorted for deterministic output.
func subfolderNames(paths []string, parentPath string) []string {
	parentPath = strings.Trim(parentPath, "/")
	seen := make(map[string]struct{})
	for _, p := range paths {
		rel := strings.TrimPrefix(p, "/")
		if parentPath != "" {
			if !strings.HasPrefix(rel, parentPath+"/") {
				continue
			}
			rel = strings.TrimPrefix(rel, parentPath+"/")
		}
		idx := strings.Index(rel, "/")
		if idx < 0 {
			continue // a direct file, not a subfolder
		}
		seen[rel[:idx]] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// directFiles filters paths to those that live directly inside folderPath,
// mirroring aggregate.directChildren's rule but kept local since neither
// side benefits from exporting a one-line path comparison.
func directFiles(paths []string, folderPath string) []string {
	folderPath = strings.Trim(folderPath, "/")
	var out []string
	for _, p := range paths {
		dir := strings.Trim(path.Dir(p), "/")
		if dir == "." {
			dir = ""
		}
		if dir == folderPath {
			out = append(out, p)
		}
	}
	return out
}

func joinFolder(parent, name string) string {
	parent = strings.Trim(parent, "/")
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
