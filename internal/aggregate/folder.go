package aggregate

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/folderkb/engine/internal/store"
)

// FolderCacheSize bounds the number of folder previews kept in memory at
// once; grounded on the same hashicorp/golang-lru usage as the teacher's
// embed.CachedEmbedder and gitignore matcher.
const FolderCacheSize = 512

// FolderPreview is the aggregated view of a folder's direct-child
// documents: list_folders and explore both return one per subfolder.
type FolderPreview struct {
	Path            string
	DocumentCount   int
	TopTopics       []string
	AvgReadability  float64
	PhraseDiversity float64 // mean PhraseRichness across direct-child documents
	TopicSpecificity float64 // fraction of TopTopics that are multi-word
}

// folderStore is the subset of store.MetadataStore the Folder Aggregator
// needs; narrowed from the full interface so tests can supply a minimal fake.
type folderStore interface {
	ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error)
	GetFileByPath(ctx context.Context, projectID, path string) (*store.File, error)
	GetDocumentSummary(ctx context.Context, documentID string) (*store.DocumentSemanticSummary, error)
}

// FolderAggregator computes on-demand folder previews from direct-child
// documents only (never recursive), cached by folder path and invalidated
// by document mutations rather than a timer, per the aggregator's contract.
type FolderAggregator struct {
	store folderStore
	cache *lru.Cache[string, *FolderPreview]
}

// NewFolderAggregator builds a FolderAggregator backed by s.
func NewFolderAggregator(s folderStore) *FolderAggregator {
	cache, _ := lru.New[string, *FolderPreview](FolderCacheSize)
	return &FolderAggregator{store: s, cache: cache}
}

// cacheKey scopes the LRU by project, since folder paths are only unique
// within a project's file tree.
func cacheKey(projectID, folderPath string) string {
	return projectID + "\x00" + folderPath
}

// Preview returns the folder preview for folderPath within projectID,
// serving from cache when present.
func (a *FolderAggregator) Preview(ctx context.Context, projectID, folderPath string) (*FolderPreview, error) {
	key := cacheKey(projectID, folderPath)
	if cached, ok := a.cache.Get(key); ok {
		return cached, nil
	}

	preview, err := a.compute(ctx, projectID, folderPath)
	if err != nil {
		return nil, err
	}
	a.cache.Add(key, preview)
	return preview, nil
}

// Invalidate purges the cached preview for folderPath, called whenever a
// document directly under it is upserted or deleted. Ancestor folders are
// unaffected: each level's preview depends only on its own direct children,
// so a leaf mutation never needs to cascade upward.
func (a *FolderAggregator) Invalidate(projectID, folderPath string) {
	a.cache.Remove(cacheKey(projectID, folderPath))
}

// InvalidateProject purges every cached preview belonging to projectID, for
// bulk operations (reindex, project removal) where enumerating individual
// folder paths isn't worth it.
func (a *FolderAggregator) InvalidateProject(projectID string) {
	prefix := projectID + "\x00"
	for _, key := range a.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			a.cache.Remove(key)
		}
	}
}

func (a *FolderAggregator) compute(ctx context.Context, projectID, folderPath string) (*FolderPreview, error) {
	paths, err := a.store.ListFilePathsUnder(ctx, projectID, folderPath)
	if err != nil {
		return nil, fmt.Errorf("aggregate: list files under %q: %w", folderPath, err)
	}

	direct := directChildren(paths, folderPath)
	sort.Strings(direct) // stable iteration order so tie-breaks favor a deterministic "earlier" document

	topics := make(map[string]*mergedTerm)
	order := 0
	var readabilitySum, richnessSum float64
	var counted int

	for _, p := range direct {
		file, err := a.store.GetFileByPath(ctx, projectID, p)
		if err != nil || file == nil {
			continue
		}
		summary, err := a.store.GetDocumentSummary(ctx, file.ID)
		if err != nil || summary == nil || summary.Status != StatusOK {
			continue
		}
		counted++
		readabilitySum += summary.AvgReadability
		richnessSum += summary.PhraseRichness
		for _, t := range summary.TopTopics {
			mergeTerm(topics, t, 1, &order)
		}
	}

	preview := &FolderPreview{
		Path:          folderPath,
		DocumentCount: len(direct),
	}
	if counted > 0 {
		preview.AvgReadability = readabilitySum / float64(counted)
		preview.PhraseDiversity = richnessSum / float64(counted)
	}
	preview.TopTopics = topTermsByFrequency(topics, MaxTopics)
	preview.TopicSpecificity = topicSpecificity(preview.TopTopics)
	return preview, nil
}

// directChildren filters paths to those whose directory is exactly
// folderPath (or the project root when folderPath is empty), excluding
// files nested in subfolders.
func directChildren(paths []string, folderPath string) []string {
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

// topTermsByFrequency ranks by raw frequency only (no confidence
// weighting), per the Folder Aggregator's "raw frequency counts, ties
// broken by earlier appearance" contract — distinct from the Document
// Aggregator's confidence-weighted ranking.
func topTermsByFrequency(terms map[string]*mergedTerm, n int) []string {
	list := make([]*mergedTerm, 0, len(terms))
	for _, t := range terms {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].frequency != list[j].frequency {
			return list[i].frequency > list[j].frequency
		}
		return list[i].firstSeen < list[j].firstSeen
	})
	if len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.display
	}
	return out
}

// topicSpecificity approximates "domain-specific" topics by the fraction
// that are multi-word, the same proxy the rich extraction strategy's own
// quality floor uses for topics.
func topicSpecificity(topics []string) float64 {
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
