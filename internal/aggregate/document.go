// Package aggregate implements the Document Aggregator and Folder
// Aggregator: derived roll-ups computed from chunk semantics and stored
// documents, never edited in place.
package aggregate

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/folderkb/engine/internal/store"
)

// Quality floor below which a document's summary is rejected outright
// rather than committed with a weak result.
const (
	MinCoverage       = 0.8
	MinPhraseRichness = 0.6
)

// Output size bounds for merged topics/key phrases, per the aggregator's
// contract (topics ~15-20, phrases ~20-30).
const (
	MaxTopics     = 18
	MaxKeyPhrases = 25
)

// coherenceSampleLimit bounds how many chunk embeddings enter the pairwise
// cosine average; beyond this a document samples rather than computing the
// full O(n^2) set.
const coherenceSampleLimit = 50

// StatusOK and StatusFailedQuality are the two DocumentSemanticSummary.Status values.
const (
	StatusOK            = "ok"
	StatusFailedQuality = "failed_quality"
)

// DocumentAggregator merges the per-chunk semantics of a document's chunks
// into its DocumentSemanticSummary, enforcing the quality floor.
type DocumentAggregator struct{}

// NewDocumentAggregator constructs a DocumentAggregator. It is stateless;
// the zero value works directly, the constructor exists for symmetry with
// FolderAggregator and to leave room for future configuration.
func NewDocumentAggregator() *DocumentAggregator {
	return &DocumentAggregator{}
}

// mergedTerm accumulates frequency and confidence across occurrences of the
// same topic or key phrase, matched case-insensitively per the aggregator's
// contract; order preserves first appearance for tie-breaking.
type mergedTerm struct {
	display    string
	frequency  int
	confidence float64
	firstSeen  int
}

// Aggregate derives the DocumentSemanticSummary for documentID from chunks
// and their decoded ChunkSemantics. embeddings maps chunk ID to its stored
// vector, used for semantic coherence; a chunk missing from the map is
// excluded from the coherence sample but still counts toward coverage.
func (a *DocumentAggregator) Aggregate(_ context.Context, documentID string, chunks []*store.Chunk, embeddings map[string][]float32) *store.DocumentSemanticSummary {
	start := time.Now()

	topics := make(map[string]*mergedTerm)
	phrases := make(map[string]*mergedTerm)
	order := 0

	var coveredCount int
	var readabilitySum, confidenceWeightedSum, lengthSum float64
	var extractionMethod string

	for _, c := range chunks {
		sem, ok := store.DecodeChunkSemantics(c.Metadata)
		if !ok || sem.Failed {
			continue
		}
		coveredCount++
		if extractionMethod == "" {
			extractionMethod = sem.ExtractionMethod
		}

		weight := float64(len([]rune(c.Content)))
		if weight == 0 {
			weight = 1
		}
		lengthSum += weight
		confidenceWeightedSum += sem.ExtractionConfidence * weight
		readabilitySum += sem.Readability

		for _, t := range sem.Topics {
			mergeTerm(topics, t, sem.ExtractionConfidence, &order)
		}
		for _, p := range sem.KeyPhrases {
			mergeTerm(phrases, p, sem.ExtractionConfidence, &order)
		}
	}

	summary := &store.DocumentSemanticSummary{
		DocumentID:       documentID,
		ExtractionMethod: extractionMethod,
	}

	if len(chunks) > 0 {
		summary.Coverage = float64(coveredCount) / float64(len(chunks))
	}
	if coveredCount > 0 {
		summary.AvgReadability = readabilitySum / float64(coveredCount)
	}
	if lengthSum > 0 {
		summary.Confidence = confidenceWeightedSum / lengthSum
	}

	summary.TopTopics = topTerms(topics, MaxTopics)
	summary.TopKeyPhrases = topTerms(phrases, MaxKeyPhrases)
	summary.TopicDiversity = shannonEntropy(termFrequencies(topics))
	summary.PhraseRichness = phraseRichness(phrases)
	summary.SemanticCoherence = meanPairwiseCosine(chunks, embeddings)

	if len(summary.TopTopics) > 0 {
		summary.PrimaryTheme = summary.TopTopics[0]
	}

	summary.Status, summary.FailureReason = qualityVerdict(summary.Coverage, summary.PhraseRichness)
	summary.ProcessingTime = time.Since(start)
	return summary
}

func mergeTerm(dst map[string]*mergedTerm, term string, confidence float64, order *int) {
	term = strings.TrimSpace(term)
	if term == "" {
		return
	}
	key := strings.ToLower(term)
	existing, found := dst[key]
	if !found {
		*order++
		dst[key] = &mergedTerm{display: term, frequency: 1, confidence: confidence, firstSeen: *order}
		return
	}
	existing.frequency++
	existing.confidence += confidence
}

// topTerms returns up to n display terms, sorted by frequency then summed
// confidence descending, ties broken by first appearance.
func topTerms(terms map[string]*mergedTerm, n int) []string {
	list := make([]*mergedTerm, 0, len(terms))
	for _, t := range terms {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].frequency != list[j].frequency {
			return list[i].frequency > list[j].frequency
		}
		if list[i].confidence != list[j].confidence {
			return list[i].confidence > list[j].confidence
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

func termFrequencies(terms map[string]*mergedTerm) []int {
	freqs := make([]int, 0, len(terms))
	for _, t := range terms {
		freqs = append(freqs, t.frequency)
	}
	return freqs
}

// shannonEntropy computes -sum(p*log2(p)) over the frequency distribution
// implied by counts; 0 for an empty or single-term distribution.
func shannonEntropy(counts []int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// phraseRichness is the fraction of merged key phrases with more than one
// word, computed over the full merged set rather than the post-truncation
// TopKeyPhrases so it isn't sensitive to the output size cap.
func phraseRichness(phrases map[string]*mergedTerm) float64 {
	if len(phrases) == 0 {
		return 0
	}
	multiWord := 0
	for _, p := range phrases {
		if len(strings.Fields(p.display)) > 1 {
			multiWord++
		}
	}
	return float64(multiWord) / float64(len(phrases))
}

// meanPairwiseCosine averages cosine similarity across chunk embedding
// pairs, sampling the first coherenceSampleLimit embedded chunks for large
// documents rather than computing the full O(n^2) set.
func meanPairwiseCosine(chunks []*store.Chunk, embeddings map[string][]float32) float64 {
	if embeddings == nil {
		return 0
	}
	vectors := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		if v, ok := embeddings[c.ID]; ok {
			vectors = append(vectors, v)
			if len(vectors) >= coherenceSampleLimit {
				break
			}
		}
	}
	if len(vectors) < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sum += cosineSimilarity(vectors[i], vectors[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

// qualityVerdict applies the aggregator's quality floor: coverage >= 0.8
// and phrase richness >= 0.6, else failed_quality with the specific
// reason(s) that tripped it.
func qualityVerdict(coverage, phraseRichness float64) (status, reason string) {
	var reasons []string
	if coverage < MinCoverage {
		reasons = append(reasons, "coverage below floor")
	}
	if phraseRichness < MinPhraseRichness {
		reasons = append(reasons, "phrase richness below floor")
	}
	if len(reasons) == 0 {
		return StatusOK, ""
	}
	return StatusFailedQuality, strings.Join(reasons, "; ")
}
