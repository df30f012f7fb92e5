package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/folderkb/engine/internal/store"
)

// Extractor produces topics, key phrases, and readability for one chunk of
// text. The two strategies below are interchangeable: a folder picks
// StrategyRich when its embedding model exposes the capability needed for
// cheap high-quality phrase scoring locally, and StrategySimilarityOnly
// otherwise, falling back to whatever embedder the folder already has.
type Extractor interface {
	Extract(ctx context.Context, heading, text string) (store.ChunkSemantics, error)
}

// NewExtractor builds the Extractor for strategy. embedder is required for
// StrategySimilarityOnly and ignored otherwise.
func NewExtractor(strategy Strategy, embedder Embedder, opts Options) (Extractor, error) {
	opts = opts.withDefaults()
	switch strategy {
	case StrategyRich:
		return &RichExtractor{opts: opts}, nil
	case StrategySimilarityOnly:
		if embedder == nil {
			return nil, fmt.Errorf("semantic: %s strategy requires an embedder", StrategySimilarityOnly)
		}
		return &SimilarityOnlyExtractor{opts: opts, embed: embedder}, nil
	default:
		return nil, fmt.Errorf("semantic: unknown strategy %q", strategy)
	}
}

// candidate is a scored n-gram pulled from a chunk's text, before it is
// classified as a topic or a key phrase.
type candidate struct {
	phrase string
	words  int
	score  float64
}

// candidateNGrams extracts 1..3-word n-grams from tokens, deduplicating
// repeats within the same chunk; frequency is folded into score by the
// caller. Grounded on store.TokenizeCode's approach of working off a flat
// token slice rather than a parse tree.
func candidateNGrams(tokens []string, maxWords int) map[string]int {
	counts := make(map[string]int)
	for n := 1; n <= maxWords; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			phrase := strings.Join(tokens[i:i+n], " ")
			counts[phrase]++
		}
	}
	return counts
}

// RichExtractor scores phrase candidates by frequency and length, favoring
// multi-word phrases for key phrases and shorter, more frequent terms for
// topics, the two orderings the rich strategy's quality floor is judged
// against (>=80% multi-word phrases, >=90% domain-specific topics).
type RichExtractor struct {
	opts Options
}

func (e *RichExtractor) Extract(_ context.Context, heading, text string) (store.ChunkSemantics, error) {
	tokens := tokenizeProse(text)
	if len(tokens) == 0 {
		return store.ChunkSemantics{
			Heading:          heading,
			ExtractionMethod: string(StrategyRich),
			Failed:           true,
		}, nil
	}

	counts := candidateNGrams(tokens, 3)
	candidates := make([]candidate, 0, len(counts))
	for phrase, freq := range counts {
		words := len(strings.Fields(phrase))
		// Multi-word phrases get a bonus so the rich strategy's key phrases
		// skew multi-word, per its quality floor.
		score := float64(freq) * (1 + 0.5*float64(words-1))
		candidates = append(candidates, candidate{phrase: phrase, words: words, score: score})
	}

	keyPhrases := topCandidates(candidates, e.opts.MaxKeyPhrases, func(c candidate) bool { return c.words >= 2 })
	if len(keyPhrases) < e.opts.MaxKeyPhrases {
		// Backfill with single-word candidates only if multi-word ones ran out.
		keyPhrases = append(keyPhrases, topCandidates(candidates, e.opts.MaxKeyPhrases-len(keyPhrases), func(c candidate) bool { return c.words == 1 })...)
	}

	topics := topCandidates(candidates, e.opts.MaxTopics, func(c candidate) bool { return c.words <= 2 && len(c.phrase) > 4 })

	confidence := extractionConfidence(len(tokens), len(counts))
	readability := rescaleReadability(fleschReadingEase(text))

	sem := store.ChunkSemantics{
		Heading:              heading,
		Topics:               phraseStrings(topics),
		KeyPhrases:           phraseStrings(keyPhrases),
		Readability:          readability,
		ExtractionMethod:     string(StrategyRich),
		ExtractionConfidence: confidence,
		Failed:               confidence < LowConfidenceThreshold,
	}
	return sem, nil
}

// topCandidates returns up to n candidates matching keep, ordered by score
// descending then alphabetically for a stable tie-break.
func topCandidates(candidates []candidate, n int, keep func(candidate) bool) []candidate {
	filtered := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if keep(c) {
			filtered = append(filtered, c)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].score != filtered[j].score {
			return filtered[i].score > filtered[j].score
		}
		return filtered[i].phrase < filtered[j].phrase
	})
	if len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}

func phraseStrings(cands []candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.phrase
	}
	return out
}

// extractionConfidence grows with how much distinct vocabulary a chunk
// offers to extract from; a short or highly repetitive chunk yields weak,
// low-confidence candidates.
func extractionConfidence(tokenCount, distinctPhrases int) float64 {
	if tokenCount == 0 {
		return 0
	}
	lengthFactor := float64(tokenCount) / float64(tokenCount+40) // saturates as chunks get longer
	richnessFactor := float64(distinctPhrases) / float64(tokenCount+1)
	if richnessFactor > 1 {
		richnessFactor = 1
	}
	confidence := 0.6*lengthFactor + 0.4*richnessFactor
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// rescaleReadability maps the 0-100 Flesch Reading Ease score, where higher
// means easier, onto the pipeline's documented band where technical prose
// lands 40-60. Flesch already runs 0-100, so this is a direct pass-through
// kept as its own function so the mapping can be tuned independently of the
// formula that produces the raw score.
func rescaleReadability(flesch float64) float64 {
	return flesch
}

// SimilarityOnlyExtractor scores n-gram candidates by how close their
// embedding lands to the chunk's own embedding centroid, for folders whose
// model exposes nothing beyond embeddings.
type SimilarityOnlyExtractor struct {
	opts  Options
	embed Embedder
}

func (e *SimilarityOnlyExtractor) Extract(ctx context.Context, heading, text string) (store.ChunkSemantics, error) {
	select {
	case <-ctx.Done():
		return store.ChunkSemantics{}, ctx.Err()
	default:
	}

	tokens := tokenizeProse(text)
	if len(tokens) == 0 {
		return store.ChunkSemantics{
			Heading:          heading,
			ExtractionMethod: string(StrategySimilarityOnly),
			Failed:           true,
		}, nil
	}

	chunkVec, err := e.embed(text)
	if err != nil {
		return store.ChunkSemantics{}, fmt.Errorf("semantic: embedding chunk: %w", err)
	}

	counts := candidateNGrams(tokens, 3)
	phrases := make([]string, 0, len(counts))
	for phrase := range counts {
		phrases = append(phrases, phrase)
	}
	sort.Strings(phrases) // deterministic iteration order before scoring

	scored := make([]candidate, 0, len(phrases))
	for _, phrase := range phrases {
		vec, err := e.embed(phrase)
		if err != nil {
			continue // a single candidate failing to embed doesn't fail the chunk
		}
		sim := cosineSimilarity(chunkVec, vec)
		scored = append(scored, candidate{phrase: phrase, words: len(strings.Fields(phrase)), score: sim})
	}

	grouped := groupByJaccard(scored)

	keyPhrases := topCandidates(grouped, e.opts.MaxKeyPhrases, func(c candidate) bool { return c.words >= 2 })
	topics := topCandidates(grouped, e.opts.MaxTopics, func(c candidate) bool { return c.words <= 2 })

	var confidence float64
	if len(grouped) > 0 {
		confidence = grouped[0].score
		for _, c := range grouped {
			if c.score > confidence {
				confidence = c.score
			}
		}
		if confidence < 0 {
			confidence = 0
		}
	}

	sem := store.ChunkSemantics{
		Heading:              heading,
		Topics:               phraseStrings(topics),
		KeyPhrases:           phraseStrings(keyPhrases),
		Readability:          rescaleReadability(fleschReadingEase(text)),
		ExtractionMethod:     string(StrategySimilarityOnly),
		ExtractionConfidence: confidence,
		Failed:               confidence < LowConfidenceThreshold,
	}
	return sem, nil
}

// groupByJaccard merges near-duplicate candidates (e.g. "folder watcher" and
// "the folder watcher") by token-set overlap, keeping the highest-scoring
// phrase in each group. This is the "Jaccard-based phrase grouper" the
// similarity-only strategy substitutes for the rich strategy's frequency
// statistics.
func groupByJaccard(candidates []candidate) []candidate {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var groups []candidate
	var groupTokens []map[string]bool
	for _, c := range candidates {
		tokens := tokenSet(c.phrase)
		merged := false
		for _, gt := range groupTokens {
			if jaccard(tokens, gt) >= 0.5 {
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		groups = append(groups, c)
		groupTokens = append(groupTokens, tokens)
	}
	return groups
}

func tokenSet(phrase string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(phrase) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
