package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderkb/engine/internal/store"
)

func semanticChunk(id, content string, sem store.ChunkSemantics) *store.Chunk {
	return &store.Chunk{
		ID:       id,
		Content:  content,
		Metadata: store.EncodeChunkSemantics(nil, sem),
	}
}

func TestDocumentAggregator_MergesTopicsCaseInsensitively(t *testing.T) {
	chunks := []*store.Chunk{
		semanticChunk("c1", "folder watcher detects changes", store.ChunkSemantics{
			Topics: []string{"Folder Watcher", "fingerprint"}, KeyPhrases: []string{"folder watcher", "content hash"},
			ExtractionMethod: "rich", ExtractionConfidence: 0.9,
		}),
		semanticChunk("c2", "the fingerprint step hashes content", store.ChunkSemantics{
			Topics: []string{"folder watcher", "Fingerprint"}, KeyPhrases: []string{"fingerprint step", "content hash"},
			ExtractionMethod: "rich", ExtractionConfidence: 0.8,
		}),
	}

	agg := NewDocumentAggregator()
	summary := agg.Aggregate(context.Background(), "doc1", chunks, nil)

	require.NotEmpty(t, summary.TopTopics)
	assert.Equal(t, "Folder Watcher", summary.TopTopics[0], "first-seen casing wins, frequency-2 topic ranks first")
	assert.Equal(t, 1.0, summary.Coverage)
	assert.Equal(t, StatusOK, summary.Status)
}

func TestDocumentAggregator_CoverageExcludesFailedChunks(t *testing.T) {
	chunks := []*store.Chunk{
		semanticChunk("c1", "good chunk", store.ChunkSemantics{
			Topics: []string{"alpha"}, KeyPhrases: []string{"alpha beta"}, ExtractionConfidence: 0.9,
		}),
		semanticChunk("c2", "failed chunk", store.ChunkSemantics{Failed: true}),
		{ID: "c3", Content: "never extracted"}, // no semantic metadata at all
	}

	agg := NewDocumentAggregator()
	summary := agg.Aggregate(context.Background(), "doc1", chunks, nil)

	assert.InDelta(t, 1.0/3.0, summary.Coverage, 1e-9)
}

func TestDocumentAggregator_QualityFloorFailsLowCoverage(t *testing.T) {
	chunks := []*store.Chunk{
		semanticChunk("c1", "good", store.ChunkSemantics{Topics: []string{"a"}, KeyPhrases: []string{"a b"}, ExtractionConfidence: 0.9}),
		semanticChunk("c2", "bad", store.ChunkSemantics{Failed: true}),
		semanticChunk("c3", "bad2", store.ChunkSemantics{Failed: true}),
		semanticChunk("c4", "bad3", store.ChunkSemantics{Failed: true}),
		semanticChunk("c5", "bad4", store.ChunkSemantics{Failed: true}),
	}

	agg := NewDocumentAggregator()
	summary := agg.Aggregate(context.Background(), "doc1", chunks, nil)

	assert.Less(t, summary.Coverage, MinCoverage)
	assert.Equal(t, StatusFailedQuality, summary.Status)
	assert.Contains(t, summary.FailureReason, "coverage")
}

func TestDocumentAggregator_QualityFloorFailsLowPhraseRichness(t *testing.T) {
	chunks := []*store.Chunk{
		semanticChunk("c1", "all single word phrases", store.ChunkSemantics{
			Topics: []string{"alpha"}, KeyPhrases: []string{"alpha", "beta", "gamma"}, ExtractionConfidence: 0.9,
		}),
	}

	agg := NewDocumentAggregator()
	summary := agg.Aggregate(context.Background(), "doc1", chunks, nil)

	assert.Equal(t, 1.0, summary.Coverage)
	assert.Less(t, summary.PhraseRichness, MinPhraseRichness)
	assert.Equal(t, StatusFailedQuality, summary.Status)
	assert.Contains(t, summary.FailureReason, "phrase richness")
}

func TestDocumentAggregator_ConfidenceWeightedByChunkLength(t *testing.T) {
	chunks := []*store.Chunk{
		semanticChunk("c1", "short", store.ChunkSemantics{Topics: []string{"a"}, KeyPhrases: []string{"a b"}, ExtractionConfidence: 1.0}),
		semanticChunk("c2", "a much longer chunk of content that should dominate the weighted average by sheer length", store.ChunkSemantics{
			Topics: []string{"a"}, KeyPhrases: []string{"a b"}, ExtractionConfidence: 0.1,
		}),
	}

	agg := NewDocumentAggregator()
	summary := agg.Aggregate(context.Background(), "doc1", chunks, nil)

	assert.Less(t, summary.Confidence, 0.5, "longer low-confidence chunk should pull the weighted mean down")
}

func TestDocumentAggregator_SemanticCoherenceFromEmbeddings(t *testing.T) {
	chunks := []*store.Chunk{
		semanticChunk("c1", "x", store.ChunkSemantics{Topics: []string{"a"}, KeyPhrases: []string{"a b"}, ExtractionConfidence: 0.9}),
		semanticChunk("c2", "y", store.ChunkSemantics{Topics: []string{"a"}, KeyPhrases: []string{"a b"}, ExtractionConfidence: 0.9}),
	}
	embeddings := map[string][]float32{
		"c1": {1, 0},
		"c2": {1, 0},
	}

	agg := NewDocumentAggregator()
	summary := agg.Aggregate(context.Background(), "doc1", chunks, embeddings)
	assert.InDelta(t, 1.0, summary.SemanticCoherence, 1e-9)
}

func TestDocumentAggregator_NoChunksProducesZeroedSummary(t *testing.T) {
	agg := NewDocumentAggregator()
	summary := agg.Aggregate(context.Background(), "doc1", nil, nil)

	assert.Equal(t, 0.0, summary.Coverage)
	assert.Equal(t, StatusFailedQuality, summary.Status)
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, shannonEntropy(nil))
	assert.Equal(t, 0.0, shannonEntropy([]int{5}))
	assert.InDelta(t, 1.0, shannonEntropy([]int{1, 1}), 1e-9) // two equally likely outcomes = 1 bit
}
