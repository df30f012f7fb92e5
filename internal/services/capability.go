package services

import (
	"strings"

	"github.com/folderkb/engine/internal/embedpool"
)

// capabilityForModel classifies an embedding model by name into the prefix
// and normalization behavior embedpool.Pool needs, mirroring the prefix
// families actually used by the embedders this pool wraps (Ollama-hosted
// Nomic/E5/BGE-style models, the static hash embedders which need no prefix).
// This is deliberately name-pattern matching, not a hardcoded per-model
// table, so a new model in one of these families works without a code
// change — the same style as retrieval's poor-tokenizer name classification.
func capabilityForModel(modelName string, dimensions int) embedpool.ModelCapability {
	lower := strings.ToLower(modelName)

	switch {
	case strings.Contains(lower, "nomic-embed"):
		return embedpool.ModelCapability{
			ModelID:        modelName,
			RequiresPrefix: true,
			PrefixFormat: embedpool.PrefixFormat{
				Query:   "search_query: ",
				Passage: "search_document: ",
			},
			RequiresNormalization: true,
			NormalizationType:     "l2",
			ExtractionStrategy:    "similarity_only",
		}
	case strings.HasPrefix(lower, "e5-") || strings.Contains(lower, "/e5-") || strings.Contains(lower, "-e5-"):
		return embedpool.ModelCapability{
			ModelID:        modelName,
			RequiresPrefix: true,
			PrefixFormat: embedpool.PrefixFormat{
				Query:   "query: ",
				Passage: "passage: ",
			},
			RequiresNormalization: true,
			NormalizationType:     "l2",
			ExtractionStrategy:    "similarity_only",
		}
	case strings.Contains(lower, "bge-"):
		return embedpool.ModelCapability{
			ModelID:        modelName,
			RequiresPrefix: true,
			PrefixFormat: embedpool.PrefixFormat{
				Query:   "Represent this sentence for searching relevant passages: ",
				Passage: "",
			},
			RequiresNormalization: true,
			NormalizationType:     "l2",
			ExtractionStrategy:    "similarity_only",
		}
	default:
		// Static/hash embedders and anything unrecognized: no prefix
		// convention, cheap enough to run the rich extractor locally
		// instead of round-tripping through the embedder for similarity.
		return embedpool.ModelCapability{
			ModelID:               modelName,
			RequiresPrefix:        false,
			RequiresNormalization: dimensions > 0,
			NormalizationType:     "l2",
			ExtractionStrategy:    "rich",
		}
	}
}
