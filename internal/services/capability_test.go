package services

import "testing"

func TestCapabilityForModel_Nomic(t *testing.T) {
	cap := capabilityForModel("nomic-embed-text-v1.5", 768)
	if !cap.RequiresPrefix {
		t.Fatalf("expected nomic-embed model to require a prefix")
	}
	if cap.PrefixFormat.Query != "search_query: " || cap.PrefixFormat.Passage != "search_document: " {
		t.Fatalf("unexpected prefix format: %+v", cap.PrefixFormat)
	}
	if cap.ExtractionStrategy != "similarity_only" {
		t.Fatalf("expected similarity_only strategy, got %s", cap.ExtractionStrategy)
	}
}

func TestCapabilityForModel_E5(t *testing.T) {
	cap := capabilityForModel("intfloat/e5-large-v2", 1024)
	if !cap.RequiresPrefix {
		t.Fatalf("expected e5 model to require a prefix")
	}
	if cap.PrefixFormat.Query != "query: " || cap.PrefixFormat.Passage != "passage: " {
		t.Fatalf("unexpected prefix format: %+v", cap.PrefixFormat)
	}
}

func TestCapabilityForModel_BGE(t *testing.T) {
	cap := capabilityForModel("BAAI/bge-small-en-v1.5", 384)
	if !cap.RequiresPrefix {
		t.Fatalf("expected bge model to require a prefix")
	}
	if cap.PrefixFormat.Passage != "" {
		t.Fatalf("expected bge passage prefix to be empty, got %q", cap.PrefixFormat.Passage)
	}
}

func TestCapabilityForModel_UnrecognizedFallsBackToRich(t *testing.T) {
	cap := capabilityForModel("static-hash-v1", 256)
	if cap.RequiresPrefix {
		t.Fatalf("expected unrecognized model to not require a prefix")
	}
	if cap.ExtractionStrategy != "rich" {
		t.Fatalf("expected rich strategy, got %s", cap.ExtractionStrategy)
	}
	if !cap.RequiresNormalization {
		t.Fatalf("expected normalization to be required when dimensions > 0")
	}
}

func TestCapabilityForModel_ZeroDimensionsSkipsNormalization(t *testing.T) {
	cap := capabilityForModel("static-hash-v1", 0)
	if cap.RequiresNormalization {
		t.Fatalf("expected no normalization requirement at zero dimensions")
	}
}
