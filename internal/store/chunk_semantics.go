package store

import (
	"strconv"
	"strings"
)

// Metadata keys under which EncodeChunkSemantics stores a ChunkSemantics
// value inside a Chunk's Metadata map. Kept out of band from caller-supplied
// metadata keys by a "semantic." prefix.
const (
	metaSemanticHeading    = "semantic.heading"
	metaSemanticTopics     = "semantic.topics"
	metaSemanticPhrases    = "semantic.key_phrases"
	metaSemanticReadable   = "semantic.readability"
	metaSemanticMethod     = "semantic.extraction_method"
	metaSemanticConfidence = "semantic.extraction_confidence"
	metaSemanticFailed     = "semantic.failed"
)

// listSeparator joins multi-value fields (Topics, KeyPhrases) within a
// single metadata value. Chosen distinct from encodeMetadata's own ";"
// field separator and "=" key/value separator so neither collides.
const listSeparator = "|"

// EncodeChunkSemantics flattens sem into m, writing under the
// "semantic.*" keys. m is created if nil. Existing non-semantic entries in
// m are left untouched.
func EncodeChunkSemantics(m map[string]string, sem ChunkSemantics) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[metaSemanticHeading] = sem.Heading
	m[metaSemanticTopics] = strings.Join(sem.Topics, listSeparator)
	m[metaSemanticPhrases] = strings.Join(sem.KeyPhrases, listSeparator)
	m[metaSemanticReadable] = strconv.FormatFloat(sem.Readability, 'f', -1, 64)
	m[metaSemanticMethod] = sem.ExtractionMethod
	m[metaSemanticConfidence] = strconv.FormatFloat(sem.ExtractionConfidence, 'f', -1, 64)
	m[metaSemanticFailed] = strconv.FormatBool(sem.Failed)
	return m
}

// DecodeChunkSemantics reconstructs a ChunkSemantics from a Chunk's Metadata
// map. ok is false when m carries no "semantic.*" keys at all, distinguishing
// "semantics were never extracted" from a zero-value ChunkSemantics.
func DecodeChunkSemantics(m map[string]string) (sem ChunkSemantics, ok bool) {
	if m == nil {
		return ChunkSemantics{}, false
	}
	method, hasMethod := m[metaSemanticMethod]
	if !hasMethod {
		return ChunkSemantics{}, false
	}
	sem.Heading = m[metaSemanticHeading]
	sem.ExtractionMethod = method
	if raw := m[metaSemanticTopics]; raw != "" {
		sem.Topics = strings.Split(raw, listSeparator)
	}
	if raw := m[metaSemanticPhrases]; raw != "" {
		sem.KeyPhrases = strings.Split(raw, listSeparator)
	}
	if raw, exists := m[metaSemanticReadable]; exists {
		sem.Readability, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, exists := m[metaSemanticConfidence]; exists {
		sem.ExtractionConfidence, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, exists := m[metaSemanticFailed]; exists {
		sem.Failed, _ = strconv.ParseBool(raw)
	}
	return sem, true
}
