// Package orchestrator owns the per-folder indexing pipeline: fingerprint
// diff, parse, chunk, chunk-semantic extraction, embedding, document
// aggregation, and commit to storage. Rebuilt from the teacher's
// internal/index.Runner, generalized from a single project-wide run into a
// resumable, checkpointed pipeline over one folder at a time with bounded
// concurrency and cooperative cancellation.
package orchestrator

import (
	"time"

	"github.com/folderkb/engine/internal/aggregate"
	"github.com/folderkb/engine/internal/chunk"
	"github.com/folderkb/engine/internal/embedpool"
	"github.com/folderkb/engine/internal/fingerprint"
	"github.com/folderkb/engine/internal/parser"
	"github.com/folderkb/engine/internal/semantic"
	"github.com/folderkb/engine/internal/store"
)

// Default per-stage timeouts, applied per unit of work (per file for parse
// and chunk, per batch for embedding, per document for aggregation).
const (
	ParseTimeout          = 30 * time.Second
	ChunkTimeout          = 5 * time.Second
	ChunkSemanticTimeout  = 5 * time.Second
	EmbeddingBatchTimeout = 10 * time.Second
	AggregationTimeout    = 1 * time.Second
	CommitTimeout         = 5 * time.Second
)

// DefaultFileConcurrency bounds how many files are parsed and chunked at
// once, mirroring the teacher's embedder worker-pool sizing philosophy of a
// small, fixed fan-out rather than one goroutine per file.
const DefaultFileConcurrency = 4

// Config configures one indexing run over a folder.
type Config struct {
	// Folder is the absolute path to the folder being indexed.
	Folder string

	// DataDir is the folder's persistent data directory
	// (<folder>/.folder-mcp by default).
	DataDir string

	// ProjectID identifies the folder's row set in the metadata store.
	ProjectID string

	// FileConcurrency bounds concurrent file parse/chunk work. Defaults to
	// DefaultFileConcurrency when zero.
	FileConcurrency int

	// FingerprintOptions controls the fingerprint walk (extensions,
	// gitignore, symlinks, large-file sampling).
	FingerprintOptions *fingerprint.Options
}

func (c Config) withDefaults() Config {
	out := c
	if out.FileConcurrency <= 0 {
		out.FileConcurrency = DefaultFileConcurrency
	}
	return out
}

// Dependencies are the collaborators an Orchestrator needs. All required;
// New does not check that any of them is set.
type Dependencies struct {
	Metadata    store.MetadataStore
	Vectors     store.VectorStore
	Keyword     store.BM25Index
	Embeddings  *embedpool.Pool
	Extractor   semantic.Extractor
	Documents   *aggregate.DocumentAggregator
	Folders     *aggregate.FolderAggregator
	Parser      *parser.Dispatcher
	CodeChunker chunk.Chunker
	DocChunker  *chunk.DocumentChunker
	MDChunker   *chunk.MarkdownChunker
	Fingerprint *fingerprint.Fingerprinter
}

// FileOutcome records what happened to a single path during a Run, used to
// build Result and to decide whether a failure record needs writing.
type FileOutcome struct {
	Path    string
	Chunks  int
	Skipped bool
	Err     error
}

// Result summarizes one orchestrator run over a folder.
type Result struct {
	FilesAdded     int
	FilesModified  int
	FilesDeleted   int
	FilesFailed    int
	ChunksIndexed  int
	Duration       time.Duration
	Outcomes       []FileOutcome
}
