package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/folderkb/engine/internal/chunk"
	"github.com/folderkb/engine/internal/errors"
	"github.com/folderkb/engine/internal/fingerprint"
	"github.com/folderkb/engine/internal/parser"
	"github.com/folderkb/engine/internal/scanner"
	"github.com/folderkb/engine/internal/store"
)

// Orchestrator drives one folder's indexing pipeline end to end: fingerprint
// diff against the previous run, parse and chunk every added or modified
// file, extract chunk-level semantics, embed, commit to storage, and roll
// the result up into the folder's document and folder-level previews.
//
// Only one Orchestrator may run against a given folder's data directory at
// a time (see PipelineLock); this mirrors the teacher's single Runner per
// index invocation, generalized to guard against two concurrent triggers
// (a watcher debounce firing while a manual Reindex is still running, say)
// racing on the same SQLite file and HNSW graph.
type Orchestrator struct {
	deps Dependencies
}

// New creates an Orchestrator. It does not validate deps; callers assemble
// Dependencies once at startup via internal/services and are expected to
// wire every field.
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// Run indexes folder: it acquires the folder's pipeline lock, diffs the
// current file tree against the last persisted snapshot, and processes
// every added, modified, or deleted path. Cancelling ctx stops the run
// after the in-flight file batch finishes its current stage; no snapshot
// is persisted on cancellation, so the next run retries from the last
// completed one.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	lock := NewPipelineLock(cfg.DataDir)
	acquired, err := lock.TryAcquire()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if !acquired {
		return nil, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("folder %s is already being indexed", cfg.Folder), nil)
	}
	defer lock.Release()

	prevSnap, err := loadSnapshot(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load snapshot: %w", err)
	}

	curSnap, walkFailures, err := o.deps.Fingerprint.Snapshot(ctx, cfg.Folder, cfg.FingerprintOptions)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fingerprint: %w", err)
	}
	for _, wf := range walkFailures {
		o.recordFailure(ctx, "parse", wf.Path, "", wf.Err)
	}

	added, modified, deleted := fingerprint.Diff(prevSnap, curSnap)

	result := &Result{}

	for _, p := range deleted {
		if err := o.deleteFile(ctx, cfg, p); err != nil {
			result.FilesFailed++
			result.Outcomes = append(result.Outcomes, FileOutcome{Path: p, Err: err})
			continue
		}
		result.FilesDeleted++
	}

	toProcess := append(append([]string{}, added...), modified...)
	outcomes := make([]FileOutcome, len(toProcess))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.FileConcurrency)
	for i, p := range toProcess {
		i, p := i, p
		g.Go(func() error {
			outcomes[i] = o.processFile(gctx, cfg, p, curSnap[p])
			return nil
		})
	}
	_ = g.Wait() // per-file failures are captured in outcomes, not propagated

	addedSet := make(map[string]bool, len(added))
	for _, p := range added {
		addedSet[p] = true
	}
	for _, oc := range outcomes {
		result.Outcomes = append(result.Outcomes, oc)
		switch {
		case oc.Err != nil:
			result.FilesFailed++
		case oc.Skipped:
			// neither added nor modified counters move for a deliberately skipped file
		case addedSet[oc.Path]:
			result.FilesAdded++
			result.ChunksIndexed += oc.Chunks
		default:
			result.FilesModified++
			result.ChunksIndexed += oc.Chunks
		}
	}

	if ctx.Err() != nil {
		return result, errors.New(errors.ErrCodeCancelled, "indexing run cancelled", ctx.Err())
	}

	if err := saveSnapshot(cfg.DataDir, curSnap); err != nil {
		return result, fmt.Errorf("orchestrator: save snapshot: %w", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// processFile runs the parse -> chunk -> chunk-semantic -> embed -> commit
// pipeline for a single added or modified path. Failures are recorded via
// FailureRecord and returned in the outcome rather than aborting the run,
// so one bad file never blocks the rest of the folder.
func (o *Orchestrator) processFile(ctx context.Context, cfg Config, relPath string, entry fingerprint.Entry) FileOutcome {
	absPath := filepath.Join(cfg.Folder, relPath)
	language := scanner.DetectLanguage(relPath)
	contentType := scanner.DetectContentType(language)

	parseCtx, cancel := context.WithTimeout(ctx, ParseTimeout)
	parsed, err := o.deps.Parser.Parse(parseCtx, absPath)
	cancel()
	if err != nil {
		code := errors.GetCode(err)
		if code == errors.ErrCodeUnsupportedFormat || code == errors.ErrCodeSkippedBinary {
			o.recordFailure(ctx, "parse", relPath, "", err)
			return FileOutcome{Path: relPath, Skipped: true}
		}
		o.recordFailure(ctx, "parse", relPath, "", err)
		return FileOutcome{Path: relPath, Err: err}
	}

	chunkCtx, cancel := context.WithTimeout(ctx, ChunkTimeout)
	chunks, err := o.chunkFile(chunkCtx, relPath, language, contentType, parsed)
	cancel()
	if err != nil {
		o.recordFailure(ctx, "chunk", relPath, "", err)
		return FileOutcome{Path: relPath, Err: err}
	}

	now := time.Now()
	fileID := hashString(relPath)
	file := &store.File{
		ID:          fileID,
		ProjectID:   cfg.ProjectID,
		Path:        relPath,
		Size:        entry.Size,
		ModTime:     entry.ModTime,
		ContentHash: entry.Hash,
		Language:    language,
		ContentType: string(contentType),
		IndexedAt:   now,
	}

	storeChunks := make([]*store.Chunk, 0, len(chunks)+1)
	storeChunks = append(storeChunks, filenameChunk(fileID, relPath, store.TokenizeCode(path.Base(relPath)), now))
	for idx, c := range chunks {
		storeChunks = append(storeChunks, convertChunkToStore(c, fileID, idx, now))
	}

	o.extractSemantics(ctx, relPath, storeChunks)

	embedCtx, cancel := context.WithTimeout(ctx, EmbeddingBatchTimeout)
	embeddings, failedIDs := o.embedChunks(embedCtx, storeChunks)
	cancel()
	for _, id := range failedIDs {
		o.recordFailure(ctx, "embedding", relPath, id, fmt.Errorf("embedding failed for chunk %s", id))
	}
	storeChunks = dropChunks(storeChunks, failedIDs)

	commitCtx, cancel := context.WithTimeout(ctx, CommitTimeout)
	err = o.commitFile(commitCtx, cfg, file, storeChunks, embeddings)
	cancel()
	if err != nil {
		o.recordFailure(ctx, "storage", relPath, "", err)
		return FileOutcome{Path: relPath, Err: err}
	}

	aggCtx, cancel := context.WithTimeout(ctx, AggregationTimeout)
	summary := o.deps.Documents.Aggregate(aggCtx, fileID, storeChunks, embeddings)
	cancel()
	if summary.Status != "ok" {
		o.recordFailure(ctx, "aggregate", relPath, "", fmt.Errorf("%s", summary.FailureReason))
	}
	if err := o.deps.Metadata.SaveDocumentSummary(ctx, summary); err != nil {
		o.recordFailure(ctx, "aggregate", relPath, "", err)
	}

	o.deps.Folders.Invalidate(cfg.ProjectID, path.Dir(relPath))

	return FileOutcome{Path: relPath, Chunks: len(storeChunks)}
}

// chunkFile routes a file to CodeChunker, which performs its own tree-sitter
// parse over the original bytes; to MarkdownChunker for markdown, which
// understands frontmatter, section nesting, and fenced/MDX blocks directly
// from the raw text instead of relying on heading hints; or to
// DocumentChunker fed by the dispatcher's translated heading hints for
// everything else. The dispatcher has already gated out binary and
// unsupported files before this is called.
func (o *Orchestrator) chunkFile(ctx context.Context, relPath, language string, contentType scanner.ContentType, parsed *parser.Result) ([]*chunk.Chunk, error) {
	input := &chunk.FileInput{Path: relPath, Content: []byte(parsed.Text), Language: language}

	switch contentType {
	case scanner.ContentTypeCode:
		return o.deps.CodeChunker.Chunk(ctx, input)
	case scanner.ContentTypeMarkdown:
		return o.deps.MDChunker.Chunk(ctx, input)
	default:
		hints := headingsFromStructure(parsed.Structure)
		return o.deps.DocChunker.ChunkWithHints(ctx, input, hints)
	}
}

// extractSemantics runs the chunk semantic extractor over every content
// chunk (the synthetic filename chunk at ChunkIndex -1 has no prose of its
// own to summarize and is skipped), encoding the result into each chunk's
// Metadata. A low-confidence or failed extraction is recorded but does not
// stop indexing: the chunk is still searchable by embedding and keyword,
// just without a semantic preview.
func (o *Orchestrator) extractSemantics(ctx context.Context, relPath string, chunks []*store.Chunk) {
	for _, c := range chunks {
		if c.IsFilenameChunk() {
			continue
		}
		semCtx, cancel := context.WithTimeout(ctx, ChunkSemanticTimeout)
		sem, err := o.deps.Extractor.Extract(semCtx, c.Metadata["heading"], c.Content)
		cancel()
		if err != nil {
			o.recordFailure(ctx, "chunk_semantic", relPath, c.ID, err)
			continue
		}
		if sem.Failed {
			o.recordFailure(ctx, "chunk_semantic", relPath, c.ID, fmt.Errorf("extraction confidence %.2f below floor", sem.ExtractionConfidence))
		}
		c.Metadata = store.EncodeChunkSemantics(c.Metadata, sem)
	}
}

// embedChunks embeds every chunk's content through the folder's embedding
// pool and returns the successful vectors keyed by chunk ID, plus the IDs
// whose embedding failed after retries (those chunks are dropped from the
// commit rather than stored without a vector, since an un-embedded chunk is
// unreachable from search anyway).
func (o *Orchestrator) embedChunks(ctx context.Context, chunks []*store.Chunk) (map[string][]float32, []string) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	results := o.deps.Embeddings.EmbedPassages(ctx, texts)

	embeddings := make(map[string][]float32, len(chunks))
	var failed []string
	for i, r := range results {
		if r.Err != nil {
			failed = append(failed, chunks[i].ID)
			continue
		}
		embeddings[chunks[i].ID] = r.Vector
	}
	return embeddings, failed
}

// commitFile writes a file's new chunk set ahead of deleting its old one:
// new rows and vectors land first, then whatever the file previously owned
// that the new set didn't recreate is swept away. This bounds the window in
// which a reader sees neither the old nor the new chunks to zero.
func (o *Orchestrator) commitFile(ctx context.Context, cfg Config, file *store.File, chunks []*store.Chunk, embeddings map[string][]float32) error {
	oldChunks, err := o.deps.Metadata.GetChunksByFile(ctx, file.ID)
	if err != nil {
		return fmt.Errorf("load previous chunks: %w", err)
	}

	if err := o.deps.Metadata.SaveFiles(ctx, []*store.File{file}); err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	if err := o.deps.Metadata.SaveChunks(ctx, chunks); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}

	ids := make([]string, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))
	docs := make([]*store.Document, 0, len(chunks))
	for _, c := range chunks {
		v, ok := embeddings[c.ID]
		if !ok {
			continue
		}
		ids = append(ids, c.ID)
		vectors = append(vectors, v)
		docs = append(docs, &store.Document{ID: c.ID, Content: c.Content})
	}
	if len(ids) > 0 {
		if err := o.deps.Vectors.Add(ctx, ids, vectors); err != nil {
			return fmt.Errorf("add vectors: %w", err)
		}
		if err := o.deps.Metadata.SaveChunkEmbeddings(ctx, ids, vectors, o.deps.Embeddings.ModelName()); err != nil {
			return fmt.Errorf("save embeddings: %w", err)
		}
	}
	if len(docs) > 0 {
		if err := o.deps.Keyword.Index(ctx, docs); err != nil {
			return fmt.Errorf("index keywords: %w", err)
		}
	}

	stale := staleChunkIDs(oldChunks, chunks)
	if len(stale) > 0 {
		if err := o.deps.Metadata.DeleteChunks(ctx, stale); err != nil {
			return fmt.Errorf("delete stale chunks: %w", err)
		}
		if err := o.deps.Vectors.Delete(ctx, stale); err != nil {
			return fmt.Errorf("delete stale vectors: %w", err)
		}
		if err := o.deps.Keyword.Delete(ctx, stale); err != nil {
			return fmt.Errorf("delete stale keyword entries: %w", err)
		}
	}

	return nil
}

// deleteFile removes a file and everything it owns: its chunks, their
// vectors and keyword entries, its document summary, and it invalidates the
// containing folder's cached preview.
func (o *Orchestrator) deleteFile(ctx context.Context, cfg Config, relPath string) error {
	file, err := o.deps.Metadata.GetFileByPath(ctx, cfg.ProjectID, relPath)
	if err != nil {
		return fmt.Errorf("lookup deleted file: %w", err)
	}
	if file == nil {
		return nil
	}

	chunks, err := o.deps.Metadata.GetChunksByFile(ctx, file.ID)
	if err != nil {
		return fmt.Errorf("load chunks for deleted file: %w", err)
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}

	if len(ids) > 0 {
		if err := o.deps.Vectors.Delete(ctx, ids); err != nil {
			return fmt.Errorf("delete vectors: %w", err)
		}
		if err := o.deps.Keyword.Delete(ctx, ids); err != nil {
			return fmt.Errorf("delete keyword entries: %w", err)
		}
	}
	if err := o.deps.Metadata.DeleteFile(ctx, file.ID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if err := o.deps.Metadata.DeleteDocumentSummary(ctx, file.ID); err != nil {
		return fmt.Errorf("delete document summary: %w", err)
	}

	o.deps.Folders.Invalidate(cfg.ProjectID, path.Dir(relPath))
	return nil
}

// recordFailure writes a FailureRecord for the given scope, logging (rather
// than propagating) any error writing the record itself: a failure to
// record a failure must never abort the pipeline.
func (o *Orchestrator) recordFailure(ctx context.Context, scope, docPath, chunkID string, cause error) {
	if cause == nil {
		return
	}
	rec := &store.FailureRecord{
		ID:        hashString(scope + "\x00" + docPath + "\x00" + chunkID),
		Scope:     scope,
		DocPath:   docPath,
		ChunkID:   chunkID,
		Message:   cause.Error(),
		UpdatedAt: time.Now(),
	}
	_ = o.deps.Metadata.SaveFailureRecord(ctx, rec)

	attrs := errors.FormatForLog(cause)
	args := make([]any, 0, len(attrs)*2+4)
	args = append(args, slog.String("scope", scope), slog.String("path", docPath))
	if chunkID != "" {
		args = append(args, slog.String("chunk_id", chunkID))
	}
	for k, v := range attrs {
		args = append(args, slog.Any(k, v))
	}
	slog.Warn("pipeline stage failed", args...)
}

// dropChunks returns chunks with every entry whose ID appears in exclude
// removed, preserving order.
func dropChunks(chunks []*store.Chunk, exclude []string) []*store.Chunk {
	if len(exclude) == 0 {
		return chunks
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	out := make([]*store.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !skip[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// staleChunkIDs returns the IDs present in oldChunks but absent from
// newChunks: what the new commit no longer recreates and must be swept.
func staleChunkIDs(oldChunks, newChunks []*store.Chunk) []string {
	keep := make(map[string]bool, len(newChunks))
	for _, c := range newChunks {
		keep[c.ID] = true
	}
	var stale []string
	for _, c := range oldChunks {
		if !keep[c.ID] {
			stale = append(stale, c.ID)
		}
	}
	return stale
}
