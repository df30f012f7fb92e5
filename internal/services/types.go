// Package services replaces a dependency-injection container or global
// singletons (per the re-architecture notes) with one process-wide Services
// value that owns every open folder's storage, embedding pool, and watcher,
// and hands callers a narrow FolderHandle facade instead of exposing any of
// that machinery directly.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/folderkb/engine/internal/aggregate"
	"github.com/folderkb/engine/internal/async"
	"github.com/folderkb/engine/internal/chunk"
	"github.com/folderkb/engine/internal/config"
	"github.com/folderkb/engine/internal/embed"
	"github.com/folderkb/engine/internal/embedpool"
	"github.com/folderkb/engine/internal/errors"
	"github.com/folderkb/engine/internal/fingerprint"
	"github.com/folderkb/engine/internal/folderwatch"
	"github.com/folderkb/engine/internal/orchestrator"
	"github.com/folderkb/engine/internal/parser"
	"github.com/folderkb/engine/internal/retrieval"
	"github.com/folderkb/engine/internal/semantic"
	"github.com/folderkb/engine/internal/store"
	"github.com/folderkb/engine/internal/telemetry"
)

// dataDirName is the per-folder state directory, under which every
// persisted artifact named in spec.md §6's layout lives.
const dataDirName = ".folder-mcp"

// Status is the snapshot returned by FolderHandle.Status: spec.md §6's
// {indexed, pending, failed, last_updated} control-surface contract.
type Status struct {
	Indexed     int
	Pending     int
	Failed      int
	LastUpdated time.Time
}

// Services owns every folder opened during the process lifetime. Folder
// is idempotent per path: a second call for an already-open folder returns
// the existing handle rather than reopening its storage.
type Services struct {
	mu      sync.Mutex
	folders map[string]*FolderHandle
}

// New creates an empty Services value. Folders are opened lazily, the
// first time Folder(path) is called for that path.
func New() *Services {
	return &Services{folders: make(map[string]*FolderHandle)}
}

// Folder returns the handle for path, opening its storage and embedding
// pool on first access.
func (s *Services) Folder(ctx context.Context, path string) (*FolderHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.folders[path]; ok {
		return h, nil
	}
	h, err := openFolder(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("services: open folder %s: %w", path, err)
	}
	s.folders[path] = h
	return h, nil
}

// CloseAll stops every open folder's watcher and storage handles. Intended
// for process shutdown.
func (s *Services) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, h := range s.folders {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close folder %s: %w", path, err)
		}
	}
	s.folders = make(map[string]*FolderHandle)
	return firstErr
}

// FolderHandle is the control surface for one opened folder: the five
// retrieval operations plus Reindex, Status, and Subscribe, per spec.md §6.
// It owns the folder's concrete storage/embedding/watcher singletons so
// callers never touch them directly.
type FolderHandle struct {
	path      string
	projectID string
	dataDir   string

	metadata   *store.SQLiteStore
	vectors    *store.HNSWStore
	keyword    store.BM25Index
	embedder   embed.Embedder
	pool       *embedpool.Pool
	extractor  semantic.Extractor
	documents  *aggregate.DocumentAggregator
	folderAgg  *aggregate.FolderAggregator
	dispatcher *parser.Dispatcher
	fp         *fingerprint.Fingerprinter
	engine     *retrieval.Engine
	progress   *async.IndexProgress
	watcher    *folderwatch.FolderWatcher
	cfg        *config.Config
	metrics    *telemetry.QueryMetrics

	vectorPath string
}

func (h *FolderHandle) deps() orchestrator.Dependencies {
	return orchestrator.Dependencies{
		Metadata:    h.metadata,
		Vectors:     h.vectors,
		Keyword:     h.keyword,
		Embeddings:  h.pool,
		Extractor:   h.extractor,
		Documents:   h.documents,
		Folders:     h.folderAgg,
		Parser:      h.dispatcher,
		CodeChunker: chunk.NewCodeChunker(),
		DocChunker:  chunk.NewDocumentChunker(),
		MDChunker:   chunk.NewMarkdownChunker(),
		Fingerprint: h.fp,
	}
}

// Reindex runs one orchestrator pass over the folder: fingerprint diff,
// parse/chunk/embed/commit every added or modified file, delete the rest.
// It persists the updated vector index to disk on success, since
// orchestrator.Run only mutates the in-memory HNSW graph.
func (h *FolderHandle) Reindex(ctx context.Context) (*orchestrator.Result, error) {
	h.progress.SetStage(async.StageScanning, 0)

	cfg := orchestrator.Config{
		Folder:    h.path,
		DataDir:   h.dataDir,
		ProjectID: h.projectID,
	}
	result, err := orchestrator.New(h.deps()).Run(ctx, cfg)
	if err != nil {
		h.progress.SetError(err.Error())
		return result, err
	}

	// A save can transiently fail under the same disk contention that
	// makes a concurrent reindex/watch event likely in the first place,
	// so retry it with backoff before giving up on an otherwise-successful
	// run.
	saveErr := errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		return h.vectors.Save(h.vectorPath)
	})
	if saveErr != nil {
		h.progress.SetError(saveErr.Error())
		return result, fmt.Errorf("services: persist vector index: %w", saveErr)
	}

	h.progress.UpdateFiles(result.FilesAdded + result.FilesModified)
	h.progress.UpdateChunks(result.ChunksIndexed)
	h.progress.SetReady()
	return result, nil
}

// Status reports the folder's current indexing progress, per spec.md §6.
func (h *FolderHandle) Status(ctx context.Context) (Status, error) {
	snap := h.progress.Snapshot()
	failures, err := h.metadata.ListFailureRecords(ctx, "")
	if err != nil {
		return Status{}, fmt.Errorf("services: list failures: %w", err)
	}
	return Status{
		Indexed:     snap.ChunksIndexed,
		Pending:     snap.FilesTotal - snap.FilesProcessed,
		Failed:      len(failures),
		LastUpdated: time.Now().Add(-time.Duration(snap.ElapsedSeconds) * time.Second),
	}, nil
}

// Subscribe starts the folder's background watcher, if not already running,
// calling onChange for every debounced batch of file events. The watcher
// itself never reindexes; it only signals that a reindex is due, leaving
// the caller free to debounce further, queue, or trigger immediately.
func (h *FolderHandle) Subscribe(ctx context.Context, onChange func([]folderwatch.FileEvent)) error {
	if h.watcher != nil {
		return nil
	}
	w, err := folderwatch.New(h.path, folderwatch.DefaultOptions(), func(_ string, events []folderwatch.FileEvent) {
		onChange(events)
	})
	if err != nil {
		return fmt.Errorf("services: create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("services: start watcher: %w", err)
	}
	h.watcher = w
	return nil
}

// ListFolders, ListDocuments, GetDocumentOutline, Explore, and Search
// delegate directly to the folder's retrieval.Engine: the five read
// operations of spec.md §4.8.

func (h *FolderHandle) ListFolders(ctx context.Context, parentPath string) ([]*retrieval.FolderSummary, error) {
	return h.engine.ListFolders(ctx, h.projectID, parentPath)
}

func (h *FolderHandle) ListDocuments(ctx context.Context, folderPath string) ([]*retrieval.DocumentSummary, error) {
	return h.engine.ListDocuments(ctx, h.projectID, folderPath)
}

func (h *FolderHandle) GetDocumentOutline(ctx context.Context, documentID string) ([]*retrieval.OutlineEntry, error) {
	return h.engine.GetDocumentOutline(ctx, documentID)
}

func (h *FolderHandle) Explore(ctx context.Context, folderPath string) (*retrieval.ExploreResult, error) {
	return h.engine.Explore(ctx, h.projectID, folderPath)
}

func (h *FolderHandle) Search(ctx context.Context, query string, k int) (*retrieval.SearchResponse, error) {
	start := time.Now()
	resp, err := h.engine.Search(ctx, query, k)
	if err == nil && h.metrics != nil {
		h.metrics.Record(telemetry.QueryEvent{
			Query:       query,
			QueryType:   telemetry.QueryTypeMixed,
			ResultCount: len(resp.Hits),
			Latency:     time.Since(start),
			Timestamp:   start,
		})
	}
	return resp, err
}

// Close releases the folder's watcher, metrics, and storage handles.
func (h *FolderHandle) Close() error {
	if h.watcher != nil {
		if err := h.watcher.Stop(); err != nil {
			return err
		}
	}
	if h.metrics != nil {
		if err := h.metrics.Close(); err != nil {
			return err
		}
	}
	if err := h.vectors.Close(); err != nil {
		return err
	}
	return h.metadata.Close()
}
