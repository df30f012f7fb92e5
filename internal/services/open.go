package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/folderkb/engine/internal/aggregate"
	"github.com/folderkb/engine/internal/async"
	"github.com/folderkb/engine/internal/config"
	"github.com/folderkb/engine/internal/embed"
	"github.com/folderkb/engine/internal/embedpool"
	"github.com/folderkb/engine/internal/fingerprint"
	"github.com/folderkb/engine/internal/parser"
	"github.com/folderkb/engine/internal/retrieval"
	"github.com/folderkb/engine/internal/semantic"
	"github.com/folderkb/engine/internal/store"
	"github.com/folderkb/engine/internal/telemetry"

	_ "modernc.org/sqlite"
)

// openFolder assembles every storage/embedding/retrieval singleton a folder
// needs, per SPEC_FULL.md's persistent layout:
// <folder>/.folder-mcp/{metadata.db, vectors.hnsw, vectors.hnsw.meta,
// fingerprint.snapshot, pipeline.lock}. Per-document failures are stored as
// FailureRecord rows in metadata.db rather than in a separate log file.
func openFolder(ctx context.Context, path string) (*FolderHandle, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve folder path: %w", err)
	}
	dataDir := filepath.Join(absPath, dataDirName)
	projectID := projectIDFor(absPath)

	cfg, err := config.Load(absPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	embedder, err := embed.NewEmbedder(ctx, embed.ProviderType(cfg.Embeddings.Provider), cfg.Embeddings.Model)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vectors, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	if err := vectors.Load(vectorPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A missing (first-run) index leaves the store's empty graph in
		// place; any other load error, such as a corrupt file, fails the
		// open rather than silently starting over.
		_ = metadata.Close()
		_ = vectors.Close()
		return nil, fmt.Errorf("load vector index: %w", err)
	}

	keywordPath := filepath.Join(dataDir, "keyword")
	bm25Cfg := store.BM25Config{K1: 1.2, B: 0.75}
	keyword, err := store.NewBM25IndexWithBackend(keywordPath, bm25Cfg, cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		_ = vectors.Close()
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	capability := capabilityForModel(embedder.ModelName(), embedder.Dimensions())
	pool := embedpool.New(embedder, capability, embedpool.DefaultOptions())

	var semEmbedder semantic.Embedder
	strategy := semantic.Strategy(capability.ExtractionStrategy)
	if strategy == semantic.StrategySimilarityOnly {
		semEmbedder = func(text string) ([]float32, error) {
			return pool.EmbedQuery(ctx, text)
		}
	}
	extractor, err := semantic.NewExtractor(strategy, semEmbedder, semantic.DefaultOptions())
	if err != nil {
		_ = metadata.Close()
		_ = vectors.Close()
		return nil, fmt.Errorf("create semantic extractor: %w", err)
	}

	folderAgg := aggregate.NewFolderAggregator(metadata)
	documents := aggregate.NewDocumentAggregator()

	fp, err := fingerprint.New()
	if err != nil {
		_ = metadata.Close()
		_ = vectors.Close()
		return nil, fmt.Errorf("create fingerprinter: %w", err)
	}

	queryEmbedder := retrieval.QueryEmbedder(func(query string) ([]float32, error) {
		return pool.EmbedQuery(ctx, query)
	})
	engine := retrieval.NewEngine(metadata, vectors, keyword, folderAgg, queryEmbedder)

	metrics, err := openQueryMetrics(dataDir)
	if err != nil {
		_ = metadata.Close()
		_ = vectors.Close()
		return nil, fmt.Errorf("open query metrics: %w", err)
	}

	return &FolderHandle{
		path:       absPath,
		projectID:  projectID,
		dataDir:    dataDir,
		metadata:   metadata,
		vectors:    vectors,
		keyword:    keyword,
		embedder:   embedder,
		pool:       pool,
		extractor:  extractor,
		documents:  documents,
		folderAgg:  folderAgg,
		dispatcher: parser.NewDispatcher(),
		fp:         fp,
		engine:     engine,
		progress:   async.NewIndexProgress(),
		cfg:        cfg,
		metrics:    metrics,
		vectorPath: vectorPath,
	}, nil
}

// projectIDFor derives a stable project identifier from a folder's absolute
// path, the same content-hash convention internal/orchestrator uses for
// file and chunk IDs.
func projectIDFor(absPath string) string {
	h := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(h[:])[:16]
}

// openQueryMetrics opens the folder's local search telemetry database and
// wraps it in a QueryMetrics collector, so FolderHandle.Search can record
// query-type, latency, and zero-result statistics without any of it ever
// leaving the folder's own data directory.
func openQueryMetrics(dataDir string) (*telemetry.QueryMetrics, error) {
	dbPath := filepath.Join(dataDir, "telemetry.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open telemetry database: %w", err)
	}
	if err := telemetry.InitTelemetrySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	metricsStore, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry store: %w", err)
	}
	return telemetry.NewQueryMetrics(metricsStore), nil
}
