package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EmbedderInfoInput carries the currently configured embedder's identity,
// used to detect dimension/model drift against what an index was built with.
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// GetIndexInfo assembles an IndexInfo snapshot for a folder's index: the
// model/dimensions it was built with, size/count statistics, and whether the
// currently configured embedder is still compatible with it.
func GetIndexInfo(ctx context.Context, metadata MetadataStore, dataDir string, current *EmbedderInfoInput) (*IndexInfo, error) {
	info := &IndexInfo{
		Location:    dataDir,
		ProjectRoot: filepath.Dir(dataDir),
	}

	if model, err := metadata.GetState(ctx, StateKeyIndexModel); err == nil {
		info.IndexModel = model
	}
	if dimStr, err := metadata.GetState(ctx, StateKeyIndexDimension); err == nil && dimStr != "" {
		if _, err := fmt.Sscanf(dimStr, "%d", &info.IndexDimensions); err != nil {
			info.IndexDimensions = 0
		}
	}
	info.IndexBackend = inferBackendFromModel(info.IndexModel)

	if withEmb, withoutEmb, err := metadata.GetEmbeddingStats(ctx); err == nil {
		info.ChunkCount = withEmb + withoutEmb
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")

	bm25SQLitePath := filepath.Join(dataDir, "bm25.db")
	bm25BlevePath := filepath.Join(dataDir, "bm25.bleve")
	bm25Size := getFileSize(bm25SQLitePath)
	if bm25Size == 0 {
		bm25Size = getDirSize(bm25BlevePath)
	}
	info.BM25SizeBytes = bm25Size

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	info.VectorSizeBytes = getFileSize(vectorPath)

	metaSize := getFileSize(metadataPath)
	info.IndexSizeBytes = metaSize + info.BM25SizeBytes + info.VectorSizeBytes

	if fi, err := os.Stat(metadataPath); err == nil {
		info.UpdatedAt = fi.ModTime()
		info.CreatedAt = fi.ModTime()
	}

	if current != nil {
		info.CurrentModel = current.Model
		info.CurrentBackend = current.Backend
		info.CurrentDimensions = current.Dimensions
		info.Compatible = info.IndexDimensions == 0 || info.IndexDimensions == current.Dimensions
	}

	return info, nil
}

// getFileSize returns the size of a file in bytes, or 0 if it doesn't exist.
func getFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// getDirSize returns the total size of all files under a directory.
func getDirSize(path string) int64 {
	var size int64
	_ = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			size += fi.Size()
		}
		return nil
	})
	return size
}

// containsAny reports whether s contains any of substrs.
func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferBackendFromModel guesses the embedding backend family from a model
// name or path, for index-info display when the backend wasn't recorded.
func inferBackendFromModel(model string) string {
	switch {
	case model == "static" || model == "static768":
		return "static"
	case strings.HasPrefix(model, "/"), containsAny(model, []string{"mlx-community/", "mlx-"}):
		return "mlx"
	default:
		return "ollama"
	}
}

// FormatBytes renders a byte count in human-readable form (B/KB/MB/GB).
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(n)/float64(div), units[exp])
}

// FormatTime renders a timestamp for display, or "unknown" if zero.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}
