package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// pipelineLockFile is the lock file name inside a folder's data directory,
// matching the persistent layout's <folder>/.folder-mcp/pipeline.lock.
const pipelineLockFile = "pipeline.lock"

// PipelineLock enforces single ownership of a folder's index: only one
// Orchestrator process may run the pipeline against a given data directory
// at a time. Adapted from the teacher's internal/embed.FileLock, which
// solves the identical problem (one writer at a time) for model downloads.
type PipelineLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewPipelineLock creates a lock for the pipeline.lock file under dataDir.
func NewPipelineLock(dataDir string) *PipelineLock {
	lockPath := filepath.Join(dataDir, pipelineLockFile)
	return &PipelineLock{path: lockPath, flock: flock.New(lockPath)}
}

// TryAcquire attempts to take ownership of the folder without blocking.
// It returns false (no error) when another process already holds the lock,
// the expected outcome of "single owner per folder" rather than a failure.
func (l *PipelineLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("orchestrator: create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("orchestrator: acquire pipeline lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Release gives up ownership. Safe to call on a lock that was never acquired.
func (l *PipelineLock) Release() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("orchestrator: release pipeline lock: %w", err)
	}
	l.locked = false
	return nil
}
