package folderwatch

import (
	"context"
	"fmt"
	"log/slog"
)

// ReindexFunc is invoked with a batch of debounced file events for a folder.
// The orchestrator is expected to treat this purely as a trigger: the next
// run re-fingerprints the whole folder and diffs, so the event batch itself
// carries no per-file instructions.
type ReindexFunc func(folder string, events []FileEvent)

// FolderWatcher drives a HybridWatcher for a single folder and forwards its
// debounced event batches to a reindex callback, logging (rather than
// propagating) watcher errors since a watch failure should never take down
// an otherwise-healthy indexing process — the orchestrator's own fingerprint
// diff on the next triggered or scheduled run is the fallback path.
type FolderWatcher struct {
	folder  string
	watcher *HybridWatcher
	onEvent ReindexFunc
	done    chan struct{}
}

// New creates a FolderWatcher for folder. onEvent is called from an internal
// goroutine every time a debounced batch of events arrives; it must not
// block for long, since it runs on the same goroutine draining the watcher's
// event channel.
func New(folder string, opts Options, onEvent ReindexFunc) (*FolderWatcher, error) {
	hw, err := NewHybridWatcher(opts)
	if err != nil {
		return nil, fmt.Errorf("folderwatch: create watcher: %w", err)
	}
	return &FolderWatcher{folder: folder, watcher: hw, onEvent: onEvent, done: make(chan struct{})}, nil
}

// Start begins watching the folder. It runs the underlying watcher in a
// background goroutine and returns without waiting for it; event forwarding
// and error logging also run in background goroutines until ctx is
// cancelled or Stop is called. A watcher that fails to start is logged, not
// returned.
func (f *FolderWatcher) Start(ctx context.Context) error {
	go f.forward()
	go f.logErrors()
	go func() {
		if err := f.watcher.Start(ctx, f.folder); err != nil && ctx.Err() == nil {
			slog.Warn("folder watcher stopped",
				slog.String("folder", f.folder),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Stop stops the watcher and waits for its forwarding goroutines to exit.
func (f *FolderWatcher) Stop() error {
	err := f.watcher.Stop()
	<-f.done
	return err
}

func (f *FolderWatcher) forward() {
	defer close(f.done)
	for events := range f.watcher.Events() {
		if len(events) == 0 {
			continue
		}
		f.onEvent(f.folder, events)
	}
}

func (f *FolderWatcher) logErrors() {
	for err := range f.watcher.Errors() {
		slog.Warn("folder watcher error",
			slog.String("folder", f.folder),
			slog.String("error", err.Error()),
		)
	}
}

// DroppedBatches reports how many debounced event batches were dropped
// because the watcher's internal buffer was full.
func (f *FolderWatcher) DroppedBatches() uint64 {
	return f.watcher.DroppedBatches()
}
