// Package folderwatch provides real-time file system watching with automatic
// debouncing and gitignore-aware filtering, feeding batched change events to
// the orchestrator so it can reindex a folder incrementally as files change
// underneath it.
//
// The package implements a hybrid watching strategy:
//   - Primary: fsnotify for efficient event-based watching
//   - Fallback: Polling for environments where fsnotify fails (network mounts, Docker volumes)
//
// Events are debounced to coalesce rapid changes from IDEs and git operations,
// and filtered against .gitignore patterns to skip irrelevant files.
//
// Usage:
//
//	fw, err := folderwatch.New("/path/to/project", folderwatch.DefaultOptions(), func(folder string, events []folderwatch.FileEvent) {
//	    // trigger a reindex of folder
//	})
//	if err != nil {
//	    return err
//	}
//	if err := fw.Start(ctx); err != nil {
//	    return err
//	}
//	defer fw.Stop()
package folderwatch
