// Package fingerprint detects added, modified, and deleted files under a
// folder between two points in time, so the orchestrator knows which
// documents need re-indexing without re-processing everything.
package fingerprint

import "time"

// Entry is a single file's identity as recorded in a Snapshot: its content
// hash, size, and modification time at the moment the snapshot was taken.
type Entry struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// Snapshot maps a file's path (relative to the scanned folder) to its Entry.
type Snapshot map[string]Entry

// FailureRecord describes a path that could not be read during a snapshot.
// Such paths are excluded from added/modified sets entirely, per contract.
type FailureRecord struct {
	Path   string
	Reason string
	Err    error
}

// Options configures a snapshot pass.
type Options struct {
	// IncludeExtensions restricts the walk to files with one of these
	// extensions (e.g. ".md", ".go"), dot included. Empty means no filter.
	IncludeExtensions []string

	// IgnorePatterns are extra exclusion globs layered on top of .gitignore,
	// in the same syntax as gitignore.Matcher patterns.
	IgnorePatterns []string

	// RespectGitignore enables .gitignore-based exclusion during the walk.
	RespectGitignore bool

	// FollowSymlinks controls whether symlinked files are hashed; symlinked
	// directories are never descended into.
	FollowSymlinks bool

	// LargeFileThreshold is the size in bytes above which the hash falls
	// back to H(size, mtime, firstN, lastN) instead of hashing the full
	// stream. Zero uses DefaultLargeFileThreshold.
	LargeFileThreshold int64

	// SampleSize is N: the number of bytes read from the start and from the
	// end of a large file for the fallback hash. Zero uses DefaultSampleSize.
	SampleSize int
}

// DefaultLargeFileThreshold is 8MiB: above this, streaming the full file
// through the hash on every fingerprint pass is wasteful for the common
// case of large binary or media assets that rarely change byte-for-byte
// in ways the sample wouldn't catch.
const DefaultLargeFileThreshold = 8 * 1024 * 1024

// DefaultSampleSize is 64KiB, read once from the head and once from the
// tail of a large file for the fallback hash.
const DefaultSampleSize = 64 * 1024

func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.LargeFileThreshold <= 0 {
		out.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if out.SampleSize <= 0 {
		out.SampleSize = DefaultSampleSize
	}
	return &out
}
