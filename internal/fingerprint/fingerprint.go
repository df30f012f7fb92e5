package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/folderkb/engine/internal/errors"
	"github.com/folderkb/engine/internal/gitignore"
)

// gitignoreCacheSize bounds the per-directory matcher cache, mirroring the
// scanner's bound so long-running watch sessions don't grow it unbounded.
const gitignoreCacheSize = 1000

// Fingerprinter walks a folder and computes content-address snapshots of
// the files in it.
type Fingerprinter struct {
	gitignoreCache *lru.Cache[string, *gitignore.Matcher]
	cacheMu        sync.RWMutex
}

// New creates a Fingerprinter.
func New() (*Fingerprinter, error) {
	cache, err := lru.New[string, *gitignore.Matcher](gitignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitignore cache: %w", err)
	}
	return &Fingerprinter{gitignoreCache: cache}, nil
}

// Snapshot walks folder and returns a Snapshot of every readable, included
// file under it, plus a FailureRecord for every file that could not be
// read. Failed files never appear in the returned Snapshot.
func (f *Fingerprinter) Snapshot(ctx context.Context, folder string, opts *Options) (Snapshot, []FailureRecord, error) {
	opts = opts.withDefaults()

	absRoot, err := filepath.Abs(folder)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeInvalidPath, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}
	if !info.IsDir() {
		return nil, nil, errors.New(errors.ErrCodeInvalidPath, fmt.Sprintf("not a directory: %s", absRoot), nil)
	}

	snap := Snapshot{}
	var failures []FailureRecord

	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			relPath, relErr := filepath.Rel(absRoot, path)
			if relErr != nil {
				relPath = path
			}
			failures = append(failures, FailureRecord{Path: relPath, Reason: "walk_error", Err: err})
			return nil
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil || relPath == "." {
			return nil
		}

		if d.IsDir() {
			if f.isIgnoredDir(relPath, opts) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 && !opts.FollowSymlinks {
			return nil
		}

		if !f.includeFile(relPath, opts) {
			return nil
		}

		if gitignore.MatchesAnyPattern(relPath, opts.IgnorePatterns) {
			return nil
		}

		if opts.RespectGitignore && f.isGitignored(relPath, absRoot) {
			return nil
		}

		dirent, err := d.Info()
		if err != nil {
			failures = append(failures, FailureRecord{Path: relPath, Reason: "stat_failed", Err: err})
			return nil
		}

		hash, err := hashFile(path, dirent.Size(), opts.LargeFileThreshold, opts.SampleSize)
		if err != nil {
			failures = append(failures, FailureRecord{Path: relPath, Reason: "unreadable", Err: err})
			return nil
		}

		snap[relPath] = Entry{Hash: hash, Size: dirent.Size(), ModTime: dirent.ModTime()}
		return nil
	})
	if walkErr != nil && walkErr != context.Canceled {
		return snap, failures, errors.Wrap(errors.ErrCodeInternal, walkErr)
	}

	return snap, failures, nil
}

// Diff compares two snapshots and classifies every path into added,
// modified, or deleted. modified is decided purely by hash inequality: a
// changed mtime with an unchanged hash (e.g. a touch) is not a
// modification.
func Diff(prev, cur Snapshot) (added, modified, deleted []string) {
	for path, curEntry := range cur {
		prevEntry, existed := prev[path]
		if !existed {
			added = append(added, path)
			continue
		}
		if prevEntry.Hash != curEntry.Hash {
			modified = append(modified, path)
		}
	}
	for path := range prev {
		if _, stillExists := cur[path]; !stillExists {
			deleted = append(deleted, path)
		}
	}
	return added, modified, deleted
}

// includeFile applies the extension filter, if any.
func (f *Fingerprinter) includeFile(relPath string, opts *Options) bool {
	if len(opts.IncludeExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(relPath))
	for _, want := range opts.IncludeExtensions {
		if strings.ToLower(want) == ext {
			return true
		}
	}
	return false
}

// isIgnoredDir applies the extra ignore patterns to directories so the walk
// can prune whole subtrees early.
func (f *Fingerprinter) isIgnoredDir(relPath string, opts *Options) bool {
	if len(opts.IgnorePatterns) == 0 {
		return false
	}
	return gitignore.MatchesAnyPattern(relPath, opts.IgnorePatterns)
}

// isGitignored checks relPath against the nearest .gitignore files from
// root down to its containing directory, same walk-up strategy as the
// scanner package.
func (f *Fingerprinter) isGitignored(relPath, absRoot string) bool {
	rootMatcher := f.getGitignoreMatcher(absRoot, "")
	if rootMatcher != nil && rootMatcher.Match(relPath, false) {
		return true
	}

	parts := strings.Split(filepath.Dir(relPath), string(filepath.Separator))
	currentDir := absRoot
	currentBase := ""
	for _, part := range parts {
		if part == "." {
			continue
		}
		currentDir = filepath.Join(currentDir, part)
		if currentBase == "" {
			currentBase = part
		} else {
			currentBase = filepath.Join(currentBase, part)
		}
		matcher := f.getGitignoreMatcher(currentDir, currentBase)
		if matcher != nil && matcher.Match(relPath, false) {
			return true
		}
	}
	return false
}

func (f *Fingerprinter) getGitignoreMatcher(dir, base string) *gitignore.Matcher {
	f.cacheMu.RLock()
	matcher, ok := f.gitignoreCache.Get(dir)
	f.cacheMu.RUnlock()
	if ok {
		return matcher
	}

	gitignorePath := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitignorePath); err != nil {
		return nil
	}

	matcher = gitignore.New()
	if err := matcher.AddFromFile(gitignorePath, base); err != nil {
		return nil
	}

	f.cacheMu.Lock()
	f.gitignoreCache.Add(dir, matcher)
	f.cacheMu.Unlock()

	return matcher
}

// InvalidateGitignoreCache drops all cached matchers, for callers that
// observe .gitignore changes out of band (e.g. the folder watcher).
func (f *Fingerprinter) InvalidateGitignoreCache() {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	f.gitignoreCache.Purge()
}

// hashFile computes the content hash for path. Files at or below threshold
// are hashed by streaming their full contents; larger files fall back to
// H(size, mtime, firstN bytes, lastN bytes) so a multi-gigabyte asset never
// needs a full read on every fingerprint pass.
func hashFile(path string, size int64, threshold int64, sampleSize int) (string, error) {
	if size <= threshold {
		return hashFull(path)
	}
	return hashSampled(path, size, sampleSize)
}

func hashFull(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashSampled(path string, size int64, sampleSize int) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	head := make([]byte, sampleSize)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	head = head[:n]

	tail := make([]byte, sampleSize)
	tailStart := size - int64(sampleSize)
	if tailStart < int64(n) {
		tailStart = int64(n)
	}
	tn := 0
	if tailStart < size {
		if _, err := file.Seek(tailStart, io.SeekStart); err != nil {
			return "", err
		}
		tn, err = io.ReadFull(file, tail)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return "", err
		}
	}
	tail = tail[:tn]

	h := sha256.New()
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(size))
	h.Write(sizeBuf[:])

	var mtimeBuf [8]byte
	binary.LittleEndian.PutUint64(mtimeBuf[:], uint64(info.ModTime().UnixNano()))
	h.Write(mtimeBuf[:])

	h.Write(head)
	h.Write(tail)

	return hex.EncodeToString(h.Sum(nil)), nil
}
