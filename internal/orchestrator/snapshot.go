package orchestrator

import (
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"

	"github.com/folderkb/engine/internal/fingerprint"
)

// snapshotFile is the persisted fingerprint snapshot inside a folder's data
// directory, the basis for diffing against the next indexing run.
const snapshotFile = "fingerprint.snapshot"

// loadSnapshot reads the previous run's snapshot. A missing file means this
// is the folder's first run: every current file counts as added.
func loadSnapshot(dataDir string) (fingerprint.Snapshot, error) {
	f, err := os.Open(filepath.Join(dataDir, snapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fingerprint.Snapshot{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var snap fingerprint.Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// saveSnapshot persists snap for the next run's diff, writing through a
// temp file so a crash mid-write never leaves a corrupt snapshot behind.
func saveSnapshot(dataDir string, snap fingerprint.Snapshot) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	final := filepath.Join(dataDir, snapshotFile)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}
