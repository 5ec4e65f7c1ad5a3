package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// rangeTracker records per-range completion for in-flight transfers. State
// lives in memory behind one mutex so concurrent connection handlers for
// the same file never race, and every mutation is mirrored to a side-record
// on disk (atomic rename) so a transfer remains inspectable and resumable
// across processes.
//
// Side-records per file ID: <file_id>.parts holds a JSON map of
// "start-end" range keys to completion booleans; <file_id>.hash holds the
// expected whole-file hash. Both are deleted once verification has run.
type rangeTracker struct {
	dir string

	mu    sync.Mutex
	files map[string]*rangeRecord
}

type rangeRecord struct {
	ranges map[string]bool
	hash   string
}

func newRangeTracker(dir string) *rangeTracker {
	return &rangeTracker{
		dir:   dir,
		files: make(map[string]*rangeRecord),
	}
}

// begin marks a range as in progress and reports whether this is the first
// range seen for the file ID. A range already recorded complete keeps its
// flag, so a duplicate delivery cannot reopen the completeness gate.
func (t *rangeTracker) begin(fileID, rangeKey, expectedHash string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, first, err := t.loadLocked(fileID)
	if err != nil {
		return false, err
	}

	if record.hash == "" {
		record.hash = expectedHash
		if err := os.WriteFile(t.hashPath(fileID), []byte(expectedHash), 0o644); err != nil {
			return false, fmt.Errorf("write hash side-record: %w", err)
		}
	}
	if _, exists := record.ranges[rangeKey]; !exists {
		record.ranges[rangeKey] = false
	}

	if err := t.persistLocked(fileID, record); err != nil {
		return false, err
	}
	return first, nil
}

// complete marks a range as done and reports whether every recorded range
// for the file ID is now complete. Completing the same range twice simply
// overwrites the key with true.
func (t *rangeTracker) complete(fileID, rangeKey string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, _, err := t.loadLocked(fileID)
	if err != nil {
		return false, err
	}

	record.ranges[rangeKey] = true
	if err := t.persistLocked(fileID, record); err != nil {
		return false, err
	}

	for _, done := range record.ranges {
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// expectedHash returns the whole-file hash recorded for a file ID.
func (t *rangeTracker) expectedHash(fileID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, _, err := t.loadLocked(fileID)
	if err != nil {
		return "", err
	}
	if record.hash != "" {
		return record.hash, nil
	}

	raw, err := os.ReadFile(t.hashPath(fileID))
	if err != nil {
		return "", fmt.Errorf("read hash side-record: %w", err)
	}
	record.hash = string(raw)
	return record.hash, nil
}

// forget destroys all tracking state for a file ID.
func (t *rangeTracker) forget(fileID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.files, fileID)

	var errs []error
	for _, path := range []string{t.partsPath(fileID), t.hashPath(fileID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove side-records for %s: %v", fileID, errs)
	}
	return nil
}

// loadLocked returns the in-memory record for a file ID, falling back to
// the on-disk side-record left by an earlier process. The second return is
// true when no prior state existed anywhere.
func (t *rangeTracker) loadLocked(fileID string) (*rangeRecord, bool, error) {
	if record, ok := t.files[fileID]; ok {
		return record, false, nil
	}

	record := &rangeRecord{ranges: make(map[string]bool)}
	first := true

	raw, err := os.ReadFile(t.partsPath(fileID))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, false, fmt.Errorf("read parts side-record: %w", err)
	default:
		if err := json.Unmarshal(raw, &record.ranges); err != nil {
			return nil, false, fmt.Errorf("parse parts side-record: %w", err)
		}
		first = false
	}

	if hash, err := os.ReadFile(t.hashPath(fileID)); err == nil {
		record.hash = string(hash)
	}

	t.files[fileID] = record
	return record, first, nil
}

// persistLocked writes the parts map through a temp file and atomic rename
// so a concurrent reader never observes a partial record.
func (t *rangeTracker) persistLocked(fileID string, record *rangeRecord) error {
	raw, err := json.Marshal(record.ranges)
	if err != nil {
		return fmt.Errorf("marshal parts side-record: %w", err)
	}

	path := t.partsPath(fileID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write parts side-record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace parts side-record: %w", err)
	}
	return nil
}

func (t *rangeTracker) partsPath(fileID string) string {
	return filepath.Join(t.dir, fileID+".parts")
}

func (t *rangeTracker) hashPath(fileID string) string {
	return filepath.Join(t.dir, fileID+".hash")
}
