package transfer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestTrackerBeginReportsFirstRangeOnce(t *testing.T) {
	tracker := newRangeTracker(t.TempDir())

	first, err := tracker.begin("file-1", "0-100", "hash-a")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if !first {
		t.Error("expected first range to report first=true")
	}

	first, err = tracker.begin("file-1", "100-200", "hash-a")
	if err != nil {
		t.Fatalf("second begin failed: %v", err)
	}
	if first {
		t.Error("expected second range to report first=false")
	}
}

func TestTrackerCompleteGatesOnAllRanges(t *testing.T) {
	tracker := newRangeTracker(t.TempDir())

	if _, err := tracker.begin("file-1", "0-100", "h"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tracker.begin("file-1", "100-200", "h"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	allDone, err := tracker.complete("file-1", "0-100")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if allDone {
		t.Error("expected allDone=false with one range outstanding")
	}

	allDone, err = tracker.complete("file-1", "100-200")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if !allDone {
		t.Error("expected allDone=true after final range")
	}
}

func TestTrackerDoubleCompleteIsIdempotent(t *testing.T) {
	tracker := newRangeTracker(t.TempDir())

	if _, err := tracker.begin("file-1", "0-100", "h"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tracker.complete("file-1", "0-100"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	allDone, err := tracker.complete("file-1", "0-100")
	if err != nil {
		t.Fatalf("repeated complete failed: %v", err)
	}
	if !allDone {
		t.Error("expected repeated complete to still report allDone=true")
	}
}

func TestTrackerDuplicateBeginKeepsCompletedFlag(t *testing.T) {
	tracker := newRangeTracker(t.TempDir())

	if _, err := tracker.begin("file-1", "0-100", "h"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tracker.complete("file-1", "0-100"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// A redelivered range must not reopen the completeness gate.
	if _, err := tracker.begin("file-1", "0-100", "h"); err != nil {
		t.Fatalf("duplicate begin failed: %v", err)
	}
	allDone, err := tracker.complete("file-1", "0-100")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if !allDone {
		t.Error("expected allDone=true after duplicate delivery")
	}
}

func TestTrackerSideRecordIsInspectableJSON(t *testing.T) {
	dir := t.TempDir()
	tracker := newRangeTracker(dir)

	if _, err := tracker.begin("file-1", "0-100", "expected-hash"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tracker.begin("file-1", "100-200", "expected-hash"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tracker.complete("file-1", "0-100"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "file-1.parts"))
	if err != nil {
		t.Fatalf("read parts side-record: %v", err)
	}
	var ranges map[string]bool
	if err := json.Unmarshal(raw, &ranges); err != nil {
		t.Fatalf("parse parts side-record: %v", err)
	}
	if !ranges["0-100"] || ranges["100-200"] {
		t.Errorf("ranges = %v, want 0-100 complete and 100-200 pending", ranges)
	}

	hash, err := os.ReadFile(filepath.Join(dir, "file-1.hash"))
	if err != nil {
		t.Fatalf("read hash side-record: %v", err)
	}
	if string(hash) != "expected-hash" {
		t.Errorf("hash side-record = %q, want %q", hash, "expected-hash")
	}
}

func TestTrackerReloadsStateFromDisk(t *testing.T) {
	dir := t.TempDir()

	tracker := newRangeTracker(dir)
	if _, err := tracker.begin("file-1", "0-100", "h"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tracker.begin("file-1", "100-200", "h"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tracker.complete("file-1", "0-100"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// A fresh tracker over the same directory resumes where the first left off.
	resumed := newRangeTracker(dir)
	first, err := resumed.begin("file-1", "100-200", "h")
	if err != nil {
		t.Fatalf("resumed begin failed: %v", err)
	}
	if first {
		t.Error("expected resumed transfer to report first=false")
	}

	allDone, err := resumed.complete("file-1", "100-200")
	if err != nil {
		t.Fatalf("resumed complete failed: %v", err)
	}
	if !allDone {
		t.Error("expected resumed tracker to see the earlier completed range")
	}

	hash, err := resumed.expectedHash("file-1")
	if err != nil {
		t.Fatalf("expectedHash failed: %v", err)
	}
	if hash != "h" {
		t.Errorf("expectedHash = %q, want %q", hash, "h")
	}
}

func TestTrackerForgetRemovesSideRecords(t *testing.T) {
	dir := t.TempDir()
	tracker := newRangeTracker(dir)

	if _, err := tracker.begin("file-1", "0-100", "h"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tracker.forget("file-1"); err != nil {
		t.Fatalf("forget failed: %v", err)
	}

	for _, name := range []string{"file-1.parts", "file-1.hash"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed, stat err = %v", name, err)
		}
	}

	// Forgetting an unknown file ID is not an error.
	if err := tracker.forget("file-1"); err != nil {
		t.Fatalf("repeated forget failed: %v", err)
	}
}
