package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMemoryTracker(t *testing.T) {
	tracker := NewMemoryTracker()

	if _, ok := tracker.Destination("h1"); ok {
		t.Fatal("Expected unknown hash")
	}
	if err := tracker.Record("h1", "<id@example.com>", "/out/2024.03.05 - Recibo"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	folder, ok := tracker.Destination("h1")
	if !ok || folder != "/out/2024.03.05 - Recibo" {
		t.Errorf("Destination() = %q, %v", folder, ok)
	}
	if !tracker.Claimed("/out/2024.03.05 - Recibo/") {
		t.Error("Expected folder to be claimed")
	}
	if tracker.Claimed("/out/other") {
		t.Error("Expected unrelated folder to be unclaimed")
	}

	snap := tracker.Snapshot()
	if snap.Extracted != 1 || snap.RunID == "" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestMemoryTracker_EmptyHash(t *testing.T) {
	tracker := NewMemoryTracker()
	if err := tracker.Record("", "id", "/out/x"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if tracker.Snapshot().Extracted != 0 {
		t.Error("Expected empty hash to be ignored")
	}
}

func TestFileTracker_PersistsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := first.Record("h1", "id-1", "/out/a"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := first.Record("h1", "id-1", "/out/a"); err != nil {
		t.Fatalf("Record() duplicate error = %v", err)
	}
	if err := first.Record("h2", "id-2", "/out/b"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("state file has %d lines, want 2", lines)
	}

	second, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	defer second.Close()

	if folder, ok := second.Destination("h2"); !ok || folder != "/out/b" {
		t.Errorf("Destination(h2) = %q, %v", folder, ok)
	}
	if second.Snapshot().RunID == first.Snapshot().RunID {
		t.Error("Expected a fresh run id per tracker")
	}
}

func TestFileTracker_DryRunDoesNotWrite(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.Record("h1", "id-1", "/out/a"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, fileName)); !os.IsNotExist(err) {
		t.Errorf("Expected no state file, stat error = %v", err)
	}
}

func TestNewFileTracker_EmptyDir(t *testing.T) {
	if _, err := NewFileTracker("  ", true); err == nil {
		t.Error("Expected error for empty state directory")
	}
}

func TestFileTracker_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := NewFileTracker(dir, false); err == nil {
		t.Error("Expected parse error")
	}
}
