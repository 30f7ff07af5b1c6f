package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteJSONAtomicFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "meta.json")

	in := &RunMeta{RunID: "r1", CreatedAt: time.Now().UTC()}
	if err := WriteJSONAtomicFile(path, in); err != nil {
		t.Fatalf("WriteJSONAtomicFile: %v", err)
	}

	var out RunMeta
	if err := ReadJSONFile(path, &out); err != nil {
		t.Fatalf("ReadJSONFile: %v", err)
	}
	if out.RunID != "r1" {
		t.Fatalf("round trip lost run_id: %#v", out)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only meta.json, got %d entries", len(entries))
	}
}

func TestFinalOutcomeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "final.json")
	fo := &FinalOutcome{
		Timestamp:         time.Now().UTC(),
		Status:            FinalSuspended,
		RunID:             "r1",
		PendingQuestionID: "q1",
	}
	if err := fo.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadFinalOutcome(path)
	if err != nil {
		t.Fatalf("LoadFinalOutcome: %v", err)
	}
	if got.Status != FinalSuspended || got.PendingQuestionID != "q1" {
		t.Fatalf("round trip mismatch: %#v", got)
	}
}
