package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readNDJSON(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var events []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestFileOutboxAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.ndjson")
	o := &FileOutbox{Path: path}

	if err := o.Post(map[string]any{"event": "receipt_sealed", "flow_key": "main"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := o.Post(map[string]any{"event": "question_pending", "question_id": "q1"}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	events := readNDJSON(t, path)
	if len(events) != 2 {
		t.Fatalf("events=%d", len(events))
	}
	if events[0]["event"] != "receipt_sealed" || events[1]["question_id"] != "q1" {
		t.Fatalf("events: %#v", events)
	}
	// Every posted event is stamped.
	for _, ev := range events {
		if ev["ts"] == "" || ev["ts"] == nil {
			t.Fatalf("event missing ts: %#v", ev)
		}
	}
}

func TestAppendProgressMirrorsLive(t *testing.T) {
	s := newTestStore(t)
	s.AppendProgress(map[string]any{"event": "run_started"})
	s.AppendProgress(map[string]any{"event": "station_completed", "step_id": "build"})

	events := readNDJSON(t, filepath.Join(s.Dir(), "progress.ndjson"))
	if len(events) != 2 {
		t.Fatalf("progress events=%d", len(events))
	}
	if events[0]["run_id"] != "run-1" {
		t.Fatalf("run_id not stamped: %#v", events[0])
	}

	var live map[string]any
	b, err := os.ReadFile(filepath.Join(s.Dir(), "live.json"))
	if err != nil {
		t.Fatalf("read live.json: %v", err)
	}
	if err := json.Unmarshal(b, &live); err != nil {
		t.Fatalf("decode live.json: %v", err)
	}
	if live["event"] != "station_completed" {
		t.Fatalf("live.json not the latest event: %#v", live)
	}
}
