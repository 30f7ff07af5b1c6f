// Package runstate loads a compact, read-only view of a run partition for
// status reporting. It never mutates run state and tolerates partitions left
// behind by a crash: every artifact is optional except the directory itself.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mwynne/switchyard/internal/kernel/procutil"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// State classifies where a run stands.
type State string

const (
	StateUnknown   State = "unknown"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateFail      State = "fail"
	StateSuspended State = "suspended"
)

// Snapshot is the run's status view: terminal outcome when final.json exists,
// otherwise the latest activity from the live event feed plus driver process
// liveness.
type Snapshot struct {
	RunDir string
	RunID  string
	State  State

	FailureReason     string
	PendingQuestionID string

	// CurrentStepID and LastEvent come from the live feed; best-effort.
	CurrentStepID string
	LastEvent     string
	LastEventAt   time.Time

	// Receipts maps flow key to recommended action for sealed flows.
	Receipts map[string]string

	PID      int
	PIDAlive bool
}

// LoadSnapshot reads the run partition at runDir and classifies the run.
// final.json is authoritative for terminal state; live/progress feeds are
// activity hints and never override it.
func LoadSnapshot(runDir string) (*Snapshot, error) {
	root := strings.TrimSpace(runDir)
	if root == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	s := &Snapshot{RunDir: root, State: StateUnknown, Receipts: map[string]string{}}

	if err := s.applyFinal(); err != nil {
		return nil, err
	}
	terminal := s.State == StateSuccess || s.State == StateFail

	if !terminal {
		if err := s.applyLiveFeed(); err != nil {
			return nil, err
		}
	}
	if err := s.applyReceipts(); err != nil {
		return nil, err
	}
	if err := s.applyPIDFile(terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func (s *Snapshot) applyFinal() error {
	fo, err := runtime.LoadFinalOutcome(filepath.Join(s.RunDir, "final.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.RunID = fo.RunID
	s.FailureReason = fo.FailureReason
	switch fo.Status {
	case runtime.FinalSuccess:
		s.State = StateSuccess
	case runtime.FinalFail:
		s.State = StateFail
	case runtime.FinalSuspended:
		s.State = StateSuspended
		s.PendingQuestionID = fo.PendingQuestionID
	}
	return nil
}

// applyLiveFeed prefers live.json and falls back to the last progress.ndjson
// line.
func (s *Snapshot) applyLiveFeed() error {
	ev, found, err := readLiveEvent(filepath.Join(s.RunDir, "live.json"))
	if err != nil {
		return err
	}
	if !found {
		ev, found, err = readLastProgressEvent(filepath.Join(s.RunDir, "progress.ndjson"))
		if err != nil {
			return err
		}
	}
	if !found {
		return nil
	}
	if s.RunID == "" {
		s.RunID = eventString(ev["run_id"])
	}
	s.LastEvent = eventString(ev["event"])
	s.CurrentStepID = eventString(ev["step_id"])
	if ts := parseEventTime(ev["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	return nil
}

func (s *Snapshot) applyReceipts() error {
	dir := filepath.Join(s.RunDir, "receipts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return err
		}
		var r runtime.Receipt
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("decode %s: %w", ent.Name(), err)
		}
		s.Receipts[r.Flow] = fmt.Sprintf("%s/%s", r.Status, r.RecommendedAction)
	}
	return nil
}

func (s *Snapshot) applyPIDFile(terminal bool) error {
	path := filepath.Join(s.RunDir, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, convErr := strconv.Atoi(raw)
	if raw == "" || convErr != nil || pid <= 0 {
		if terminal {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.Alive(pid)
	return nil
}

// WritePIDFile records the driver's pid in the run partition so status can
// tell a crashed run from a live one.
func WritePIDFile(runDir string) error {
	return os.WriteFile(filepath.Join(runDir, "run.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readLiveEvent(path string) (map[string]any, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ev map[string]any
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
