// Package store is the run state store: the single durable source of truth
// for one run, partitioned by run_id. All run-scoped state — meta, envelopes,
// microloop counters, receipts, human answers, mutation results, progress —
// lives under one run directory; nothing is ever shared across runs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// Store owns one run partition. It is the only component with write access to
// receipts and envelopes; everything else reads.
type Store struct {
	root  string
	runID string

	progressMu sync.Mutex
}

// Open creates (or reopens) the partition for runID under stateRoot.
func Open(stateRoot, runID string) (*Store, error) {
	stateRoot = strings.TrimSpace(stateRoot)
	runID = strings.TrimSpace(runID)
	if stateRoot == "" {
		return nil, fmt.Errorf("state root is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	root := filepath.Join(stateRoot, runID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, runID: runID}, nil
}

func (s *Store) RunID() string { return s.runID }
func (s *Store) Dir() string   { return s.root }

// --- run meta ---

func (s *Store) metaPath() string { return filepath.Join(s.root, "meta.json") }

// CreateMeta writes the initial run meta. It refuses to overwrite an existing
// record: run_id is immutable after creation.
func (s *Store) CreateMeta(meta *runtime.RunMeta) error {
	if _, err := os.Stat(s.metaPath()); err == nil {
		return fmt.Errorf("run meta already exists for %s", s.runID)
	}
	return runtime.WriteJSONAtomicFile(s.metaPath(), meta)
}

func (s *Store) SaveMeta(meta *runtime.RunMeta) error {
	return runtime.WriteJSONAtomicFile(s.metaPath(), meta)
}

func (s *Store) LoadMeta() (*runtime.RunMeta, error) {
	var meta runtime.RunMeta
	if err := runtime.ReadJSONFile(s.metaPath(), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// --- graph snapshot ---

func (s *Store) GraphSnapshotPath() string { return filepath.Join(s.root, "graph.yaml") }

func (s *Store) SaveGraphSnapshot(b []byte) error {
	return os.WriteFile(s.GraphSnapshotPath(), b, 0o644)
}

func (s *Store) LoadGraphSnapshot() ([]byte, error) {
	return os.ReadFile(s.GraphSnapshotPath())
}

// --- envelopes ---

func (s *Store) envelopePath(flowKey, stepID string, attempt int) string {
	return filepath.Join(s.root, "envelopes", flowKey, fmt.Sprintf("%s-%03d.json", stepID, attempt))
}

// PutEnvelope persists an envelope under its (run, flow, step, attempt) key.
// Re-writing the same key overwrites rather than duplicates; that is the
// idempotency guarantee retried writes after a crash rely on.
func (s *Store) PutEnvelope(env *runtime.HandoffEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.RunID != s.runID {
		return fmt.Errorf("envelope run_id %s does not match store partition %s", env.RunID, s.runID)
	}
	return runtime.WriteJSONAtomicFile(s.envelopePath(env.FlowKey, env.StepID, env.Attempt), env)
}

// GetEnvelope loads one envelope; (nil, nil) when absent.
func (s *Store) GetEnvelope(flowKey, stepID string, attempt int) (*runtime.HandoffEnvelope, error) {
	var env runtime.HandoffEnvelope
	err := runtime.ReadJSONFile(s.envelopePath(flowKey, stepID, attempt), &env)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &env, nil
}

// HasEnvelope reports whether the key is already durably persisted. Resume
// uses this to make re-resolving an already-recorded station a no-op.
func (s *Store) HasEnvelope(flowKey, stepID string, attempt int) bool {
	_, err := os.Stat(s.envelopePath(flowKey, stepID, attempt))
	return err == nil
}

// ListEnvelopes returns every envelope for a flow, totally ordered by
// (step_id, attempt).
func (s *Store) ListEnvelopes(flowKey string) ([]*runtime.HandoffEnvelope, error) {
	dir := filepath.Join(s.root, "envelopes", flowKey)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var envs []*runtime.HandoffEnvelope
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var env runtime.HandoffEnvelope
		if err := runtime.ReadJSONFile(filepath.Join(dir, entry.Name()), &env); err != nil {
			return nil, err
		}
		envs = append(envs, &env)
	}
	sort.SliceStable(envs, func(i, j int) bool {
		if envs[i].StepID != envs[j].StepID {
			return envs[i].StepID < envs[j].StepID
		}
		return envs[i].Attempt < envs[j].Attempt
	})
	return envs, nil
}

// LatestAttempt returns the highest persisted attempt for a step, 0 if none.
func (s *Store) LatestAttempt(flowKey, stepID string) (int, error) {
	envs, err := s.ListEnvelopes(flowKey)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, env := range envs {
		if env.StepID == stepID && env.Attempt > latest {
			latest = env.Attempt
		}
	}
	return latest, nil
}

// --- microloop state ---

func (s *Store) loopPath(pairID string) string {
	return filepath.Join(s.root, "microloops", pairID+".json")
}

func (s *Store) SaveLoopState(state *runtime.MicroloopState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	return runtime.WriteJSONAtomicFile(s.loopPath(state.StationPairID), state)
}

// LoadLoopState returns (nil, nil) when no state is recorded yet.
func (s *Store) LoadLoopState(pairID string) (*runtime.MicroloopState, error) {
	var state runtime.MicroloopState
	err := runtime.ReadJSONFile(s.loopPath(pairID), &state)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// --- receipts ---

func (s *Store) receiptPath(flowKey string) string {
	return filepath.Join(s.root, "receipts", flowKey+".json")
}

// LoadReceipt returns (nil, nil) when the flow has not been sealed.
func (s *Store) LoadReceipt(flowKey string) (*runtime.Receipt, error) {
	var r runtime.Receipt
	err := runtime.ReadJSONFile(s.receiptPath(flowKey), &r)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// SealReceipt writes a receipt exactly once. Re-sealing detects the prior
// seal and returns the original receipt content unchanged — receipts are
// never mutated after sealing.
func (s *Store) SealReceipt(r *runtime.Receipt) (*runtime.Receipt, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if prior, err := s.LoadReceipt(r.Flow); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	if err := runtime.WriteJSONAtomicFile(s.receiptPath(r.Flow), r); err != nil {
		return nil, err
	}
	return r, nil
}

// --- human checkpoints ---

type PendingQuestion struct {
	ID       string    `json:"id"`
	FlowKey  string    `json:"flow_key"`
	StepID   string    `json:"step_id"`
	Question string    `json:"question"`
	AskedAt  time.Time `json:"asked_at"`
}

func (s *Store) questionPath(id string) string {
	return filepath.Join(s.root, "questions", id+".json")
}

func (s *Store) answerPath(id string) string {
	return filepath.Join(s.root, "answers", id+".json")
}

func (s *Store) SavePendingQuestion(q *PendingQuestion) error {
	if strings.TrimSpace(q.ID) == "" {
		return fmt.Errorf("pending question requires an id")
	}
	return runtime.WriteJSONAtomicFile(s.questionPath(q.ID), q)
}

func (s *Store) LoadPendingQuestion(id string) (*PendingQuestion, error) {
	var q PendingQuestion
	err := runtime.ReadJSONFile(s.questionPath(id), &q)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &q, nil
}

type Answer struct {
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// RecordAnswer records the external human answer that unblocks a suspended
// run. Resume consumes it.
func (s *Store) RecordAnswer(questionID, answer string) error {
	if strings.TrimSpace(questionID) == "" {
		return fmt.Errorf("answer requires a question id")
	}
	return runtime.WriteJSONAtomicFile(s.answerPath(questionID), &Answer{
		QuestionID: questionID,
		Answer:     answer,
		AnsweredAt: time.Now().UTC(),
	})
}

func (s *Store) LoadAnswer(questionID string) (*Answer, error) {
	var a Answer
	err := runtime.ReadJSONFile(s.answerPath(questionID), &a)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// --- mutation transaction results ---

func (s *Store) txnPath(flowKey string) string {
	return filepath.Join(s.root, "txn", flowKey+".json")
}

// RecordTxnResult persists the external Mutation Transaction Client's commit
// result. The kernel records the result; it never touches managed artifacts.
func (s *Store) RecordTxnResult(flowKey string, res *runtime.TxnResult) error {
	return runtime.WriteJSONAtomicFile(s.txnPath(flowKey), res)
}

func (s *Store) LoadTxnResult(flowKey string) (*runtime.TxnResult, error) {
	var res runtime.TxnResult
	err := runtime.ReadJSONFile(s.txnPath(flowKey), &res)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

// --- graph patches / audit trail ---

// RecordPatch appends a graph patch record (rationale included verbatim) to
// the audit trail.
func (s *Store) RecordPatch(record map[string]any) error {
	return s.appendNDJSON(filepath.Join(s.root, "patches.ndjson"), record)
}

// --- progress events ---

// AppendProgress appends a structured event to progress.ndjson and mirrors it
// to live.json as the latest-event snapshot.
func (s *Store) AppendProgress(event map[string]any) {
	if event == nil {
		event = map[string]any{}
	}
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := event["run_id"]; !ok {
		event["run_id"] = s.runID
	}
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	_ = s.appendNDJSON(filepath.Join(s.root, "progress.ndjson"), event)
	_ = runtime.WriteJSONAtomicFile(filepath.Join(s.root, "live.json"), event)
}

func (s *Store) appendNDJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(b, '\n'))
	return err
}

// --- terminal outcome ---

func (s *Store) FinalPath() string { return filepath.Join(s.root, "final.json") }

func (s *Store) SaveFinal(fo *runtime.FinalOutcome) error {
	return fo.Save(s.FinalPath())
}
