package store

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "run-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func env(flow, step string, attempt int) *runtime.HandoffEnvelope {
	return &runtime.HandoffEnvelope{
		StepID:  step,
		FlowKey: flow,
		RunID:   "run-1",
		Attempt: attempt,
		Summary: "did " + step,
		Status:  runtime.EnvelopeSucceeded,
		RoutingSignal: runtime.RoutingSignal{
			Decision: runtime.DecisionAdvance, Reason: "ok", Confidence: 0.9,
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestCreateMetaRefusesOverwrite(t *testing.T) {
	s := newTestStore(t)
	meta, err := runtime.NewRunMeta("run-1")
	if err != nil {
		t.Fatalf("NewRunMeta: %v", err)
	}
	if err := s.CreateMeta(meta); err != nil {
		t.Fatalf("CreateMeta: %v", err)
	}
	if err := s.CreateMeta(meta); err == nil {
		t.Fatalf("second CreateMeta accepted; run_id must be immutable")
	}

	got, err := s.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if got.RunID != "run-1" {
		t.Fatalf("meta round trip: %#v", got)
	}
}

func TestEnvelopeStorage(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutEnvelope(env("main", "build", 1)); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	if err := s.PutEnvelope(env("main", "build", 2)); err != nil {
		t.Fatalf("PutEnvelope attempt 2: %v", err)
	}
	if err := s.PutEnvelope(env("main", "test", 1)); err != nil {
		t.Fatalf("PutEnvelope test: %v", err)
	}

	// Wrong partition is refused.
	stray := env("main", "build", 3)
	stray.RunID = "other-run"
	if err := s.PutEnvelope(stray); err == nil {
		t.Fatalf("cross-run envelope accepted")
	}

	if !s.HasEnvelope("main", "build", 2) || s.HasEnvelope("main", "build", 3) {
		t.Fatalf("HasEnvelope mismatch")
	}

	latest, err := s.LatestAttempt("main", "build")
	if err != nil {
		t.Fatalf("LatestAttempt: %v", err)
	}
	if latest != 2 {
		t.Fatalf("LatestAttempt=%d, want 2", latest)
	}

	envs, err := s.ListEnvelopes("main")
	if err != nil {
		t.Fatalf("ListEnvelopes: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("ListEnvelopes returned %d", len(envs))
	}
	// Total order: (step_id, attempt).
	wantOrder := []string{"build-1", "build-2", "test-1"}
	for i, e := range envs {
		got := e.StepID + "-" + string(rune('0'+e.Attempt))
		if got != wantOrder[i] {
			t.Fatalf("order[%d]=%s, want %s", i, got, wantOrder[i])
		}
	}
}

func TestEnvelopeRoutingSignalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	e := env("main", "test", 1)
	e.RoutingSignal = runtime.RoutingSignal{
		Decision:   runtime.DecisionBranch,
		NextStepID: "hotfix",
		Route:      &runtime.Route{Flow: "repair", StepID: "hotfix"},
		Reason:     "explicit routing hint to hotfix",
		Confidence: 0.85,
		NeedsHuman: true,
	}
	want, err := json.Marshal(e.RoutingSignal)
	if err != nil {
		t.Fatalf("marshal signal: %v", err)
	}

	if err := s.PutEnvelope(e); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	got, err := s.GetEnvelope("main", "test", 1)
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	gotRaw, err := json.Marshal(got.RoutingSignal)
	if err != nil {
		t.Fatalf("marshal reloaded signal: %v", err)
	}
	if !bytes.Equal(want, gotRaw) {
		t.Fatalf("routing_signal changed across persistence:\n before %s\n after  %s", want, gotRaw)
	}
}

func TestPutEnvelopeOverwriteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	first := env("main", "build", 1)
	if err := s.PutEnvelope(first); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	second := env("main", "build", 1)
	second.Summary = "rewritten after crash replay"
	if err := s.PutEnvelope(second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.GetEnvelope("main", "build", 1)
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if got.Summary != "rewritten after crash replay" {
		t.Fatalf("overwrite lost: %q", got.Summary)
	}
}

func TestSealReceiptExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	first := &runtime.Receipt{
		Flow:              "main",
		Status:            runtime.StatusVerified,
		RecommendedAction: runtime.ActionProceed,
		EvidenceSHA:       "aaa",
	}
	sealed, err := s.SealReceipt(first)
	if err != nil {
		t.Fatalf("SealReceipt: %v", err)
	}
	if sealed.GeneratedAt.IsZero() {
		t.Fatalf("sealed receipt missing timestamp")
	}

	// A second seal returns the original, not the new content.
	second := &runtime.Receipt{
		Flow:              "main",
		Status:            runtime.StatusUnverified,
		RecommendedAction: runtime.ActionBounce,
		Blockers:          []string{"late blocker"},
		EvidenceSHA:       "bbb",
	}
	resealed, err := s.SealReceipt(second)
	if err != nil {
		t.Fatalf("second SealReceipt: %v", err)
	}
	if resealed.EvidenceSHA != "aaa" || resealed.Status != runtime.StatusVerified {
		t.Fatalf("reseal replaced the original: %#v", resealed)
	}
}

func TestLoopStatePersistence(t *testing.T) {
	s := newTestStore(t)
	if got, err := s.LoadLoopState("a~b#1"); err != nil || got != nil {
		t.Fatalf("missing loop state: %v, %#v", err, got)
	}
	st, err := runtime.NewMicroloopState("a~b#1", 3)
	if err != nil {
		t.Fatalf("NewMicroloopState: %v", err)
	}
	st.IterationCount = 2
	if err := s.SaveLoopState(st); err != nil {
		t.Fatalf("SaveLoopState: %v", err)
	}
	got, err := s.LoadLoopState("a~b#1")
	if err != nil {
		t.Fatalf("LoadLoopState: %v", err)
	}
	if got.IterationCount != 2 || got.Status != runtime.LoopRunning {
		t.Fatalf("loop state round trip: %#v", got)
	}
}

func TestQuestionsAndAnswers(t *testing.T) {
	s := newTestStore(t)
	q := &PendingQuestion{ID: "q1", FlowKey: "main", StepID: "review", Question: "ship with the flag off?", AskedAt: time.Now().UTC()}
	if err := s.SavePendingQuestion(q); err != nil {
		t.Fatalf("SavePendingQuestion: %v", err)
	}
	if got, err := s.LoadAnswer("q1"); err != nil || got != nil {
		t.Fatalf("answer should be absent: %v, %#v", err, got)
	}
	if err := s.RecordAnswer("q1", "yes, flag off"); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	ans, err := s.LoadAnswer("q1")
	if err != nil {
		t.Fatalf("LoadAnswer: %v", err)
	}
	if ans.Answer != "yes, flag off" {
		t.Fatalf("answer round trip: %#v", ans)
	}
	if got, err := s.LoadPendingQuestion("q1"); err != nil || got == nil || got.Question == "" {
		t.Fatalf("question round trip: %v, %#v", err, got)
	}
}

func TestTxnResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	res := &runtime.TxnResult{
		Status:           "committed",
		ProceedToPublish: false,
		CommitID:         "deadbeef",
		Anomalies: runtime.AnomalyClassification{
			Tracked:   []string{"src/unrelated.go"},
			Untracked: []string{"tmp/scratch.txt"},
		},
	}
	if err := s.RecordTxnResult("main", res); err != nil {
		t.Fatalf("RecordTxnResult: %v", err)
	}
	got, err := s.LoadTxnResult("main")
	if err != nil {
		t.Fatalf("LoadTxnResult: %v", err)
	}
	if !got.PushBlocking() || got.CommitID != "deadbeef" {
		t.Fatalf("txn round trip: %#v", got)
	}
}
