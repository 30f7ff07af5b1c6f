package store

import (
	"strings"
	"testing"

	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

func sealGraph() (*model.Graph, *model.Flow) {
	g := model.NewGraph("seal-test")
	flow := &model.Flow{
		Key:               "main",
		EntryStationID:    "build",
		StationIDs:        []string{"build", "verify"},
		RequiredArtifacts: []string{"artifacts/**/report.json"},
	}
	g.Flows["main"] = flow
	g.Stations["build"] = &model.Station{ID: "build", RoutingKind: model.RoutingLinear, MaxIterations: 1, SuccessValues: []string{"VERIFIED"}}
	g.Stations["verify"] = &model.Station{ID: "verify", RoutingKind: model.RoutingLinear, MaxIterations: 1, SuccessValues: []string{"VERIFIED"}, Verification: true}
	return g, flow
}

func passingEnvelope(step string, attempt int, artifacts map[string]string) *runtime.HandoffEnvelope {
	e := env("main", step, attempt)
	e.Artifacts = artifacts
	return e
}

func TestDeriveAndSealVerified(t *testing.T) {
	s := newTestStore(t)
	g, flow := sealGraph()

	if err := s.PutEnvelope(passingEnvelope("build", 1, nil)); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	if err := s.PutEnvelope(passingEnvelope("verify", 1, map[string]string{"report": "artifacts/verify/report.json"})); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}

	r, err := s.DeriveAndSeal(SealInput{Flow: flow, Graph: g, RerunBudgetLeft: true})
	if err != nil {
		t.Fatalf("DeriveAndSeal: %v", err)
	}
	if r.Status != runtime.StatusVerified || r.RecommendedAction != runtime.ActionProceed {
		t.Fatalf("receipt: %s/%s", r.Status, r.RecommendedAction)
	}
	if r.VerifiedCount == nil || *r.VerifiedCount != 1 {
		t.Fatalf("verified_count=%v", r.VerifiedCount)
	}
	if len(r.MissingRequired) != 0 {
		t.Fatalf("missing_required=%v", r.MissingRequired)
	}
	if r.EvidenceSHA == "" {
		t.Fatalf("missing evidence sha")
	}
}

func TestDeriveAndSealMissingArtifactBlocksVerified(t *testing.T) {
	s := newTestStore(t)
	g, flow := sealGraph()

	if err := s.PutEnvelope(passingEnvelope("build", 1, nil)); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	if err := s.PutEnvelope(passingEnvelope("verify", 1, nil)); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}

	r, err := s.DeriveAndSeal(SealInput{Flow: flow, Graph: g, RerunBudgetLeft: true})
	if err != nil {
		t.Fatalf("DeriveAndSeal: %v", err)
	}
	if r.Status != runtime.StatusUnverified || r.RecommendedAction != runtime.ActionRerun {
		t.Fatalf("receipt: %s/%s", r.Status, r.RecommendedAction)
	}
	if len(r.MissingRequired) != 1 || r.MissingRequired[0] != "artifacts/**/report.json" {
		t.Fatalf("missing_required=%v", r.MissingRequired)
	}
	found := false
	for _, b := range r.Blockers {
		if strings.Contains(b, "missing required artifact") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing artifact not surfaced as blocker: %v", r.Blockers)
	}
}

func TestDeriveAndSealSkippedVerificationNeverVerifies(t *testing.T) {
	s := newTestStore(t)
	g, flow := sealGraph()

	if err := s.PutEnvelope(passingEnvelope("build", 1, map[string]string{"report": "artifacts/verify/report.json"})); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	skipped := passingEnvelope("verify", 1, nil)
	skipped.Status = runtime.EnvelopeSkipped
	if err := s.PutEnvelope(skipped); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}

	r, err := s.DeriveAndSeal(SealInput{Flow: flow, Graph: g, RerunBudgetLeft: false})
	if err != nil {
		t.Fatalf("DeriveAndSeal: %v", err)
	}
	if r.Status != runtime.StatusUnverified {
		t.Fatalf("skipped verification yielded %s", r.Status)
	}
	if r.RecommendedAction != runtime.ActionBounce {
		t.Fatalf("no rerun budget left must escalate to BOUNCE, got %s", r.RecommendedAction)
	}
}

func TestDeriveAndSealNoVerificationEnvelopeMeansNilCount(t *testing.T) {
	s := newTestStore(t)
	g, flow := sealGraph()

	if err := s.PutEnvelope(passingEnvelope("build", 1, map[string]string{"report": "artifacts/verify/report.json"})); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}

	r, err := s.DeriveAndSeal(SealInput{Flow: flow, Graph: g, RerunBudgetLeft: true})
	if err != nil {
		t.Fatalf("DeriveAndSeal: %v", err)
	}
	if r.VerifiedCount != nil {
		t.Fatalf("verified_count must be nil when verification never ran, got %d", *r.VerifiedCount)
	}
	if r.Status != runtime.StatusUnverified {
		t.Fatalf("status=%s", r.Status)
	}
}

func TestDeriveAndSealMechanicalFailure(t *testing.T) {
	s := newTestStore(t)
	g, flow := sealGraph()

	r, err := s.DeriveAndSeal(SealInput{
		Flow: flow, Graph: g,
		MechanicalFailure: "station build: compiler not installed",
	})
	if err != nil {
		t.Fatalf("DeriveAndSeal: %v", err)
	}
	if r.Status != runtime.StatusCannotProceed || r.RecommendedAction != runtime.ActionFixEnv {
		t.Fatalf("receipt: %s/%s", r.Status, r.RecommendedAction)
	}
	if len(r.Blockers) == 0 {
		t.Fatalf("mechanical failure receipt carries no blockers")
	}
}

func TestDeriveAndSealIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	g, flow := sealGraph()

	if err := s.PutEnvelope(passingEnvelope("build", 1, nil)); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	first, err := s.DeriveAndSeal(SealInput{Flow: flow, Graph: g, RerunBudgetLeft: true})
	if err != nil {
		t.Fatalf("first seal: %v", err)
	}

	// More envelopes after sealing must not change the sealed receipt.
	if err := s.PutEnvelope(passingEnvelope("verify", 1, map[string]string{"report": "artifacts/verify/report.json"})); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	second, err := s.DeriveAndSeal(SealInput{Flow: flow, Graph: g, RerunBudgetLeft: true})
	if err != nil {
		t.Fatalf("second seal: %v", err)
	}
	if !first.Equivalent(second) {
		t.Fatalf("reseal diverged: %#v vs %#v", first, second)
	}
}

func TestEvidenceSHAStableAcrossTimestamps(t *testing.T) {
	a := env("main", "build", 1)
	b := env("main", "build", 1)
	b.Timestamp = b.Timestamp.Add(42 * 1e9)

	if evidenceSHA([]*runtime.HandoffEnvelope{a}) != evidenceSHA([]*runtime.HandoffEnvelope{b}) {
		t.Fatalf("evidence sha varies with timestamps")
	}

	c := env("main", "build", 1)
	c.Summary = "different work"
	if evidenceSHA([]*runtime.HandoffEnvelope{a}) == evidenceSHA([]*runtime.HandoffEnvelope{c}) {
		t.Fatalf("evidence sha ignores summary changes")
	}

	// Order-independent: the projection sorts before hashing.
	d, e := env("main", "build", 1), env("main", "test", 1)
	if evidenceSHA([]*runtime.HandoffEnvelope{d, e}) != evidenceSHA([]*runtime.HandoffEnvelope{e, d}) {
		t.Fatalf("evidence sha depends on envelope order")
	}
}
