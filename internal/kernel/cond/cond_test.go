package cond

import (
	"testing"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

func testEnvelope() *runtime.HandoffEnvelope {
	return &runtime.HandoffEnvelope{
		StepID:  "verify",
		FlowKey: "main",
		RunID:   "r1",
		Attempt: 1,
		Summary: "verified",
		Status:  runtime.EnvelopeSucceeded,
		Artifacts: map[string]string{
			"report": "artifacts/verify/report.json",
		},
		RoutingSignal: runtime.RoutingSignal{
			Decision:   runtime.DecisionAdvance,
			NextStepID: "publish",
			Reason:     "ok",
			Confidence: 0.9,
		},
	}
}

func TestEvaluate(t *testing.T) {
	env := testEnvelope()

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"decision=advance", true},
		{"decision!=terminate", true},
		{"status=succeeded", true},
		{"status!=failed", true},
		{"next_step=publish", true},
		{"needs_human=false", true},
		{"needs_human", false},
		{"artifact.report", true},
		{"artifact.report=true", true},
		{"artifact.coverage", false},
		{"confidence_lt=0.95", true},
		{"confidence_lt=0.5", false},
		{"decision=advance && status=succeeded", true},
		{"decision=advance && status=failed", false},
		{"decision=terminate", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, env)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluateUnknownKey(t *testing.T) {
	if _, err := Evaluate("outcome=success", testEnvelope()); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestEvaluateBadThreshold(t *testing.T) {
	if _, err := Evaluate("confidence_lt=high", testEnvelope()); err == nil {
		t.Fatalf("non-numeric threshold accepted")
	}
}
