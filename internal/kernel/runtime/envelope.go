package runtime

import (
	"fmt"
	"strings"
	"time"
)

// EnvelopeStatus records how the station execution itself ended, independent
// of what its report claimed about the work.
type EnvelopeStatus string

const (
	EnvelopeSucceeded EnvelopeStatus = "succeeded"
	EnvelopeFailed    EnvelopeStatus = "failed"
	EnvelopeSkipped   EnvelopeStatus = "skipped"
)

// SummaryLimit is the hard cap on envelope summaries.
const SummaryLimit = 2000

// HandoffEnvelope is the durable, schema-stable record of one station's
// execution plus its resolved routing signal. Envelopes are append-only: the
// key (run_id, flow_key, step_id, attempt) makes rewrites after a crash
// overwrite rather than duplicate.
type HandoffEnvelope struct {
	StepID        string            `json:"step_id"`
	FlowKey       string            `json:"flow_key"`
	RunID         string            `json:"run_id"`
	Attempt       int               `json:"attempt"`
	RoutingSignal RoutingSignal     `json:"routing_signal"`
	Summary       string            `json:"summary"`
	Artifacts     map[string]string `json:"artifacts"`
	Status        EnvelopeStatus    `json:"status"`
	Error         string            `json:"error,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Key returns the idempotency key an envelope is persisted under, relative to
// its run partition.
func (e *HandoffEnvelope) Key() string {
	return fmt.Sprintf("%s/%s-%d", e.FlowKey, e.StepID, e.Attempt)
}

func (e *HandoffEnvelope) Validate() error {
	if strings.TrimSpace(e.StepID) == "" {
		return fmt.Errorf("envelope missing step_id")
	}
	if strings.TrimSpace(e.FlowKey) == "" {
		return fmt.Errorf("envelope missing flow_key")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("envelope missing run_id")
	}
	if e.Attempt < 1 {
		return fmt.Errorf("envelope attempt must be >= 1, got %d", e.Attempt)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("envelope summary must never be empty")
	}
	if len(e.Summary) > SummaryLimit {
		return fmt.Errorf("envelope summary exceeds %d chars", SummaryLimit)
	}
	switch e.Status {
	case EnvelopeSucceeded, EnvelopeFailed, EnvelopeSkipped:
	default:
		return fmt.Errorf("invalid envelope status: %q", e.Status)
	}
	for name, rel := range e.Artifacts {
		if strings.HasPrefix(rel, "/") || strings.Contains(rel, "..") {
			return fmt.Errorf("artifact %q path %q is not run-relative", name, rel)
		}
	}
	return e.RoutingSignal.Validate()
}

// ExecutionResult is what the engine hands the Handoff Envelope Writer after
// a station completes (or fails, or reports a no-op).
type ExecutionResult struct {
	RunID   string
	FlowKey string
	StepID  string
	Attempt int

	// Output is the station's raw output before compression into a summary.
	Output string

	// Err is non-empty when the execution itself failed.
	Err string

	// Skipped marks an explicit station no-op.
	Skipped bool

	Artifacts  map[string]string
	DurationMS int64
	FinishedAt time.Time
}
