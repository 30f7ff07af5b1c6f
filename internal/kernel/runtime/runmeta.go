package runtime

import (
	"fmt"
	"strings"
	"time"
)

// RunMeta is the identity and lifecycle record of one run. run_id is
// immutable after creation; flows_started is append-only.
type RunMeta struct {
	RunID        string    `json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	FlowsStarted []string  `json:"flows_started"`
	Iterations   int       `json:"iterations"`

	// Supersedes names the run this one replaced, if any.
	Supersedes string `json:"supersedes,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

func NewRunMeta(runID string) (*RunMeta, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	now := time.Now().UTC()
	return &RunMeta{
		RunID:        runID,
		CreatedAt:    now,
		UpdatedAt:    now,
		FlowsStarted: []string{},
	}, nil
}

// RecordFlowStart appends the flow to flows_started. Re-entering a flow on a
// rerun appends again; the list is an audit trail, not a set.
func (m *RunMeta) RecordFlowStart(flowKey string) {
	m.FlowsStarted = append(m.FlowsStarted, flowKey)
	m.UpdatedAt = time.Now().UTC()
}
