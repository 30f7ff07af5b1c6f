package runtime

import (
	"fmt"
	"strings"
)

// MicroloopStatus is the bounded-loop lifecycle. RUNNING is the only
// non-terminal state: once a loop reaches SUCCEEDED, EXHAUSTED or BLOCKED it
// is terminal for the run.
type MicroloopStatus string

const (
	LoopRunning   MicroloopStatus = "RUNNING"
	LoopSucceeded MicroloopStatus = "SUCCEEDED"
	LoopExhausted MicroloopStatus = "EXHAUSTED"
	LoopBlocked   MicroloopStatus = "BLOCKED"
)

func (s MicroloopStatus) Terminal() bool {
	switch s {
	case LoopSucceeded, LoopExhausted, LoopBlocked:
		return true
	default:
		return false
	}
}

// MicroloopState is the bounded-retry bookkeeping for one paired station loop
// within one run.
type MicroloopState struct {
	StationPairID  string          `json:"station_pair_id"`
	IterationCount int             `json:"iteration_count"`
	MaxIterations  int             `json:"max_iterations"`
	Status         MicroloopStatus `json:"status"`
}

func NewMicroloopState(pairID string, maxIterations int) (*MicroloopState, error) {
	pairID = strings.TrimSpace(pairID)
	if pairID == "" {
		return nil, fmt.Errorf("microloop pair id is required")
	}
	if maxIterations < 1 {
		return nil, fmt.Errorf("microloop %s: max_iterations must be >= 1, got %d", pairID, maxIterations)
	}
	return &MicroloopState{
		StationPairID: pairID,
		MaxIterations: maxIterations,
		Status:        LoopRunning,
	}, nil
}

func (s *MicroloopState) Validate() error {
	if s.IterationCount < 0 || s.IterationCount > s.MaxIterations {
		return fmt.Errorf("microloop %s: iteration_count %d outside [0,%d]",
			s.StationPairID, s.IterationCount, s.MaxIterations)
	}
	switch s.Status {
	case LoopRunning, LoopSucceeded, LoopExhausted, LoopBlocked:
		return nil
	default:
		return fmt.Errorf("microloop %s: invalid status %q", s.StationPairID, s.Status)
	}
}
