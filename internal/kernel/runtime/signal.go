package runtime

import (
	"fmt"
	"strings"
)

// Decision is the canonical control decision a resolved routing signal carries.
type Decision string

const (
	DecisionAdvance   Decision = "advance"
	DecisionLoop      Decision = "loop"
	DecisionTerminate Decision = "terminate"
	DecisionBranch    Decision = "branch"
)

func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "advance":
		return DecisionAdvance, nil
	case "loop":
		return DecisionLoop, nil
	case "terminate":
		return DecisionTerminate, nil
	case "branch":
		return DecisionBranch, nil
	default:
		return "", fmt.Errorf("invalid decision: %q", s)
	}
}

// Route names a branch target, possibly in another flow.
type Route struct {
	Flow   string `json:"flow"`
	StepID string `json:"step_id"`
}

// RoutingSignal is the canonical, resolved control decision derived from one
// station report. It is pure data: producing it has no side effects.
type RoutingSignal struct {
	Decision   Decision `json:"decision"`
	NextStepID string   `json:"next_step_id,omitempty"`
	Route      *Route   `json:"route,omitempty"`
	Reason     string   `json:"reason"`
	Confidence float64  `json:"confidence"`
	NeedsHuman bool     `json:"needs_human"`
}

// Validate enforces the signal invariants: next_step_id only accompanies
// advance/branch, route only accompanies branch, confidence stays in [0,1].
func (s RoutingSignal) Validate() error {
	switch s.Decision {
	case DecisionAdvance, DecisionLoop, DecisionTerminate, DecisionBranch:
	default:
		return fmt.Errorf("invalid decision: %q", s.Decision)
	}
	if s.NextStepID != "" && s.Decision != DecisionAdvance && s.Decision != DecisionBranch {
		return fmt.Errorf("next_step_id set for decision=%s", s.Decision)
	}
	if s.Route != nil && s.Decision != DecisionBranch {
		return fmt.Errorf("route set for decision=%s", s.Decision)
	}
	if s.Decision == DecisionBranch && s.Route == nil {
		return fmt.Errorf("decision=branch requires a route")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}
