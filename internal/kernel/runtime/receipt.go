package runtime

import (
	"fmt"
	"strings"
	"time"
)

// RecommendedAction is the closed routing vocabulary a sealed receipt hands
// to whatever drives the next flow.
type RecommendedAction string

const (
	ActionProceed RecommendedAction = "PROCEED"
	ActionRerun   RecommendedAction = "RERUN"
	ActionBounce  RecommendedAction = "BOUNCE"
	ActionFixEnv  RecommendedAction = "FIX_ENV"
)

func ParseRecommendedAction(s string) (RecommendedAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PROCEED":
		return ActionProceed, nil
	case "RERUN":
		return ActionRerun, nil
	case "BOUNCE":
		return ActionBounce, nil
	case "FIX_ENV", "FIX-ENV", "FIXENV":
		return ActionFixEnv, nil
	default:
		return "", fmt.Errorf("invalid recommended action: %q", s)
	}
}

// Receipt is the sealed, idempotent summary of one completed flow. It is
// written exactly once per (run, flow) and never mutated; later flows read it
// as evidence.
type Receipt struct {
	Flow              string            `json:"flow"`
	Status            ReportStatus      `json:"status"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	Blockers          []string          `json:"blockers"`
	MissingRequired   []string          `json:"missing_required"`
	EvidenceSHA       string            `json:"evidence_sha"`
	GeneratedAt       time.Time         `json:"generated_at"`

	// VerifiedCount is the number of verification stations that executed and
	// passed. Nil when it cannot be computed safely; never guessed to zero.
	VerifiedCount *int `json:"verified_count"`
}

func (r *Receipt) Validate() error {
	if strings.TrimSpace(r.Flow) == "" {
		return fmt.Errorf("receipt missing flow")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid receipt status: %q", r.Status)
	}
	switch r.RecommendedAction {
	case ActionProceed, ActionRerun, ActionBounce, ActionFixEnv:
	default:
		return fmt.Errorf("invalid recommended action: %q", r.RecommendedAction)
	}
	if r.Status != StatusVerified && len(r.Blockers) == 0 {
		return fmt.Errorf("receipt with status=%s must carry at least one blocker", r.Status)
	}
	return nil
}

// Equivalent reports whether two receipts describe the same sealed outcome,
// timestamps aside. Used to detect prior seals on replay.
func (r *Receipt) Equivalent(other *Receipt) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Flow != other.Flow || r.Status != other.Status || r.RecommendedAction != other.RecommendedAction {
		return false
	}
	return r.EvidenceSHA == other.EvidenceSHA
}
