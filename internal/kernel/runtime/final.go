package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type FinalStatus string

const (
	FinalSuccess   FinalStatus = "success"
	FinalFail      FinalStatus = "fail"
	FinalSuspended FinalStatus = "suspended"
)

// FinalOutcome is the terminal (or suspension) record of a run, written to
// the run partition so status tooling and resume can see it without loading
// the full envelope trail.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`

	FailureReason string `json:"failure_reason,omitempty"`

	// PendingQuestionID is set when Status is suspended on a human checkpoint.
	PendingQuestionID string `json:"pending_question_id,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fo, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func LoadFinalOutcome(path string) (*FinalOutcome, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fo FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &fo, nil
}
