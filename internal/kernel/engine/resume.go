package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mwynne/switchyard/internal/kernel/envelope"
	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
	"github.com/mwynne/switchyard/internal/kernel/store"
)

// checkpoint records where a flow pass stood after each station so a crashed
// or suspended run can pick up at the next step instead of re-walking the
// flow from its entry.
type checkpoint struct {
	FlowKey  string    `json:"flow_key"`
	StepID   string    `json:"step_id"`
	Attempt  int       `json:"attempt"`
	Pass     int       `json:"pass"`
	NextStep string    `json:"next_step,omitempty"`
	Blockers []string  `json:"blockers,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

func (e *Engine) checkpointPath() string {
	return filepath.Join(e.Store.Dir(), "checkpoint.json")
}

func (e *Engine) saveCheckpoint(flowKey, stepID string, attempt, pass int, nextStep string, blockers []string) error {
	return runtime.WriteJSONAtomicFile(e.checkpointPath(), &checkpoint{
		FlowKey:  flowKey,
		StepID:   stepID,
		Attempt:  attempt,
		Pass:     pass,
		NextStep: nextStep,
		Blockers: blockers,
		SavedAt:  time.Now().UTC(),
	})
}

func (e *Engine) loadCheckpoint() (*checkpoint, error) {
	var cp checkpoint
	err := runtime.ReadJSONFile(e.checkpointPath(), &cp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// Attach reopens an existing run partition: graph from the persisted
// snapshot, options from run meta. The returned engine carries default
// runners and a discard outbox; callers re-register their own before
// resuming.
func Attach(stateRoot, runID string) (*Engine, error) {
	s, err := store.Open(stateRoot, runID)
	if err != nil {
		return nil, err
	}
	meta, err := s.LoadMeta()
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	snap, err := s.LoadGraphSnapshot()
	if err != nil {
		return nil, fmt.Errorf("resume %s: graph snapshot: %w", runID, err)
	}
	g, err := model.LoadGraph(snap)
	if err != nil {
		return nil, fmt.Errorf("resume %s: graph snapshot: %w", runID, err)
	}

	entry := ""
	if len(meta.FlowsStarted) > 0 {
		entry = meta.FlowsStarted[0]
	} else if keys := g.FlowKeys(); len(keys) > 0 {
		entry = keys[0]
	}

	return &Engine{
		Graph: g,
		Options: Options{
			RunID:              runID,
			StateRoot:          stateRoot,
			EntryFlow:          entry,
			MaxFlowReruns:      defaultMaxFlowReruns,
			StallCheckInterval: 5 * time.Second,
		},
		Store:    s,
		Writer:   envelope.NewWriter(s),
		Registry: NewDefaultRegistry(),
		Outbox:   store.DiscardOutbox{},
		receipts: map[string]*runtime.Receipt{},
		meta:     meta,
	}, nil
}

// Resume continues an attached run. Sealed receipts are skipped, persisted
// envelopes keep their attempt numbering, and a suspended run requires the
// pending question's answer on disk before it will move.
func (e *Engine) Resume(ctx context.Context) (*Result, error) {
	fo, err := runtime.LoadFinalOutcome(e.Store.FinalPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if fo != nil {
		switch fo.Status {
		case runtime.FinalSuccess:
			return &Result{RunID: e.Options.RunID, Final: fo, Receipts: e.loadSealedReceipts()}, nil
		case runtime.FinalSuspended:
			ans, err := e.Store.LoadAnswer(fo.PendingQuestionID)
			if err != nil {
				return nil, err
			}
			if ans == nil {
				return nil, fmt.Errorf("run %s is suspended on question %s; record an answer first",
					e.Options.RunID, fo.PendingQuestionID)
			}
		}
	}

	cp, err := e.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.resumeFrom = cp
	e.mu.Unlock()

	e.Store.AppendProgress(map[string]any{
		"event":  "run_resumed",
		"run_id": e.Options.RunID,
	})
	return e.execute(ctx)
}

// takeResume consumes the resume checkpoint if it targets the given flow.
// Consumed once; later passes of the same flow start at the entry as usual.
func (e *Engine) takeResume(flowKey string) *checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.resumeFrom
	if cp == nil || cp.FlowKey != flowKey {
		return nil
	}
	e.resumeFrom = nil
	return cp
}

func (e *Engine) loadSealedReceipts() map[string]*runtime.Receipt {
	out := map[string]*runtime.Receipt{}
	for _, key := range e.Graph.FlowKeys() {
		if r, err := e.Store.LoadReceipt(key); err == nil && r != nil {
			out[key] = r
		}
	}
	return out
}
