package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// TxnRequest asks the external Mutation Transaction Client to commit the
// side effects a flow produced.
type TxnRequest struct {
	RunID   string
	FlowKey string
	Message string
}

// MutationClient is the external, idempotent side-effect committer. The
// kernel consumes its result; it never mutates managed artifacts itself.
// Commit is one of the kernel's two blocking suspension points.
type MutationClient interface {
	Commit(ctx context.Context, req TxnRequest) (*runtime.TxnResult, error)
}

// commitFlowMutations blocks on the Mutation Transaction Client, records its
// result, and derives publish permission. A non-empty tracked anomaly list is
// push-blocking regardless of any station's own status; untracked-only
// anomalies are warning-only.
func (e *Engine) commitFlowMutations(ctx context.Context, flowKey string) (*runtime.TxnResult, error) {
	if e.Mutator == nil {
		return nil, nil
	}
	res, err := e.Mutator.Commit(ctx, TxnRequest{
		RunID:   e.Options.RunID,
		FlowKey: flowKey,
		Message: fmt.Sprintf("switchyard(%s): %s", e.Options.RunID, flowKey),
	})
	if err != nil {
		return nil, fmt.Errorf("mutation commit for flow %s: %w", flowKey, err)
	}
	if res == nil {
		return nil, nil
	}

	if res.PushBlocking() {
		res.ProceedToPublish = false
		e.Warn(fmt.Sprintf("flow %s: tracked anomalies block publish: %s",
			flowKey, strings.Join(res.Anomalies.Tracked, ", ")))
	} else if res.WarningOnly() {
		e.Warn(fmt.Sprintf("flow %s: untracked anomalies recorded (non-blocking): %s",
			flowKey, strings.Join(res.Anomalies.Untracked, ", ")))
	}

	if err := e.Store.RecordTxnResult(flowKey, res); err != nil {
		return nil, err
	}
	e.Store.AppendProgress(map[string]any{
		"event":              "txn_recorded",
		"flow_key":           flowKey,
		"commit_id":          res.CommitID,
		"proceed_to_publish": res.ProceedToPublish,
		"tracked_anomalies":  len(res.Anomalies.Tracked),
		"untracked":          len(res.Anomalies.Untracked),
	})
	return res, nil
}
