// Package envelope packages one station's execution result and its resolved
// routing signal into a durable, schema-stable handoff envelope and persists
// it to the run state store.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
	"github.com/mwynne/switchyard/internal/kernel/store"
)

// truncationMarker terminates a hard-truncated summary so consumers can tell
// a cut from a short report.
const truncationMarker = " …[truncated]"

type Writer struct {
	Store *store.Store

	schema *jsonschema.Schema
}

func NewWriter(s *store.Store) *Writer {
	return &Writer{Store: s, schema: compileEnvelopeSchema()}
}

// Write seals an execution result plus its signal into an envelope,
// schema-validates it, and durably persists it before returning. The
// navigator never sees an envelope this function has not finished writing.
func (w *Writer) Write(exec runtime.ExecutionResult, signal runtime.RoutingSignal) (*runtime.HandoffEnvelope, error) {
	status := runtime.EnvelopeSucceeded
	if strings.TrimSpace(exec.Err) != "" {
		status = runtime.EnvelopeFailed
	} else if exec.Skipped {
		status = runtime.EnvelopeSkipped
	}

	ts := exec.FinishedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	env := &runtime.HandoffEnvelope{
		StepID:        exec.StepID,
		FlowKey:       exec.FlowKey,
		RunID:         exec.RunID,
		Attempt:       exec.Attempt,
		RoutingSignal: signal,
		Summary:       Summarize(exec.Output),
		Artifacts:     exec.Artifacts,
		Status:        status,
		Error:         strings.TrimSpace(exec.Err),
		DurationMS:    exec.DurationMS,
		Timestamp:     ts,
	}
	if env.Artifacts == nil {
		env.Artifacts = map[string]string{}
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("envelope for %s/%s: %w", exec.FlowKey, exec.StepID, err)
	}
	if err := w.validateSchema(env); err != nil {
		return nil, fmt.Errorf("envelope schema for %s/%s: %w", exec.FlowKey, exec.StepID, err)
	}
	if err := w.Store.PutEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (w *Writer) validateSchema(env *runtime.HandoffEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return w.schema.Validate(doc)
}

// Summarize compresses raw station output into an envelope summary: trimmed,
// hard-truncated at the limit with an explicit marker, cut on a rune boundary
// so the result is always valid UTF-8. The summary is never empty.
func Summarize(output string) string {
	s := strings.TrimSpace(output)
	if s == "" {
		return "(no output)"
	}
	if len(s) <= runtime.SummaryLimit {
		return s
	}
	cut := runtime.SummaryLimit - len(truncationMarker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
