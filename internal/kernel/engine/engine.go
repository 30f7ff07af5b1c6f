// Package engine drives a run: it executes stations, resolves their reports
// into routing signals, persists handoff envelopes, follows the navigator's
// actions, and seals one receipt per flow. The engine owns all clocks and
// I/O; everything it delegates to (resolver, navigator, microloop) stays
// pure.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mwynne/switchyard/internal/kernel/envelope"
	"github.com/mwynne/switchyard/internal/kernel/microloop"
	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/navigator"
	"github.com/mwynne/switchyard/internal/kernel/normalizer"
	"github.com/mwynne/switchyard/internal/kernel/resolver"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
	"github.com/mwynne/switchyard/internal/kernel/store"
)

// ErrSuspended marks a run parked on a human checkpoint. The run is not
// failed; resume with a recorded answer continues it.
var ErrSuspended = errors.New("run suspended on human checkpoint")

// SuspendedError carries the checkpoint a run parked on. errors.Is matches it
// against ErrSuspended.
type SuspendedError struct {
	QuestionID string
	FlowKey    string
	StepID     string
	Question   string
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("suspended at %s/%s awaiting answer to question %s", e.FlowKey, e.StepID, e.QuestionID)
}

func (e *SuspendedError) Is(target error) bool { return target == ErrSuspended }

// PatchSource supplies the graph patch an extend_graph edge requested. The
// engine validates and records whatever it returns; it never invents patches
// itself.
type PatchSource interface {
	Propose(ctx context.Context, flowKey, stepID, rationale string) (*model.GraphPatch, error)
}

const (
	defaultMaxFlowReruns = 3
	maxInjectDepth       = 8

	// maxStepsPerPass bounds a single flow pass against graph-mutation
	// runaway; microloop budgets bound loops well below this.
	maxStepsPerPass = 10_000
)

// Options configures one run.
type Options struct {
	RunID     string
	StateRoot string

	// EntryFlow is the flow the run starts in. Empty uses the first declared
	// flow key in sorted order.
	EntryFlow string

	// MaxFlowReruns bounds flow-level reruns after a microloop exhausts.
	// Zero means the default of 3.
	MaxFlowReruns int

	// StallTimeout, when positive, arms a watchdog that records a warning
	// whenever no station activity happens for the given duration.
	StallTimeout       time.Duration
	StallCheckInterval time.Duration
}

// Engine is the orchestration kernel for one run. Construct with New.
type Engine struct {
	Graph    *model.Graph
	Options  Options
	Store    *store.Store
	Writer   *envelope.Writer
	Registry *RunnerRegistry
	Mutator  MutationClient
	Outbox   store.Outbox
	Patches  PatchSource

	meta *runtime.RunMeta

	mu           sync.Mutex
	receipts     map[string]*runtime.Receipt
	lastActivity time.Time

	// resumeFrom, when set, positions the first pass of its flow at the
	// checkpointed next step. Consumed once.
	resumeFrom *checkpoint
}

// Result is what a completed (or suspended) run hands back to the caller.
type Result struct {
	RunID    string
	Final    *runtime.FinalOutcome
	Receipts map[string]*runtime.Receipt
}

// New validates the graph, opens the run partition, and wires defaults. A
// graph with error-severity diagnostics is refused outright; warnings are
// recorded and the run proceeds.
func New(g *model.Graph, opts Options) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("engine: graph is required")
	}
	diags := model.Validate(g)
	if model.HasErrors(diags) {
		return nil, fmt.Errorf("engine: graph failed validation: %s", firstError(diags))
	}
	if opts.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return nil, err
		}
		opts.RunID = id
	}
	if opts.StateRoot == "" {
		opts.StateRoot = ".switchyard"
	}
	if opts.EntryFlow == "" {
		keys := g.FlowKeys()
		if len(keys) == 0 {
			return nil, fmt.Errorf("engine: graph declares no flows")
		}
		opts.EntryFlow = keys[0]
	}
	if _, ok := g.Flows[opts.EntryFlow]; !ok {
		return nil, fmt.Errorf("engine: entry flow %q not declared", opts.EntryFlow)
	}
	if opts.MaxFlowReruns <= 0 {
		opts.MaxFlowReruns = defaultMaxFlowReruns
	}
	if opts.StallCheckInterval <= 0 {
		opts.StallCheckInterval = 5 * time.Second
	}

	s, err := store.Open(opts.StateRoot, opts.RunID)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Graph:    g,
		Options:  opts,
		Store:    s,
		Writer:   envelope.NewWriter(s),
		Registry: NewDefaultRegistry(),
		Outbox:   store.DiscardOutbox{},
		receipts: map[string]*runtime.Receipt{},
	}
	for _, d := range diags {
		e.Warn(fmt.Sprintf("graph: %s: %s", d.Rule, d.Message))
	}
	return e, nil
}

// Run executes the run from the entry flow. A run ends in exactly one of
// success, fail, or suspended; final.json records which, always.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	meta, err := runtime.NewRunMeta(e.Options.RunID)
	if err != nil {
		return nil, err
	}
	if err := e.Store.CreateMeta(meta); err != nil {
		return nil, err
	}
	e.meta = meta

	snapshot, err := model.MarshalGraph(e.Graph)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SaveGraphSnapshot(snapshot); err != nil {
		return nil, err
	}
	e.Store.AppendProgress(map[string]any{
		"event":      "run_started",
		"run_id":     e.Options.RunID,
		"entry_flow": e.Options.EntryFlow,
	})

	return e.execute(ctx)
}

// execute runs the entry flow and derives the final outcome. Shared by Run
// and Resume.
func (e *Engine) execute(ctx context.Context) (*Result, error) {
	stopWatchdog := e.startWatchdog(ctx)
	defer stopWatchdog()

	runErr := e.runFlow(ctx, e.Options.EntryFlow, 0)
	final := e.finalOutcome(runErr)
	if err := e.Store.SaveFinal(final); err != nil {
		return nil, err
	}
	e.Store.AppendProgress(map[string]any{
		"event":  "run_finished",
		"run_id": e.Options.RunID,
		"status": string(final.Status),
	})

	res := &Result{RunID: e.Options.RunID, Final: final, Receipts: e.snapshotReceipts()}
	if runErr != nil && !errors.Is(runErr, ErrSuspended) {
		return res, runErr
	}
	return res, nil
}

func (e *Engine) finalOutcome(runErr error) *runtime.FinalOutcome {
	fo := &runtime.FinalOutcome{
		Timestamp: time.Now().UTC(),
		RunID:     e.Options.RunID,
		Status:    runtime.FinalSuccess,
	}
	var susp *SuspendedError
	switch {
	case errors.As(runErr, &susp):
		fo.Status = runtime.FinalSuspended
		fo.PendingQuestionID = susp.QuestionID
		fo.FailureReason = susp.Error()
	case runErr != nil:
		fo.Status = runtime.FinalFail
		fo.FailureReason = runErr.Error()
	default:
		for flow, r := range e.snapshotReceipts() {
			if r.Status != runtime.StatusVerified {
				fo.Status = runtime.FinalFail
				fo.FailureReason = fmt.Sprintf("flow %s sealed %s (%s)", flow, r.Status, r.RecommendedAction)
				break
			}
		}
	}
	return fo
}

// runFlow runs one flow to a sealed receipt. A flow whose receipt is already
// sealed is a no-op; reruns of the same flow within a run go through the
// pass counter, not through re-entry.
func (e *Engine) runFlow(ctx context.Context, flowKey string, depth int) error {
	if depth > maxInjectDepth {
		return fmt.Errorf("flow %s: inject_flow depth exceeds %d", flowKey, maxInjectDepth)
	}
	flow := e.Graph.Flows[flowKey]
	if flow == nil {
		return fmt.Errorf("flow %q not declared", flowKey)
	}
	if prior, err := e.Store.LoadReceipt(flowKey); err != nil {
		return err
	} else if prior != nil {
		e.recordReceipt(prior)
		e.Store.AppendProgress(map[string]any{"event": "flow_skipped", "flow_key": flowKey, "reason": "receipt already sealed"})
		return nil
	}

	e.meta.RecordFlowStart(flowKey)
	if err := e.Store.SaveMeta(e.meta); err != nil {
		return err
	}
	e.Store.AppendProgress(map[string]any{"event": "flow_started", "flow_key": flowKey})

	startPass := 1
	e.mu.Lock()
	if e.resumeFrom != nil && e.resumeFrom.FlowKey == flowKey && e.resumeFrom.Pass > 0 {
		startPass = e.resumeFrom.Pass
	}
	e.mu.Unlock()

	wait := flowRerunBackoff()
	for pass := startPass; ; pass++ {
		out, err := e.runFlowPass(ctx, flow, pass, depth)
		if err != nil {
			return err
		}
		if out.mechanicalFailure != "" {
			return e.sealFlow(ctx, flow, out.blockers, out.mechanicalFailure, false)
		}
		if !out.escalate {
			return e.sealFlow(ctx, flow, out.blockers, "", true)
		}
		if pass > e.Options.MaxFlowReruns {
			e.Warn(fmt.Sprintf("flow %s: rerun budget of %d exhausted", flowKey, e.Options.MaxFlowReruns))
			// The escalation reason becomes a blocker so the receipt can never
			// read as verified.
			return e.sealFlow(ctx, flow, append(out.blockers, out.escalateReason), "", false)
		}
		e.Store.AppendProgress(map[string]any{
			"event":    "flow_rerun",
			"flow_key": flowKey,
			"pass":     pass + 1,
			"reason":   out.escalateReason,
		})
		if !sleepWithContext(ctx, wait.NextBackOff()) {
			return ctx.Err()
		}
	}
}

type passOutcome struct {
	escalate       bool
	escalateReason string

	// mechanicalFailure short-circuits the flow into a CANNOT_PROCEED
	// receipt; reruns cannot help a broken environment.
	mechanicalFailure string

	blockers []string
}

// runFlowPass walks stations from the flow entry until a terminal action.
func (e *Engine) runFlowPass(ctx context.Context, flow *model.Flow, pass, depth int) (passOutcome, error) {
	var out passOutcome
	current := flow.EntryStationID
	if cp := e.takeResume(flow.Key); cp != nil {
		out.blockers = append(out.blockers, cp.Blockers...)
		if cp.NextStep != "" {
			current = cp.NextStep
		}
	}

	for steps := 0; current != ""; steps++ {
		if steps >= maxStepsPerPass {
			return out, fmt.Errorf("flow %s pass %d: step budget exceeded at %s", flow.Key, pass, current)
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		st := e.Graph.Stations[current]
		if st == nil {
			return out, fmt.Errorf("flow %s: station %q not declared", flow.Key, current)
		}

		env, report, loopState, err := e.executeStation(ctx, flow, st, pass)
		if err != nil {
			var susp *SuspendedError
			if errors.As(err, &susp) {
				return out, err
			}
			// Mechanical failure after retries.
			out.mechanicalFailure = err.Error()
			out.blockers = append(out.blockers, err.Error())
			return out, nil
		}
		out.blockers = append(out.blockers, report.Blockers...)

		if report.Status == runtime.StatusCannotProceed {
			out.mechanicalFailure = fmt.Sprintf("station %s reported CANNOT_PROCEED: %s", st.ID, report.Summary)
			return out, nil
		}

		action, err := navigator.Next(env, e.Graph, loopState)
		if err != nil {
			return out, fmt.Errorf("flow %s: %w", flow.Key, err)
		}
		next, escalate, reason, err := e.applyAction(ctx, flow, st, action, pass, depth)
		if err != nil {
			return out, err
		}
		if escalate {
			out.escalate = true
			out.escalateReason = reason
			return out, nil
		}
		if err := e.saveCheckpoint(flow.Key, st.ID, env.Attempt, pass, next, out.blockers); err != nil {
			return out, err
		}
		current = next
	}
	return out, nil
}

// applyAction dispatches a navigator action and returns the next station to
// run, or "" when the flow is complete.
func (e *Engine) applyAction(ctx context.Context, flow *model.Flow, st *model.Station, action navigator.Action, pass, depth int) (next string, escalate bool, reason string, err error) {
	if action.Terminal {
		if action.Escalate {
			return "", true, action.Reason, nil
		}
		return "", false, "", nil
	}

	switch action.Directive {
	case model.DirectiveContinue:
		return action.StepID, false, "", nil

	case model.DirectiveDetour:
		// Run the ad-hoc station once, then return to the point of detour:
		// execution continues along the original station's default edge.
		if err := e.runDetour(ctx, flow, action.AgentID, pass); err != nil {
			return "", false, "", err
		}
		return e.returnStep(st.ID), false, "", nil

	case model.DirectiveInjectFlow:
		e.Store.AppendProgress(map[string]any{
			"event":     "flow_injected",
			"flow_key":  flow.Key,
			"step_id":   st.ID,
			"target":    action.FlowKey,
			"rationale": action.Rationale,
		})
		if err := e.runFlow(ctx, action.FlowKey, depth+1); err != nil {
			return "", false, "", err
		}
		return e.returnStep(st.ID), false, "", nil

	case model.DirectiveInjectNodes:
		if err := e.Graph.InjectNodes(action.NodeSpecs); err != nil {
			return "", false, "", fmt.Errorf("flow %s: %w", flow.Key, err)
		}
		ids := make([]string, 0, len(action.NodeSpecs))
		for _, spec := range action.NodeSpecs {
			ids = append(ids, spec.Station.ID)
		}
		if err := e.Store.RecordPatch(map[string]any{
			"kind":      "inject_nodes",
			"flow_key":  flow.Key,
			"after":     st.ID,
			"stations":  ids,
			"rationale": action.Rationale,
			"at":        time.Now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return "", false, "", err
		}
		return ids[0], false, "", nil

	case model.DirectiveExtendGraph:
		if e.Patches == nil {
			return "", false, "", fmt.Errorf("flow %s: extend_graph at %s but no patch source configured", flow.Key, st.ID)
		}
		patch, err := e.Patches.Propose(ctx, flow.Key, st.ID, action.Rationale)
		if err != nil {
			return "", false, "", fmt.Errorf("flow %s: patch intake at %s: %w", flow.Key, st.ID, err)
		}
		if patch == nil {
			// The source declined to extend; follow the edge as a plain
			// continue.
			return action.StepID, false, "", nil
		}
		if err := e.Graph.ApplyPatch(patch); err != nil {
			return "", false, "", fmt.Errorf("flow %s: apply patch at %s: %w", flow.Key, st.ID, err)
		}
		if err := e.Store.RecordPatch(map[string]any{
			"kind":      "extend_graph",
			"flow_key":  flow.Key,
			"step_id":   st.ID,
			"stations":  len(patch.Stations),
			"edges":     len(patch.Edges),
			"rationale": patch.Rationale,
			"permanent": patch.Permanent,
			"at":        time.Now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return "", false, "", err
		}
		return action.StepID, false, "", nil

	default:
		return "", false, "", fmt.Errorf("flow %s: unhandled directive %q", flow.Key, action.Directive)
	}
}

// returnStep is where execution resumes after a detour or an injected flow:
// the station's default edge, and only when that edge is a plain continue.
// A directive-bearing default edge would fire its directive a second time on
// the way back.
func (e *Engine) returnStep(stationID string) string {
	edge := e.Graph.DefaultEdge(stationID)
	if edge == nil {
		return ""
	}
	if edge.Directive != model.DirectiveContinue && edge.Directive != "" {
		return ""
	}
	return edge.To
}

// executeStation runs one station including retries, normalization, human
// checkpoints, signal resolution, microloop bookkeeping, and envelope
// persistence. It returns a *SuspendedError when the station needs a human
// answer that has not been recorded yet.
func (e *Engine) executeStation(ctx context.Context, flow *model.Flow, st *model.Station, pass int) (*runtime.HandoffEnvelope, runtime.StationReport, *runtime.MicroloopState, error) {
	var zero runtime.StationReport

	prev, err := e.previousEnvelope(flow.Key, st.ID)
	if err != nil {
		return nil, zero, nil, err
	}
	attempt, err := e.Store.LatestAttempt(flow.Key, st.ID)
	if err != nil {
		return nil, zero, nil, err
	}
	attempt++

	qid := questionID(e.Options.RunID, flow.Key, st.ID, pass)
	answer := ""
	if ans, err := e.Store.LoadAnswer(qid); err != nil {
		return nil, zero, nil, err
	} else if ans != nil {
		answer = ans.Answer
	}

	raw, artifacts, dur, err := e.runWithRetries(ctx, flow, st, attempt, prev, answer)
	if err != nil {
		return nil, zero, nil, err
	}
	e.touchActivity()

	report := normalizer.Normalize(raw).Canonicalize()

	if report.NeedsHuman && answer == "" {
		q := &store.PendingQuestion{
			ID:       qid,
			FlowKey:  flow.Key,
			StepID:   st.ID,
			Question: report.Summary,
			AskedAt:  time.Now().UTC(),
		}
		if err := e.Store.SavePendingQuestion(q); err != nil {
			return nil, zero, nil, err
		}
		e.postOutbox(map[string]any{
			"event":       "question_pending",
			"run_id":      e.Options.RunID,
			"question_id": qid,
			"flow_key":    flow.Key,
			"step_id":     st.ID,
			"question":    report.Summary,
		})
		return nil, zero, nil, &SuspendedError{QuestionID: qid, FlowKey: flow.Key, StepID: st.ID, Question: report.Summary}
	}

	var loopState *runtime.MicroloopState
	if st.RoutingKind == model.RoutingMicroloop {
		loopState, err = e.loopStateFor(st, pass)
		if err != nil {
			return nil, zero, nil, err
		}
	}

	signal := resolver.Resolve(report, e.Graph.RoutingConfigFor(st.ID), loopState)

	if loopState != nil && !loopState.Status.Terminal() {
		if _, err := microloop.Apply(loopState, signal, report); err != nil {
			return nil, zero, nil, fmt.Errorf("station %s: %w", st.ID, err)
		}
		if err := e.Store.SaveLoopState(loopState); err != nil {
			return nil, zero, nil, err
		}
	}

	// An UNVERIFIED report with no stated blockers still blocks verification.
	// Microloop iterations are exempt: the loop controller owns their retries
	// and only its terminal outcome counts against the receipt.
	if report.Status == runtime.StatusUnverified && len(report.Blockers) == 0 && signal.Decision != runtime.DecisionLoop {
		report.Blockers = []string{fmt.Sprintf("station %s reported UNVERIFIED without blockers", st.ID)}
	}

	for name, path := range report.Artifacts {
		if artifacts == nil {
			artifacts = map[string]string{}
		}
		artifacts[name] = path
	}

	env, err := e.Writer.Write(runtime.ExecutionResult{
		RunID:      e.Options.RunID,
		FlowKey:    flow.Key,
		StepID:     st.ID,
		Attempt:    attempt,
		Output:     report.Summary,
		Artifacts:  artifacts,
		DurationMS: dur.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}, signal)
	if err != nil {
		return nil, zero, nil, fmt.Errorf("station %s: %w", st.ID, err)
	}

	e.meta.Iterations++
	e.Store.AppendProgress(map[string]any{
		"event":       "station_completed",
		"flow_key":    flow.Key,
		"step_id":     st.ID,
		"attempt":     attempt,
		"status":      string(report.Status),
		"decision":    string(signal.Decision),
		"confidence":  signal.Confidence,
		"needs_human": report.NeedsHuman,
	})
	return env, report, loopState, nil
}

// runWithRetries executes the station's runner, retrying mechanical failures
// with exponential backoff. Retries cover the runner erroring, not the
// station reporting UNVERIFIED; report-level iteration belongs to microloops.
func (e *Engine) runWithRetries(ctx context.Context, flow *model.Flow, st *model.Station, attempt int, prev *runtime.HandoffEnvelope, answer string) ([]byte, map[string]string, time.Duration, error) {
	runner, err := e.Registry.Resolve(st)
	if err != nil {
		return nil, nil, 0, err
	}
	maxAttempts := parseAttr(st.Attr("max_retries", e.Graph.Attr("max_retries", "1")), 1)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	cfg := backoffConfigFor(e.Graph, st)
	inv := &Invocation{
		RunID:    e.Options.RunID,
		FlowKey:  flow.Key,
		Station:  st,
		Attempt:  attempt,
		Input:    prev,
		Answer:   answer,
		StateDir: e.Store.Dir(),
	}

	var lastErr error
	for try := 1; try <= maxAttempts; try++ {
		start := time.Now()
		raw, artifacts, err := runSafely(ctx, runner, inv)
		if err == nil {
			return raw, artifacts, time.Since(start), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, 0, ctx.Err()
		}
		if try < maxAttempts {
			e.Store.AppendProgress(map[string]any{
				"event":    "station_retry",
				"flow_key": flow.Key,
				"step_id":  st.ID,
				"try":      try,
				"error":    err.Error(),
			})
			jitterSeed := e.Options.RunID + "/" + flow.Key + "/" + st.ID
			if !sleepWithContext(ctx, delayForAttempt(try, cfg, jitterSeed)) {
				return nil, nil, 0, ctx.Err()
			}
		}
	}
	return nil, nil, 0, fmt.Errorf("station %s failed after %d attempt(s): %w", st.ID, maxAttempts, lastErr)
}

// runSafely converts a panicking runner into an ordinary failure so one bad
// station cannot take the whole run down.
func runSafely(ctx context.Context, runner StationRunner, inv *Invocation) (raw []byte, artifacts map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("station %s: runner panicked: %v", inv.Station.ID, r)
		}
	}()
	return runner.Run(ctx, inv)
}

// runDetour executes an ad-hoc station once. Its report and envelope are
// persisted like any other station's, but it never changes the walk: control
// returns to the point of detour regardless of what it reports.
func (e *Engine) runDetour(ctx context.Context, flow *model.Flow, stationID string, pass int) error {
	st := e.Graph.Stations[stationID]
	if st == nil {
		st = &model.Station{ID: stationID, RoutingKind: model.RoutingLinear, MaxIterations: 1, Injected: true}
	}
	e.Store.AppendProgress(map[string]any{
		"event":    "detour_started",
		"flow_key": flow.Key,
		"step_id":  stationID,
	})
	_, _, _, err := e.executeStation(ctx, flow, st, pass)
	return err
}

// loopStateFor loads or creates the station's microloop state. State is keyed
// per flow pass so a flow-level rerun starts a fresh budget while the
// exhausted prior pass stays on disk.
func (e *Engine) loopStateFor(st *model.Station, pass int) (*runtime.MicroloopState, error) {
	pairID := fmt.Sprintf("%s~%s#%d", st.ID, st.PartnerStationID, pass)
	state, err := e.Store.LoadLoopState(pairID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}
	max := st.MaxIterations
	if max < 1 {
		max = 1
	}
	return runtime.NewMicroloopState(pairID, max)
}

// previousEnvelope returns the most recent envelope in the flow, the handoff
// input for the next station. Nil at the flow entry.
func (e *Engine) previousEnvelope(flowKey, excludeStep string) (*runtime.HandoffEnvelope, error) {
	envs, err := e.Store.ListEnvelopes(flowKey)
	if err != nil {
		return nil, err
	}
	var latest *runtime.HandoffEnvelope
	for _, env := range envs {
		if env.StepID == excludeStep {
			continue
		}
		if latest == nil || env.Timestamp.After(latest.Timestamp) {
			latest = env
		}
	}
	return latest, nil
}

// sealFlow derives and seals the flow's receipt, records it, and commits
// mutations for verified flows.
func (e *Engine) sealFlow(ctx context.Context, flow *model.Flow, blockers []string, mechanicalFailure string, rerunBudgetLeft bool) error {
	receipt, err := e.Store.DeriveAndSeal(store.SealInput{
		Flow:              flow,
		Graph:             e.Graph,
		Blockers:          blockers,
		MechanicalFailure: mechanicalFailure,
		RerunBudgetLeft:   rerunBudgetLeft,
	})
	if err != nil {
		return err
	}
	e.recordReceipt(receipt)
	e.Store.AppendProgress(map[string]any{
		"event":              "receipt_sealed",
		"flow_key":           flow.Key,
		"status":             string(receipt.Status),
		"recommended_action": string(receipt.RecommendedAction),
		"missing_required":   receipt.MissingRequired,
	})
	e.postOutbox(map[string]any{
		"event":              "receipt_sealed",
		"run_id":             e.Options.RunID,
		"flow_key":           flow.Key,
		"status":             string(receipt.Status),
		"recommended_action": string(receipt.RecommendedAction),
	})

	if receipt.Status == runtime.StatusVerified {
		if _, err := e.commitFlowMutations(ctx, flow.Key); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordReceipt(r *runtime.Receipt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receipts[r.Flow] = r
}

func (e *Engine) snapshotReceipts() map[string]*runtime.Receipt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*runtime.Receipt, len(e.receipts))
	for k, v := range e.receipts {
		out[k] = v
	}
	return out
}

// Warn records a non-fatal problem in run meta and the progress log.
func (e *Engine) Warn(msg string) {
	e.mu.Lock()
	if e.meta != nil {
		e.meta.Warnings = append(e.meta.Warnings, msg)
	}
	e.mu.Unlock()
	e.Store.AppendProgress(map[string]any{"event": "warning", "message": msg})
}

func (e *Engine) postOutbox(event map[string]any) {
	if e.Outbox == nil {
		return
	}
	if err := e.Outbox.Post(event); err != nil {
		e.Warn(fmt.Sprintf("outbox post failed: %v", err))
	}
}

func (e *Engine) touchActivity() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// startWatchdog arms the stall detector when configured. It only observes
// and warns; killing stuck runners is the runner's own job.
func (e *Engine) startWatchdog(ctx context.Context) (stop func()) {
	if e.Options.StallTimeout <= 0 {
		return func() {}
	}
	e.touchActivity()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.Options.StallCheckInterval)
		defer ticker.Stop()
		warned := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				e.mu.Lock()
				idle := time.Since(e.lastActivity)
				e.mu.Unlock()
				if idle >= e.Options.StallTimeout && !warned {
					warned = true
					e.Store.AppendProgress(map[string]any{
						"event":   "stall_detected",
						"idle_ms": idle.Milliseconds(),
					})
				} else if idle < e.Options.StallTimeout {
					warned = false
				}
			}
		}
	}()
	return func() { close(done) }
}

// questionID derives a stable checkpoint id so resume finds the answer the
// suspension asked for.
func questionID(runID, flowKey, stepID string, pass int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", runID, flowKey, stepID, pass)))
	return hex.EncodeToString(sum[:8])
}

func firstError(diags []model.Diagnostic) string {
	for _, d := range diags {
		if d.Severity == model.SeverityError {
			return d.Message
		}
	}
	return ""
}

func parseAttr(s string, def int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n == 0 {
		return def
	}
	return n
}
