// Package navigator consumes a sealed handoff envelope, the flow graph and
// the station's microloop state, and decides the next station or a graph
// mutation. It trusts the routing signal verbatim for advance/branch, defers
// entirely to microloop state for loop, and only ever crosses flow boundaries
// or mutates the graph through actions that carry a recorded rationale.
package navigator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mwynne/switchyard/internal/kernel/cond"
	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// Action is the navigator's decision. Exactly one directive applies; the
// closed set is never extended ad hoc.
type Action struct {
	Directive model.Directive

	// StepID is the next station for CONTINUE.
	StepID string

	// AgentID is the ad-hoc station for DETOUR; execution returns to the
	// point of detour afterwards.
	AgentID string

	// FlowKey is the flow to run to completion for INJECT_FLOW.
	FlowKey string

	// NodeSpecs are the steps to splice for INJECT_NODES.
	NodeSpecs []model.NodeSpec

	// Patch is the structural change for EXTEND_GRAPH.
	Patch *model.GraphPatch

	// Rationale is recorded verbatim in the audit trail for any cross-flow or
	// graph-mutating action.
	Rationale string

	// Terminal marks the end of the current flow: no further station runs.
	Terminal bool

	// Escalate marks a terminal decision that needs downstream escalation
	// (blocked microloop, exhausted budgets).
	Escalate bool

	Reason string
}

// Next decides what follows the given envelope. loopState must be supplied
// for microloop stations and is ignored otherwise.
func Next(env *runtime.HandoffEnvelope, g *model.Graph, loopState *runtime.MicroloopState) (Action, error) {
	if env == nil {
		return Action{}, fmt.Errorf("navigator: nil envelope")
	}
	if g == nil {
		return Action{}, fmt.Errorf("navigator: nil graph")
	}

	switch env.RoutingSignal.Decision {
	case runtime.DecisionTerminate:
		// Termination backed by an exhausted or blocked microloop is a domain
		// outcome, not a clean stop: escalate so the flow's rerun budget (and
		// ultimately the receipt) accounts for it.
		if loopState != nil {
			switch loopState.Status {
			case runtime.LoopExhausted:
				return Action{
					Terminal: true,
					Escalate: true,
					Reason:   fmt.Sprintf("microloop %s exhausted (%d iterations)", loopState.StationPairID, loopState.IterationCount),
				}, nil
			case runtime.LoopBlocked:
				return Action{
					Terminal: true,
					Escalate: true,
					Reason:   fmt.Sprintf("microloop %s blocked; escalating without further same-loop retries", loopState.StationPairID),
				}, nil
			}
		}
		return Action{Terminal: true, Reason: env.RoutingSignal.Reason}, nil

	case runtime.DecisionLoop:
		return nextForLoop(env, g, loopState)

	case runtime.DecisionBranch:
		return nextForBranch(env, g)

	case runtime.DecisionAdvance:
		return nextForAdvance(env, g)

	default:
		return Action{}, fmt.Errorf("navigator: unknown decision %q", env.RoutingSignal.Decision)
	}
}

// nextForLoop defers entirely to the microloop state.
func nextForLoop(env *runtime.HandoffEnvelope, g *model.Graph, loopState *runtime.MicroloopState) (Action, error) {
	if loopState == nil {
		return Action{}, fmt.Errorf("navigator: loop decision for %s without microloop state", env.StepID)
	}
	switch loopState.Status {
	case runtime.LoopRunning:
		st := g.Stations[env.StepID]
		if st == nil || strings.TrimSpace(st.PartnerStationID) == "" {
			return Action{}, fmt.Errorf("navigator: microloop station %s has no partner", env.StepID)
		}
		return Action{
			Directive: model.DirectiveContinue,
			StepID:    st.PartnerStationID,
			Reason:    fmt.Sprintf("microloop iteration %d/%d", loopState.IterationCount, loopState.MaxIterations),
		}, nil
	case runtime.LoopSucceeded:
		return nextForAdvance(env, g)
	case runtime.LoopExhausted:
		return Action{
			Terminal: true,
			Escalate: true,
			Reason:   fmt.Sprintf("microloop %s exhausted (%d iterations)", loopState.StationPairID, loopState.IterationCount),
		}, nil
	case runtime.LoopBlocked:
		return Action{
			Terminal: true,
			Escalate: true,
			Reason:   fmt.Sprintf("microloop %s blocked; escalating without further same-loop retries", loopState.StationPairID),
		}, nil
	default:
		return Action{}, fmt.Errorf("navigator: invalid microloop status %q", loopState.Status)
	}
}

// nextForBranch trusts the signal's route verbatim. A route into another flow
// becomes INJECT_FLOW and must carry the declaring edge's rationale.
func nextForBranch(env *runtime.HandoffEnvelope, g *model.Graph) (Action, error) {
	route := env.RoutingSignal.Route
	if route == nil {
		return Action{}, fmt.Errorf("navigator: branch decision without a route")
	}
	if route.Flow != "" && route.Flow != env.FlowKey {
		rationale := edgeRationale(g, env.StepID, route.StepID, model.DirectiveInjectFlow)
		if strings.TrimSpace(rationale) == "" {
			return Action{}, fmt.Errorf("navigator: inject_flow to %s requires a recorded rationale", route.Flow)
		}
		return Action{
			Directive: model.DirectiveInjectFlow,
			FlowKey:   route.Flow,
			Rationale: rationale,
			Reason:    env.RoutingSignal.Reason,
		}, nil
	}
	if g.Stations[route.StepID] == nil {
		return Action{}, fmt.Errorf("navigator: branch targets undeclared station %s", route.StepID)
	}
	return Action{
		Directive: model.DirectiveContinue,
		StepID:    route.StepID,
		Reason:    env.RoutingSignal.Reason,
	}, nil
}

func nextForAdvance(env *runtime.HandoffEnvelope, g *model.Graph) (Action, error) {
	edge, err := selectNextEdge(g, env)
	if err != nil {
		return Action{}, err
	}
	if edge == nil {
		return Action{Terminal: true, Reason: "no outgoing edge; flow complete"}, nil
	}
	return actionForEdge(edge, env)
}

func actionForEdge(edge *model.Edge, env *runtime.HandoffEnvelope) (Action, error) {
	switch edge.Directive {
	case model.DirectiveContinue, "":
		return Action{Directive: model.DirectiveContinue, StepID: edge.To, Reason: env.RoutingSignal.Reason}, nil

	case model.DirectiveDetour:
		return Action{
			Directive: model.DirectiveDetour,
			AgentID:   edge.To,
			Rationale: edge.Rationale,
			Reason:    fmt.Sprintf("detour to %s, then return to point of detour", edge.To),
		}, nil

	case model.DirectiveInjectFlow:
		if strings.TrimSpace(edge.Rationale) == "" {
			return Action{}, fmt.Errorf("navigator: inject_flow edge %s->%s missing rationale", edge.From, edge.To)
		}
		return Action{
			Directive: model.DirectiveInjectFlow,
			FlowKey:   edge.TargetFlow,
			Rationale: edge.Rationale,
			Reason:    fmt.Sprintf("suspend current flow; run %s to completion", edge.TargetFlow),
		}, nil

	case model.DirectiveInjectNodes:
		specs, err := nodeSpecsForEdge(edge, env)
		if err != nil {
			return Action{}, err
		}
		return Action{
			Directive: model.DirectiveInjectNodes,
			NodeSpecs: specs,
			Rationale: edge.Rationale,
			Reason:    fmt.Sprintf("splice %d step(s) before continuing", len(specs)),
		}, nil

	case model.DirectiveExtendGraph:
		// The navigator never auto-applies a patch without a rationale; the
		// patch itself arrives through the engine's patch intake, this edge
		// only signals that one is expected.
		if strings.TrimSpace(edge.Rationale) == "" {
			return Action{}, fmt.Errorf("navigator: extend_graph edge %s->%s missing rationale", edge.From, edge.To)
		}
		return Action{
			Directive: model.DirectiveExtendGraph,
			StepID:    edge.To,
			Rationale: edge.Rationale,
			Reason:    "graph extension requested",
		}, nil

	default:
		return Action{}, fmt.Errorf("navigator: unknown edge directive %q", edge.Directive)
	}
}

// nodeSpecsForEdge expands an inject_nodes edge: its "nodes" attribute names
// declared stations (comma-separated) to splice into the current flow after
// the current step.
func nodeSpecsForEdge(edge *model.Edge, env *runtime.HandoffEnvelope) ([]model.NodeSpec, error) {
	raw := edge.Attr("nodes", "")
	if raw == "" {
		return nil, fmt.Errorf("navigator: inject_nodes edge %s->%s declares no nodes", edge.From, edge.To)
	}
	var specs []model.NodeSpec
	after := env.StepID
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		specs = append(specs, model.NodeSpec{
			Station:     &model.Station{ID: id, RoutingKind: model.RoutingLinear, MaxIterations: 1},
			FlowKey:     env.FlowKey,
			AfterStepID: after,
		})
		after = id
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("navigator: inject_nodes edge %s->%s declares no nodes", edge.From, edge.To)
	}
	return specs, nil
}

// selectNextEdge picks the next edge deterministically: matching conditional
// edges first, then the signal's claimed next step, then the default edge.
// Ties break on weight desc, target asc, declaration order asc.
func selectNextEdge(g *model.Graph, env *runtime.HandoffEnvelope) (*model.Edge, error) {
	edges := g.Outgoing(env.StepID)
	if len(edges) == 0 {
		return nil, nil
	}

	var condMatched []*model.Edge
	for _, e := range edges {
		c := strings.TrimSpace(e.Condition)
		if c == "" {
			continue
		}
		ok, err := cond.Evaluate(c, env)
		if err != nil {
			return nil, err
		}
		if ok {
			condMatched = append(condMatched, e)
		}
	}
	if len(condMatched) > 0 {
		return bestEdge(condMatched), nil
	}

	var uncond []*model.Edge
	for _, e := range edges {
		if strings.TrimSpace(e.Condition) == "" {
			uncond = append(uncond, e)
		}
	}
	if len(uncond) == 0 {
		return nil, nil
	}

	// The signal's claimed next step wins when an unconditional edge backs it;
	// the navigator never follows a step the graph does not declare.
	if next := strings.TrimSpace(env.RoutingSignal.NextStepID); next != "" {
		for _, e := range uncond {
			if e.To == next {
				return e, nil
			}
		}
	}

	var defaults []*model.Edge
	for _, e := range uncond {
		if e.Default {
			defaults = append(defaults, e)
		}
	}
	if len(defaults) > 0 {
		return bestEdge(defaults), nil
	}
	return bestEdge(uncond), nil
}

func bestEdge(edges []*model.Edge) *model.Edge {
	sort.SliceStable(edges, func(i, j int) bool {
		wi := parseInt(edges[i].Attr("weight", "0"), 0)
		wj := parseInt(edges[j].Attr("weight", "0"), 0)
		if wi != wj {
			return wi > wj
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Order < edges[j].Order
	})
	return edges[0]
}

func edgeRationale(g *model.Graph, from, to string, directive model.Directive) string {
	for _, e := range g.Outgoing(from) {
		if e.Directive == directive && (e.To == to || e.TargetFlow == to || to == "") {
			return e.Rationale
		}
	}
	return ""
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
