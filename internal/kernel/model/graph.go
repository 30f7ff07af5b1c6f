package model

import (
	"fmt"
	"sort"
	"strings"
)

// RoutingKind classifies how a station's outcome maps to the next step.
type RoutingKind string

const (
	RoutingLinear    RoutingKind = "linear"
	RoutingBranch    RoutingKind = "branch"
	RoutingMicroloop RoutingKind = "microloop"
)

func ParseRoutingKind(s string) (RoutingKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return RoutingLinear, nil
	case "branch":
		return RoutingBranch, nil
	case "microloop":
		return RoutingMicroloop, nil
	default:
		return "", fmt.Errorf("invalid routing kind: %q", s)
	}
}

// Station is one unit of work in a flow.
type Station struct {
	ID          string
	Name        string
	RoutingKind RoutingKind

	// Runner names the executor registered for this station. Empty uses the
	// engine's default runner.
	Runner string

	SuccessValues    []string
	LoopTarget       string
	MaxIterations    int
	PartnerStationID string

	// Verification marks a station whose passing signal is required evidence
	// for a VERIFIED receipt.
	Verification bool

	// Injected marks stations spliced in at runtime rather than declared
	// statically.
	Injected bool

	Attrs map[string]string
}

// Attr returns a station attribute with a default, trimming whitespace.
func (s *Station) Attr(key, def string) string {
	if s == nil || s.Attrs == nil {
		return def
	}
	v, ok := s.Attrs[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// IsSuccess reports whether the given report status is one of the station's
// declared success values.
func (s *Station) IsSuccess(status string) bool {
	for _, v := range s.SuccessValues {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(status)) {
			return true
		}
	}
	return false
}

// Directive names the navigator action an edge requests beyond plain
// continuation. The set is closed; new dispatch targets must be declared in
// the registry before they are reachable.
type Directive string

const (
	DirectiveContinue    Directive = "CONTINUE"
	DirectiveDetour      Directive = "DETOUR"
	DirectiveInjectFlow  Directive = "INJECT_FLOW"
	DirectiveInjectNodes Directive = "INJECT_NODES"
	DirectiveExtendGraph Directive = "EXTEND_GRAPH"
)

func ParseDirective(s string) (Directive, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CONTINUE":
		return DirectiveContinue, nil
	case "DETOUR":
		return DirectiveDetour, nil
	case "INJECT_FLOW":
		return DirectiveInjectFlow, nil
	case "INJECT_NODES":
		return DirectiveInjectNodes, nil
	case "EXTEND_GRAPH":
		return DirectiveExtendGraph, nil
	default:
		return "", fmt.Errorf("invalid directive: %q", s)
	}
}

// Edge maps a station's outcome to its next step.
type Edge struct {
	From string
	To   string

	// Condition is the AND-only edge condition (see cond package). Empty
	// means unconditional.
	Condition string

	// Default marks the single default edge for the source station.
	Default bool

	// Order is the declaration order, used as a deterministic tie-break.
	Order int

	// Directive requests a navigator action other than CONTINUE.
	Directive Directive

	// TargetFlow names the flow for INJECT_FLOW edges.
	TargetFlow string

	// Rationale is mandatory for INJECT_FLOW and EXTEND_GRAPH edges and is
	// recorded verbatim in the audit trail.
	Rationale string

	Attrs map[string]string

	// Injected marks edges spliced in at runtime.
	Injected bool
}

func NewEdge(from, to string) *Edge {
	return &Edge{From: from, To: to, Directive: DirectiveContinue}
}

func (e *Edge) Attr(key, def string) string {
	if e == nil || e.Attrs == nil {
		return def
	}
	v, ok := e.Attrs[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// Flow is a named sequence of stations for one phase of work.
type Flow struct {
	Key            string
	EntryStationID string
	StationIDs     []string

	// RequiredArtifacts are doublestar globs matched against collected
	// envelope artifact paths during receipt sealing.
	RequiredArtifacts []string
}

// Graph is the flow graph registry: the static Flows → Stations → Edges
// declaration plus any runtime-injected nodes and patches.
type Graph struct {
	Name     string
	Attrs    map[string]string
	Flows    map[string]*Flow
	Stations map[string]*Station
	Edges    []*Edge
}

func NewGraph(name string) *Graph {
	return &Graph{
		Name:     name,
		Attrs:    map[string]string{},
		Flows:    map[string]*Flow{},
		Stations: map[string]*Station{},
		Edges:    []*Edge{},
	}
}

func (g *Graph) Attr(key, def string) string {
	if g == nil || g.Attrs == nil {
		return def
	}
	v, ok := g.Attrs[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// Outgoing returns the edges leaving a station in declaration order.
func (g *Graph) Outgoing(from string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.From == from {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// DefaultEdge returns the single default edge for a station, or nil.
func (g *Graph) DefaultEdge(from string) *Edge {
	for _, e := range g.Outgoing(from) {
		if e.Default {
			return e
		}
	}
	return nil
}

// FlowKeys returns the declared flow keys in sorted order.
func (g *Graph) FlowKeys() []string {
	keys := make([]string, 0, len(g.Flows))
	for k := range g.Flows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RoutingConfig is the per-station view the Routing Signal Resolver consumes.
// Targets listed here are the only next steps a signal may name.
type RoutingConfig struct {
	StationID        string
	Kind             RoutingKind
	SuccessValues    []string
	LoopTarget       string
	MaxIterations    int
	PartnerStationID string

	// DefaultTarget is the default edge's target station, if declared.
	DefaultTarget string

	// BranchTargets maps a justifiable route-hint step to the flow it lives
	// in. Empty flow means the current flow.
	BranchTargets map[string]string
}

// RoutingConfigFor derives a station's routing config from the graph. Returns
// nil when the station is unknown; the resolver treats that as the documented
// missing-config fallback.
func (g *Graph) RoutingConfigFor(stationID string) *RoutingConfig {
	st := g.Stations[strings.TrimSpace(stationID)]
	if st == nil {
		return nil
	}
	cfg := &RoutingConfig{
		StationID:        st.ID,
		Kind:             st.RoutingKind,
		SuccessValues:    append([]string{}, st.SuccessValues...),
		LoopTarget:       st.LoopTarget,
		MaxIterations:    st.MaxIterations,
		PartnerStationID: st.PartnerStationID,
		BranchTargets:    map[string]string{},
	}
	for _, e := range g.Outgoing(st.ID) {
		if e.Default && cfg.DefaultTarget == "" {
			cfg.DefaultTarget = e.To
		}
		switch e.Directive {
		case DirectiveInjectFlow:
			cfg.BranchTargets[e.To] = e.TargetFlow
		default:
			cfg.BranchTargets[e.To] = ""
		}
	}
	return cfg
}

// FlowOf returns the flow containing the station, or nil.
func (g *Graph) FlowOf(stationID string) *Flow {
	for _, key := range g.FlowKeys() {
		f := g.Flows[key]
		for _, id := range f.StationIDs {
			if id == stationID {
				return f
			}
		}
	}
	return nil
}
