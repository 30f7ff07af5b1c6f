package model

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Severity, d.Rule, d.Message)
}

// Validate checks the structural invariants of a flow graph. The engine
// refuses to start a run while any error-severity diagnostic is present.
func Validate(g *Graph) []Diagnostic {
	var diags []Diagnostic
	add := func(rule string, sev Severity, format string, args ...any) {
		diags = append(diags, Diagnostic{Rule: rule, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if g == nil {
		return []Diagnostic{{Rule: "graph_present", Severity: SeverityError, Message: "graph is nil"}}
	}
	if len(g.Flows) == 0 {
		add("flow_present", SeverityError, "graph declares no flows")
	}

	for _, key := range g.FlowKeys() {
		f := g.Flows[key]
		if len(f.StationIDs) == 0 {
			add("flow_stations", SeverityError, "flow %s has no stations", key)
			continue
		}
		entryInFlow := false
		seen := map[string]bool{}
		for _, id := range f.StationIDs {
			if seen[id] {
				add("station_unique", SeverityError, "flow %s lists station %s twice", key, id)
			}
			seen[id] = true
			if g.Stations[id] == nil {
				add("station_declared", SeverityError, "flow %s references undeclared station %s", key, id)
			}
			if id == f.EntryStationID {
				entryInFlow = true
			}
		}
		if !entryInFlow {
			add("entry_in_flow", SeverityError, "flow %s entry station %q is not in its station list", key, f.EntryStationID)
		}
	}

	for id, st := range g.Stations {
		if st.MaxIterations < 1 {
			add("max_iterations", SeverityError, "station %s: max_iterations must be >= 1, got %d", id, st.MaxIterations)
		}
		if st.RoutingKind == RoutingMicroloop {
			partner := strings.TrimSpace(st.PartnerStationID)
			if partner == "" {
				add("microloop_partner", SeverityError, "microloop station %s declares no partner", id)
			} else if g.Stations[partner] == nil {
				add("microloop_partner", SeverityError, "microloop station %s partner %q is undeclared", id, partner)
			}
		}
		if st.RoutingKind == RoutingLinear && len(st.SuccessValues) == 0 {
			add("success_values", SeverityWarning, "linear station %s declares no success values", id)
		}
	}

	defaults := map[string]int{}
	for _, e := range g.Edges {
		if g.Stations[e.From] == nil {
			add("edge_source", SeverityError, "edge %s->%s: undeclared source", e.From, e.To)
		}
		switch e.Directive {
		case DirectiveInjectFlow:
			if g.Flows[e.TargetFlow] == nil {
				add("inject_flow_target", SeverityError, "edge %s->%s: inject_flow names unknown flow %q", e.From, e.To, e.TargetFlow)
			}
			if strings.TrimSpace(e.Rationale) == "" {
				add("rationale_required", SeverityError, "edge %s->%s: inject_flow requires a rationale", e.From, e.To)
			}
		case DirectiveExtendGraph:
			if strings.TrimSpace(e.Rationale) == "" {
				add("rationale_required", SeverityError, "edge %s->%s: extend_graph requires a rationale", e.From, e.To)
			}
		default:
			if g.Stations[e.To] == nil {
				add("edge_target", SeverityError, "edge %s->%s: undeclared target", e.From, e.To)
			}
		}
		if e.Default {
			// The default edge doubles as the return point after detours and
			// injected flows, so it must be a plain continue; anything else
			// would re-trigger the directive on the way back.
			if e.Directive != DirectiveContinue && e.Directive != "" {
				add("default_edge_continue", SeverityError, "edge %s->%s: default edge must be plain continue, not %s", e.From, e.To, e.Directive)
			}
			defaults[e.From]++
		}
	}
	for from, n := range defaults {
		if n > 1 {
			add("default_edge_unique", SeverityError, "station %s declares %d default edges (exactly one allowed)", from, n)
		}
	}

	return diags
}

// HasErrors reports whether any diagnostic is error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
