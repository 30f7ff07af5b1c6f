package model

import (
	"strings"
	"testing"
)

func diagRules(diags []Diagnostic) []string {
	var rules []string
	for _, d := range diags {
		rules = append(rules, d.Rule)
	}
	return rules
}

func hasRule(diags []Diagnostic, rule string) bool {
	for _, d := range diags {
		if d.Rule == rule {
			return true
		}
	}
	return false
}

func TestValidateCatchesStructuralErrors(t *testing.T) {
	g := NewGraph("broken")
	g.Flows["main"] = &Flow{Key: "main", EntryStationID: "ghost", StationIDs: []string{"a", "a", "missing"}}
	g.Stations["a"] = &Station{ID: "a", RoutingKind: RoutingLinear, MaxIterations: 1}
	g.Stations["loop"] = &Station{ID: "loop", RoutingKind: RoutingMicroloop, MaxIterations: 0}
	g.Edges = append(g.Edges,
		&Edge{From: "nowhere", To: "a", Directive: DirectiveContinue},
		&Edge{From: "a", To: "b", Default: true, Directive: DirectiveContinue},
		&Edge{From: "a", To: "c", Default: true, Directive: DirectiveContinue},
		&Edge{From: "a", To: "x", Directive: DirectiveInjectFlow, TargetFlow: "ghost-flow"},
	)

	diags := Validate(g)
	if !HasErrors(diags) {
		t.Fatalf("broken graph passed validation")
	}
	for _, rule := range []string{
		"station_unique",
		"station_declared",
		"entry_in_flow",
		"max_iterations",
		"microloop_partner",
		"edge_source",
		"edge_target",
		"inject_flow_target",
		"rationale_required",
		"default_edge_unique",
	} {
		if !hasRule(diags, rule) {
			t.Fatalf("missing diagnostic %q in %v", rule, diagRules(diags))
		}
	}
}

func TestValidateRejectsDirectiveDefaultEdges(t *testing.T) {
	// A default edge is the return point after detours and injected flows; a
	// directive-bearing default would fire its directive twice.
	g := NewGraph("detoured")
	g.Flows["main"] = &Flow{Key: "main", EntryStationID: "a", StationIDs: []string{"a", "lint"}}
	g.Stations["a"] = &Station{ID: "a", RoutingKind: RoutingLinear, MaxIterations: 1, SuccessValues: []string{"VERIFIED"}}
	g.Stations["lint"] = &Station{ID: "lint", RoutingKind: RoutingLinear, MaxIterations: 1, SuccessValues: []string{"VERIFIED"}}
	g.Edges = append(g.Edges,
		&Edge{From: "a", To: "lint", Default: true, Directive: DirectiveDetour},
	)

	diags := Validate(g)
	if !hasRule(diags, "default_edge_continue") {
		t.Fatalf("default detour edge accepted: %v", diagRules(diags))
	}
	if !HasErrors(diags) {
		t.Fatalf("default_edge_continue must be error severity")
	}

	// The same edge as a plain continue default is fine.
	g.Edges[0].Directive = DirectiveContinue
	if HasErrors(Validate(g)) {
		t.Fatalf("continue default rejected: %v", Validate(g))
	}
}

func TestValidateWarningsDoNotFail(t *testing.T) {
	g := NewGraph("warned")
	g.Flows["main"] = &Flow{Key: "main", EntryStationID: "a", StationIDs: []string{"a"}}
	// Linear station without success values is worth flagging but not fatal.
	g.Stations["a"] = &Station{ID: "a", RoutingKind: RoutingLinear, MaxIterations: 1}

	diags := Validate(g)
	if HasErrors(diags) {
		t.Fatalf("warnings escalated to errors: %v", diags)
	}
	if !hasRule(diags, "success_values") {
		t.Fatalf("expected success_values warning, got %v", diagRules(diags))
	}
}

func TestDiagnosticString(t *testing.T) {
	d := Diagnostic{Rule: "edge_target", Severity: SeverityError, Message: "edge a->b: undeclared target"}
	s := d.String()
	if !strings.Contains(s, "edge_target") || !strings.Contains(s, "error") {
		t.Fatalf("diagnostic string: %q", s)
	}
}
