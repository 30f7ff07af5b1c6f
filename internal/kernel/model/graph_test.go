package model

import (
	"strings"
	"testing"
)

const sampleGraphYAML = `
name: build-pipeline
attrs:
  max_retries: "2"
flows:
  - key: main
    entry: plan
    stations: [plan, implement, review, verify]
    required_artifacts: ["artifacts/**/report.json"]
  - key: repair
    entry: diagnose
    stations: [diagnose, hotfix]
stations:
  - id: plan
    routing: linear
    success_values: [VERIFIED]
  - id: implement
    routing: microloop
    partner: review
    max_iterations: 3
    success_values: [VERIFIED]
  - id: review
    routing: linear
    success_values: [VERIFIED]
  - id: verify
    routing: linear
    verification: true
    success_values: [VERIFIED]
  - id: diagnose
    routing: linear
    success_values: [VERIFIED]
  - id: hotfix
    routing: linear
    success_values: [VERIFIED]
edges:
  - {from: plan, to: implement, default: true}
  - {from: implement, to: verify, default: true}
  - {from: review, to: implement, default: true}
  - from: verify
    to: diagnose
    directive: INJECT_FLOW
    flow: repair
    rationale: verification failures route through the repair flow
  - {from: diagnose, to: hotfix, default: true}
`

func loadSample(t *testing.T) *Graph {
	t.Helper()
	g, err := LoadGraph([]byte(sampleGraphYAML))
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	return g
}

func TestLoadGraph(t *testing.T) {
	g := loadSample(t)

	if g.Name != "build-pipeline" {
		t.Fatalf("name=%q", g.Name)
	}
	if got := g.Attr("max_retries", ""); got != "2" {
		t.Fatalf("graph attr max_retries=%q", got)
	}
	if len(g.Flows) != 2 || len(g.Stations) != 6 || len(g.Edges) != 5 {
		t.Fatalf("unexpected shape: %d flows, %d stations, %d edges", len(g.Flows), len(g.Stations), len(g.Edges))
	}

	impl := g.Stations["implement"]
	if impl.RoutingKind != RoutingMicroloop || impl.PartnerStationID != "review" || impl.MaxIterations != 3 {
		t.Fatalf("implement station misparsed: %#v", impl)
	}
	// Unset max_iterations defaults to 1.
	if g.Stations["plan"].MaxIterations != 1 {
		t.Fatalf("plan max_iterations=%d, want 1", g.Stations["plan"].MaxIterations)
	}

	if diags := Validate(g); HasErrors(diags) {
		t.Fatalf("sample graph has errors: %v", diags)
	}
}

func TestLoadGraphRejectsDuplicates(t *testing.T) {
	dup := `
flows:
  - {key: main, entry: a, stations: [a]}
stations:
  - {id: a}
  - {id: a}
`
	if _, err := LoadGraph([]byte(dup)); err == nil || !strings.Contains(err.Error(), "duplicate station") {
		t.Fatalf("duplicate station not rejected: %v", err)
	}
}

func TestGraphOutgoingAndDefaultEdge(t *testing.T) {
	g := loadSample(t)
	out := g.Outgoing("plan")
	if len(out) != 1 || out[0].To != "implement" {
		t.Fatalf("Outgoing(plan)=%#v", out)
	}
	if e := g.DefaultEdge("plan"); e == nil || e.To != "implement" {
		t.Fatalf("DefaultEdge(plan)=%#v", e)
	}
	if e := g.DefaultEdge("verify"); e != nil {
		t.Fatalf("verify should have no default edge, got %#v", e)
	}
}

func TestRoutingConfigFor(t *testing.T) {
	g := loadSample(t)

	if cfg := g.RoutingConfigFor("missing"); cfg != nil {
		t.Fatalf("unknown station should produce nil config")
	}

	cfg := g.RoutingConfigFor("implement")
	if cfg.Kind != RoutingMicroloop || cfg.PartnerStationID != "review" {
		t.Fatalf("implement config: %#v", cfg)
	}
	if cfg.DefaultTarget != "verify" {
		t.Fatalf("implement default target=%q", cfg.DefaultTarget)
	}

	// inject_flow edges register branch targets with their flow.
	vcfg := g.RoutingConfigFor("verify")
	if flow, ok := vcfg.BranchTargets["diagnose"]; !ok || flow != "repair" {
		t.Fatalf("verify branch targets: %#v", vcfg.BranchTargets)
	}
}

func TestFlowOf(t *testing.T) {
	g := loadSample(t)
	if f := g.FlowOf("hotfix"); f == nil || f.Key != "repair" {
		t.Fatalf("FlowOf(hotfix)=%#v", f)
	}
	if f := g.FlowOf("nope"); f != nil {
		t.Fatalf("FlowOf(nope)=%#v", f)
	}
}

func TestMarshalGraphRoundTrip(t *testing.T) {
	g := loadSample(t)
	b, err := MarshalGraph(g)
	if err != nil {
		t.Fatalf("MarshalGraph: %v", err)
	}
	g2, err := LoadGraph(b)
	if err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	if len(g2.Flows) != len(g.Flows) || len(g2.Stations) != len(g.Stations) || len(g2.Edges) != len(g.Edges) {
		t.Fatalf("snapshot lost structure: %d/%d flows, %d/%d stations, %d/%d edges",
			len(g2.Flows), len(g.Flows), len(g2.Stations), len(g.Stations), len(g2.Edges), len(g.Edges))
	}
	if g2.Stations["implement"].PartnerStationID != "review" {
		t.Fatalf("snapshot lost microloop partner")
	}
}
