package model

import (
	"fmt"
	"strings"
)

// NodeSpec describes one ad-hoc step to splice into a flow before continuing.
type NodeSpec struct {
	Station *Station
	FlowKey string

	// AfterStepID positions the injected station; it must already be in the
	// flow's station list.
	AfterStepID string
}

// InjectNodes splices ad-hoc stations into their flows and wires linear
// default edges around them. Injected stations are marked so the audit trail
// can distinguish them from the static declaration.
func (g *Graph) InjectNodes(specs []NodeSpec) error {
	for _, spec := range specs {
		if spec.Station == nil {
			return fmt.Errorf("inject_nodes: nil station spec")
		}
		id := strings.TrimSpace(spec.Station.ID)
		if id == "" {
			return fmt.Errorf("inject_nodes: station with empty id")
		}
		f := g.Flows[spec.FlowKey]
		if f == nil {
			return fmt.Errorf("inject_nodes: unknown flow %q", spec.FlowKey)
		}
		for _, sid := range f.StationIDs {
			if sid == id {
				return fmt.Errorf("inject_nodes: station %s already in flow %s", id, spec.FlowKey)
			}
		}
		pos := -1
		for i, sid := range f.StationIDs {
			if sid == spec.AfterStepID {
				pos = i
				break
			}
		}
		if pos < 0 {
			return fmt.Errorf("inject_nodes: step %q not in flow %s", spec.AfterStepID, spec.FlowKey)
		}

		// A spec may name an already-declared station (splice it into this
		// flow) or declare a brand-new ad-hoc one.
		if g.Stations[id] == nil {
			st := *spec.Station
			st.Injected = true
			if st.MaxIterations < 1 {
				st.MaxIterations = 1
			}
			if st.Attrs == nil {
				st.Attrs = map[string]string{}
			}
			g.Stations[id] = &st
		}

		// Splice into the flow order after the anchor step.
		rest := append([]string{}, f.StationIDs[pos+1:]...)
		f.StationIDs = append(append(f.StationIDs[:pos+1:pos+1], id), rest...)

		// Rewire: anchor's default edge now reaches the injected station,
		// which inherits the old target.
		if prev := g.DefaultEdge(spec.AfterStepID); prev != nil {
			injected := NewEdge(id, prev.To)
			injected.Default = true
			injected.Order = len(g.Edges)
			injected.Injected = true
			prev.To = id
			g.Edges = append(g.Edges, injected)
		} else {
			injected := NewEdge(spec.AfterStepID, id)
			injected.Default = true
			injected.Order = len(g.Edges)
			injected.Injected = true
			g.Edges = append(g.Edges, injected)
		}
	}
	return nil
}

// GraphPatch is a structural extension: new stations and edges applied for
// this run, or permanently once a human approval is recorded.
type GraphPatch struct {
	Stations []*Station `json:"stations,omitempty"`
	Edges    []*Edge    `json:"edges,omitempty"`

	// Rationale (why now, cost of delay, alternatives considered) is
	// mandatory and recorded verbatim in the audit trail.
	Rationale string `json:"rationale"`

	Permanent bool `json:"permanent,omitempty"`

	// ApprovedBy must be non-empty before a permanent patch is applied.
	ApprovedBy string `json:"approved_by,omitempty"`
}

func (p *GraphPatch) Validate() error {
	if p == nil {
		return fmt.Errorf("nil graph patch")
	}
	if strings.TrimSpace(p.Rationale) == "" {
		return fmt.Errorf("graph patch requires a rationale")
	}
	if p.Permanent && strings.TrimSpace(p.ApprovedBy) == "" {
		return fmt.Errorf("permanent graph patch requires recorded human approval")
	}
	if len(p.Stations) == 0 && len(p.Edges) == 0 {
		return fmt.Errorf("graph patch is empty")
	}
	return nil
}

// ApplyPatch extends the graph with the patch's stations and edges. The
// caller is responsible for recording the rationale in the audit trail before
// applying; ApplyPatch re-validates the resulting graph and rolls back on
// error-severity diagnostics.
func (g *Graph) ApplyPatch(p *GraphPatch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	addedStations := []string{}
	for _, st := range p.Stations {
		id := strings.TrimSpace(st.ID)
		if id == "" {
			return fmt.Errorf("graph patch: station with empty id")
		}
		if g.Stations[id] != nil {
			return fmt.Errorf("graph patch: station %s already declared", id)
		}
		cp := *st
		cp.Injected = true
		if cp.MaxIterations < 1 {
			cp.MaxIterations = 1
		}
		if cp.Attrs == nil {
			cp.Attrs = map[string]string{}
		}
		g.Stations[id] = &cp
		addedStations = append(addedStations, id)
	}
	addedEdges := 0
	for _, e := range p.Edges {
		cp := *e
		cp.Injected = true
		cp.Order = len(g.Edges)
		if cp.Directive == "" {
			cp.Directive = DirectiveContinue
		}
		g.Edges = append(g.Edges, &cp)
		addedEdges++
	}

	if diags := Validate(g); HasErrors(diags) {
		for _, id := range addedStations {
			delete(g.Stations, id)
		}
		g.Edges = g.Edges[:len(g.Edges)-addedEdges]
		for _, d := range diags {
			if d.Severity == SeverityError {
				return fmt.Errorf("graph patch rejected: %s", d.Message)
			}
		}
	}
	return nil
}
