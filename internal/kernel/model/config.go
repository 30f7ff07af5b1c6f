package model

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type stationYAML struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name,omitempty"`
	Routing       string            `yaml:"routing,omitempty"`
	Runner        string            `yaml:"runner,omitempty"`
	SuccessValues []string          `yaml:"success_values,omitempty"`
	LoopTarget    string            `yaml:"loop_target,omitempty"`
	MaxIterations int               `yaml:"max_iterations,omitempty"`
	Partner       string            `yaml:"partner,omitempty"`
	Verification  bool              `yaml:"verification,omitempty"`
	Attrs         map[string]string `yaml:"attrs,omitempty"`
}

type edgeYAML struct {
	From       string            `yaml:"from"`
	To         string            `yaml:"to"`
	Condition  string            `yaml:"condition,omitempty"`
	Default    bool              `yaml:"default,omitempty"`
	Directive  string            `yaml:"directive,omitempty"`
	TargetFlow string            `yaml:"flow,omitempty"`
	Rationale  string            `yaml:"rationale,omitempty"`
	Attrs      map[string]string `yaml:"attrs,omitempty"`
}

type flowYAML struct {
	Key               string   `yaml:"key"`
	Entry             string   `yaml:"entry"`
	Stations          []string `yaml:"stations"`
	RequiredArtifacts []string `yaml:"required_artifacts,omitempty"`
}

type graphYAML struct {
	Name     string            `yaml:"name"`
	Attrs    map[string]string `yaml:"attrs,omitempty"`
	Flows    []flowYAML        `yaml:"flows"`
	Stations []stationYAML     `yaml:"stations"`
	Edges    []edgeYAML        `yaml:"edges"`
}

// LoadGraph decodes a YAML flow-graph definition.
func LoadGraph(b []byte) (*Graph, error) {
	var doc graphYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode flow graph: %w", err)
	}
	g := NewGraph(strings.TrimSpace(doc.Name))
	for k, v := range doc.Attrs {
		g.Attrs[k] = v
	}

	for _, sy := range doc.Stations {
		id := strings.TrimSpace(sy.ID)
		if id == "" {
			return nil, fmt.Errorf("station with empty id")
		}
		if _, exists := g.Stations[id]; exists {
			return nil, fmt.Errorf("duplicate station id: %s", id)
		}
		kind, err := ParseRoutingKind(sy.Routing)
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", id, err)
		}
		st := &Station{
			ID:               id,
			Name:             strings.TrimSpace(sy.Name),
			RoutingKind:      kind,
			Runner:           strings.TrimSpace(sy.Runner),
			SuccessValues:    sy.SuccessValues,
			LoopTarget:       strings.TrimSpace(sy.LoopTarget),
			MaxIterations:    sy.MaxIterations,
			PartnerStationID: strings.TrimSpace(sy.Partner),
			Verification:     sy.Verification,
			Attrs:            sy.Attrs,
		}
		if st.Attrs == nil {
			st.Attrs = map[string]string{}
		}
		if st.MaxIterations == 0 {
			st.MaxIterations = 1
		}
		g.Stations[id] = st
	}

	for _, fy := range doc.Flows {
		key := strings.TrimSpace(fy.Key)
		if key == "" {
			return nil, fmt.Errorf("flow with empty key")
		}
		if _, exists := g.Flows[key]; exists {
			return nil, fmt.Errorf("duplicate flow key: %s", key)
		}
		g.Flows[key] = &Flow{
			Key:               key,
			EntryStationID:    strings.TrimSpace(fy.Entry),
			StationIDs:        fy.Stations,
			RequiredArtifacts: fy.RequiredArtifacts,
		}
	}

	for i, ey := range doc.Edges {
		directive, err := ParseDirective(ey.Directive)
		if err != nil {
			return nil, fmt.Errorf("edge %s->%s: %w", ey.From, ey.To, err)
		}
		e := &Edge{
			From:       strings.TrimSpace(ey.From),
			To:         strings.TrimSpace(ey.To),
			Condition:  strings.TrimSpace(ey.Condition),
			Default:    ey.Default,
			Order:      i,
			Directive:  directive,
			TargetFlow: strings.TrimSpace(ey.TargetFlow),
			Rationale:  strings.TrimSpace(ey.Rationale),
			Attrs:      ey.Attrs,
		}
		if e.Attrs == nil {
			e.Attrs = map[string]string{}
		}
		g.Edges = append(g.Edges, e)
	}
	return g, nil
}

// LoadGraphFile reads and decodes a YAML flow-graph definition from disk.
func LoadGraphFile(path string) (*Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadGraph(b)
}

// MarshalGraph re-encodes a graph (including injected nodes/edges) back to
// YAML so the run partition can snapshot the effective graph for resume.
func MarshalGraph(g *Graph) ([]byte, error) {
	doc := graphYAML{
		Name:  g.Name,
		Attrs: g.Attrs,
	}
	for _, key := range g.FlowKeys() {
		f := g.Flows[key]
		doc.Flows = append(doc.Flows, flowYAML{
			Key:               f.Key,
			Entry:             f.EntryStationID,
			Stations:          f.StationIDs,
			RequiredArtifacts: f.RequiredArtifacts,
		})
	}
	ids := make([]string, 0, len(g.Stations))
	for id := range g.Stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := g.Stations[id]
		doc.Stations = append(doc.Stations, stationYAML{
			ID:            st.ID,
			Name:          st.Name,
			Routing:       string(st.RoutingKind),
			Runner:        st.Runner,
			SuccessValues: st.SuccessValues,
			LoopTarget:    st.LoopTarget,
			MaxIterations: st.MaxIterations,
			Partner:       st.PartnerStationID,
			Verification:  st.Verification,
			Attrs:         st.Attrs,
		})
	}
	for _, e := range g.Edges {
		doc.Edges = append(doc.Edges, edgeYAML{
			From:       e.From,
			To:         e.To,
			Condition:  e.Condition,
			Default:    e.Default,
			Directive:  string(e.Directive),
			TargetFlow: e.TargetFlow,
			Rationale:  e.Rationale,
			Attrs:      e.Attrs,
		})
	}
	return yaml.Marshal(doc)
}
