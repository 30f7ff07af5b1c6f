package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// Invocation is the input context one station execution receives. The
// previous station's envelope is the handoff.
type Invocation struct {
	RunID   string
	FlowKey string
	Station *model.Station
	Attempt int

	// Input is the envelope of the station that ran before this one; nil for
	// the flow entry.
	Input *runtime.HandoffEnvelope

	// Answer is a recorded human answer being consumed on resume, if any.
	Answer string

	// StateDir is the run partition directory, for stations that write
	// run-relative artifacts.
	StateDir string
}

// StationRunner executes one opaque unit of work and returns the raw,
// possibly semi-structured completion report plus any artifacts produced
// (name → run-relative path). The kernel never interprets the work itself;
// it only normalizes and routes on the report.
type StationRunner interface {
	Run(ctx context.Context, inv *Invocation) (report []byte, artifacts map[string]string, err error)
}

// RunnerRegistry resolves a station's declared runner to an executor.
type RunnerRegistry struct {
	runners       map[string]StationRunner
	defaultRunner StationRunner
}

func NewDefaultRegistry() *RunnerRegistry {
	reg := &RunnerRegistry{runners: map[string]StationRunner{}}
	reg.defaultRunner = &SimulatedRunner{}
	reg.Register("simulated", reg.defaultRunner)
	return reg
}

func (r *RunnerRegistry) Register(name string, runner StationRunner) {
	if r.runners == nil {
		r.runners = map[string]StationRunner{}
	}
	r.runners[name] = runner
}

// Known returns the registered runner names.
func (r *RunnerRegistry) Known() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.runners))
	for n := range r.runners {
		names = append(names, n)
	}
	return names
}

func (r *RunnerRegistry) Resolve(st *model.Station) (StationRunner, error) {
	if st == nil {
		return r.defaultRunner, nil
	}
	name := strings.TrimSpace(st.Runner)
	if name == "" {
		return r.defaultRunner, nil
	}
	if runner, ok := r.runners[name]; ok {
		return runner, nil
	}
	return nil, fmt.Errorf("station %s: unknown runner %q", st.ID, name)
}

// SimulatedRunner reports every station verified. It stands in for real
// executors in dry runs and tests.
type SimulatedRunner struct{}

func (*SimulatedRunner) Run(_ context.Context, inv *Invocation) ([]byte, map[string]string, error) {
	report := fmt.Sprintf(`{"status":"VERIFIED","summary":"simulated execution of %s"}`, inv.Station.ID)
	return []byte(report), nil, nil
}
