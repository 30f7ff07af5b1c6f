// Package microloop drives the bounded-iteration state machine for paired
// station loops (e.g. author/critic). RUNNING is the only non-terminal state;
// exceeding max_iterations is never silent — it always surfaces as EXHAUSTED.
package microloop

import (
	"fmt"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// Apply advances the loop state by one resolved signal. The report supplies
// the can_further_iteration_help primitive that distinguishes BLOCKED from
// EXHAUSTED on terminate. Apply mutates state and returns the new status.
//
// Transitions from a terminal state are a contract violation and return an
// error: once SUCCEEDED, EXHAUSTED or BLOCKED, the loop is done for this run.
func Apply(state *runtime.MicroloopState, signal runtime.RoutingSignal, report runtime.StationReport) (runtime.MicroloopStatus, error) {
	if state == nil {
		return "", fmt.Errorf("nil microloop state")
	}
	if err := state.Validate(); err != nil {
		return "", err
	}
	if state.Status.Terminal() {
		return state.Status, fmt.Errorf("microloop %s is terminal (%s); no further transitions allowed",
			state.StationPairID, state.Status)
	}

	switch signal.Decision {
	case runtime.DecisionAdvance:
		state.Status = runtime.LoopSucceeded
		return state.Status, nil

	case runtime.DecisionLoop:
		if state.IterationCount >= state.MaxIterations {
			// Budget already spent; never iterate past it.
			state.Status = runtime.LoopExhausted
			return state.Status, nil
		}
		state.IterationCount++
		if state.IterationCount >= state.MaxIterations {
			state.Status = runtime.LoopExhausted
			return state.Status, nil
		}
		return runtime.LoopRunning, nil

	case runtime.DecisionTerminate:
		if report.CanFurtherIterationHelp != nil && !*report.CanFurtherIterationHelp {
			state.Status = runtime.LoopBlocked
			return state.Status, nil
		}
		state.Status = runtime.LoopExhausted
		return state.Status, nil

	default:
		return state.Status, fmt.Errorf("microloop %s: decision %q does not drive a loop",
			state.StationPairID, signal.Decision)
	}
}
