// Package resolver turns a normalized station report plus the station's
// routing config into a canonical routing signal. Resolution is a pure
// function: no I/O, no clock, no randomness, so resolving the same
// (report, config, loop state) twice always yields an identical signal.
package resolver

import (
	"fmt"
	"strings"

	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// Confidence tiers. These are fixed points in the contract, not tunables.
const (
	ConfidenceMatched  = 0.9
	ConfidenceExplicit = 1.0
	ConfidenceDefault  = 0.7
	ConfidenceBudget   = 0.5
)

// Resolve maps (report, config) to a routing signal. loop carries the
// station's microloop bookkeeping when the station participates in one; nil
// otherwise. Resolve never returns an error and never invents a next step or
// route the config cannot justify.
func Resolve(report runtime.StationReport, cfg *model.RoutingConfig, loop *runtime.MicroloopState) runtime.RoutingSignal {
	needsHuman := report.NeedsHuman

	// Missing routing config: default advance, flagged in the reason.
	if cfg == nil {
		return runtime.RoutingSignal{
			Decision:   runtime.DecisionAdvance,
			Reason:     "no routing config for station; default advance",
			Confidence: ConfidenceDefault,
			NeedsHuman: needsHuman,
		}
	}

	// Mechanical failure short-circuits the flow; the signal records the
	// termination so the envelope trail explains why nothing followed.
	if report.Status == runtime.StatusCannotProceed {
		return runtime.RoutingSignal{
			Decision:   runtime.DecisionTerminate,
			Reason:     fmt.Sprintf("station %s reported CANNOT_PROCEED (mechanical failure)", cfg.StationID),
			Confidence: ConfidenceMatched,
			NeedsHuman: needsHuman,
		}
	}

	// Linear: declared loop target met and counted as success.
	if cfg.Kind == model.RoutingLinear &&
		strings.EqualFold(string(report.Status), cfg.LoopTarget) &&
		containsFold(cfg.SuccessValues, cfg.LoopTarget) {
		return runtime.RoutingSignal{
			Decision:   runtime.DecisionAdvance,
			NextStepID: cfg.DefaultTarget,
			Reason:     fmt.Sprintf("status %s matched loop target", report.Status),
			Confidence: ConfidenceMatched,
			NeedsHuman: needsHuman,
		}
	}

	// Microloop rules.
	if cfg.Kind == model.RoutingMicroloop {
		if containsFold(cfg.SuccessValues, string(report.Status)) {
			return runtime.RoutingSignal{
				Decision:   runtime.DecisionAdvance,
				NextStepID: cfg.DefaultTarget,
				Reason:     fmt.Sprintf("microloop succeeded with status %s", report.Status),
				Confidence: ConfidenceMatched,
				NeedsHuman: needsHuman,
			}
		}
		if loop != nil && loop.IterationCount >= loop.MaxIterations {
			return runtime.RoutingSignal{
				Decision:   runtime.DecisionTerminate,
				Reason:     fmt.Sprintf("iteration budget exhausted (%d/%d)", loop.IterationCount, loop.MaxIterations),
				Confidence: ConfidenceBudget,
				NeedsHuman: needsHuman,
			}
		}
		if report.CanFurtherIterationHelp != nil && !*report.CanFurtherIterationHelp {
			return runtime.RoutingSignal{
				Decision:   runtime.DecisionTerminate,
				Reason:     "station reported further iteration cannot help",
				Confidence: ConfidenceDefault,
				NeedsHuman: needsHuman,
			}
		}
		return runtime.RoutingSignal{
			Decision:   runtime.DecisionLoop,
			Reason:     fmt.Sprintf("loop back to partner %s", cfg.PartnerStationID),
			Confidence: ConfidenceMatched,
			NeedsHuman: needsHuman,
		}
	}

	// Explicit routing hint, honored only when the config justifies it.
	if hint := strings.TrimSpace(report.RouteHint); hint != "" {
		if flow, ok := cfg.BranchTargets[hint]; ok {
			return runtime.RoutingSignal{
				Decision:   runtime.DecisionBranch,
				NextStepID: hint,
				Route:      &runtime.Route{Flow: flow, StepID: hint},
				Reason:     fmt.Sprintf("explicit routing hint to %s", hint),
				Confidence: ConfidenceExplicit,
				NeedsHuman: needsHuman,
			}
		}
	}

	// Default: advance with no claimed next step.
	return runtime.RoutingSignal{
		Decision:   runtime.DecisionAdvance,
		Reason:     "no routing rule matched; default advance",
		Confidence: ConfidenceDefault,
		NeedsHuman: needsHuman,
	}
}

func containsFold(values []string, want string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
