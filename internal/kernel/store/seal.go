package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// SealInput is everything receipt derivation needs beyond the flow's
// persisted envelopes.
type SealInput struct {
	Flow  *model.Flow
	Graph *model.Graph

	// Blockers collected from station reports during the flow.
	Blockers []string

	// MechanicalFailure carries the reason when the flow short-circuited on a
	// mechanical failure. Non-empty forces CANNOT_PROCEED.
	MechanicalFailure string

	// RerunBudgetLeft decides whether an UNVERIFIED receipt recommends RERUN
	// or escalates to BOUNCE.
	RerunBudgetLeft bool
}

// DeriveAndSeal computes the receipt for a flow mechanically from the
// persisted envelope evidence and seals it. Status derivation is
// evidence-gated: VERIFIED requires every required artifact present and every
// verification station to have actually executed with a passing signal. A
// skipped verification step can never yield VERIFIED.
func (s *Store) DeriveAndSeal(in SealInput) (*runtime.Receipt, error) {
	if in.Flow == nil {
		return nil, fmt.Errorf("seal: flow is required")
	}
	if prior, err := s.LoadReceipt(in.Flow.Key); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	envs, err := s.ListEnvelopes(in.Flow.Key)
	if err != nil {
		return nil, err
	}

	r := &runtime.Receipt{
		Flow:        in.Flow.Key,
		Blockers:    append([]string{}, in.Blockers...),
		GeneratedAt: time.Now().UTC(),
		EvidenceSHA: evidenceSHA(envs),
	}

	missing := missingRequiredArtifacts(in.Flow, envs)
	r.MissingRequired = missing

	verifiedCount, allVerified := verificationEvidence(in.Flow, in.Graph, envs)
	r.VerifiedCount = verifiedCount

	switch {
	case strings.TrimSpace(in.MechanicalFailure) != "":
		// CANNOT_PROCEED is reserved exclusively for mechanical failure.
		r.Status = runtime.StatusCannotProceed
		r.RecommendedAction = runtime.ActionFixEnv
		r.Blockers = appendUnique(r.Blockers, in.MechanicalFailure)

	case len(missing) == 0 && allVerified && len(r.Blockers) == 0:
		r.Status = runtime.StatusVerified
		r.RecommendedAction = runtime.ActionProceed

	default:
		// Everything else, however severe, is UNVERIFIED with explicit blockers.
		r.Status = runtime.StatusUnverified
		for _, m := range missing {
			r.Blockers = appendUnique(r.Blockers, "missing required artifact: "+m)
		}
		if !allVerified {
			r.Blockers = appendUnique(r.Blockers, "verification station did not return a passing signal")
		}
		if len(r.Blockers) == 0 {
			r.Blockers = append(r.Blockers, "flow completed without verification evidence")
		}
		if in.RerunBudgetLeft {
			r.RecommendedAction = runtime.ActionRerun
		} else {
			r.RecommendedAction = runtime.ActionBounce
		}
	}

	return s.SealReceipt(r)
}

// evidenceSHA hashes a canonical projection of the envelope trail: the fields
// that define the outcome, not the timestamps, so identical inputs reproduce
// the same receipt modulo timestamps.
func evidenceSHA(envs []*runtime.HandoffEnvelope) string {
	sorted := append([]*runtime.HandoffEnvelope{}, envs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FlowKey != sorted[j].FlowKey {
			return sorted[i].FlowKey < sorted[j].FlowKey
		}
		if sorted[i].StepID != sorted[j].StepID {
			return sorted[i].StepID < sorted[j].StepID
		}
		return sorted[i].Attempt < sorted[j].Attempt
	})
	h := blake3.New()
	for _, env := range sorted {
		fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%s\n",
			env.FlowKey, env.StepID, env.Attempt,
			env.Status, env.RoutingSignal.Decision, env.RoutingSignal.NextStepID, env.Summary)
		names := make([]string, 0, len(env.Artifacts))
		for name := range env.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(h, "artifact:%s=%s\n", name, env.Artifacts[name])
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// missingRequiredArtifacts matches the flow's required_artifacts globs
// against every artifact path collected in the envelope trail. Patterns with
// no match are reported, in declaration order.
func missingRequiredArtifacts(flow *model.Flow, envs []*runtime.HandoffEnvelope) []string {
	missing := []string{}
	var paths []string
	for _, env := range envs {
		for _, rel := range env.Artifacts {
			paths = append(paths, rel)
		}
	}
	for _, pattern := range flow.RequiredArtifacts {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matched := false
		for _, p := range paths {
			ok, err := doublestar.Match(pattern, p)
			if err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			missing = append(missing, pattern)
		}
	}
	return missing
}

// verificationEvidence inspects the latest attempt of every verification
// station in the flow. The count is nil whenever a verification station has
// no envelope at all — a count that cannot be computed safely is never
// guessed or coerced to zero.
func verificationEvidence(flow *model.Flow, g *model.Graph, envs []*runtime.HandoffEnvelope) (*int, bool) {
	latest := map[string]*runtime.HandoffEnvelope{}
	for _, env := range envs {
		prev := latest[env.StepID]
		if prev == nil || env.Attempt > prev.Attempt {
			latest[env.StepID] = env
		}
	}

	passed := 0
	all := true
	computable := true
	for _, id := range flow.StationIDs {
		st := g.Stations[id]
		if st == nil || !st.Verification {
			continue
		}
		env := latest[id]
		if env == nil {
			computable = false
			all = false
			continue
		}
		if env.Status == runtime.EnvelopeSucceeded && env.RoutingSignal.Decision == runtime.DecisionAdvance {
			passed++
		} else {
			all = false
		}
	}
	if !computable {
		return nil, false
	}
	return &passed, all
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
