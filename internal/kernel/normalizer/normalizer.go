// Package normalizer is the boundary between untrusted, inconsistently
// formatted station reports and the kernel. It reduces free-form or
// semi-structured producer output to the small closed set of StationReport
// primitives; free text never drives kernel logic directly.
package normalizer

import (
	"encoding/json"
	"strings"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// legacyReport tolerates the shapes older stations still emit.
type legacyReport struct {
	Outcome           string   `json:"outcome"`
	Status            string   `json:"status"`
	Summary           string   `json:"summary"`
	Notes             string   `json:"notes"`
	RecommendedTarget string   `json:"recommended_target"`
	RouteHint         string   `json:"route_hint"`
	Blockers          []string `json:"blockers"`
	NeedsHuman        *bool    `json:"needs_human"`
	CanIterate        *bool    `json:"can_further_iteration_help"`

	MachineSummary *legacyReport `json:"machine_summary"`
}

// Normalize reduces raw report bytes to StationReport primitives. It never
// fails on malformed input: anything unparseable falls through to a report
// with no status, which the resolver maps to its documented default
// (advance, confidence 0.7).
func Normalize(raw []byte) runtime.StationReport {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return runtime.StationReport{Notes: "empty report"}.Canonicalize()
	}

	// Canonical shape first. Legacy aliases can still ride alongside the
	// canonical keys, so fields the canonical decode has no spelling for are
	// merged from the legacy decode instead of being dropped.
	var report runtime.StationReport
	if err := json.Unmarshal(raw, &report); err == nil && report.Status.Valid() {
		var legacy legacyReport
		if err := json.Unmarshal(raw, &legacy); err == nil {
			if report.RouteHint == "" {
				report.RouteHint = strings.TrimSpace(legacy.RecommendedTarget)
			}
		}
		return report.Canonicalize()
	}

	// Legacy JSON shapes, including nested machine_summary documents.
	var legacy legacyReport
	if err := json.Unmarshal(raw, &legacy); err == nil {
		if r, ok := fromLegacy(legacy); ok {
			return r.Canonicalize()
		}
	}

	// Free text: scan for the machine-summary markers the corpus uses.
	if r, ok := fromMarkers(text); ok {
		return r.Canonicalize()
	}

	return runtime.StationReport{
		Notes: clip(text, 500),
	}.Canonicalize()
}

func fromLegacy(legacy legacyReport) (runtime.StationReport, bool) {
	if legacy.MachineSummary != nil {
		if r, ok := fromLegacy(*legacy.MachineSummary); ok {
			return r, true
		}
	}
	rawStatus := legacy.Status
	if rawStatus == "" {
		rawStatus = legacy.Outcome
	}
	status, err := runtime.ParseReportStatus(rawStatus)
	if err != nil {
		return runtime.StationReport{}, false
	}
	hint := legacy.RouteHint
	if hint == "" {
		hint = legacy.RecommendedTarget
	}
	r := runtime.StationReport{
		Status:                  status,
		Summary:                 strings.TrimSpace(legacy.Summary),
		Notes:                   strings.TrimSpace(legacy.Notes),
		RouteHint:               strings.TrimSpace(hint),
		Blockers:                legacy.Blockers,
		CanFurtherIterationHelp: legacy.CanIterate,
	}
	if legacy.NeedsHuman != nil {
		r.NeedsHuman = *legacy.NeedsHuman
	}
	return r, true
}

// fromMarkers extracts "KEY: value" lines from prose reports. Recognized keys
// are STATUS, ROUTE, BLOCKER (repeatable), NEEDS_HUMAN and
// CAN_FURTHER_ITERATION_HELP; everything else stays prose.
func fromMarkers(text string) (runtime.StationReport, bool) {
	var r runtime.StationReport
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "STATUS":
			if status, err := runtime.ParseReportStatus(value); err == nil {
				r.Status = status
				found = true
			}
		case "ROUTE", "NEXT":
			r.RouteHint = value
		case "BLOCKER", "BLOCKERS":
			if value != "" {
				r.Blockers = append(r.Blockers, value)
			}
		case "NEEDS_HUMAN":
			r.NeedsHuman = isTruthy(value)
		case "CAN_FURTHER_ITERATION_HELP":
			v := isTruthy(value)
			r.CanFurtherIterationHelp = &v
		case "SUMMARY":
			r.Summary = value
		}
	}
	if !found {
		return runtime.StationReport{}, false
	}
	if r.Summary == "" {
		r.Summary = clip(text, 500)
	}
	return r, true
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
