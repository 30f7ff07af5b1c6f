package runtime

import (
	"fmt"
	"strings"
)

// ReportStatus is the closed machine-summary vocabulary shared by every
// station report and every sealed receipt.
type ReportStatus string

const (
	StatusVerified      ReportStatus = "VERIFIED"
	StatusUnverified    ReportStatus = "UNVERIFIED"
	StatusCannotProceed ReportStatus = "CANNOT_PROCEED"
)

// ParseReportStatus normalizes the inconsistently-cased status strings that
// independently-authored stations emit. Unknown values are an error rather
// than a silent coercion; the caller decides the fallback.
func ParseReportStatus(s string) (ReportStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VERIFIED", "OK", "PASS", "PASSED", "SUCCESS":
		return StatusVerified, nil
	case "UNVERIFIED", "FAIL", "FAILED", "FAILURE", "INCOMPLETE":
		return StatusUnverified, nil
	case "CANNOT_PROCEED", "CANNOT-PROCEED", "CANNOTPROCEED", "FIX_ENV":
		return StatusCannotProceed, nil
	case "":
		return "", fmt.Errorf("invalid report status: empty string")
	default:
		return "", fmt.Errorf("invalid report status: %q", s)
	}
}

func (s ReportStatus) Valid() bool {
	switch s {
	case StatusVerified, StatusUnverified, StatusCannotProceed:
		return true
	default:
		return false
	}
}

// StationReport is the small set of primitives the Report Normalizer reduces
// a station's free-form completion report to. It is the only station output
// the kernel ever routes on.
type StationReport struct {
	Status ReportStatus `json:"status"`

	// Summary is the station's own compressed account of what it did.
	Summary string `json:"summary,omitempty"`

	// RouteHint names an explicit target step the station asked to branch to.
	// The resolver honors it only when the routing config can justify it.
	RouteHint string `json:"route_hint,omitempty"`

	// CanFurtherIterationHelp is tri-state: nil means the station did not say.
	CanFurtherIterationHelp *bool `json:"can_further_iteration_help,omitempty"`

	Blockers   []string          `json:"blockers,omitempty"`
	NeedsHuman bool              `json:"needs_human,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`

	// Notes carries anything the normalizer could not classify. Never routed on.
	Notes string `json:"notes,omitempty"`
}

// Canonicalize returns a copy with nil collections materialized so persisted
// reports always round-trip to the same JSON shape.
func (r StationReport) Canonicalize() StationReport {
	if r.Blockers == nil {
		r.Blockers = []string{}
	}
	if r.Artifacts == nil {
		r.Artifacts = map[string]string{}
	}
	return r
}

// Validate enforces the propagation policy: a failure never silently degrades
// to success, and every non-verified report carries at least one blocker.
func (r StationReport) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("invalid report status: %q", r.Status)
	}
	if r.Status != StatusVerified && len(r.Blockers) == 0 {
		return fmt.Errorf("report with status=%s must carry at least one blocker", r.Status)
	}
	return nil
}
