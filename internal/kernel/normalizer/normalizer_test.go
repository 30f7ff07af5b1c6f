package normalizer

import (
	"strings"
	"testing"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

func TestNormalizeCanonicalJSON(t *testing.T) {
	raw := []byte(`{"status":"VERIFIED","summary":"all tests pass","route_hint":"publish"}`)
	r := Normalize(raw)
	if r.Status != runtime.StatusVerified {
		t.Fatalf("status=%q", r.Status)
	}
	if r.Summary != "all tests pass" || r.RouteHint != "publish" {
		t.Fatalf("fields lost: %#v", r)
	}
}

func TestNormalizeLegacyShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want runtime.ReportStatus
	}{
		{"outcome key", `{"outcome":"success","summary":"done"}`, runtime.StatusVerified},
		{"fail alias", `{"status":"failed","blockers":["TestX"]}`, runtime.StatusUnverified},
		{"nested machine summary", `{"notes":"chatter","machine_summary":{"status":"VERIFIED","summary":"inner"}}`, runtime.StatusVerified},
	}
	for _, tc := range cases {
		r := Normalize([]byte(tc.raw))
		if r.Status != tc.want {
			t.Fatalf("%s: status=%q, want %q", tc.name, r.Status, tc.want)
		}
	}

	// recommended_target is the legacy spelling of route_hint.
	r := Normalize([]byte(`{"status":"UNVERIFIED","blockers":["x"],"recommended_target":"hotfix"}`))
	if r.RouteHint != "hotfix" {
		t.Fatalf("recommended_target not mapped: %#v", r)
	}

	// The canonical spelling wins when both are present.
	r = Normalize([]byte(`{"status":"UNVERIFIED","blockers":["x"],"route_hint":"publish","recommended_target":"hotfix"}`))
	if r.RouteHint != "publish" {
		t.Fatalf("route_hint overridden: %#v", r)
	}
}

func TestNormalizeMarkers(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"Ran the full suite twice.",
		"STATUS: UNVERIFIED",
		"BLOCKER: TestCheckout flakes under load",
		"BLOCKER: coverage below threshold",
		"ROUTE: hotfix",
		"NEEDS_HUMAN: yes",
		"CAN_FURTHER_ITERATION_HELP: no",
		"SUMMARY: two blockers remain",
	}, "\n"))

	r := Normalize(raw)
	if r.Status != runtime.StatusUnverified {
		t.Fatalf("status=%q", r.Status)
	}
	if len(r.Blockers) != 2 {
		t.Fatalf("blockers=%#v", r.Blockers)
	}
	if r.RouteHint != "hotfix" || !r.NeedsHuman {
		t.Fatalf("markers lost: %#v", r)
	}
	if r.CanFurtherIterationHelp == nil || *r.CanFurtherIterationHelp {
		t.Fatalf("can_further_iteration_help=%v", r.CanFurtherIterationHelp)
	}
	if r.Summary != "two blockers remain" {
		t.Fatalf("summary=%q", r.Summary)
	}
}

func TestNormalizeNeverFails(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("   \n  "),
		[]byte("{broken json"),
		[]byte("just some prose with no markers at all"),
		[]byte(`{"status":"made-up-status"}`),
	}
	for _, raw := range cases {
		r := Normalize(raw)
		// No status means the resolver applies its default-advance rule; the
		// report must still be canonical.
		if r.Status != "" {
			t.Fatalf("Normalize(%q) invented status %q", raw, r.Status)
		}
		if r.Blockers == nil || r.Artifacts == nil {
			t.Fatalf("Normalize(%q) not canonicalized: %#v", raw, r)
		}
	}
}

func TestNormalizeClipsLongProse(t *testing.T) {
	raw := []byte(strings.Repeat("x", 2000))
	r := Normalize(raw)
	if len(r.Notes) != 500 {
		t.Fatalf("notes length=%d, want 500", len(r.Notes))
	}
}
