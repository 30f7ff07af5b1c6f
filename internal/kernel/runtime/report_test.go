package runtime

import "testing"

func TestParseReportStatus(t *testing.T) {
	cases := []struct {
		in      string
		want    ReportStatus
		wantErr bool
	}{
		{"VERIFIED", StatusVerified, false},
		{"verified", StatusVerified, false},
		{"  Unverified ", StatusUnverified, false},
		{"cannot_proceed", StatusCannotProceed, false},
		{"CANNOT-PROCEED", StatusCannotProceed, false},
		{"done", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseReportStatus(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseReportStatus(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseReportStatus(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseReportStatus(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStationReportValidate(t *testing.T) {
	ok := StationReport{Status: StatusVerified, Summary: "done"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}

	// A non-verified report must name at least one blocker.
	bad := StationReport{Status: StatusUnverified, Summary: "tests failed"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("unverified report without blockers accepted")
	}
	bad.Blockers = []string{"TestFoo fails"}
	if err := bad.Validate(); err != nil {
		t.Fatalf("unverified report with blockers rejected: %v", err)
	}
}

func TestStationReportCanonicalize(t *testing.T) {
	r := StationReport{Status: StatusVerified, Summary: "ok"}
	c := r.Canonicalize()
	if c.Blockers == nil || c.Artifacts == nil {
		t.Fatalf("canonicalize left nil collections: %#v", c)
	}
	if len(c.Blockers) != 0 || len(c.Artifacts) != 0 {
		t.Fatalf("canonicalize invented content: %#v", c)
	}
}
