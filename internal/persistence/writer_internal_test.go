package persistence

import "testing"

func TestPlaceholders(t *testing.T) {
	cases := []struct {
		base, n int
		want    string
	}{
		{0, 1, "($1)"},
		{0, 3, "($1, $2, $3)"},
		{14, 2, "($15, $16)"},
	}
	for _, tc := range cases {
		if got := placeholders(tc.base, tc.n); got != tc.want {
			t.Errorf("placeholders(%d, %d) = %s, want %s", tc.base, tc.n, got, tc.want)
		}
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"000002_projections.up.sql": "000002",
		"000001_event_log.down.sql": "000001",
		"README":                    "README",
	}
	for in, want := range cases {
		if got := extractVersion(in); got != want {
			t.Errorf("extractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
