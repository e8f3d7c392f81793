package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain-id", "plain-id"},
		{"evil\ninjected line", "evil injected line"},
		{"cr\rlf\n", "cr lf "},
		{"tab\tsep", "tab sep"},
		{"ctrl\x1b[31mred", "ctrl[31mred"},
		{"", ""},
	}
	for _, c := range cases {
		if got := SanitizeForLog(c.in); got != c.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
