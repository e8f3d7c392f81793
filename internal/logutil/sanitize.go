// Package logutil holds small helpers for safe log output.
package logutil

import "strings"

// SanitizeForLog flattens a request-supplied string onto a single log
// line. Newlines, carriage returns and tabs become spaces so an
// attacker-chosen value cannot forge extra log entries; the remaining
// control characters are dropped outright.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
