// Package logutil keeps caller-supplied strings safe to log.
package logutil

import "strings"

// SanitizeForLog strips newlines and control characters from strings that
// originate outside this process (identity headers, commands), so they
// cannot forge log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var out strings.Builder
	out.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			out.WriteRune(r)
		}
	}
	return out.String()
}
