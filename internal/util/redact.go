package util

import (
	"regexp"
	"strings"
)

var (
	// Matches "Basic <credentials>". TeleSign auth rides on Basic headers,
	// which show up in logs via transport errors and HTTP dumps.
	basicAuthRe = regexp.MustCompile(`(?i)\bBasic\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|customer[_-]?id|tele[_-]?sign[_-]?api[_-]?key)\b\s*[:=]\s*[^\s"']+`)
)

// RedactSecrets removes obvious secret-bearing substrings from error/log strings.
//
// This is intentionally conservative: it should be safe to call on any message,
// including user-provided inputs and upstream error strings.
func RedactSecrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = basicAuthRe.ReplaceAllString(out, "Basic <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	return strings.TrimSpace(out)
}
