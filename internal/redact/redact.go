// Package redact strips secret-bearing substrings from strings that may end up in
// logs, persisted error fields or API responses.
package redact

import (
	"regexp"
	"strings"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens). Keep it broad: tokens show up
	// in logs via downstream libraries and HTTP error messages.
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key|x-api-key)\b\s*[:=]\s*[^\s"'&<]+`)

	// Query parameters carrying credentials, e.g. "...?api_key=abc&domain=x".
	apiKeyQueryRe = regexp.MustCompile(`(?i)([?&](?:api_key|apikey|key|token)=)[^&\s"']+`)

	// JSON bodies echoing a key back: "api_key": "abc".
	apiKeyJSONRe = regexp.MustCompile(`(?i)"(api_key|apikey|token)"\s*:\s*"[^"]*"`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
//
// This is conservative: it should be safe to call on any message, including
// user-provided inputs and upstream error strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyQueryRe.ReplaceAllString(out, "${1}<redacted>")
	out = apiKeyJSONRe.ReplaceAllString(out, `"$1":"<redacted>"`)
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	return strings.TrimSpace(out)
}

// Truncate redacts s and caps it at max bytes, appending "..." when cut.
// Newlines are flattened so the result stays on one log line.
func Truncate(s string, max int) string {
	if s == "" {
		return ""
	}
	cut := false
	if max > 0 && len(s) > max {
		s = s[:max]
		cut = true
	}
	s = Secrets(s)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if cut {
		return s + "..."
	}
	return s
}
