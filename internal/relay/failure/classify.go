package failure

import (
	"regexp"
	"strings"
)

var (
	// Structured-output field names ("rate_limit_tokens": 0, "timeout_ms": 30)
	// would otherwise read as failure phrases.
	jsonFieldNameRE = regexp.MustCompile(`"[A-Za-z0-9_.\-]+"\s*:`)
	statusCodeRE    = regexp.MustCompile(`\b(?:http|status|code|error)[ :=/]*(429|5\d\d)\b`)
	whitespaceRE    = regexp.MustCompile(`\s+`)

	temporaryHints = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"rate limit",
		"rate-limit",
		"ratelimit",
		"too many requests",
		"overloaded",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"server error",
		"connection reset",
		"connection refused",
		"econnreset",
		"econnrefused",
		"broken pipe",
		"stream disconnected",
		"stream closed before",
		"temporarily unavailable",
		"temporary failure",
		"try again later",
		"tokens per min",
		"token rate limit",
		"usage limit reached",
	}
	// Substrings that contain a temporary hint but describe something else.
	temporaryExclusions = []string{
		"timeout_ms",
		"timeout_seconds",
		"rate_limit_info",
		"rate_limit_tokens",
		"overloaded_count",
		"no timeout",
	}
	serverErrorHints = []string{
		"internal server error",
		"server error",
		"server_error",
		"overloaded",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"api error: 5",
	}
)

// ClassifyOutput decides whether a failed invocation's combined output
// describes a temporary condition. The returned reason is the first matching
// phrase (or the first non-empty line when nothing matched).
func ClassifyOutput(text string) (Class, string) {
	norm := normalizeForMatch(text)
	for _, hint := range temporaryHints {
		if strings.Contains(norm, hint) {
			return ClassTemporary, hint
		}
	}
	if m := statusCodeRE.FindStringSubmatch(norm); len(m) > 1 {
		return ClassTemporary, "status " + m[1]
	}
	return ClassPermanent, firstNonEmptyLine(text)
}

// LooksLikeServerError reports whether output suggests the remote side failed,
// which warrants backing off before a retry.
func LooksLikeServerError(text string) bool {
	norm := normalizeForMatch(text)
	for _, hint := range serverErrorHints {
		if strings.Contains(norm, hint) {
			return true
		}
	}
	if m := statusCodeRE.FindStringSubmatch(norm); len(m) > 1 && m[1] != "429" {
		return true
	}
	return false
}

func normalizeForMatch(text string) string {
	s := strings.ToLower(text)
	for _, ex := range temporaryExclusions {
		s = strings.ReplaceAll(s, ex, " ")
	}
	s = jsonFieldNameRE.ReplaceAllString(s, " ")
	return whitespaceRE.ReplaceAllString(s, " ")
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > 240 {
				line = line[:240]
			}
			return line
		}
	}
	return ""
}
