package routing

import (
	"strings"

	"github.com/tidwall/gjson"
)

// classifyModelError maps an arbitrary upstream error body onto the
// per-attempt taxonomy. Vendors disagree on shape, so this tolerates both a
// nested {"error": {...}} envelope and a flat object, matches substrings
// case-insensitively, and accepts numeric or string codes. Total and
// deterministic: any input yields a code or "" (unclassified), never a panic.
func classifyModelError(body []byte) ErrorCode {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	candidate := root.Get("error")
	if !candidate.IsObject() {
		candidate = root
	}
	if !candidate.IsObject() {
		return ""
	}

	message := strings.ToLower(candidate.Get("message").String())
	code := strings.ToLower(candidate.Get("code").String())
	if message == "" {
		message = code
	}
	errType := strings.ToLower(candidate.Get("type").String())
	status := candidate.Get("status").String()

	switch {
	case (strings.Contains(message, "context") && strings.Contains(message, "length")) ||
		code == "context_length_exceeded" || errType == "context_length_exceeded":
		return CodeContextLengthExceeded

	case strings.Contains(message, "quota") || strings.Contains(message, "insufficient") ||
		code == "insufficient_quota" || errType == "insufficient_quota":
		return CodeInsufficientQuota

	case strings.Contains(message, "rate") || strings.Contains(message, "429") ||
		code == "429" || status == "429":
		return CodeRateLimitExceeded

	case strings.Contains(message, "invalid model") ||
		(strings.Contains(message, "model") && strings.Contains(message, "invalid")) ||
		code == "invalid_model":
		return CodeInvalidModel

	case strings.Contains(message, "invalid api key") || strings.Contains(message, "unauthorized") ||
		code == "401" || status == "401" || code == "invalid_api_key":
		return CodeInvalidAPIKey
	}
	return ""
}
