package memory

import (
	"regexp"

	"golang.org/x/text/unicode/norm"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	phonePattern = regexp.MustCompile(`\b(?:\+?\d{1,2}[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)
)

const (
	redactedEmail = "[REDACTED_EMAIL]"
	redactedSSN   = "[REDACTED_SSN]"
	redactedCard  = "[REDACTED_CARD]"
	redactedPhone = "[REDACTED_PHONE]"
)

// RedactString NFKC-normalizes s so visually-equivalent Unicode forms
// redact consistently, then replaces email, SSN, card-number, and phone
// patterns with fixed tokens. Redaction is idempotent: running it again on
// already-redacted text is a no-op because the fixed tokens never match
// any of the patterns themselves.
func RedactString(s string) string {
	normalized := norm.NFKC.String(s)
	normalized = emailPattern.ReplaceAllString(normalized, redactedEmail)
	normalized = ssnPattern.ReplaceAllString(normalized, redactedSSN)
	normalized = cardPattern.ReplaceAllString(normalized, redactedCard)
	normalized = phonePattern.ReplaceAllString(normalized, redactedPhone)
	return normalized
}

// RedactJSON walks any JSON-decoded value (map[string]interface{},
// []interface{}, or a scalar) and applies RedactString to every string
// found, returning a new value of the same shape.
func RedactJSON(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = RedactJSON(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = RedactJSON(child)
		}
		return out
	default:
		return v
	}
}
