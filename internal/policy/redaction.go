package policy

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: longer digit runs are claimed before shorter ones so an ID
// or card number is never reported as a phone number.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	// Mainland resident ID: 17 digits plus a digit or X check character.
	{regexp.MustCompile(`\b[1-9]\d{16}[0-9Xx]\b`), "[REDACTED_ID]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`(?:\+?86[ -]?)?\b1[3-9]\d{9}\b`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks email addresses, resident ID, card and phone numbers in
// text destined for long-term memory.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
