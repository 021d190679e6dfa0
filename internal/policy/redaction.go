// Package policy masks personal data before it reaches logs.
package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	// CPF, the Brazilian taxpayer id, often typed during checkout.
	taxIDPattern = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`)
)

// RedactPII masks common high-risk PII patterns in free text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{taxIDPattern, "[REDACTED_TAX_ID]"},
		// Cards before phones so card numbers are not classified as phones.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactText is RedactPII without the changed flag.
func RedactText(input string) string {
	out, _ := RedactPII(input)
	return out
}

// MaskIdentity keeps the first four and last two characters of a contact
// identity, enough to correlate log lines without exposing the number.
func MaskIdentity(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 6 {
		return strings.Repeat("*", len(id))
	}
	return id[:4] + strings.Repeat("*", len(id)-6) + id[len(id)-2:]
}
