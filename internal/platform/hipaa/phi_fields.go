package hipaa

import "strings"

// RedactionMarker replaces any audit value that trips the PHI heuristic.
const RedactionMarker = "***REDACTED_PHI***"

// phiKeywords are the substrings that mark a free-text value as likely to
// carry Safe Harbor identifiers (45 CFR 164.514(b)(2)): names, dates of
// birth, SSNs, phone numbers, street addresses, email addresses.
var phiKeywords = []string{
	"name",
	"dob",
	"ssn",
	"phone",
	"address",
	"email",
}

// MaskPHI returns RedactionMarker when s contains any PHI keyword
// (case-insensitive) and s unchanged otherwise. The whole value is replaced,
// never a substring, so partial identifiers cannot leak around the match.
func MaskPHI(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	for _, kw := range phiKeywords {
		if strings.Contains(lower, kw) {
			return RedactionMarker
		}
	}
	return s
}
