// Package redact is the PHI boundary. Everything bound for the event
// bus and every log line outside local development passes through it.
package redact

import (
	"regexp"
	"strings"
)

const Marker = "[REDACTED]"

// blockedFields are replaced wholesale wherever they appear as keys,
// regardless of value shape.
var blockedFields = map[string]struct{}{
	"first_name":      {},
	"last_name":       {},
	"given_name":      {},
	"family_name":     {},
	"patient_name":    {},
	"dob":             {},
	"date_of_birth":   {},
	"ssn":             {},
	"member_id":       {},
	"patient_id":      {},
	"diagnosis_codes": {},
	"procedure_codes": {},
	"insurance_card":  {},
	"raw_payload":     {},
}

var patterns = []*regexp.Regexp{
	// SSN, with or without dashes when labeled by shape
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// US-style member ids, e.g. ABC123456789
	regexp.MustCompile(`\b[A-Z]{1,3}\d{6,12}\b`),
	// ISO dates that look like birth dates
	regexp.MustCompile(`\b(?:19|20)\d{2}-\d{2}-\d{2}\b`),
	// email
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	// US phone numbers
	regexp.MustCompile(`\(?\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}`),
}

// Blocked reports whether key names a PHI-bearing field.
func Blocked(key string) bool {
	_, ok := blockedFields[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// String scrubs PHI-shaped substrings out of free text. Applying it to
// its own output changes nothing: the marker contains no digits or
// address characters any pattern can match.
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, Marker)
	}
	return s
}

// Value recursively redacts v. Maps lose blocked keys' values entirely;
// strings are scrubbed; slices are walked element-wise. Scalars other
// than strings pass through untouched.
func Value(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if Blocked(k) {
				out[k] = Marker
				continue
			}
			out[k] = Value(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Value(val)
		}
		return out
	default:
		return v
	}
}
