package audit

import (
	"regexp"
	"strings"
)

// MaskedValue replaces metadata values identified as PHI before the
// entry is hashed or stored.
const MaskedValue = "[REDACTED]"

// phiKeyFragments are metadata key substrings that indicate the value
// carries a direct patient identifier per the HIPAA Safe Harbor
// categories (45 CFR 164.514(b)(2)). Matching is case-insensitive on
// the normalized key.
var phiKeyFragments = []string{
	"ssn",
	"social_security",
	"mrn",
	"medical_record",
	"dob",
	"date_of_birth",
	"birth_date",
	"patient_name",
	"full_name",
	"first_name",
	"last_name",
	"address",
	"phone",
	"email",
}

// phiValuePatterns catch identifier-shaped values under keys the
// fragment list misses: SSNs, US phone numbers and email addresses.
var phiValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`),
	regexp.MustCompile(`^\+?1?[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}$`),
	regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`),
}

// maskMetadata returns a copy of md with PHI values replaced by
// MaskedValue. Masking happens before hashing, so the raw identifier
// never reaches the ledger in any form. A nil map stays nil.
func maskMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if isPHIKey(k) || isPHIValue(v) {
			out[k] = MaskedValue
			continue
		}
		out[k] = v
	}
	return out
}

func isPHIKey(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	for _, frag := range phiKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

func isPHIValue(v string) bool {
	for _, re := range phiValuePatterns {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}
