package secrets

import (
	"regexp"
	"strings"
	"unicode"
)

// extraRules cover support chat credentials outside the gitleaks catalogue.
var extraRules = []compiledRule{
	{
		id:       "bearer-token",
		re:       regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9._~+/-]{16,}=*)`),
		keywords: []string{"bearer"},
	},
	{
		// "your password is Hunter22", "pin: 4821". Requires a digit so
		// prose like "password is reset" does not trip it.
		id:       "credential-assignment",
		re:       regexp.MustCompile(`(?i)\b(?:password|passcode|passwd|pwd|pin|api[_ ]?key|secret)\b\s*(?:is|:|=)\s*["']?([^\s"',;]{4,})`),
		keywords: []string{"pass", "pwd", "pin", "key", "secret"},
		accept:   hasDigit,
	},
	{
		id:     "card-number",
		re:     regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		accept: luhnValid,
	},
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

// luhnValid checks the payment card checksum over the digits of s.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
