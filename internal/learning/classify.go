package learning

import (
	"regexp"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

type rule struct {
	typ pattern.Type
	re  *regexp.Regexp
}

// rules are checked in order; the first match wins.
var rules = []rule{
	{pattern.TypeBooking, regexp.MustCompile(`(?i)\b(book(ing)?|appointment|reserv(e|ation)|reschedul\w*|schedul\w*|cancel (my|the|an?) )`)},
	{pattern.TypeAccess, regexp.MustCompile(`(?i)\b(log ?in|sign ?in|password|locked out|account access|can'?t access|two.factor|2fa|verification code)`)},
	{pattern.TypeTechIssue, regexp.MustCompile(`(?i)\b(error|not working|doesn'?t work|isn'?t working|broken|crash\w*|bug|glitch|won'?t (load|open|start))`)},
	{pattern.TypeHours, regexp.MustCompile(`(?i)\b(hours|open(ing)?|clos(e|ed|ing)|what time|when are you)\b`)},
	{pattern.TypePricing, regexp.MustCompile(`(?i)(\bprice|\bpricing|\bcost|\bhow much|\bfees?\b|\bdiscount|\brefund|\$\d)`)},
}

// Classify assigns a request type to a customer message. Messages no rule
// claims are FAQs.
func Classify(message string) pattern.Type {
	for _, r := range rules {
		if r.re.MatchString(message) {
			return r.typ
		}
	}
	return pattern.TypeFAQ
}
