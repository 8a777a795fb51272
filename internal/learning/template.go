package learning

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

type extractor struct {
	name string
	kind pattern.VariableKind
	re   *regexp.Regexp
	trim string
}

// extractors run in priority order. A later match overlapping an earlier
// one is dropped.
var extractors = []extractor{
	{"link", pattern.VarURL, regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`), ".,;:!?"},
	{"email", pattern.VarFreeform, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "."},
	{"hours", pattern.VarHours, regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s?(?:am|pm)?\s?(?:-|–|to)\s?\d{1,2}(?::\d{2})?\s?(?:am|pm)\b|24/7`), ""},
	{"price", pattern.VarPrice, regexp.MustCompile(`[$€£]\s?\d[\d,]*(?:\.\d{1,2})?`), ","},
	{"phone", pattern.VarFreeform, regexp.MustCompile(`\+?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`), ""},
}

type span struct {
	start, end int
	ex         *extractor
}

// ExtractTemplate turns an operator reply into a template. URLs, prices,
// hours ranges, emails and phone numbers become slots whose defaults are
// the values seen.
func ExtractTemplate(response string) pattern.Template {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil
	}

	var spans []span
	for i := range extractors {
		ex := &extractors[i]
		for _, loc := range ex.re.FindAllStringIndex(response, -1) {
			start, end := loc[0], loc[1]
			if ex.trim != "" {
				end = start + len(strings.TrimRight(response[start:end], ex.trim))
			}
			if end <= start || overlaps(spans, start, end) {
				continue
			}
			spans = append(spans, span{start, end, ex})
		}
	}
	if len(spans) == 0 {
		return pattern.Template{pattern.Literal(response)}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var tmpl pattern.Template
	counts := make(map[string]int)
	pos := 0
	for _, s := range spans {
		if s.start > pos {
			tmpl = append(tmpl, pattern.Literal(response[pos:s.start]))
		}
		counts[s.ex.name]++
		name := s.ex.name
		if n := counts[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		tmpl = append(tmpl, pattern.Slot(name, s.ex.kind, response[s.start:s.end]))
		pos = s.end
	}
	if pos < len(response) {
		tmpl = append(tmpl, pattern.Literal(response[pos:]))
	}

	// A value the extractor accepted but the kind rejects keeps the reply
	// verbatim.
	if err := tmpl.Validate(); err != nil {
		return pattern.Template{pattern.Literal(response)}
	}
	return tmpl
}

func overlaps(spans []span, start, end int) bool {
	for _, s := range spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}
