package reasoning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// MaxRationaleLength bounds the rationale in characters.
const MaxRationaleLength = 500

var errSchema = errors.New("response does not match schema")

type modelOutput struct {
	Applicable *bool             `json:"applicable"`
	Rationale  *string           `json:"rationale"`
	Variables  map[string]string `json:"variables"`
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseOutput decodes raw model output strictly and validates it against
// the pattern's template.
func parseOutput(raw string, tmpl pattern.Template) (*Result, error) {
	body := stripFences(raw)
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()

	var out modelOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", errSchema, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", errSchema)
	}
	if out.Applicable == nil {
		return nil, fmt.Errorf("%w: applicable is required", errSchema)
	}
	if out.Rationale == nil {
		return nil, fmt.Errorf("%w: rationale is required", errSchema)
	}
	if n := utf8.RuneCountInString(*out.Rationale); n > MaxRationaleLength {
		return nil, fmt.Errorf("%w: rationale has %d characters, limit %d", errSchema, n, MaxRationaleLength)
	}

	kinds := tmpl.Variables()
	for name, value := range out.Variables {
		kind, ok := kinds[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown variable %q", errSchema, name)
		}
		if value == "" {
			continue
		}
		if err := kind.CheckValue(value); err != nil {
			return nil, fmt.Errorf("%w: variable %q: %w", errSchema, name, err)
		}
	}

	res := &Result{
		Applicable: *out.Applicable,
		Rationale:  *out.Rationale,
		Variables:  out.Variables,
	}
	if !res.Applicable {
		return res, nil
	}
	text, err := tmpl.Render(out.Variables)
	if err != nil {
		return nil, fmt.Errorf("rendering template: %w", err)
	}
	res.FinalResponse = text
	return res, nil
}
