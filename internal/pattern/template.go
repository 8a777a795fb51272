package pattern

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// VariableKind is the closed set of slot kinds a template may contain.
type VariableKind string

const (
	VarURL      VariableKind = "url"
	VarPrice    VariableKind = "price"
	VarHours    VariableKind = "hours"
	VarFreeform VariableKind = "freeform"
)

// Valid reports whether k is a known kind.
func (k VariableKind) Valid() bool {
	switch k {
	case VarURL, VarPrice, VarHours, VarFreeform:
		return true
	}
	return false
}

var (
	priceValue = regexp.MustCompile(`^(?:[$€£]\s?\d[\d,]*(?:\.\d{1,2})?|\d[\d,]*(?:\.\d{1,2})?\s?(?:dollars|usd|eur|gbp))$`)
	hoursValue = regexp.MustCompile(`(?i)^(?:\d{1,2}(?::\d{2})?\s?(?:am|pm)?\s?(?:-|–|to)\s?\d{1,2}(?::\d{2})?\s?(?:am|pm)?|24/7)$`)
)

// CheckValue validates v against the kind.
func (k VariableKind) CheckValue(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: empty %s value", ErrInvalidPatternData, k)
	}
	switch k {
	case VarURL:
		u, err := url.Parse(v)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidPatternData, v)
		}
	case VarPrice:
		if !priceValue.MatchString(strings.ToLower(v)) {
			return fmt.Errorf("%w: %q is not a price", ErrInvalidPatternData, v)
		}
	case VarHours:
		if !hoursValue.MatchString(v) {
			return fmt.Errorf("%w: %q is not an hours range", ErrInvalidPatternData, v)
		}
	case VarFreeform:
	default:
		return fmt.Errorf("%w: unknown variable kind %q", ErrInvalidPatternData, k)
	}
	return nil
}

// Segment is one node of a template: a literal run of text or a variable slot.
// Exactly one of Text or Name is set.
type Segment struct {
	Text    string       `json:"text,omitempty"`
	Name    string       `json:"name,omitempty"`
	Kind    VariableKind `json:"kind,omitempty"`
	Default string       `json:"default,omitempty"`
}

// Literal builds a literal segment.
func Literal(text string) Segment { return Segment{Text: text} }

// Slot builds a variable segment with a learned default.
func Slot(name string, kind VariableKind, def string) Segment {
	return Segment{Name: name, Kind: kind, Default: def}
}

// IsVariable reports whether the segment is a slot.
func (s Segment) IsVariable() bool { return s.Name != "" }

// Template is a response as an ordered list of segments.
type Template []Segment

// Validate checks slot names, kinds and defaults.
func (t Template) Validate() error {
	if len(t) == 0 {
		return ErrEmptyTemplate
	}
	seen := make(map[string]VariableKind)
	for i, seg := range t {
		if !seg.IsVariable() {
			if seg.Kind != "" || seg.Default != "" {
				return fmt.Errorf("%w: literal segment %d carries slot fields", ErrInvalidPatternData, i)
			}
			continue
		}
		if seg.Text != "" {
			return fmt.Errorf("%w: slot %q carries literal text", ErrInvalidPatternData, seg.Name)
		}
		if !seg.Kind.Valid() {
			return fmt.Errorf("%w: slot %q has unknown kind %q", ErrInvalidPatternData, seg.Name, seg.Kind)
		}
		if prev, ok := seen[seg.Name]; ok && prev != seg.Kind {
			return fmt.Errorf("%w: slot %q declared with kinds %s and %s", ErrInvalidPatternData, seg.Name, prev, seg.Kind)
		}
		seen[seg.Name] = seg.Kind
		if seg.Default != "" {
			if err := seg.Kind.CheckValue(seg.Default); err != nil {
				return fmt.Errorf("slot %q: %w", seg.Name, err)
			}
		}
	}
	return nil
}

// Variables returns slot kinds by name.
func (t Template) Variables() map[string]VariableKind {
	vars := make(map[string]VariableKind)
	for _, seg := range t {
		if seg.IsVariable() {
			vars[seg.Name] = seg.Kind
		}
	}
	return vars
}

// Render resolves every slot from lookup, falling back to the learned default.
// A slot that resolves to nothing or to a value invalid for its kind yields
// ErrInvalidPatternData.
func (t Template) Render(lookup map[string]string) (string, error) {
	if len(t) == 0 {
		return "", ErrEmptyTemplate
	}
	var b strings.Builder
	for _, seg := range t {
		if !seg.IsVariable() {
			b.WriteString(seg.Text)
			continue
		}
		v, ok := lookup[seg.Name]
		if !ok || v == "" {
			v = seg.Default
		}
		if err := seg.Kind.CheckValue(v); err != nil {
			return "", fmt.Errorf("slot %q: %w", seg.Name, err)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// String renders the template with placeholders, for display.
func (t Template) String() string {
	var b strings.Builder
	for _, seg := range t {
		if seg.IsVariable() {
			fmt.Fprintf(&b, "{{%s:%s}}", seg.Name, seg.Kind)
			continue
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// Clone returns a copy of the segment list.
func (t Template) Clone() Template {
	if t == nil {
		return nil
	}
	return append(Template(nil), t...)
}
