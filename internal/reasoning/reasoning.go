// Package reasoning asks a language model whether a matched pattern fits the
// customer's message and which slot values to fill. The model never writes
// the response: the final text is always the pattern's template rendered
// with validated variables.
package reasoning

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// ErrReasoningFailed covers transport, timeout, schema and render failures.
// Callers treat it as a non-veto and fall back to the raw template.
var ErrReasoningFailed = errors.New("reasoning failed")

// Result is the adapter's verdict.
type Result struct {
	// Applicable is false when the model vetoes the pattern.
	Applicable bool `json:"applicable"`

	// FinalResponse is the template rendered with Variables.
	FinalResponse string `json:"final_response"`

	Rationale string            `json:"rationale"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Adapter checks and fills a pattern for one message.
type Adapter interface {
	Adapt(ctx context.Context, p *pattern.Pattern, message string, conversation []string) (*Result, error)
}

// NopAdapter accepts every pattern and renders its defaults. It is used when
// reasoning is disabled.
type NopAdapter struct{}

func (NopAdapter) Adapt(_ context.Context, p *pattern.Pattern, _ string, _ []string) (*Result, error) {
	text, err := p.Template.Render(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReasoningFailed, err)
	}
	return &Result{Applicable: true, FinalResponse: text, Rationale: "reasoning disabled"}, nil
}
