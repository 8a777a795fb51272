// Package pattern defines learned response patterns, their confidence model
// and the lifecycle state machine that governs when they may be used.
package pattern

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for pattern operations.
var (
	ErrInvalidPattern      = errors.New("invalid pattern")
	ErrInvalidPatternData  = errors.New("invalid pattern data")
	ErrInvalidTransition   = errors.New("invalid lifecycle transition")
	ErrNotEligible         = errors.New("pattern not eligible for transition")
	ErrEmptyTrigger        = errors.New("trigger text cannot be empty")
	ErrEmptyTemplate       = errors.New("response template cannot be empty")
	ErrInvalidConfidence   = errors.New("confidence must be between 0.0 and 1.0")
	ErrEmptyConversationID = errors.New("conversation ID cannot be empty")
)

// Type categorizes what kind of customer request a pattern answers.
// The set is open: classifiers may produce values outside the built-ins.
type Type string

const (
	TypeBooking   Type = "booking"
	TypeTechIssue Type = "tech_issue"
	TypeHours     Type = "hours"
	TypePricing   Type = "pricing"
	TypeAccess    Type = "access"
	TypeFAQ       Type = "faq"
)

// State is the lifecycle state of a pattern.
type State string

const (
	// StateStaged is a learned candidate awaiting promotion or rejection.
	StateStaged State = "staged"

	// StateActive patterns are the only ones the matcher returns.
	StateActive State = "active"

	// StateRejected is terminal. Re-proposal creates a new candidate.
	StateRejected State = "rejected"

	// StateDisabled is terminal. Set when an active pattern is found wrong.
	StateDisabled State = "disabled"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateStaged, StateActive, StateRejected, StateDisabled:
		return true
	}
	return false
}

// Live reports whether a pattern in this state still owns its signature.
func (s State) Live() bool {
	return s == StateStaged || s == StateActive
}

// Pattern is a learned (trigger, response template) pair.
//
// State and AutoExecutable change only through the transition methods in
// lifecycle.go. Counts and Confidence change only through Reinforce.
type Pattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// Type is the request category.
	Type Type `json:"type"`

	// TriggerText is the canonical customer utterance that created the pattern.
	TriggerText string `json:"trigger_text"`

	// TriggerKeywords are normalized tokens for lexical matching.
	TriggerKeywords []string `json:"trigger_keywords"`

	// Signature is the stable hash of the normalized trigger text.
	Signature string `json:"signature"`

	// Embedding is the vector over TriggerText. Empty when embedding failed
	// at learn time; such patterns match lexically only.
	Embedding []float32 `json:"embedding,omitempty"`

	// Template is the response with typed variable slots.
	Template Template `json:"template"`

	// Confidence is a score from 0.0 to 1.0 derived from the counts below.
	Confidence float64 `json:"confidence"`

	ExecutionCount int `json:"execution_count"`
	SuccessCount   int `json:"success_count"`

	// AutoExecutable gates auto-response independently of confidence.
	AutoExecutable bool `json:"auto_executable"`

	State State `json:"state"`

	// HumanApproved selects the vetted confidence prior.
	HumanApproved bool `json:"human_approved"`

	// Flagged patterns carry invalid data and are excluded from matching
	// until an admin clears the flag.
	Flagged    bool   `json:"flagged"`
	FlagReason string `json:"flag_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// NewCandidatePattern creates a staged pattern from a single observation.
func NewCandidatePattern(typ Type, trigger string, tmpl Template, now time.Time) (*Pattern, error) {
	if trigger == "" {
		return nil, ErrEmptyTrigger
	}
	if len(tmpl) == 0 {
		return nil, ErrEmptyTemplate
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if typ == "" {
		typ = TypeFAQ
	}

	p := &Pattern{
		ID:              uuid.New().String(),
		Type:            typ,
		TriggerText:     trigger,
		TriggerKeywords: Keywords(trigger),
		Signature:       Signature(trigger),
		Template:        tmpl,
		ExecutionCount:  1,
		SuccessCount:    1,
		State:           StateStaged,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	p.recompute()
	return p, nil
}

// IsActive reports whether the pattern may be returned by the matcher.
func (p *Pattern) IsActive() bool {
	return p.State == StateActive && !p.Flagged
}

// Validate checks the pattern for structural errors.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidPattern)
	}
	if p.TriggerText == "" {
		return ErrEmptyTrigger
	}
	if p.Signature == "" {
		return fmt.Errorf("%w: signature cannot be empty", ErrInvalidPattern)
	}
	if !p.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidPattern, p.State)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if p.SuccessCount > p.ExecutionCount || p.SuccessCount < 0 {
		return fmt.Errorf("%w: success count %d exceeds execution count %d", ErrInvalidPattern, p.SuccessCount, p.ExecutionCount)
	}
	if p.AutoExecutable && p.State != StateActive {
		return fmt.Errorf("%w: only active patterns may be auto-executable", ErrInvalidPattern)
	}
	return p.Template.Validate()
}

// Clone returns a deep copy.
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	c := *p
	c.TriggerKeywords = append([]string(nil), p.TriggerKeywords...)
	c.Embedding = append([]float32(nil), p.Embedding...)
	c.Template = p.Template.Clone()
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Flag quarantines a pattern with invalid data.
func (p *Pattern) Flag(reason string, now time.Time) {
	p.Flagged = true
	p.FlagReason = reason
	p.UpdatedAt = now
}

// Unflag clears a quarantine once the data has been corrected. The template
// must render from its defaults alone.
func (p *Pattern) Unflag(now time.Time) error {
	if err := p.Template.Validate(); err != nil {
		return err
	}
	if _, err := p.Template.Render(nil); err != nil {
		return err
	}
	p.Flagged = false
	p.FlagReason = ""
	p.UpdatedAt = now
	return nil
}

// SetTemplate replaces the response template. The flag, if any, stays until
// an explicit Unflag.
func (p *Pattern) SetTemplate(tmpl Template, now time.Time) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	p.Template = tmpl.Clone()
	p.UpdatedAt = now
	return nil
}
