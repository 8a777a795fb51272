package pattern

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the graded decision for an inbound message.
type Action string

const (
	ActionAutoExecute Action = "auto_execute"
	ActionSuggest     Action = "suggest"
	ActionQueue       Action = "queue"
	ActionEscalate    Action = "escalate"
)

// Downgrade returns the action one tier below a.
func (a Action) Downgrade() Action {
	switch a {
	case ActionAutoExecute:
		return ActionSuggest
	case ActionSuggest:
		return ActionQueue
	default:
		return ActionEscalate
	}
}

// Outcome is what a human eventually did with a decision.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeModified Outcome = "modified"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeAccepted || o == OutcomeRejected || o == OutcomeModified
}

// ExecutionRecord is the immutable log entry for one decision.
type ExecutionRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	MessageText    string `json:"message_text"`

	// PatternID is empty when nothing matched.
	PatternID           string  `json:"pattern_id,omitempty"`
	MatchScore          float64 `json:"match_score"`
	EffectiveConfidence float64 `json:"effective_confidence"`

	Action Action `json:"action"`

	// WouldAction is the action with shadow mode ignored.
	WouldAction Action `json:"would_action"`

	Shadow          bool `json:"shadow"`
	AutoExecuted    bool `json:"auto_executed"`
	ReasoningFailed bool `json:"reasoning_failed"`
	Vetoed          bool `json:"vetoed"`
	KeywordFallback bool `json:"keyword_fallback"`

	Response  string `json:"response,omitempty"`
	Rationale string `json:"rationale,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Outcome is the latest appended outcome, if any. It is populated on read
	// and never written through the record itself.
	Outcome   Outcome    `json:"outcome,omitempty"`
	OutcomeAt *time.Time `json:"outcome_at,omitempty"`
}

// NewExecutionRecord creates a record with a generated ID.
func NewExecutionRecord(conversationID, message string, now time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		MessageText:    message,
		Action:         ActionEscalate,
		WouldAction:    ActionEscalate,
		CreatedAt:      now,
	}
}

// Candidate is the staging row for a learned pattern awaiting approval.
type Candidate struct {
	PatternID string `json:"pattern_id"`
	Signature string `json:"signature"`

	// Provenance lists the conversations that contributed observations.
	Provenance []string `json:"provenance"`

	InitialConfidence float64   `json:"initial_confidence"`
	CreatedAt         time.Time `json:"created_at"`
	LastReinforcedAt  time.Time `json:"last_reinforced_at"`
}

// NewCandidate creates the staging row for p.
func NewCandidate(p *Pattern, conversationID string, now time.Time) (*Candidate, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}
	if p.State != StateStaged {
		return nil, fmt.Errorf("%w: candidate requires a staged pattern", ErrInvalidPattern)
	}
	return &Candidate{
		PatternID:         p.ID,
		Signature:         p.Signature,
		Provenance:        []string{conversationID},
		InitialConfidence: p.Confidence,
		CreatedAt:         now,
		LastReinforcedAt:  now,
	}, nil
}

// AddProvenance records another contributing conversation.
func (c *Candidate) AddProvenance(conversationID string, now time.Time) {
	c.LastReinforcedAt = now
	for _, id := range c.Provenance {
		if id == conversationID {
			return
		}
	}
	c.Provenance = append(c.Provenance, conversationID)
}
