// Package store persists patterns, staging candidates, execution records and
// the engine configuration row.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSignature indicates a live pattern already owns the
	// signature. Callers route this to reinforcement.
	ErrDuplicateSignature = errors.New("duplicate signature")

	// ErrStoreUnavailable wraps driver and connection failures. It is fatal
	// for the current request.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	State pattern.State
	Type  pattern.Type

	// Query matches a case-insensitive substring of the trigger text.
	Query string

	Limit int
}

// Stats aggregates engine-wide counters for the admin surface.
type Stats struct {
	PatternsByState map[pattern.State]int `json:"patterns_by_state"`
	TotalPatterns   int                   `json:"total_patterns"`
	Candidates      int                   `json:"candidates"`
	Decisions       int                   `json:"decisions"`
	AutoExecuted    int                   `json:"auto_executed"`

	// AverageConfidence is over active patterns only.
	AverageConfidence float64 `json:"average_confidence"`
}

// AutomationRate is auto-executed decisions over all decisions.
func (s Stats) AutomationRate() float64 {
	if s.Decisions == 0 {
		return 0
	}
	return float64(s.AutoExecuted) / float64(s.Decisions)
}

// UpdateFunc mutates a pattern inside an atomic read-modify-write.
// Returning an error aborts the update.
type UpdateFunc func(p *pattern.Pattern) error

// Store is the pattern store.
type Store interface {
	// CreateCandidate inserts a staged pattern and its staging row together.
	// Returns ErrDuplicateSignature if a live pattern owns the signature.
	CreateCandidate(ctx context.Context, p *pattern.Pattern, c *pattern.Candidate) error

	Get(ctx context.Context, id string) (*pattern.Pattern, error)

	// FindBySignature returns the live (staged or active) pattern owning sig.
	FindBySignature(ctx context.Context, sig string) (*pattern.Pattern, error)

	// ListActive returns active, unflagged patterns.
	ListActive(ctx context.Context) ([]*pattern.Pattern, error)

	List(ctx context.Context, filter ListFilter) ([]*pattern.Pattern, error)

	// Update applies fn to the current row and persists the result atomically.
	Update(ctx context.Context, id string, fn UpdateFunc) (*pattern.Pattern, error)

	GetCandidate(ctx context.Context, patternID string) (*pattern.Candidate, error)
	ListCandidates(ctx context.Context) ([]*pattern.Candidate, error)

	// TouchCandidate appends provenance and bumps the reinforcement time.
	TouchCandidate(ctx context.Context, patternID, conversationID string, now time.Time) error

	DeleteCandidate(ctx context.Context, patternID string) error

	AppendExecution(ctx context.Context, rec *pattern.ExecutionRecord) error

	// AppendOutcome records an outcome. first is true for exactly one
	// caller per execution, however many record concurrently.
	AppendOutcome(ctx context.Context, executionID string, outcome pattern.Outcome, at time.Time) (first bool, err error)
	GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error)
	ListExecutions(ctx context.Context, limit int) ([]*pattern.ExecutionRecord, error)

	Stats(ctx context.Context) (Stats, error)

	// LoadConfig returns the persisted engine config document, or ErrNotFound.
	LoadConfig(ctx context.Context) ([]byte, error)
	SaveConfig(ctx context.Context, doc []byte) error

	Ping(ctx context.Context) error
	Close() error
}
