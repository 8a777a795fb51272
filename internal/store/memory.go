package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

type outcomeEntry struct {
	outcome pattern.Outcome
	at      time.Time
}

// MemoryStore is an in-process Store backed by maps.
type MemoryStore struct {
	mu         sync.RWMutex
	patterns   map[string]*pattern.Pattern
	live       map[string]string // signature -> pattern ID
	candidates map[string]*pattern.Candidate
	executions []*pattern.ExecutionRecord
	execIndex  map[string]int
	outcomes   map[string][]outcomeEntry
	config     []byte
	closed     bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns:   make(map[string]*pattern.Pattern),
		live:       make(map[string]string),
		candidates: make(map[string]*pattern.Candidate),
		execIndex:  make(map[string]int),
		outcomes:   make(map[string][]outcomeEntry),
	}
}

func (s *MemoryStore) check() error {
	if s.closed {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, ErrClosed)
	}
	return nil
}

// CreateCandidate implements Store.
func (s *MemoryStore) CreateCandidate(ctx context.Context, p *pattern.Pattern, c *pattern.Candidate) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.live[p.Signature]; ok {
		return ErrDuplicateSignature
	}
	s.patterns[p.ID] = p.Clone()
	s.live[p.Signature] = p.ID
	if c != nil {
		cc := *c
		cc.Provenance = append([]string(nil), c.Provenance...)
		s.candidates[p.ID] = &cc
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	p, ok := s.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

// FindBySignature implements Store.
func (s *MemoryStore) FindBySignature(ctx context.Context, sig string) (*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	id, ok := s.live[sig]
	if !ok {
		return nil, fmt.Errorf("signature %s: %w", sig, ErrNotFound)
	}
	return s.patterns[id].Clone(), nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.Pattern
	for _, p := range s.patterns {
		if p.IsActive() {
			out = append(out, p.Clone())
		}
	}
	sortPatterns(out)
	return out, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	q := strings.ToLower(filter.Query)
	var out []*pattern.Pattern
	for _, p := range s.patterns {
		if filter.State != "" && p.State != filter.State {
			continue
		}
		if filter.Type != "" && p.Type != filter.Type {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(p.TriggerText), q) {
			continue
		}
		out = append(out, p.Clone())
	}
	sortPatterns(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	cur, ok := s.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if next.Signature != cur.Signature || next.State.Live() != cur.State.Live() {
		if cur.State.Live() && s.live[cur.Signature] == id {
			delete(s.live, cur.Signature)
		}
		if next.State.Live() {
			if owner, taken := s.live[next.Signature]; taken && owner != id {
				s.live[cur.Signature] = id
				return nil, ErrDuplicateSignature
			}
			s.live[next.Signature] = id
		}
	}
	s.patterns[id] = next
	return next.Clone(), nil
}

// GetCandidate implements Store.
func (s *MemoryStore) GetCandidate(ctx context.Context, patternID string) (*pattern.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	c, ok := s.candidates[patternID]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", patternID, ErrNotFound)
	}
	cc := *c
	cc.Provenance = append([]string(nil), c.Provenance...)
	return &cc, nil
}

// ListCandidates implements Store.
func (s *MemoryStore) ListCandidates(ctx context.Context) ([]*pattern.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]*pattern.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		cc := *c
		cc.Provenance = append([]string(nil), c.Provenance...)
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PatternID < out[j].PatternID
	})
	return out, nil
}

// TouchCandidate implements Store.
func (s *MemoryStore) TouchCandidate(ctx context.Context, patternID, conversationID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	c, ok := s.candidates[patternID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", patternID, ErrNotFound)
	}
	c.AddProvenance(conversationID, now)
	return nil
}

// DeleteCandidate implements Store.
func (s *MemoryStore) DeleteCandidate(ctx context.Context, patternID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.candidates, patternID)
	return nil
}

// AppendExecution implements Store.
func (s *MemoryStore) AppendExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, dup := s.execIndex[rec.ID]; dup {
		return fmt.Errorf("execution %s already recorded", rec.ID)
	}
	cp := *rec
	cp.Outcome = ""
	cp.OutcomeAt = nil
	s.execIndex[rec.ID] = len(s.executions)
	s.executions = append(s.executions, &cp)
	return nil
}

// AppendOutcome implements Store.
func (s *MemoryStore) AppendOutcome(ctx context.Context, executionID string, outcome pattern.Outcome, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	if _, ok := s.execIndex[executionID]; !ok {
		return false, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	first := len(s.outcomes[executionID]) == 0
	s.outcomes[executionID] = append(s.outcomes[executionID], outcomeEntry{outcome: outcome, at: at})
	return first, nil
}

func (s *MemoryStore) withOutcome(rec *pattern.ExecutionRecord) *pattern.ExecutionRecord {
	cp := *rec
	if entries := s.outcomes[rec.ID]; len(entries) > 0 {
		last := entries[len(entries)-1]
		cp.Outcome = last.outcome
		at := last.at
		cp.OutcomeAt = &at
	}
	return &cp
}

// GetExecution implements Store.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	i, ok := s.execIndex[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return s.withOutcome(s.executions[i]), nil
}

// ListExecutions implements Store. Newest first.
func (s *MemoryStore) ListExecutions(ctx context.Context, limit int) ([]*pattern.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.ExecutionRecord
	for i := len(s.executions) - 1; i >= 0; i-- {
		out = append(out, s.withOutcome(s.executions[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return Stats{}, err
	}
	st := Stats{PatternsByState: make(map[pattern.State]int)}
	var sum float64
	var active int
	for _, p := range s.patterns {
		st.PatternsByState[p.State]++
		st.TotalPatterns++
		if p.State == pattern.StateActive {
			sum += p.Confidence
			active++
		}
	}
	if active > 0 {
		st.AverageConfidence = sum / float64(active)
	}
	st.Candidates = len(s.candidates)
	st.Decisions = len(s.executions)
	for _, e := range s.executions {
		if e.AutoExecuted {
			st.AutoExecuted++
		}
	}
	return st, nil
}

// LoadConfig implements Store.
func (s *MemoryStore) LoadConfig(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.config == nil {
		return nil, fmt.Errorf("engine config: %w", ErrNotFound)
	}
	return append([]byte(nil), s.config...), nil
}

// SaveConfig implements Store.
func (s *MemoryStore) SaveConfig(ctx context.Context, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.config = append([]byte(nil), doc...)
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortPatterns(ps []*pattern.Pattern) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
