package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/metrics"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// RecordOutcome appends what a human did with a decision. The first outcome
// for a decision that used a pattern also feeds the pattern's confidence:
// accepted counts as a success, rejected and modified as attempts without
// success. An auto-executable pattern that falls below the elevation
// threshold loses auto-execution.
func (e *Engine) RecordOutcome(ctx context.Context, executionID string, outcome pattern.Outcome) (*pattern.ExecutionRecord, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidMessage, outcome)
	}
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	first, err := e.store.AppendOutcome(ctx, executionID, outcome, now)
	if err != nil {
		return nil, err
	}

	if first && rec.PatternID != "" {
		if err := e.reinforce(ctx, rec.PatternID, outcome == pattern.OutcomeAccepted); err != nil {
			return nil, err
		}
	}

	ev := events.New(events.KindOutcomeRecorded, now)
	ev.ExecutionID = executionID
	ev.PatternID = rec.PatternID
	ev.ConversationID = rec.ConversationID
	ev.Data = map[string]any{"outcome": string(outcome), "action": string(rec.Action)}
	events.Emit(ctx, e.publisher, e.logger, ev)

	return e.store.GetExecution(ctx, executionID)
}

func (e *Engine) reinforce(ctx context.Context, id string, success bool) error {
	now := e.now()
	threshold := e.safety.Snapshot().Elevation.MinConfidence
	demoted := false
	p, err := e.store.Update(ctx, id, func(p *pattern.Pattern) error {
		if !p.State.Live() {
			return nil
		}
		p.Reinforce(success, now)
		if p.AutoExecutable && p.Confidence < threshold {
			p.Demote(now)
			demoted = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reinforcing pattern %s: %w", id, err)
	}
	if demoted {
		metrics.TransitionsTotal.WithLabelValues("demoted").Inc()
		ev := events.New(events.KindPatternDemoted, now)
		ev.PatternID = id
		ev.Data = map[string]any{"confidence": p.Confidence, "reason": "confidence below elevation threshold"}
		events.Emit(ctx, e.publisher, e.logger, ev)
		e.logger.Warn("pattern lost auto-execution",
			zap.String("pattern_id", id),
			zap.Float64("confidence", p.Confidence),
			zap.Float64("threshold", threshold))
	}
	return nil
}

// Stats is the engine summary for the admin surface.
type Stats struct {
	store.Stats
	AutomationRate float64 `json:"automation_rate"`
}

// Stats reports pattern counts, automation rate and mean active confidence.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s, err := e.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: s, AutomationRate: s.AutomationRate()}, nil
}
