// Package staging drives patterns through the approval state machine. It
// applies admin transitions, runs the periodic promotion and expiry sweep,
// and keeps the vector index in step with the active set.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/metrics"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
)

// PolicyFunc returns the lifecycle thresholds in effect.
type PolicyFunc func() pattern.Policy

// Workflow applies lifecycle transitions.
type Workflow struct {
	store     store.Store
	index     *vectorindex.Index
	publisher events.Publisher
	policy    PolicyFunc
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Workflow. index and publisher may be nil.
func New(st store.Store, index *vectorindex.Index, publisher events.Publisher, policy PolicyFunc, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Workflow{
		store:     st,
		index:     index,
		publisher: publisher,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

// transition runs fn inside a store update and then syncs the index and
// emits kind.
func (w *Workflow) transition(ctx context.Context, id string, kind events.Kind, fn store.UpdateFunc) (*pattern.Pattern, error) {
	p, err := w.store.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	w.syncIndex(ctx, p)

	label := string(kind)[len("pattern."):]
	metrics.TransitionsTotal.WithLabelValues(label).Inc()

	ev := events.New(kind, w.now())
	ev.PatternID = p.ID
	ev.Data = map[string]any{
		"state":           string(p.State),
		"auto_executable": p.AutoExecutable,
		"confidence":      p.Confidence,
		"execution_count": p.ExecutionCount,
	}
	events.Emit(ctx, w.publisher, w.logger, ev)

	w.logger.Info("pattern transition",
		zap.String("pattern_id", p.ID),
		zap.String("transition", label),
		zap.String("state", string(p.State)),
		zap.Bool("auto_executable", p.AutoExecutable))
	return p, nil
}

func (w *Workflow) syncIndex(ctx context.Context, p *pattern.Pattern) {
	if w.index == nil {
		return
	}
	if err := w.index.Upsert(ctx, p); err != nil {
		w.logger.Warn("vector index out of sync",
			zap.String("pattern_id", p.ID),
			zap.Error(err))
	}
}

func (w *Workflow) dropCandidate(ctx context.Context, id string) error {
	if err := w.store.DeleteCandidate(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("removing staging row for %s: %w", id, err)
	}
	return nil
}

// Approve activates a staged pattern on human approval and folds its
// staging row into it.
func (w *Workflow) Approve(ctx context.Context, id string) (*pattern.Pattern, error) {
	now := w.now()
	p, err := w.transition(ctx, id, events.KindPatternApproved, func(p *pattern.Pattern) error {
		return p.Approve(now)
	})
	if err != nil {
		return nil, err
	}
	return p, w.dropCandidate(ctx, id)
}

// Reject retires a staged pattern.
func (w *Workflow) Reject(ctx context.Context, id string) (*pattern.Pattern, error) {
	now := w.now()
	p, err := w.transition(ctx, id, events.KindPatternRejected, func(p *pattern.Pattern) error {
		return p.Reject(now)
	})
	if err != nil {
		return nil, err
	}
	return p, w.dropCandidate(ctx, id)
}

// Disable takes an active pattern out of service. Decisions already past
// matching are not waited for.
func (w *Workflow) Disable(ctx context.Context, id string) (*pattern.Pattern, error) {
	now := w.now()
	return w.transition(ctx, id, events.KindPatternDisabled, func(p *pattern.Pattern) error {
		return p.Disable(now)
	})
}

// Elevate grants auto-execution.
func (w *Workflow) Elevate(ctx context.Context, id string) (*pattern.Pattern, error) {
	now, policy := w.now(), w.policy()
	return w.transition(ctx, id, events.KindPatternElevated, func(p *pattern.Pattern) error {
		return p.Elevate(policy, now)
	})
}

// Demote revokes auto-execution.
func (w *Workflow) Demote(ctx context.Context, id string) (*pattern.Pattern, error) {
	now := w.now()
	return w.transition(ctx, id, events.KindPatternDemoted, func(p *pattern.Pattern) error {
		p.Demote(now)
		return nil
	})
}

// SetActive disables a pattern when active is false. Disabled is terminal,
// so true is accepted only for a pattern that is already active.
func (w *Workflow) SetActive(ctx context.Context, id string, active bool) (*pattern.Pattern, error) {
	if !active {
		return w.Disable(ctx, id)
	}
	p, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != pattern.StateActive {
		return nil, fmt.Errorf("%w: cannot reactivate a %s pattern", pattern.ErrInvalidTransition, p.State)
	}
	return p, nil
}

// SetAutoExecutable elevates or demotes.
func (w *Workflow) SetAutoExecutable(ctx context.Context, id string, auto bool) (*pattern.Pattern, error) {
	if auto {
		return w.Elevate(ctx, id)
	}
	return w.Demote(ctx, id)
}

// Flag quarantines a pattern whose data failed validation.
func (w *Workflow) Flag(ctx context.Context, id, reason string) (*pattern.Pattern, error) {
	now := w.now()
	return w.transition(ctx, id, events.KindPatternFlagged, func(p *pattern.Pattern) error {
		p.Flag(reason, now)
		return nil
	})
}

// Unflag returns a corrected pattern to service.
func (w *Workflow) Unflag(ctx context.Context, id string) (*pattern.Pattern, error) {
	now := w.now()
	return w.transition(ctx, id, events.KindPatternUnflagged, func(p *pattern.Pattern) error {
		return p.Unflag(now)
	})
}

// EditTemplate replaces a pattern's response template.
func (w *Workflow) EditTemplate(ctx context.Context, id string, tmpl pattern.Template) (*pattern.Pattern, error) {
	now := w.now()
	return w.transition(ctx, id, events.KindPatternEdited, func(p *pattern.Pattern) error {
		return p.SetTemplate(tmpl, now)
	})
}

// RebuildIndex loads the active set and re-indexes it.
func (w *Workflow) RebuildIndex(ctx context.Context) error {
	if w.index == nil {
		return nil
	}
	active, err := w.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active patterns: %w", err)
	}
	if err := w.index.Sync(ctx, active); err != nil {
		return err
	}
	w.logger.Info("vector index rebuilt", zap.Int("indexed", w.index.Len()), zap.Int("active", len(active)))
	return nil
}
