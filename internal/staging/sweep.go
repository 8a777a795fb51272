package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Promoted int `json:"promoted"`
	Expired  int `json:"expired"`
	Orphaned int `json:"orphaned"`
	Failed   int `json:"failed"`
}

// Sweep promotes staged candidates that meet the promotion policy and
// rejects those idle past the expiry. Store outages stop the sweep; other
// per-candidate failures are logged and counted.
func (w *Workflow) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	policy := w.policy()

	cands, err := w.store.ListCandidates(ctx)
	if err != nil {
		return res, fmt.Errorf("listing candidates: %w", err)
	}

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := w.sweepOne(ctx, c, policy, now, &res)
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrClosed) {
			return res, err
		}
		res.Failed++
		w.logger.Warn("sweep skipped candidate",
			zap.String("pattern_id", c.PatternID),
			zap.Error(err))
	}

	if res != (SweepResult{}) {
		w.logger.Info("staging sweep finished",
			zap.Int("candidates", len(cands)),
			zap.Int("promoted", res.Promoted),
			zap.Int("expired", res.Expired),
			zap.Int("orphaned", res.Orphaned),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (w *Workflow) sweepOne(ctx context.Context, c *pattern.Candidate, policy pattern.Policy, now time.Time, res *SweepResult) error {
	p, err := w.store.Get(ctx, c.PatternID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		res.Orphaned++
		return w.dropCandidate(ctx, c.PatternID)
	case err != nil:
		return err
	}
	if p.State != pattern.StateStaged {
		res.Orphaned++
		return w.dropCandidate(ctx, c.PatternID)
	}

	switch {
	case p.PromotionEligible(policy):
		if _, err := w.transition(ctx, p.ID, events.KindPatternPromoted, func(p *pattern.Pattern) error {
			return p.Promote(policy, now)
		}); err != nil {
			return err
		}
		res.Promoted++
		return w.dropCandidate(ctx, p.ID)

	case policy.IdleExpiry > 0 && now.Sub(c.LastReinforcedAt) >= policy.IdleExpiry:
		if _, err := w.transition(ctx, p.ID, events.KindPatternExpired, func(p *pattern.Pattern) error {
			return p.Expire(policy, c.LastReinforcedAt, now)
		}); err != nil {
			return err
		}
		res.Expired++
		return w.dropCandidate(ctx, p.ID)
	}
	return nil
}
