package pattern

import (
	"fmt"
	"time"
)

// Policy carries the thresholds the lifecycle transitions consult.
type Policy struct {
	// MinOccurrences is the execution count required for auto-promotion.
	MinOccurrences int

	// MinConfidence is the confidence required for auto-promotion
	// (the suggest threshold).
	MinConfidence float64

	// ElevationConfidence and ElevationExecutions gate AutoExecutable.
	ElevationConfidence float64
	ElevationExecutions int

	// IdleExpiry rejects staged candidates not reinforced for this long.
	// Zero disables expiry.
	IdleExpiry time.Duration
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Approve moves a staged pattern to active on explicit human approval.
// Approval switches the pattern to the vetted prior.
func (p *Pattern) Approve(now time.Time) error {
	if p.State != StateStaged {
		return transitionError(p.State, StateActive)
	}
	p.State = StateActive
	p.HumanApproved = true
	p.UpdatedAt = now
	p.recompute()
	return nil
}

// Promote moves a staged pattern to active once it has been observed often
// and consistently enough. It never grants auto-execution.
func (p *Pattern) Promote(policy Policy, now time.Time) error {
	if p.State != StateStaged {
		return transitionError(p.State, StateActive)
	}
	if !p.PromotionEligible(policy) {
		return fmt.Errorf("%w: executions %d/%d confidence %.3f/%.3f", ErrNotEligible,
			p.ExecutionCount, policy.MinOccurrences, p.Confidence, policy.MinConfidence)
	}
	p.State = StateActive
	p.UpdatedAt = now
	return nil
}

// PromotionEligible reports whether Promote would succeed on counts alone.
func (p *Pattern) PromotionEligible(policy Policy) bool {
	return p.ExecutionCount >= policy.MinOccurrences && p.Confidence >= policy.MinConfidence
}

// Reject moves a staged pattern to rejected on explicit human rejection.
func (p *Pattern) Reject(now time.Time) error {
	if p.State != StateStaged {
		return transitionError(p.State, StateRejected)
	}
	p.State = StateRejected
	p.UpdatedAt = now
	return nil
}

// Expire rejects a staged pattern whose last reinforcement is older than the
// idle period.
func (p *Pattern) Expire(policy Policy, lastReinforced, now time.Time) error {
	if p.State != StateStaged {
		return transitionError(p.State, StateRejected)
	}
	if policy.IdleExpiry <= 0 || now.Sub(lastReinforced) < policy.IdleExpiry {
		return fmt.Errorf("%w: idle %s of %s", ErrNotEligible, now.Sub(lastReinforced), policy.IdleExpiry)
	}
	p.State = StateRejected
	p.UpdatedAt = now
	return nil
}

// Disable takes an active pattern out of service immediately.
func (p *Pattern) Disable(now time.Time) error {
	if p.State != StateActive {
		return transitionError(p.State, StateDisabled)
	}
	p.State = StateDisabled
	p.AutoExecutable = false
	p.UpdatedAt = now
	return nil
}

// Elevate grants auto-execution to a proven active pattern.
func (p *Pattern) Elevate(policy Policy, now time.Time) error {
	if p.State != StateActive {
		return fmt.Errorf("%w: only active patterns can be elevated (state %s)", ErrInvalidTransition, p.State)
	}
	if p.Flagged {
		return fmt.Errorf("%w: pattern is flagged: %s", ErrNotEligible, p.FlagReason)
	}
	if p.Confidence < policy.ElevationConfidence || p.ExecutionCount < policy.ElevationExecutions {
		return fmt.Errorf("%w: executions %d/%d confidence %.3f/%.3f", ErrNotEligible,
			p.ExecutionCount, policy.ElevationExecutions, p.Confidence, policy.ElevationConfidence)
	}
	p.AutoExecutable = true
	p.UpdatedAt = now
	return nil
}

// Demote revokes auto-execution. Demoting a non-auto-executable pattern is a
// no-op.
func (p *Pattern) Demote(now time.Time) {
	if p.AutoExecutable {
		p.AutoExecutable = false
		p.UpdatedAt = now
	}
}
