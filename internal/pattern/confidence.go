package pattern

import "time"

// Prior holds Beta distribution pseudo-counts.
//
// Confidence is the posterior mean (successes+Alpha)/(executions+Alpha+Beta):
// bounded, monotonic in outcomes, and with diminishing returns per
// observation.
type Prior struct {
	Alpha float64
	Beta  float64
}

var (
	// StagedPrior is skeptical: one observation yields 0.4.
	StagedPrior = Prior{Alpha: 1, Beta: 3}

	// ApprovedPrior encodes a human vetting the response.
	ApprovedPrior = Prior{Alpha: 8, Beta: 2}
)

// InitialConfidence is the confidence of a freshly learned candidate: one
// observation, one success, under StagedPrior.
func InitialConfidence() float64 {
	return Confidence(1, 1, StagedPrior)
}

// Confidence computes the posterior mean clamped to [0,1].
func Confidence(successes, executions int, prior Prior) float64 {
	if executions < 0 {
		executions = 0
	}
	if successes < 0 {
		successes = 0
	}
	if successes > executions {
		successes = executions
	}
	denom := float64(executions) + prior.Alpha + prior.Beta
	if denom <= 0 {
		return 0
	}
	return clamp01((float64(successes) + prior.Alpha) / denom)
}

// Prior returns the prior in effect for this pattern.
func (p *Pattern) Prior() Prior {
	if p.HumanApproved {
		return ApprovedPrior
	}
	return StagedPrior
}

// Reinforce records one observed use. A success raises or holds confidence;
// a failure lowers it.
func (p *Pattern) Reinforce(success bool, now time.Time) {
	p.ExecutionCount++
	if success {
		p.SuccessCount++
	}
	p.LastUsedAt = &now
	p.UpdatedAt = now
	p.recompute()
}

func (p *Pattern) recompute() {
	p.Confidence = Confidence(p.SuccessCount, p.ExecutionCount, p.Prior())
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
