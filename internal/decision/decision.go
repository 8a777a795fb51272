// Package decision maps a matched pattern to a graded action using ordered
// confidence thresholds.
package decision

import (
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Config is the per-request snapshot of the thresholds and switches the
// decision consults.
type Config struct {
	Enabled    bool
	ShadowMode bool

	Act     float64
	Suggest float64
	Queue   float64

	// MatchFloor and MatchFull bound the linear ramp applied to the match
	// score: at or below the floor a match contributes nothing, at or above
	// full it contributes the pattern's whole confidence.
	MatchFloor float64
	MatchFull  float64
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action

	// WouldAction is what Action would be with shadow mode off.
	WouldAction Action

	// Pattern is nil when nothing matched.
	Pattern             *pattern.Pattern
	MatchScore          float64
	EffectiveConfidence float64
}

// Action aliases pattern.Action for callers that only import decision.
type Action = pattern.Action

// MatchFactor is f(matchScore), a clamped linear ramp from floor to full.
func MatchFactor(score, floor, full float64) float64 {
	if full <= floor {
		if score >= full {
			return 1
		}
		return 0
	}
	switch {
	case score <= floor:
		return 0
	case score >= full:
		return 1
	}
	return (score - floor) / (full - floor)
}

// EffectiveConfidence discounts a pattern's confidence by match quality.
func EffectiveConfidence(confidence, score float64, cfg Config) float64 {
	return clamp01(confidence) * MatchFactor(score, cfg.MatchFloor, cfg.MatchFull)
}

// Decide grades the best candidate. A nil candidate, or one whose pattern is
// not active, escalates.
func Decide(best *matcher.Candidate, cfg Config) Decision {
	if best == nil || best.Pattern == nil || !best.Pattern.IsActive() {
		return Decision{Action: pattern.ActionEscalate, WouldAction: pattern.ActionEscalate}
	}
	p := best.Pattern
	eff := EffectiveConfidence(p.Confidence, best.MatchScore, cfg)

	would := grade(eff, p.AutoExecutable, cfg.Enabled, cfg)
	action := would
	if cfg.ShadowMode && action == pattern.ActionAutoExecute {
		action = pattern.ActionSuggest
	}
	return Decision{
		Action:              action,
		WouldAction:         would,
		Pattern:             p,
		MatchScore:          best.MatchScore,
		EffectiveConfidence: eff,
	}
}

// grade applies the thresholds in strict descending order.
func grade(eff float64, autoExecutable, enabled bool, cfg Config) Action {
	switch {
	case eff >= cfg.Act && autoExecutable && enabled:
		return pattern.ActionAutoExecute
	case eff >= cfg.Suggest:
		return pattern.ActionSuggest
	case eff >= cfg.Queue:
		return pattern.ActionQueue
	default:
		return pattern.ActionEscalate
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}
