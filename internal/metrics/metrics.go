// Package metrics provides Prometheus counters for decisions, learning and
// lifecycle transitions. They are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "patternd"

var (
	// DecisionsTotal counts returned decisions.
	// Labels: action (auto_execute, suggest, queue, escalate), shadow (true, false)
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Total number of decisions by final action",
		},
		[]string{"action", "shadow"},
	)

	// DecisionDuration tracks end-to-end decision latency.
	DecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decision_duration_seconds",
			Help:      "Duration of Process calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// KeywordFallbacksTotal counts matches that degraded to keyword-only
	// scoring, by embedding failure reason.
	KeywordFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "keyword_fallbacks_total",
			Help:      "Total number of matches scored without embeddings",
		},
		[]string{"reason"},
	)

	// ReasoningTotal counts reasoning adapter calls.
	// Labels: result (applied, vetoed, failed)
	ReasoningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reasoning",
			Name:      "calls_total",
			Help:      "Total number of reasoning adapter calls by result",
		},
		[]string{"result"},
	)

	// RateLimitedTotal counts auto-executions downgraded by the
	// per-conversation limiter.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "rate_limited_total",
			Help:      "Total number of auto-executions downgraded by rate limiting",
		},
	)

	// LearnTotal counts learning outcomes.
	// Labels: kind (created, reinforced, refused)
	LearnTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "observations_total",
			Help:      "Total number of learning observations by outcome",
		},
		[]string{"kind"},
	)

	// TransitionsTotal counts pattern lifecycle transitions.
	// Labels: transition (approved, promoted, rejected, expired, disabled, elevated, demoted, flagged, unflagged)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "transitions_total",
			Help:      "Total number of pattern lifecycle transitions",
		},
		[]string{"transition"},
	)

	// ConfigReloadsTotal counts safety config replacements.
	// Labels: source (api, file), result (success, error)
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "config_reloads_total",
			Help:      "Total number of safety config updates",
		},
		[]string{"source", "result"},
	)
)

// Result returns "success" or "error" for a label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
