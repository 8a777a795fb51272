// Package safety owns the engine's runtime switches and thresholds. Reads
// are lock-free snapshots; writes are validated, persisted and swapped
// atomically.
package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/decision"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// ErrInvalidConfig is returned by Validate and by writes that fail it.
var ErrInvalidConfig = errors.New("invalid safety config")

// elevationCeiling is the act threshold above which elevation only needs to
// clear suggest.
const elevationCeiling = 0.85

// ElevationConfig gates granting auto-execution.
type ElevationConfig struct {
	MinConfidence float64 `koanf:"min_confidence" json:"min_confidence"`
	MinExecutions int     `koanf:"min_executions" json:"min_executions"`
}

// RateLimitConfig limits auto-executions per conversation. A zero rate
// disables limiting.
type RateLimitConfig struct {
	AutoExecutePerMinute float64 `koanf:"auto_execute_per_minute" json:"auto_execute_per_minute"`
	Burst                int     `koanf:"burst" json:"burst"`
}

// StagingConfig holds candidate expiry.
type StagingConfig struct {
	// IdleExpiry rejects staged candidates not reinforced for this long.
	// Zero disables expiry.
	IdleExpiry time.Duration `koanf:"idle_expiry" json:"-"`
}

type stagingJSON struct {
	IdleExpiry string `json:"idle_expiry"`
}

// MarshalJSON renders durations as strings such as "72h0m0s".
func (s StagingConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(stagingJSON{IdleExpiry: s.IdleExpiry.String()})
}

// UnmarshalJSON accepts a duration string.
func (s *StagingConfig) UnmarshalJSON(data []byte) error {
	var raw stagingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.IdleExpiry == "" {
		s.IdleExpiry = 0
		return nil
	}
	d, err := time.ParseDuration(raw.IdleExpiry)
	if err != nil {
		return fmt.Errorf("staging.idle_expiry: %w", err)
	}
	s.IdleExpiry = d
	return nil
}

// Config is the safety controller's document. It is persisted as JSON in
// the single-row config table and loaded from YAML through koanf.
type Config struct {
	Enabled    bool `koanf:"enabled" json:"enabled"`
	ShadowMode bool `koanf:"shadow_mode" json:"shadow_mode"`

	MinConfidenceToAct     float64 `koanf:"min_confidence_to_act" json:"min_confidence_to_act"`
	MinConfidenceToSuggest float64 `koanf:"min_confidence_to_suggest" json:"min_confidence_to_suggest"`
	MinConfidenceToQueue   float64 `koanf:"min_confidence_to_queue" json:"min_confidence_to_queue"`
	MinOccurrencesToLearn  int     `koanf:"min_occurrences_to_learn" json:"min_occurrences_to_learn"`

	// MatchFloor and MatchFull bound the match-quality ramp.
	MatchFloor float64 `koanf:"match_floor" json:"match_floor"`
	MatchFull  float64 `koanf:"match_full" json:"match_full"`

	Elevation ElevationConfig `koanf:"elevation" json:"elevation"`
	RateLimit RateLimitConfig `koanf:"rate_limit" json:"rate_limit"`
	Staging   StagingConfig   `koanf:"staging" json:"staging"`
}

// DefaultConfig returns the shipped defaults. Shadow mode is on so a fresh
// install never auto-executes until an operator opts in.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		ShadowMode:             true,
		MinConfidenceToAct:     0.9,
		MinConfidenceToSuggest: 0.7,
		MinConfidenceToQueue:   0.4,
		MinOccurrencesToLearn:  3,
		MatchFloor:             0.4,
		MatchFull:              0.85,
		Elevation: ElevationConfig{
			MinConfidence: 0.85,
			MinExecutions: 10,
		},
		RateLimit: RateLimitConfig{
			AutoExecutePerMinute: 6,
			Burst:                3,
		},
		Staging: StagingConfig{IdleExpiry: 14 * 24 * time.Hour},
	}
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// Validate checks ranges and threshold ordering. All violations are
// reported together.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for _, f := range []struct {
		name string
		v    float64
	}{
		{"min_confidence_to_act", c.MinConfidenceToAct},
		{"min_confidence_to_suggest", c.MinConfidenceToSuggest},
		{"min_confidence_to_queue", c.MinConfidenceToQueue},
		{"match_floor", c.MatchFloor},
		{"match_full", c.MatchFull},
		{"elevation.min_confidence", c.Elevation.MinConfidence},
	} {
		if !inUnit(f.v) {
			add("%s must be in [0,1], got %v", f.name, f.v)
		}
	}
	if c.MinConfidenceToAct < c.MinConfidenceToSuggest {
		add("min_confidence_to_act (%v) must be >= min_confidence_to_suggest (%v)", c.MinConfidenceToAct, c.MinConfidenceToSuggest)
	}
	if c.MinConfidenceToSuggest < c.MinConfidenceToQueue {
		add("min_confidence_to_suggest (%v) must be >= min_confidence_to_queue (%v)", c.MinConfidenceToSuggest, c.MinConfidenceToQueue)
	}
	// A new candidate must never reach suggest on its first observation.
	if initial := pattern.InitialConfidence(); c.MinConfidenceToSuggest <= initial {
		add("min_confidence_to_suggest (%v) must be > new candidate confidence (%v)", c.MinConfidenceToSuggest, initial)
	}
	if c.MatchFloor >= c.MatchFull {
		add("match_floor (%v) must be < match_full (%v)", c.MatchFloor, c.MatchFull)
	}
	if c.MinOccurrencesToLearn < 1 {
		add("min_occurrences_to_learn must be >= 1, got %d", c.MinOccurrencesToLearn)
	}

	floor := c.MinConfidenceToAct
	if c.MinConfidenceToAct > elevationCeiling {
		floor = c.MinConfidenceToSuggest
	}
	if c.Elevation.MinConfidence < floor {
		add("elevation.min_confidence (%v) must be >= %v", c.Elevation.MinConfidence, floor)
	}
	if c.Elevation.MinExecutions < c.MinOccurrencesToLearn {
		add("elevation.min_executions (%d) must be >= min_occurrences_to_learn (%d)", c.Elevation.MinExecutions, c.MinOccurrencesToLearn)
	}

	if c.RateLimit.AutoExecutePerMinute < 0 {
		add("rate_limit.auto_execute_per_minute must be >= 0")
	}
	if c.RateLimit.Burst < 0 {
		add("rate_limit.burst must be >= 0")
	}
	if c.Staging.IdleExpiry < 0 {
		add("staging.idle_expiry must be >= 0")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Decision projects the thresholds the decision engine consults.
func (c Config) Decision() decision.Config {
	return decision.Config{
		Enabled:    c.Enabled,
		ShadowMode: c.ShadowMode,
		Act:        c.MinConfidenceToAct,
		Suggest:    c.MinConfidenceToSuggest,
		Queue:      c.MinConfidenceToQueue,
		MatchFloor: c.MatchFloor,
		MatchFull:  c.MatchFull,
	}
}

// Policy projects the lifecycle thresholds.
func (c Config) Policy() pattern.Policy {
	return pattern.Policy{
		MinOccurrences:      c.MinOccurrencesToLearn,
		MinConfidence:       c.MinConfidenceToSuggest,
		ElevationConfidence: c.Elevation.MinConfidence,
		ElevationExecutions: c.Elevation.MinExecutions,
		IdleExpiry:          c.Staging.IdleExpiry,
	}
}
