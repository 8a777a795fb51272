// Package engine orchestrates one inbound message end to end: match,
// decide, reason, gate, record and publish.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/decision"
	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/metrics"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/reasoning"
	"github.com/fyrsmithlabs/patternd/internal/safety"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

var tracer = otel.Tracer("patternd.engine")

// ErrInvalidMessage is returned for messages missing text or a conversation.
var ErrInvalidMessage = errors.New("invalid message")

// InboundMessage is one customer message.
type InboundMessage struct {
	ConversationID         string    `json:"conversation_id"`
	FromIdentifier         string    `json:"from_identifier,omitempty"`
	Text                   string    `json:"text"`
	Timestamp              time.Time `json:"timestamp"`
	IsFirstMessageInThread bool      `json:"is_first_message_in_thread"`

	// Context holds earlier turns, oldest first. It reaches the reasoning
	// adapter only.
	Context []string `json:"context,omitempty"`
}

// OutboundDecision is what the caller acts on.
type OutboundDecision struct {
	ExecutionID string         `json:"execution_id"`
	Action      pattern.Action `json:"action"`
	WouldAction pattern.Action `json:"would_action"`
	PatternID   string         `json:"pattern_id,omitempty"`
	Response    string         `json:"response,omitempty"`

	// Confidence is the effective confidence: pattern confidence discounted
	// by match quality.
	Confidence float64 `json:"confidence"`
	MatchScore float64 `json:"match_score"`
	Rationale  string  `json:"rationale,omitempty"`

	Shadow          bool `json:"shadow"`
	ReasoningFailed bool `json:"reasoning_failed"`
	Vetoed          bool `json:"vetoed"`
	RateLimited     bool `json:"rate_limited"`
	KeywordFallback bool `json:"keyword_fallback"`

	// FallbackReason says why the message was not embedded.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Matcher ranks active patterns.
type Matcher interface {
	Match(ctx context.Context, message string) (*matcher.Result, error)
}

// Flagger quarantines patterns with invalid data.
type Flagger interface {
	Flag(ctx context.Context, id, reason string) (*pattern.Pattern, error)
}

// Engine answers inbound messages. It is safe for concurrent use.
type Engine struct {
	store     store.Store
	matcher   Matcher
	reasoner  reasoning.Adapter
	safety    *safety.Controller
	flagger   Flagger
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Deps are the engine's collaborators. Reasoner, Flagger and Publisher are
// optional.
type Deps struct {
	Store     store.Store
	Matcher   Matcher
	Reasoner  reasoning.Adapter
	Safety    *safety.Controller
	Flagger   Flagger
	Publisher events.Publisher
	Logger    *zap.Logger
}

// New creates an Engine.
func New(d Deps) (*Engine, error) {
	if d.Store == nil || d.Matcher == nil || d.Safety == nil {
		return nil, errors.New("engine: store, matcher and safety controller are required")
	}
	if d.Reasoner == nil {
		d.Reasoner = reasoning.NopAdapter{}
	}
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{
		store:     d.Store,
		matcher:   d.Matcher,
		reasoner:  d.Reasoner,
		safety:    d.Safety,
		flagger:   d.Flagger,
		publisher: d.Publisher,
		logger:    d.Logger,
		now:       time.Now,
	}, nil
}

// Process decides what to do with msg and records the decision. Dependency
// failures other than the store degrade the decision; a store failure is
// returned and no decision is made.
func (e *Engine) Process(ctx context.Context, msg InboundMessage) (out *OutboundDecision, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.Process")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(msg.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}
	logger := e.logger.With(zap.String("conversation_id", msg.ConversationID))

	cfg := e.safety.Snapshot()
	dcfg := cfg.Decision()

	match, err := e.matcher.Match(ctx, msg.Text)
	if err != nil {
		return nil, err
	}

	d, raw := e.choose(ctx, match, dcfg, logger)

	rec := pattern.NewExecutionRecord(msg.ConversationID, msg.Text, e.now())
	rec.KeywordFallback = match.KeywordFallback
	would := d.WouldAction
	if d.Pattern != nil {
		rec.PatternID = d.Pattern.ID
		rec.MatchScore = d.MatchScore
		rec.EffectiveConfidence = d.EffectiveConfidence
	}

	response := raw
	if would == pattern.ActionAutoExecute || would == pattern.ActionSuggest {
		res, rerr := e.reasoner.Adapt(ctx, d.Pattern, msg.Text, msg.Context)
		switch {
		case rerr != nil:
			rec.ReasoningFailed = true
			metrics.ReasoningTotal.WithLabelValues("failed").Inc()
			logger.Warn("reasoning failed, using raw template",
				zap.String("pattern_id", d.Pattern.ID),
				zap.Error(rerr))
		case !res.Applicable:
			rec.Vetoed = true
			rec.Rationale = res.Rationale
			would = would.Downgrade()
			metrics.ReasoningTotal.WithLabelValues("vetoed").Inc()
		default:
			rec.Rationale = res.Rationale
			response = res.FinalResponse
			metrics.ReasoningTotal.WithLabelValues("applied").Inc()
		}
	}

	// Re-read the switches just before acting. Only the more conservative
	// of the two snapshots applies.
	gate := e.safety.Snapshot()
	if would == pattern.ActionAutoExecute && !(cfg.Enabled && gate.Enabled) {
		would = pattern.ActionSuggest
	}
	shadow := cfg.ShadowMode || gate.ShadowMode
	rec.Shadow = shadow

	action := would
	rateLimited := false
	if action == pattern.ActionAutoExecute {
		switch {
		case shadow:
			action = pattern.ActionSuggest
		case !e.safety.AllowAutoExecute(msg.ConversationID, e.now()):
			action = pattern.ActionSuggest
			would = pattern.ActionSuggest
			rateLimited = true
			logger.Info("auto-execution rate limited",
				zap.String("pattern_id", rec.PatternID))
		}
	}

	rec.Action = action
	rec.WouldAction = would
	rec.AutoExecuted = action == pattern.ActionAutoExecute
	if action != pattern.ActionEscalate {
		rec.Response = response
	}

	if err := e.store.AppendExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording decision: %w", err)
	}

	metrics.DecisionsTotal.WithLabelValues(string(action), strconv.FormatBool(shadow)).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	ev := events.New(events.DecisionKind(string(action)), rec.CreatedAt)
	ev.ExecutionID = rec.ID
	ev.PatternID = rec.PatternID
	ev.ConversationID = rec.ConversationID
	ev.Data = map[string]any{
		"would_action":         string(would),
		"shadow":               shadow,
		"effective_confidence": rec.EffectiveConfidence,
		"match_score":          rec.MatchScore,
	}
	events.Emit(ctx, e.publisher, logger, ev)

	span.SetAttributes(
		attribute.String("decision.action", string(action)),
		attribute.String("decision.would_action", string(would)),
		attribute.Bool("decision.shadow", shadow),
	)
	logger.Info("decision",
		zap.String("execution_id", rec.ID),
		zap.String("action", string(action)),
		zap.String("would_action", string(would)),
		zap.String("pattern_id", rec.PatternID),
		zap.Float64("effective_confidence", rec.EffectiveConfidence),
		zap.Float64("match_score", rec.MatchScore),
		zap.Bool("shadow", shadow),
		zap.Bool("keyword_fallback", rec.KeywordFallback),
		zap.String("fallback_reason", match.FallbackReason))

	return &OutboundDecision{
		ExecutionID:     rec.ID,
		Action:          action,
		WouldAction:     would,
		PatternID:       rec.PatternID,
		Response:        rec.Response,
		Confidence:      rec.EffectiveConfidence,
		MatchScore:      rec.MatchScore,
		Rationale:       rec.Rationale,
		Shadow:          shadow,
		ReasoningFailed: rec.ReasoningFailed,
		Vetoed:          rec.Vetoed,
		RateLimited:     rateLimited,
		KeywordFallback: rec.KeywordFallback,
		FallbackReason:  match.FallbackReason,
	}, nil
}

// choose decides on the best candidate whose template renders. Candidates
// with invalid data are flagged and skipped. raw is the template rendered
// from defaults.
func (e *Engine) choose(ctx context.Context, match *matcher.Result, cfg decision.Config, logger *zap.Logger) (decision.Decision, string) {
	for i := range match.Candidates {
		d := decision.Decide(&match.Candidates[i], cfg)
		if d.Pattern == nil {
			continue
		}
		if d.WouldAction == pattern.ActionEscalate {
			return d, ""
		}
		raw, err := d.Pattern.Template.Render(nil)
		if err == nil {
			return d, raw
		}
		if !errors.Is(err, pattern.ErrInvalidPatternData) {
			logger.Warn("template render failed", zap.String("pattern_id", d.Pattern.ID), zap.Error(err))
			continue
		}
		e.flag(ctx, d.Pattern.ID, err, logger)
	}
	return decision.Decide(nil, cfg), ""
}

func (e *Engine) flag(ctx context.Context, id string, cause error, logger *zap.Logger) {
	logger.Warn("pattern has invalid data, flagging",
		zap.String("pattern_id", id),
		zap.Error(cause))
	if e.flagger == nil {
		return
	}
	if _, err := e.flagger.Flag(ctx, id, cause.Error()); err != nil {
		logger.Error("failed to flag pattern", zap.String("pattern_id", id), zap.Error(err))
	}
}
