// Package events publishes decision and lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultSubjectPrefix = "patternd"

// Kind names an event. The NATS subject is "<prefix>.<kind>".
type Kind string

const (
	KindPatternApproved  Kind = "pattern.approved"
	KindPatternPromoted  Kind = "pattern.promoted"
	KindPatternRejected  Kind = "pattern.rejected"
	KindPatternExpired   Kind = "pattern.expired"
	KindPatternDisabled  Kind = "pattern.disabled"
	KindPatternElevated  Kind = "pattern.elevated"
	KindPatternDemoted   Kind = "pattern.demoted"
	KindPatternFlagged   Kind = "pattern.flagged"
	KindPatternUnflagged Kind = "pattern.unflagged"
	KindPatternEdited    Kind = "pattern.edited"
	KindOutcomeRecorded  Kind = "execution.outcome"
	KindConfigUpdated    Kind = "config.updated"
)

// DecisionKind returns the kind for a decision with the given action, such
// as "decision.auto_execute".
func DecisionKind(action string) Kind {
	return Kind("decision." + action)
}

// Event is the JSON payload published for every kind.
type Event struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	PatternID      string         `json:"pattern_id,omitempty"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Time           time.Time      `json:"time"`
}

// New creates an event with a fresh ID.
func New(kind Kind, now time.Time) Event {
	return Event{ID: uuid.New().String(), Kind: kind, Time: now}
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit publishes ev and logs a failure instead of returning it.
func Emit(ctx context.Context, pub Publisher, logger *zap.Logger, ev Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil && logger != nil {
		logger.Warn("event publish failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Config selects the event transport. An empty URL disables publishing.
type Config struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// NATSPublisher publishes JSON events on core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewNATSPublisher publishes over an existing connection. The caller keeps
// ownership of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Connect dials cfg.URL. It returns a NopPublisher when no URL is set.
func Connect(cfg Config, logger *zap.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return NopPublisher{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("patternd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// Subject returns the subject an event of kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close drains the connection if the publisher opened it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
