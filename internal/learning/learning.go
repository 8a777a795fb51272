// Package learning turns operator replies into staged patterns. Repeated
// observations of the same question reinforce the existing pattern instead
// of creating a new one.
package learning

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/embeddings"
	"github.com/fyrsmithlabs/patternd/internal/metrics"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/secrets"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

const stripeCount = 256

// Kind says what Learn did.
type Kind string

const (
	KindCreated    Kind = "created"
	KindReinforced Kind = "reinforced"
)

// Input is one observed exchange.
type Input struct {
	ConversationID   string `json:"conversation_id"`
	CustomerMessage  string `json:"customer_message"`
	OperatorResponse string `json:"operator_response"`
	OperatorID       string `json:"operator_id,omitempty"`
}

// Outcome reports the pattern a Learn call touched.
type Outcome struct {
	Kind    Kind             `json:"kind"`
	Pattern *pattern.Pattern `json:"pattern"`
}

// Pipeline learns patterns from operator replies.
type Pipeline struct {
	store    store.Store
	embedder embeddings.Embedder
	secrets  *secrets.Detector
	logger   *zap.Logger
	now      func() time.Time

	stripes [stripeCount]sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSecretDetector replaces the built-in credential detector. A disabled
// detector lets every exchange through.
func WithSecretDetector(d *secrets.Detector) Option {
	return func(p *Pipeline) { p.secrets = d }
}

// New creates a Pipeline. A nil embedder stores patterns without vectors;
// they still match lexically.
func New(st store.Store, embedder embeddings.Embedder, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedder == nil {
		embedder = embeddings.FailingEmbedder{}
	}
	p := &Pipeline{
		store:    st,
		embedder: embedder,
		secrets:  secrets.Default(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) stripe(sig string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sig))
	return &p.stripes[h.Sum32()%stripeCount]
}

// Learn records one exchange. Calls for the same signature are serialized;
// calls for different signatures run in parallel.
func (p *Pipeline) Learn(ctx context.Context, in Input) (*Outcome, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return nil, pattern.ErrEmptyConversationID
	}
	message := strings.TrimSpace(in.CustomerMessage)
	if message == "" {
		return nil, pattern.ErrEmptyTrigger
	}
	if strings.TrimSpace(in.OperatorResponse) == "" {
		return nil, pattern.ErrEmptyTemplate
	}
	// Both halves are persisted: the message as the trigger, the reply as
	// the template other customers will receive.
	for _, text := range []string{message, in.OperatorResponse} {
		if err := p.secrets.Check(text); err != nil {
			metrics.LearnTotal.WithLabelValues("refused").Inc()
			p.logger.Warn("refusing to learn exchange containing a secret",
				zap.String("conversation_id", in.ConversationID),
				zap.String("text", p.secrets.Redact(text)),
				zap.Error(err))
			return nil, err
		}
	}

	sig := pattern.Signature(message)
	mu := p.stripe(sig)
	mu.Lock()
	defer mu.Unlock()

	existing, err := p.store.FindBySignature(ctx, sig)
	switch {
	case err == nil:
		out, rerr := p.reinforce(ctx, existing.ID, in.ConversationID)
		if !errors.Is(rerr, errNotLive) {
			return out, rerr
		}
		// Rejected or disabled since the lookup; learn it afresh.
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	out, err := p.create(ctx, message, in)
	if errors.Is(err, store.ErrDuplicateSignature) {
		// Another writer outside this process won the insert.
		existing, ferr := p.store.FindBySignature(ctx, sig)
		if ferr != nil {
			return nil, ferr
		}
		return p.reinforce(ctx, existing.ID, in.ConversationID)
	}
	return out, err
}

var errNotLive = errors.New("pattern is no longer live")

func (p *Pipeline) reinforce(ctx context.Context, id, conversationID string) (*Outcome, error) {
	now := p.now()
	updated, err := p.store.Update(ctx, id, func(pt *pattern.Pattern) error {
		if !pt.State.Live() {
			return errNotLive
		}
		pt.Reinforce(true, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reinforcing pattern %s: %w", id, err)
	}
	if updated.State == pattern.StateStaged {
		if err := p.store.TouchCandidate(ctx, id, conversationID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("recording provenance for %s: %w", id, err)
		}
	}
	metrics.LearnTotal.WithLabelValues(string(KindReinforced)).Inc()
	p.logger.Debug("pattern reinforced",
		zap.String("pattern_id", id),
		zap.String("state", string(updated.State)),
		zap.Int("execution_count", updated.ExecutionCount),
		zap.Float64("confidence", updated.Confidence))
	return &Outcome{Kind: KindReinforced, Pattern: updated}, nil
}

func (p *Pipeline) create(ctx context.Context, message string, in Input) (*Outcome, error) {
	now := p.now()
	tmpl := ExtractTemplate(in.OperatorResponse)
	pt, err := pattern.NewCandidatePattern(Classify(message), message, tmpl, now)
	if err != nil {
		return nil, err
	}

	vec, err := p.embedder.EmbedQuery(ctx, message)
	if err != nil {
		p.logger.Warn("storing pattern without embedding",
			zap.String("signature", pt.Signature),
			zap.Error(err))
	} else {
		pt.Embedding = vec
	}

	cand, err := pattern.NewCandidate(pt, in.ConversationID, now)
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateCandidate(ctx, pt, cand); err != nil {
		return nil, err
	}

	metrics.LearnTotal.WithLabelValues(string(KindCreated)).Inc()
	p.logger.Info("candidate pattern created",
		zap.String("pattern_id", pt.ID),
		zap.String("type", string(pt.Type)),
		zap.Int("slots", len(tmpl.Variables())),
		zap.String("operator_id", in.OperatorID))
	return &Outcome{Kind: KindCreated, Pattern: pt}, nil
}

// IsInputError reports whether err is a problem with the exchange itself
// rather than with a dependency.
func IsInputError(err error) bool {
	return errors.Is(err, pattern.ErrEmptyConversationID) ||
		errors.Is(err, pattern.ErrEmptyTrigger) ||
		errors.Is(err, pattern.ErrEmptyTemplate) ||
		errors.Is(err, pattern.ErrInvalidPatternData) ||
		errors.Is(err, secrets.ErrSecretDetected)
}
