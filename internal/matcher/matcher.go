// Package matcher ranks active patterns against an inbound message by a
// blend of embedding similarity and keyword overlap.
package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/embeddings"
	"github.com/fyrsmithlabs/patternd/internal/metrics"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
)

var tracer = otel.Tracer("patternd.matcher")

// Config tunes ranking.
type Config struct {
	// TopK caps the returned candidates.
	TopK int `koanf:"top_k"`

	// MinMatchScore drops weaker candidates.
	MinMatchScore float64 `koanf:"min_match_score"`

	// SemanticWeight is the share of the blended score taken by cosine
	// similarity. The rest is keyword overlap.
	SemanticWeight float64 `koanf:"semantic_weight"`

	// EmbedTimeout bounds the query embedding call.
	EmbedTimeout time.Duration `koanf:"embed_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TopK:           5,
		MinMatchScore:  0.2,
		SemanticWeight: 0.75,
		EmbedTimeout:   embeddings.DefaultTimeout,
	}
}

// Candidate is one ranked pattern.
type Candidate struct {
	Pattern    *pattern.Pattern
	MatchScore float64
	Semantic   float64
	Lexical    float64
}

// Result is the ranked candidate list for one message.
type Result struct {
	Candidates []Candidate

	// KeywordFallback is set when the message could not be embedded and
	// scores are keyword overlap only.
	KeywordFallback bool

	// FallbackReason classifies the embedding failure, e.g. "timeout".
	FallbackReason string
}

// Best returns the top candidate, or nil.
func (r *Result) Best() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// Matcher ranks active patterns. It is read-only against the store and safe
// for concurrent use.
type Matcher struct {
	store    store.Store
	embedder embeddings.Embedder
	index    *vectorindex.Index
	cfg      Config
	logger   *zap.Logger
}

// New creates a Matcher. index may be nil, in which case similarity is
// computed directly against every active pattern.
func New(st store.Store, embedder embeddings.Embedder, index *vectorindex.Index, cfg Config, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.SemanticWeight <= 0 || cfg.SemanticWeight > 1 {
		cfg.SemanticWeight = def.SemanticWeight
	}
	if embedder == nil {
		embedder = embeddings.FailingEmbedder{}
	}
	return &Matcher{
		store:    st,
		embedder: embeddings.NewTimeoutEmbedder(embedder, cfg.EmbedTimeout),
		index:    index,
		cfg:      cfg,
		logger:   logger,
	}
}

// Match ranks the active patterns for message. A store failure is returned
// wrapped. An embedding failure degrades to keyword-only scoring.
func (m *Matcher) Match(ctx context.Context, message string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Matcher.Match")
	defer span.End()

	active, err := m.store.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loading active patterns: %w", err)
	}
	span.SetAttributes(attribute.Int("active_patterns", len(active)))

	res := &Result{}
	if len(active) == 0 {
		return res, nil
	}

	var semantic map[string]float64
	vec, err := m.embedder.EmbedQuery(ctx, message)
	reason := embeddings.FailureReason(err)
	if err == nil && len(vec) == 0 {
		reason = embeddings.ReasonEmptyVector
	}
	if reason != "" {
		m.logger.Warn("embedding failed, using keyword-only matching",
			zap.String("reason", reason),
			zap.Error(err))
		metrics.KeywordFallbacksTotal.WithLabelValues(reason).Inc()
		res.KeywordFallback = true
		res.FallbackReason = reason
	} else {
		semantic = m.semanticScores(ctx, vec, active)
	}
	span.SetAttributes(attribute.Bool("keyword_fallback", res.KeywordFallback))
	if reason != "" {
		span.SetAttributes(attribute.String("fallback_reason", reason))
	}

	keywords := pattern.Keywords(message)
	w := m.cfg.SemanticWeight
	for _, p := range active {
		if !p.IsActive() {
			continue
		}
		c := Candidate{Pattern: p, Lexical: pattern.KeywordOverlap(keywords, p.TriggerKeywords)}
		if res.KeywordFallback {
			c.MatchScore = c.Lexical
		} else {
			// A pattern without a comparable vector keeps only the keyword
			// share so every candidate is ranked on the same scale.
			c.Semantic = semantic[p.ID]
			c.MatchScore = w*c.Semantic + (1-w)*c.Lexical
		}
		c.MatchScore = clamp01(c.MatchScore)
		if c.MatchScore < m.cfg.MinMatchScore || c.MatchScore == 0 {
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}

	Rank(res.Candidates)
	if len(res.Candidates) > m.cfg.TopK {
		res.Candidates = res.Candidates[:m.cfg.TopK]
	}
	span.SetAttributes(attribute.Int("candidates", len(res.Candidates)))
	return res, nil
}

// semanticScores returns cosine similarity per active pattern ID. Indexed
// patterns outside the index's nearest hits score zero; patterns not yet
// indexed are compared directly.
func (m *Matcher) semanticScores(ctx context.Context, vec []float32, active []*pattern.Pattern) map[string]float64 {
	scores := make(map[string]float64, len(active))

	useIndex := m.index != nil
	if useIndex {
		hits, err := m.index.Query(ctx, vec, 4*m.cfg.TopK)
		if err != nil {
			m.logger.Warn("vector index query failed, comparing directly", zap.Error(err))
			useIndex = false
		} else {
			for _, h := range hits {
				scores[h.PatternID] = clamp01(h.Similarity)
			}
		}
	}

	for _, p := range active {
		if _, ok := scores[p.ID]; ok || len(p.Embedding) == 0 {
			continue
		}
		if useIndex && m.index.Contains(p.ID) {
			scores[p.ID] = 0
			continue
		}
		if sim, ok := Cosine(vec, p.Embedding); ok {
			scores[p.ID] = clamp01(sim)
		}
	}
	return scores
}

// Rank sorts candidates by score descending, then by execution count
// descending, then by pattern ID.
func Rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.MatchScore != b.MatchScore {
			return a.MatchScore > b.MatchScore
		}
		if a.Pattern.ExecutionCount != b.Pattern.ExecutionCount {
			return a.Pattern.ExecutionCount > b.Pattern.ExecutionCount
		}
		return a.Pattern.ID < b.Pattern.ID
	})
}

// Cosine returns the cosine similarity of a and b. ok is false when the
// lengths differ or either vector is zero.
func Cosine(a, b []float32) (sim float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
