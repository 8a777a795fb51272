package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/embeddings"
	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/reasoning"
	"github.com/fyrsmithlabs/patternd/internal/safety"
	"github.com/fyrsmithlabs/patternd/internal/staging"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
)

const (
	giftQuestion = "Do you sell gift cards?"

	// giftParaphrase shares two of three keywords with giftQuestion and
	// sits at cosine 0.95 to it.
	giftParaphrase = "Can I buy a gift card?"
)

// outageEmbedder fails while down is set.
type outageEmbedder struct {
	inner embeddings.Embedder
	down  atomic.Bool
}

func (o *outageEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if o.down.Load() {
		return embeddings.FailingEmbedder{}.EmbedQuery(ctx, text)
	}
	return o.inner.EmbedQuery(ctx, text)
}

func (o *outageEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if o.down.Load() {
		return embeddings.FailingEmbedder{}.EmbedDocuments(ctx, texts)
	}
	return o.inner.EmbedDocuments(ctx, texts)
}

type adapterFunc func(ctx context.Context, p *pattern.Pattern, message string, conversation []string) (*reasoning.Result, error)

func (f adapterFunc) Adapt(ctx context.Context, p *pattern.Pattern, message string, conversation []string) (*reasoning.Result, error) {
	return f(ctx, p, message, conversation)
}

// slowExecutionStore widens the window between reading an execution and
// recording its outcome.
type slowExecutionStore struct {
	store.Store
	delay time.Duration
}

func (s *slowExecutionStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	time.Sleep(s.delay)
	return s.Store.GetExecution(ctx, id)
}

type fixture struct {
	st       *store.MemoryStore
	emb      *outageEmbedder
	safety   *safety.Controller
	workflow *staging.Workflow
	learner  *learning.Pipeline
	rec      *events.Recorder
	engine   *Engine
}

func liveConfig() safety.Config {
	cfg := safety.DefaultConfig()
	cfg.ShadowMode = false
	cfg.RateLimit.AutoExecutePerMinute = 0
	return cfg
}

func newFixture(t *testing.T, cfg safety.Config, reasoner reasoning.Adapter) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	static := embeddings.NewStaticEmbedder(map[string][]float32{
		giftQuestion:                     {1, 0, 0},
		"Do you sell gift cards online?": {1, 0, 0},
		"What are your opening hours?":   {0, 1, 0},
		giftParaphrase:                   {0.95, 0, 0.31225},
	})
	static.Fallback = []float32{0, 0, 1}
	emb := &outageEmbedder{inner: static}

	ix, err := vectorindex.New(emb, nil)
	require.NoError(t, err)
	ctrl, err := safety.NewController(ctx, cfg, st, nil)
	require.NoError(t, err)
	rec := &events.Recorder{}
	wf := staging.New(st, ix, rec, func() pattern.Policy { return ctrl.Snapshot().Policy() }, nil)

	eng, err := New(Deps{
		Store:     st,
		Matcher:   matcher.New(st, emb, ix, matcher.DefaultConfig(), nil),
		Reasoner:  reasoner,
		Safety:    ctrl,
		Flagger:   wf,
		Publisher: rec,
	})
	require.NoError(t, err)

	return &fixture{
		st:       st,
		emb:      emb,
		safety:   ctrl,
		workflow: wf,
		learner:  learning.New(st, emb, nil),
		rec:      rec,
		engine:   eng,
	}
}

func (f *fixture) learnApproved(t *testing.T, question, answer string) *pattern.Pattern {
	t.Helper()
	ctx := context.Background()
	out, err := f.learner.Learn(ctx, learning.Input{ConversationID: "seed", CustomerMessage: question, OperatorResponse: answer})
	require.NoError(t, err)
	p, err := f.workflow.Approve(ctx, out.Pattern.ID)
	require.NoError(t, err)
	return p
}

func (f *fixture) ask(t *testing.T, text string) *OutboundDecision {
	t.Helper()
	d, err := f.engine.Process(context.Background(), InboundMessage{ConversationID: "conv-1", Text: text, Timestamp: time.Now()})
	require.NoError(t, err)
	return d
}

// elevate accepts decisions until the pattern clears the elevation bar and
// then grants auto-execution.
func (f *fixture) elevate(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	for {
		p, err := f.st.Get(ctx, id)
		require.NoError(t, err)
		if p.ExecutionCount >= 12 {
			break
		}
		d := f.ask(t, giftQuestion)
		_, err = f.engine.RecordOutcome(ctx, d.ExecutionID, pattern.OutcomeAccepted)
		require.NoError(t, err)
	}
	_, err := f.workflow.Elevate(ctx, id)
	require.NoError(t, err)
}

func TestGiftCardScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveConfig(), nil)

	out, err := f.learner.Learn(ctx, learning.Input{
		ConversationID:   "conv-0",
		CustomerMessage:  giftQuestion,
		OperatorResponse: "Yes! You can buy them at https://example.com/gift",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, out.Pattern.Confidence, 1e-9)

	d := f.ask(t, giftQuestion)
	assert.Equal(t, pattern.ActionEscalate, d.Action, "staged patterns are never matched")
	assert.Empty(t, d.PatternID)
	d = f.ask(t, giftParaphrase)
	assert.Equal(t, pattern.ActionEscalate, d.Action)
	assert.Empty(t, d.PatternID)

	p, err := f.workflow.Approve(ctx, out.Pattern.ID)
	require.NoError(t, err)
	assert.InDelta(t, 9.0/11.0, p.Confidence, 1e-9)

	d = f.ask(t, giftQuestion)
	assert.Equal(t, pattern.ActionSuggest, d.Action)
	assert.Equal(t, p.ID, d.PatternID)
	assert.InDelta(t, 1.0, d.MatchScore, 1e-6)
	assert.InDelta(t, 9.0/11.0, d.Confidence, 1e-6)
	assert.Equal(t, "Yes! You can buy them at https://example.com/gift", d.Response)

	d = f.ask(t, giftParaphrase)
	assert.Equal(t, pattern.ActionSuggest, d.Action)
	assert.Equal(t, p.ID, d.PatternID)
	assert.InDelta(t, 0.75*0.95+0.25*2.0/3.0, d.MatchScore, 1e-4)
	assert.InDelta(t, 9.0/11.0, d.Confidence, 1e-6)

	_, err = f.workflow.Elevate(ctx, p.ID)
	assert.ErrorIs(t, err, pattern.ErrNotEligible)

	f.elevate(t, p.ID)
	p, err = f.st.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 20.0/22.0, p.Confidence, 1e-9)
	assert.True(t, p.AutoExecutable)

	d = f.ask(t, giftParaphrase)
	assert.Equal(t, pattern.ActionAutoExecute, d.Action)
	assert.Equal(t, p.ID, d.PatternID)

	d = f.ask(t, giftQuestion)
	assert.Equal(t, pattern.ActionAutoExecute, d.Action)
	assert.Equal(t, pattern.ActionAutoExecute, d.WouldAction)
	assert.False(t, d.Shadow)

	rec, err := f.st.GetExecution(ctx, d.ExecutionID)
	require.NoError(t, err)
	assert.True(t, rec.AutoExecuted)

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.AutoExecuted)
	assert.Equal(t, 1, stats.PatternsByState[pattern.StateActive])
	assert.InDelta(t, float64(stats.AutoExecuted)/float64(stats.Decisions), stats.AutomationRate, 1e-9)

	assert.Contains(t, f.rec.Kinds(), events.DecisionKind("auto_execute"))
	assert.Contains(t, f.rec.Kinds(), events.KindPatternApproved)
}

func TestShadowEquivalence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveConfig(), nil)
	p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
	f.elevate(t, p.ID)

	questions := []string{giftQuestion, giftParaphrase, "What are your opening hours?", "Do you sell gift cards online?"}
	live := make([]*OutboundDecision, len(questions))
	for i, q := range questions {
		live[i] = f.ask(t, q)
	}

	_, err := f.safety.Update(ctx, func(c *safety.Config) error {
		c.ShadowMode = true
		return nil
	})
	require.NoError(t, err)

	for i, q := range questions {
		shadow := f.ask(t, q)
		assert.True(t, shadow.Shadow)
		assert.Equal(t, live[i].WouldAction, shadow.WouldAction, q)
		want := live[i].Action
		if want == pattern.ActionAutoExecute {
			want = pattern.ActionSuggest
		}
		assert.Equal(t, want, shadow.Action, q)
		assert.Equal(t, live[i].PatternID, shadow.PatternID, q)
		assert.InDelta(t, live[i].Confidence, shadow.Confidence, 1e-12, q)
		assert.InDelta(t, live[i].MatchScore, shadow.MatchScore, 1e-12, q)
	}
	assert.Equal(t, pattern.ActionAutoExecute, live[0].Action)
}

func TestEmbeddingOutage(t *testing.T) {
	f := newFixture(t, liveConfig(), nil)
	p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")

	f.emb.down.Store(true)
	d := f.ask(t, giftQuestion)
	assert.True(t, d.KeywordFallback)
	assert.Equal(t, embeddings.ReasonProviderError, d.FallbackReason)
	assert.Equal(t, p.ID, d.PatternID)
	assert.Equal(t, pattern.ActionSuggest, d.Action)

	d = f.ask(t, "completely unrelated")
	assert.True(t, d.KeywordFallback)
	assert.Equal(t, pattern.ActionEscalate, d.Action)
}

func TestReasoning(t *testing.T) {
	t.Run("veto downgrades one tier", func(t *testing.T) {
		veto := adapterFunc(func(context.Context, *pattern.Pattern, string, []string) (*reasoning.Result, error) {
			return &reasoning.Result{Applicable: false, Rationale: "customer asks about refunds"}, nil
		})
		f := newFixture(t, liveConfig(), veto)
		f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")

		d := f.ask(t, giftQuestion)
		assert.True(t, d.Vetoed)
		assert.Equal(t, pattern.ActionQueue, d.Action)
		assert.Equal(t, "customer asks about refunds", d.Rationale)
	})

	t.Run("failure keeps the action and the raw template", func(t *testing.T) {
		broken := adapterFunc(func(context.Context, *pattern.Pattern, string, []string) (*reasoning.Result, error) {
			return nil, reasoning.ErrReasoningFailed
		})
		f := newFixture(t, liveConfig(), broken)
		f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")

		d := f.ask(t, giftQuestion)
		assert.True(t, d.ReasoningFailed)
		assert.Equal(t, pattern.ActionSuggest, d.Action)
		assert.Equal(t, "Yes! https://example.com/gift", d.Response)
	})

	t.Run("applied response and context", func(t *testing.T) {
		var seen []string
		fill := adapterFunc(func(_ context.Context, p *pattern.Pattern, _ string, conv []string) (*reasoning.Result, error) {
			seen = conv
			text, err := p.Template.Render(map[string]string{"link": "https://example.com/gift/eu"})
			return &reasoning.Result{Applicable: true, FinalResponse: text, Rationale: "eu store"}, err
		})
		f := newFixture(t, liveConfig(), fill)
		f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")

		d, err := f.engine.Process(context.Background(), InboundMessage{
			ConversationID: "conv-9",
			Text:           giftQuestion,
			Context:        []string{"I'm in Berlin"},
		})
		require.NoError(t, err)
		assert.Equal(t, "Yes! https://example.com/gift/eu", d.Response)
		assert.Equal(t, []string{"I'm in Berlin"}, seen)
	})
}

func TestInvalidPatternDataFallsThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveConfig(), nil)
	broken := f.learnApproved(t, giftQuestion, "placeholder")
	_, err := f.workflow.EditTemplate(ctx, broken.ID, pattern.Template{
		pattern.Literal("Buy at "),
		pattern.Slot("link", pattern.VarURL, ""),
	})
	require.NoError(t, err)
	good := f.learnApproved(t, "Do you sell gift cards online?", "Yes, at https://example.com/gift")

	d := f.ask(t, giftQuestion)
	assert.Equal(t, good.ID, d.PatternID)
	assert.Equal(t, pattern.ActionSuggest, d.Action)

	got, err := f.st.Get(ctx, broken.ID)
	require.NoError(t, err)
	assert.True(t, got.Flagged)
	assert.Contains(t, f.rec.Kinds(), events.KindPatternFlagged)

	d = f.ask(t, giftQuestion)
	assert.Equal(t, good.ID, d.PatternID)
}

func TestSafetyGate(t *testing.T) {
	ctx := context.Background()

	t.Run("rate limit downgrades auto-execution", func(t *testing.T) {
		cfg := liveConfig()
		cfg.RateLimit = safety.RateLimitConfig{AutoExecutePerMinute: 1, Burst: 1}
		f := newFixture(t, liveConfig(), nil)
		p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
		f.elevate(t, p.ID)
		_, err := f.safety.Update(ctx, func(c *safety.Config) error {
			c.RateLimit = cfg.RateLimit
			return nil
		})
		require.NoError(t, err)

		first := f.ask(t, giftQuestion)
		assert.Equal(t, pattern.ActionAutoExecute, first.Action)
		second := f.ask(t, giftQuestion)
		assert.Equal(t, pattern.ActionSuggest, second.Action)
		assert.True(t, second.RateLimited)
	})

	t.Run("kill switch", func(t *testing.T) {
		f := newFixture(t, liveConfig(), nil)
		p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
		f.elevate(t, p.ID)
		_, err := f.safety.Update(ctx, func(c *safety.Config) error {
			c.Enabled = false
			return nil
		})
		require.NoError(t, err)

		d := f.ask(t, giftQuestion)
		assert.Equal(t, pattern.ActionSuggest, d.Action)
		assert.Equal(t, pattern.ActionSuggest, d.WouldAction)
	})

	t.Run("switch flipped during reasoning", func(t *testing.T) {
		var ctrl *safety.Controller
		flip := adapterFunc(func(_ context.Context, p *pattern.Pattern, _ string, _ []string) (*reasoning.Result, error) {
			if p.AutoExecutable {
				_, err := ctrl.Update(context.Background(), func(c *safety.Config) error {
					c.ShadowMode = true
					return nil
				})
				if err != nil {
					return nil, err
				}
			}
			return reasoning.NopAdapter{}.Adapt(context.Background(), p, "", nil)
		})
		f := newFixture(t, liveConfig(), flip)
		ctrl = f.safety
		p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
		f.elevate(t, p.ID)

		d := f.ask(t, giftQuestion)
		assert.Equal(t, pattern.ActionSuggest, d.Action)
		assert.Equal(t, pattern.ActionAutoExecute, d.WouldAction)
		assert.True(t, d.Shadow)
	})
}

func TestProcessErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, liveConfig(), nil)

	_, err := f.engine.Process(ctx, InboundMessage{ConversationID: "c"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.engine.Process(ctx, InboundMessage{Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	require.NoError(t, f.st.Close())
	_, err = f.engine.Process(ctx, InboundMessage{ConversationID: "c", Text: "hi"})
	require.Error(t, err)

	_, err = New(Deps{})
	assert.Error(t, err)
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("first outcome counts once", func(t *testing.T) {
		f := newFixture(t, liveConfig(), nil)
		p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
		d := f.ask(t, giftQuestion)

		rec, err := f.engine.RecordOutcome(ctx, d.ExecutionID, pattern.OutcomeRejected)
		require.NoError(t, err)
		assert.Equal(t, pattern.OutcomeRejected, rec.Outcome)
		got, err := f.st.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)
		assert.Equal(t, 1, got.SuccessCount)

		rec, err = f.engine.RecordOutcome(ctx, d.ExecutionID, pattern.OutcomeAccepted)
		require.NoError(t, err)
		assert.Equal(t, pattern.OutcomeAccepted, rec.Outcome)
		got, err = f.st.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)
	})

	t.Run("concurrent outcomes reinforce once", func(t *testing.T) {
		f := newFixture(t, liveConfig(), nil)
		p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
		d := f.ask(t, giftQuestion)

		eng, err := New(Deps{
			Store:     &slowExecutionStore{Store: f.st, delay: 20 * time.Millisecond},
			Matcher:   matcher.New(f.st, f.emb, nil, matcher.DefaultConfig(), nil),
			Safety:    f.safety,
			Flagger:   f.workflow,
			Publisher: f.rec,
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := eng.RecordOutcome(ctx, d.ExecutionID, pattern.OutcomeAccepted)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := f.st.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)
		assert.Equal(t, 2, got.SuccessCount)
	})

	t.Run("modified is an attempt without success", func(t *testing.T) {
		f := newFixture(t, liveConfig(), nil)
		p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
		d := f.ask(t, giftQuestion)
		_, err := f.engine.RecordOutcome(ctx, d.ExecutionID, pattern.OutcomeModified)
		require.NoError(t, err)
		got, err := f.st.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)
		assert.Equal(t, 1, got.SuccessCount)
	})

	t.Run("rejections revoke auto-execution", func(t *testing.T) {
		f := newFixture(t, liveConfig(), nil)
		p := f.learnApproved(t, giftQuestion, "Yes! https://example.com/gift")
		f.elevate(t, p.ID)

		for i := 0; i < 2; i++ {
			d := f.ask(t, giftQuestion)
			_, err := f.engine.RecordOutcome(ctx, d.ExecutionID, pattern.OutcomeRejected)
			require.NoError(t, err)
		}
		got, err := f.st.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.InDelta(t, 20.0/24.0, got.Confidence, 1e-9)
		assert.False(t, got.AutoExecutable)
		assert.Contains(t, f.rec.Kinds(), events.KindPatternDemoted)
	})

	t.Run("no pattern", func(t *testing.T) {
		f := newFixture(t, liveConfig(), nil)
		d := f.ask(t, "anything")
		_, err := f.engine.RecordOutcome(ctx, d.ExecutionID, pattern.OutcomeAccepted)
		assert.NoError(t, err)
	})

	t.Run("bad input", func(t *testing.T) {
		f := newFixture(t, liveConfig(), nil)
		_, err := f.engine.RecordOutcome(ctx, "x", "maybe")
		assert.ErrorIs(t, err, ErrInvalidMessage)
		_, err = f.engine.RecordOutcome(ctx, "missing", pattern.OutcomeAccepted)
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})
}
