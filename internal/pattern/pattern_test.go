package pattern

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func giftCardTemplate() Template {
	return Template{
		Literal("You can buy gift cards at "),
		Slot("url_1", VarURL, "https://shop.example.com/gift"),
		Literal("."),
	}
}

func TestSignature(t *testing.T) {
	t.Run("ignores case punctuation and spacing", func(t *testing.T) {
		a := Signature("Do you sell gift cards?")
		b := Signature("  do YOU sell   gift cards ")
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("different text differs", func(t *testing.T) {
		assert.NotEqual(t, Signature("Do you sell gift cards?"), Signature("Can I buy a gift card?"))
	})

	t.Run("apostrophes are dropped", func(t *testing.T) {
		assert.Equal(t, Signature("Don't you open?"), Signature("dont you open"))
	})
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"card", "gift", "sell"}, Keywords("Do you sell gift cards?"))
	assert.Equal(t, []string{"buy", "card", "gift"}, Keywords("Can I buy a gift card?"))
	assert.Empty(t, Keywords("hi there!"))
}

func TestKeywordOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a1", "b2"}, []string{"a1", "b2"}, 1},
		{"disjoint", []string{"a1"}, []string{"b2"}, 0},
		{"partial", []string{"card", "gift", "sell"}, []string{"buy", "card", "gift"}, 2.0 / 3.0},
		{"empty", nil, []string{"x1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, KeywordOverlap(tt.a, tt.b), 1e-9)
		})
	}
}

func TestConfidence(t *testing.T) {
	t.Run("single staged observation stays low", func(t *testing.T) {
		assert.InDelta(t, 0.4, Confidence(1, 1, StagedPrior), 1e-9)
		p, err := NewCandidatePattern(TypeFAQ, "Do you sell gift cards?", Template{Literal("Yes")}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, InitialConfidence(), p.Confidence)
	})

	t.Run("bounded for any counts", func(t *testing.T) {
		for _, c := range [][2]int{{0, 0}, {5, 3}, {-1, 2}, {1000, 1000}, {0, 1000}} {
			v := Confidence(c[0], c[1], ApprovedPrior)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	})

	t.Run("successes never lower confidence", func(t *testing.T) {
		p, err := NewCandidatePattern(TypeFAQ, "Do you sell gift cards?", giftCardTemplate(), testNow)
		require.NoError(t, err)
		prev := p.Confidence
		for i := 0; i < 20; i++ {
			p.Reinforce(true, testNow)
			assert.GreaterOrEqual(t, p.Confidence, prev)
			prev = p.Confidence
		}
	})

	t.Run("failures lower confidence", func(t *testing.T) {
		p, err := NewCandidatePattern(TypeFAQ, "Do you sell gift cards?", giftCardTemplate(), testNow)
		require.NoError(t, err)
		before := p.Confidence
		p.Reinforce(false, testNow)
		assert.Less(t, p.Confidence, before)
		assert.Equal(t, 2, p.ExecutionCount)
		assert.Equal(t, 1, p.SuccessCount)
	})
}

func TestNewCandidatePattern(t *testing.T) {
	t.Run("creates staged low-confidence pattern", func(t *testing.T) {
		p, err := NewCandidatePattern(TypeFAQ, "Do you sell gift cards?", giftCardTemplate(), testNow)
		require.NoError(t, err)
		assert.Equal(t, StateStaged, p.State)
		assert.False(t, p.AutoExecutable)
		assert.False(t, p.IsActive())
		assert.Equal(t, 1, p.ExecutionCount)
		assert.Less(t, p.Confidence, 0.7)
		require.NoError(t, p.Validate())
	})

	t.Run("rejects empty trigger", func(t *testing.T) {
		_, err := NewCandidatePattern(TypeFAQ, "", giftCardTemplate(), testNow)
		assert.ErrorIs(t, err, ErrEmptyTrigger)
	})

	t.Run("rejects invalid template", func(t *testing.T) {
		bad := Template{Slot("url_1", VarURL, "not a url")}
		_, err := NewCandidatePattern(TypeFAQ, "where do I buy", bad, testNow)
		assert.ErrorIs(t, err, ErrInvalidPatternData)
	})
}

func TestTemplateRender(t *testing.T) {
	tmpl := Template{
		Literal("Gift cards start at "),
		Slot("price_1", VarPrice, "$25"),
		Literal(" at "),
		Slot("url_1", VarURL, "https://shop.example.com/gift"),
	}

	t.Run("defaults", func(t *testing.T) {
		out, err := tmpl.Render(nil)
		require.NoError(t, err)
		assert.Equal(t, "Gift cards start at $25 at https://shop.example.com/gift", out)
	})

	t.Run("lookup overrides default", func(t *testing.T) {
		out, err := tmpl.Render(map[string]string{"price_1": "$30.00"})
		require.NoError(t, err)
		assert.Equal(t, "Gift cards start at $30.00 at https://shop.example.com/gift", out)
	})

	t.Run("invalid value for kind", func(t *testing.T) {
		_, err := tmpl.Render(map[string]string{"url_1": "javascript:alert(1)"})
		assert.ErrorIs(t, err, ErrInvalidPatternData)
	})

	t.Run("missing value without default", func(t *testing.T) {
		_, err := Template{Slot("name", VarFreeform, "")}.Render(nil)
		assert.ErrorIs(t, err, ErrInvalidPatternData)
	})

	t.Run("string shows placeholders", func(t *testing.T) {
		assert.Equal(t, "Gift cards start at {{price_1:price}} at {{url_1:url}}", tmpl.String())
	})
}

func TestVariableKindCheckValue(t *testing.T) {
	tests := []struct {
		kind  VariableKind
		value string
		ok    bool
	}{
		{VarURL, "https://example.com/x", true},
		{VarURL, "example.com", false},
		{VarPrice, "$25", true},
		{VarPrice, "€12.50", true},
		{VarPrice, "25 dollars", true},
		{VarPrice, "cheap", false},
		{VarHours, "9am-5pm", true},
		{VarHours, "10:00 to 22:00", true},
		{VarHours, "24/7", true},
		{VarHours, "sometimes", false},
		{VarFreeform, "anything", true},
		{VarFreeform, "  ", false},
		{VariableKind("date"), "x", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.value, func(t *testing.T) {
			err := tt.kind.CheckValue(tt.value)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPatternData)
			}
		})
	}
}

func testPolicy() Policy {
	return Policy{
		MinOccurrences:      3,
		MinConfidence:       0.7,
		ElevationConfidence: 0.85,
		ElevationExecutions: 10,
		IdleExpiry:          72 * time.Hour,
	}
}

func TestLifecycle(t *testing.T) {
	newStaged := func(t *testing.T) *Pattern {
		p, err := NewCandidatePattern(TypeFAQ, "Do you sell gift cards?", giftCardTemplate(), testNow)
		require.NoError(t, err)
		return p
	}

	t.Run("approve switches to vetted prior", func(t *testing.T) {
		p := newStaged(t)
		require.NoError(t, p.Approve(testNow))
		assert.Equal(t, StateActive, p.State)
		assert.True(t, p.IsActive())
		assert.False(t, p.AutoExecutable)
		assert.GreaterOrEqual(t, p.Confidence, 0.7)
	})

	t.Run("promote requires occurrences and confidence", func(t *testing.T) {
		p := newStaged(t)
		err := p.Promote(testPolicy(), testNow)
		assert.ErrorIs(t, err, ErrNotEligible)

		for i := 0; i < 5; i++ {
			p.Reinforce(true, testNow)
		}
		require.NoError(t, p.Promote(testPolicy(), testNow))
		assert.Equal(t, StateActive, p.State)
		assert.False(t, p.AutoExecutable, "auto-promotion never grants auto-execution")
	})

	t.Run("reject and expire only from staged", func(t *testing.T) {
		p := newStaged(t)
		require.NoError(t, p.Reject(testNow))
		assert.Equal(t, StateRejected, p.State)
		assert.ErrorIs(t, p.Reject(testNow), ErrInvalidTransition)
		assert.ErrorIs(t, p.Approve(testNow), ErrInvalidTransition)

		q := newStaged(t)
		assert.ErrorIs(t, q.Expire(testPolicy(), testNow, testNow.Add(time.Hour)), ErrNotEligible)
		require.NoError(t, q.Expire(testPolicy(), testNow, testNow.Add(73*time.Hour)))
		assert.Equal(t, StateRejected, q.State)
	})

	t.Run("disable is terminal", func(t *testing.T) {
		p := newStaged(t)
		assert.ErrorIs(t, p.Disable(testNow), ErrInvalidTransition)
		require.NoError(t, p.Approve(testNow))
		require.NoError(t, p.Disable(testNow))
		assert.Equal(t, StateDisabled, p.State)
		assert.False(t, p.IsActive())
		assert.ErrorIs(t, p.Approve(testNow), ErrInvalidTransition)
		assert.ErrorIs(t, p.Reject(testNow), ErrInvalidTransition)
	})

	t.Run("elevate needs higher floor", func(t *testing.T) {
		p := newStaged(t)
		require.NoError(t, p.Approve(testNow))
		err := p.Elevate(testPolicy(), testNow)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotEligible))

		for p.ExecutionCount < 12 {
			p.Reinforce(true, testNow)
		}
		require.NoError(t, p.Elevate(testPolicy(), testNow))
		assert.True(t, p.AutoExecutable)

		p.Demote(testNow)
		assert.False(t, p.AutoExecutable)
	})

	t.Run("elevate rejects staged and flagged", func(t *testing.T) {
		p := newStaged(t)
		assert.ErrorIs(t, p.Elevate(testPolicy(), testNow), ErrInvalidTransition)

		require.NoError(t, p.Approve(testNow))
		for p.ExecutionCount < 12 {
			p.Reinforce(true, testNow)
		}
		p.Flag("bad url", testNow)
		assert.False(t, p.IsActive())
		assert.ErrorIs(t, p.Elevate(testPolicy(), testNow), ErrNotEligible)
		require.NoError(t, p.Unflag(testNow))
		assert.True(t, p.IsActive())
	})
}

func TestCandidateProvenance(t *testing.T) {
	p, err := NewCandidatePattern(TypeFAQ, "Do you sell gift cards?", giftCardTemplate(), testNow)
	require.NoError(t, err)

	c, err := NewCandidate(p, "conv-1", testNow)
	require.NoError(t, err)
	later := testNow.Add(time.Hour)
	c.AddProvenance("conv-2", later)
	c.AddProvenance("conv-1", later)
	assert.Equal(t, []string{"conv-1", "conv-2"}, c.Provenance)
	assert.Equal(t, later, c.LastReinforcedAt)

	_, err = NewCandidate(p, "", testNow)
	assert.ErrorIs(t, err, ErrEmptyConversationID)
}

func TestActionDowngrade(t *testing.T) {
	assert.Equal(t, ActionSuggest, ActionAutoExecute.Downgrade())
	assert.Equal(t, ActionQueue, ActionSuggest.Downgrade())
	assert.Equal(t, ActionEscalate, ActionQueue.Downgrade())
	assert.Equal(t, ActionEscalate, ActionEscalate.Downgrade())
}

func TestSetTemplateAndUnflag(t *testing.T) {
	p, err := NewCandidatePattern(TypeFAQ, "where do I buy gift cards", giftCardTemplate(), testNow)
	require.NoError(t, err)
	require.NoError(t, p.Approve(testNow))

	broken := Template{Literal("Buy at "), Slot("link", VarURL, "")}
	require.NoError(t, p.SetTemplate(broken, testNow))
	p.Flag("link has no value", testNow)
	assert.ErrorIs(t, p.Unflag(testNow), ErrInvalidPatternData)
	assert.True(t, p.Flagged)

	assert.Error(t, p.SetTemplate(Template{Slot("link", VarURL, "ftp://x")}, testNow))

	fixed := Template{Literal("Buy at "), Slot("link", VarURL, "https://example.com/gift")}
	require.NoError(t, p.SetTemplate(fixed, testNow))
	require.NoError(t, p.Unflag(testNow))
	assert.True(t, p.IsActive())
}
