package staging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() pattern.Policy {
	return pattern.Policy{
		MinOccurrences:      3,
		MinConfidence:       0.7,
		ElevationConfidence: 0.85,
		ElevationExecutions: 10,
		IdleExpiry:          72 * time.Hour,
	}
}

type fixture struct {
	st  *store.MemoryStore
	ix  *vectorindex.Index
	rec *events.Recorder
	wf  *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ix, err := vectorindex.New(nil, nil)
	require.NoError(t, err)
	rec := &events.Recorder{}
	wf := New(st, ix, rec, testPolicy, nil)
	wf.now = func() time.Time { return testNow }
	return &fixture{st: st, ix: ix, rec: rec, wf: wf}
}

// stage creates a staged pattern observed successfully n times.
func (f *fixture) stage(t *testing.T, trigger string, n int, lastSeen time.Time) *pattern.Pattern {
	t.Helper()
	p, err := pattern.NewCandidatePattern(pattern.TypeFAQ, trigger, pattern.Template{
		pattern.Literal("Yes, see "),
		pattern.Slot("link", pattern.VarURL, "https://example.com/help"),
	}, lastSeen)
	require.NoError(t, err)
	p.Embedding = []float32{1, 0, 0}
	for p.ExecutionCount < n {
		p.Reinforce(true, lastSeen)
	}
	c, err := pattern.NewCandidate(p, "conv-1", lastSeen)
	require.NoError(t, err)
	require.NoError(t, f.st.CreateCandidate(context.Background(), p, c))
	return p
}

func TestApproveReject(t *testing.T) {
	ctx := context.Background()

	t.Run("approve activates and indexes", func(t *testing.T) {
		f := newFixture(t)
		p := f.stage(t, "do you sell gift cards", 1, testNow)

		got, err := f.wf.Approve(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, pattern.StateActive, got.State)
		assert.True(t, got.HumanApproved)
		assert.InDelta(t, 9.0/11.0, got.Confidence, 1e-9)
		assert.True(t, f.ix.Contains(p.ID))

		_, err = f.st.GetCandidate(ctx, p.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Equal(t, []events.Kind{events.KindPatternApproved}, f.rec.Kinds())

		_, err = f.wf.Approve(ctx, p.ID)
		assert.ErrorIs(t, err, pattern.ErrInvalidTransition)
	})

	t.Run("reject retires", func(t *testing.T) {
		f := newFixture(t)
		p := f.stage(t, "can I pay in bitcoin", 1, testNow)

		got, err := f.wf.Reject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, pattern.StateRejected, got.State)
		assert.False(t, f.ix.Contains(p.ID))
		_, err = f.st.GetCandidate(ctx, p.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown pattern", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.wf.Approve(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestActiveTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.stage(t, "what is your refund policy", 1, testNow)
	_, err := f.wf.Approve(ctx, p.ID)
	require.NoError(t, err)

	t.Run("elevation needs a track record", func(t *testing.T) {
		_, err := f.wf.SetAutoExecutable(ctx, p.ID, true)
		assert.ErrorIs(t, err, pattern.ErrNotEligible)

		_, err = f.st.Update(ctx, p.ID, func(pt *pattern.Pattern) error {
			for pt.ExecutionCount < 12 {
				pt.Reinforce(true, testNow)
			}
			return nil
		})
		require.NoError(t, err)

		got, err := f.wf.SetAutoExecutable(ctx, p.ID, true)
		require.NoError(t, err)
		assert.True(t, got.AutoExecutable)

		got, err = f.wf.SetAutoExecutable(ctx, p.ID, false)
		require.NoError(t, err)
		assert.False(t, got.AutoExecutable)
	})

	t.Run("flag removes from index until unflagged", func(t *testing.T) {
		_, err := f.wf.Flag(ctx, p.ID, "link unreachable")
		require.NoError(t, err)
		assert.False(t, f.ix.Contains(p.ID))

		got, err := f.wf.Unflag(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, got.Flagged)
		assert.True(t, f.ix.Contains(p.ID))
	})

	t.Run("edit template", func(t *testing.T) {
		got, err := f.wf.EditTemplate(ctx, p.ID, pattern.Template{pattern.Literal("Refunds within 30 days.")})
		require.NoError(t, err)
		assert.Equal(t, "Refunds within 30 days.", got.Template.String())

		_, err = f.wf.EditTemplate(ctx, p.ID, nil)
		assert.ErrorIs(t, err, pattern.ErrEmptyTemplate)
	})

	t.Run("set active true keeps an active pattern", func(t *testing.T) {
		got, err := f.wf.SetActive(ctx, p.ID, true)
		require.NoError(t, err)
		assert.Equal(t, pattern.StateActive, got.State)
	})

	t.Run("disable is terminal", func(t *testing.T) {
		got, err := f.wf.SetActive(ctx, p.ID, false)
		require.NoError(t, err)
		assert.Equal(t, pattern.StateDisabled, got.State)
		assert.False(t, f.ix.Contains(p.ID))

		_, err = f.wf.SetActive(ctx, p.ID, true)
		assert.ErrorIs(t, err, pattern.ErrInvalidTransition)
	})

	assert.Equal(t, []events.Kind{
		events.KindPatternApproved,
		events.KindPatternElevated,
		events.KindPatternDemoted,
		events.KindPatternFlagged,
		events.KindPatternUnflagged,
		events.KindPatternEdited,
		events.KindPatternDisabled,
	}, f.rec.Kinds())
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ready := f.stage(t, "do you have parking", 6, testNow.Add(-time.Hour))
	idle := f.stage(t, "do you sell hats", 1, testNow.Add(-100*time.Hour))
	fresh := f.stage(t, "is there wifi", 2, testNow.Add(-time.Hour))
	orphan := f.stage(t, "do you deliver", 1, testNow)
	_, err := f.st.Update(ctx, orphan.ID, func(p *pattern.Pattern) error { return p.Approve(testNow) })
	require.NoError(t, err)

	res, err := f.wf.Sweep(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Promoted: 1, Expired: 1, Orphaned: 1}, res)

	got, err := f.st.Get(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StateActive, got.State)
	assert.False(t, got.AutoExecutable, "promotion never grants auto-execution")
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.True(t, f.ix.Contains(ready.ID))

	got, err = f.st.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StateRejected, got.State)

	got, err = f.st.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StateStaged, got.State)

	cands, err := f.st.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, fresh.ID, cands[0].PatternID)

	again, err := f.wf.Sweep(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again)

	t.Run("store outage stops the sweep", func(t *testing.T) {
		require.NoError(t, f.st.Close())
		_, err := f.wf.Sweep(ctx, testNow)
		assert.Error(t, err)
	})
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.stage(t, "gift cards", 1, testNow)
	_, err := f.st.Update(ctx, p.ID, func(p *pattern.Pattern) error { return p.Approve(testNow) })
	require.NoError(t, err)
	assert.False(t, f.ix.Contains(p.ID))

	require.NoError(t, f.wf.RebuildIndex(ctx))
	assert.True(t, f.ix.Contains(p.ID))

	assert.NoError(t, New(f.st, nil, nil, testPolicy, nil).RebuildIndex(ctx))
}

func TestScheduler(t *testing.T) {
	f := newFixture(t)
	ready := f.stage(t, "do you have parking", 6, time.Now())
	f.wf.now = time.Now

	s, err := NewScheduler(f.wf, 20*time.Millisecond, nil)
	require.NoError(t, err)
	s.Start()
	defer func() { assert.NoError(t, s.Stop()) }()

	require.Eventually(t, func() bool {
		p, err := f.st.Get(context.Background(), ready.ID)
		return err == nil && p.State == pattern.StateActive
	}, 5*time.Second, 10*time.Millisecond)
}
