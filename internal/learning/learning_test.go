package learning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/memerr"
	"github.com/lazypower/cogmem/internal/store"
)

func testLearner(t *testing.T, db *store.DB, mutate ...func(*config.LearningConfig)) *Learner {
	t.Helper()
	cfg := config.Default().Learning
	for _, m := range mutate {
		m(&cfg)
	}
	l, err := New(db, cfg, 0.5, nil)
	require.NoError(t, err)
	return l
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// record runs one full trajectory through the learner.
func record(t *testing.T, l *Learner, reward float64, embedding []float32, routes ...string) string {
	t.Helper()
	id, err := l.Begin()
	require.NoError(t, err)
	for _, r := range routes {
		require.NoError(t, l.RecordStep(id, Step{Route: r, Embedding: embedding}))
	}
	require.NoError(t, l.End(id, reward))
	return id
}

func TestTickBelowThresholdIsNoOp(t *testing.T) {
	l := testLearner(t, nil)
	for range 3 {
		record(t, l, 0.8, []float32{1, 0}, "vector")
	}
	before := l.Stats()

	res, err := l.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Contains(t, res.Reason, "threshold is 5")
	assert.Equal(t, before, l.Stats(), "a no-op tick mutates nothing")

	res, err = l.Tick(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.GreaterOrEqual(t, res.PatternsFound, 1)
	assert.Equal(t, 3, res.Consumed)
	assert.InDelta(t, 0.8, res.AvgReward, 1e-9)

	st := l.Stats()
	assert.Zero(t, st.Queued)
	assert.Equal(t, 3, st.TrajectoriesRecorded)
	assert.Equal(t, 1, st.WorkingTicks)
	assert.False(t, st.LastTickAt.IsZero())
}

func TestTickWithoutActivityIsIdempotent(t *testing.T) {
	l := testLearner(t, nil)
	first, err := l.Tick(context.Background(), false)
	require.NoError(t, err)
	s1 := l.Stats()

	second, err := l.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, first.NoOp)
	assert.True(t, second.NoOp)
	assert.Equal(t, s1, l.Stats())

	forced, err := l.Tick(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, forced.NoOp, "forcing an empty queue has nothing to learn")
	assert.Equal(t, s1, l.Stats())
}

func TestTickClustersBySimilarityAndOutcome(t *testing.T) {
	l := testLearner(t, nil)
	record(t, l, 0.9, []float32{1, 0, 0}, "vector")
	record(t, l, 0.7, []float32{0.95, 0.05, 0}, "vector")
	record(t, l, -0.5, []float32{1, 0, 0}, "graph") // same topic, opposite outcome
	record(t, l, 0.6, []float32{0, 0, 1}, "graph")  // different topic
	record(t, l, 0.5, nil, "hybrid")                 // no embedding

	res, err := l.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 4, res.PatternsFound)
	assert.Equal(t, 4, l.Stats().PatternsLearned)
	assert.InDelta(t, 0.8, l.Stats().LearningEfficiency, 1e-9)
}

func TestClusterSeparatesEmbeddingDimensions(t *testing.T) {
	batch := []*Trajectory{
		{Reward: 0.9, Steps: []Step{{Route: "vector", Embedding: []float32{1, 0}}}},
		{Reward: 0.8, Steps: []Step{{Route: "vector", Embedding: []float32{1, 0, 0}}}},
		{Reward: 0.7, Steps: []Step{{Route: "vector", Embedding: []float32{0, 1}}}},
	}
	var patterns []*pattern
	require.NotPanics(t, func() { patterns = cluster(batch, 0, 0) })
	require.Len(t, patterns, 2)
	assert.Len(t, patterns[0].members, 2)
	assert.Len(t, patterns[0].centroid, 2)
	assert.Len(t, patterns[1].centroid, 3)
}

func TestRewardedVectorRoutesRaiseVectorWeight(t *testing.T) {
	l := testLearner(t, nil, func(c *config.LearningConfig) { c.Threshold = 1 })
	start := l.VectorWeight()
	assert.Equal(t, 0.5, start)

	for range 3 {
		record(t, l, 1, []float32{1, 0}, "vector", "vector")
		_, err := l.Tick(context.Background(), false)
		require.NoError(t, err)
	}
	assert.Greater(t, l.VectorWeight(), start)
	assert.Equal(t, "vector", l.PreferredRoute())

	w := l.Weights()
	assert.Greater(t, w.Routes["vector"], w.Routes["graph"])
}

func TestMicroStepIsBounded(t *testing.T) {
	l := testLearner(t, nil, func(c *config.LearningConfig) {
		c.Threshold = 1
		c.LearningRate = 100
		c.EMABeta = 0
		c.ConsolidateEvery = 1000
	})
	record(t, l, 1, []float32{1, 0}, "vector")
	_, err := l.Tick(context.Background(), false)
	require.NoError(t, err)

	cfg := config.Default().Learning
	assert.InDelta(t, 0.5+cfg.MaxMicroStep, l.VectorWeight(), 1e-9, "one step never exceeds max_micro_step")

	for range 50 {
		record(t, l, 1, []float32{1, 0}, "vector")
		_, err := l.Tick(context.Background(), false)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, l.VectorWeight(), 0.5+cfg.MaxMicroNorm+1e-9, "micro delta norm is capped")
}

func TestConsolidationMergesIntoBase(t *testing.T) {
	l := testLearner(t, nil, func(c *config.LearningConfig) {
		c.Threshold = 1
		c.ConsolidateEvery = 2
	})
	record(t, l, 1, []float32{1, 0}, "vector")
	r1, err := l.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, r1.Consolidated)

	record(t, l, 1, []float32{1, 0}, "vector")
	r2, err := l.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, r2.Consolidated)

	st := l.Stats()
	assert.Equal(t, 1, st.ConsolidationCount)
	assert.Equal(t, 1, st.BaseUpdateCount)

	l.wmu.RLock()
	defer l.wmu.RUnlock()
	for _, m := range l.params.Micro {
		assert.Zero(t, m, "micro resets after consolidation")
	}
	assert.Greater(t, l.params.Base[0], 0.5)
	assert.Greater(t, l.params.Importance[0], 0.0)
}

func TestImportanceDampsLaterConsolidations(t *testing.T) {
	p := newParams(2, 0.5)
	p.Micro[0] = 0.1
	p.Pending[0] = 1
	p.consolidate(10, 1)
	assert.InDelta(t, 0.6, p.Base[0], 1e-12)
	assert.Equal(t, 1.0, p.Importance[0])

	p.Micro[0] = 0.1
	p.consolidate(10, 1)
	assert.InDelta(t, 0.6+0.1/11, p.Base[0], 1e-12, "important weights move less")
}

func TestTrajectoryLifecycleErrors(t *testing.T) {
	l := testLearner(t, nil)
	id, err := l.Begin()
	require.NoError(t, err)

	assert.ErrorIs(t, l.RecordStep(id, Step{Route: "teleport"}), memerr.ErrValidation)
	assert.ErrorIs(t, l.RecordStep("ghost", Step{Route: "vector"}), memerr.ErrNotFound)
	assert.ErrorIs(t, l.End(id, 2), memerr.ErrValidation)

	require.NoError(t, l.End(id, 0.5))
	assert.ErrorIs(t, l.End(id, 0.5), memerr.ErrValidation, "already closed")
	assert.ErrorIs(t, l.RecordStep(id, Step{Route: "vector"}), memerr.ErrValidation)
}

func TestTickWaitHonorsContext(t *testing.T) {
	l := testLearner(t, nil)
	require.NoError(t, l.acquireTick(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Tick(ctx, true)
	var cc *memerr.ConcurrencyConflictError
	require.ErrorAs(t, err, &cc)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.releaseTick()
	_, err = l.Tick(context.Background(), true)
	assert.NoError(t, err)
}

func TestConcurrentTicksSerialize(t *testing.T) {
	l := testLearner(t, nil, func(c *config.LearningConfig) { c.Threshold = 1 })

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := l.Begin()
			assert.NoError(t, err)
			assert.NoError(t, l.RecordStep(id, Step{Route: l.Routes()[i%3], Embedding: []float32{float32(i), 1}}))
			assert.NoError(t, l.End(id, 0.5))
			_, err = l.Tick(context.Background(), false)
			assert.NoError(t, err)
			_ = l.VectorWeight()
		}()
	}
	wg.Wait()

	st := l.Stats()
	assert.Equal(t, 8, st.TrajectoriesRecorded)
	assert.Zero(t, st.Queued, "every trajectory consumed exactly once")
	assert.Equal(t, st.MicroUpdateCount, st.PatternsLearned)
}

func TestLearnerPersistsAcrossRestart(t *testing.T) {
	db := testDB(t)
	l := testLearner(t, db, func(c *config.LearningConfig) { c.Threshold = 2 })
	record(t, l, 1, []float32{1, 0}, "vector")
	record(t, l, 1, []float32{1, 0}, "vector")
	_, err := l.Tick(context.Background(), false)
	require.NoError(t, err)

	record(t, l, 0.2, []float32{0, 1}, "graph")
	openID, err := l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.RecordStep(openID, Step{Route: "hybrid", Embedding: []float32{0.5, 0.5}}))

	restored := testLearner(t, db, func(c *config.LearningConfig) { c.Threshold = 2 })
	assert.Equal(t, l.Weights(), restored.Weights())
	st := restored.Stats()
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.Open)
	want := l.Stats().State
	assert.True(t, want.LastTickAt.Equal(st.LastTickAt))
	want.LastTickAt, st.LastTickAt = time.Time{}, time.Time{}
	assert.Equal(t, want, st.State)

	require.NoError(t, restored.End(openID, 0.4))
	res, err := restored.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Consumed)

	counts, err := db.TrajectoryCounts()
	require.NoError(t, err)
	assert.Equal(t, 4, counts[store.StatusArchived])
}

func TestDiscardedTrajectoriesAreDeleted(t *testing.T) {
	db := testDB(t)
	l := testLearner(t, db, func(c *config.LearningConfig) { c.Archive = false })
	record(t, l, 0.3, nil, "graph")
	_, err := l.Tick(context.Background(), true)
	require.NoError(t, err)

	counts, err := db.TrajectoryCounts()
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestChangedRoutesDiscardWeights(t *testing.T) {
	db := testDB(t)
	l := testLearner(t, db, func(c *config.LearningConfig) { c.Threshold = 1 })
	record(t, l, 1, []float32{1}, "vector")
	_, err := l.Tick(context.Background(), false)
	require.NoError(t, err)
	require.NotEqual(t, 0.5, l.VectorWeight())

	other := testLearner(t, db, func(c *config.LearningConfig) { c.Routes = []string{"vector", "graph"} })
	assert.Equal(t, 0.5, other.VectorWeight())
	assert.Equal(t, 1, other.Stats().TrajectoriesRecorded, "counters survive")
}
