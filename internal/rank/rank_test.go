package rank

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/memerr"
)

type fakeVectors map[string]float64

func (f fakeVectors) Similarity(ids []string, _ []float32) (map[string]float64, error) {
	out := map[string]float64{}
	for _, id := range ids {
		if s, ok := f[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f fakeVectors) Metadata(id string) (map[string]any, bool) {
	if _, ok := f[id]; !ok {
		return nil, false
	}
	return map[string]any{"id": id}, true
}

type fakeGraph map[string]float64

func (f fakeGraph) Connectivity(id string, _ []string) float64 { return f[id] }

func testRanker(v fakeVectors, g fakeGraph) *Ranker {
	cfg := config.Default().Ranker
	cfg.ConnectivityCap = 10
	return New(v, g, cfg, nil)
}

func ids(results []SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestCombineScenario(t *testing.T) {
	assert.InDelta(t, 0.78, Combine(0.9, 0.5, 0.7), 1e-6)
	assert.InDelta(t, 0.9, Combine(0.9, 0.5, 1), 1e-12)
	assert.InDelta(t, 0.5, Combine(0.9, 0.5, 0), 1e-12)
}

func TestCombineMonotoneInVectorScore(t *testing.T) {
	for _, w := range []float64{0, 0.1, 0.5, 0.7, 1} {
		for _, g := range []float64{0, 0.3, 1} {
			prev := Combine(0, g, w)
			for v := 0.05; v <= 1.0; v += 0.05 {
				cur := Combine(v, g, w)
				assert.GreaterOrEqual(t, cur, prev, "w=%g g=%g v=%g", w, g, v)
				prev = cur
			}
		}
	}
}

func TestRankOrdersAndTieBreaks(t *testing.T) {
	r := testRanker(
		fakeVectors{"a": 0.5, "b": 0.25, "c": 0.25, "d": 0.25, "e": -0.4},
		fakeGraph{"b": 10, "d": 2.5},
	)
	res, err := r.Rank(context.Background(), []string{"e", "d", "c", "b", "a", "missing"}, nil, 0.5, Options{})
	require.NoError(t, err)

	// b: .125+.5, a: .25, d: .125+.125, c: .125, e: 0
	assert.Equal(t, []string{"b", "a", "d", "c", "e"}, ids(res))
	assert.Equal(t, 0.625, res[0].CombinedScore)
	assert.Equal(t, res[1].CombinedScore, res[2].CombinedScore, "a and d tie; a has the higher vector score")
	assert.Equal(t, 1.0, res[0].GraphScore)
	assert.Zero(t, res[4].VectorScore, "negative cosine clamps to 0")
	assert.Equal(t, "b", res[0].Metadata["id"])
}

func TestRankEqualScoresFallBackToID(t *testing.T) {
	r := testRanker(fakeVectors{"z": 0.5, "y": 0.5, "x": 0.5}, nil)
	res, err := r.Rank(context.Background(), []string{"z", "x", "y", "x"}, nil, 0.7, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, ids(res))
}

func TestRankFiltersAfterCombination(t *testing.T) {
	// "g" has the weakest vector score but the strongest graph signal; it
	// must survive K=1 because the cut happens after combining.
	r := testRanker(fakeVectors{"v": 0.6, "g": 0.3}, fakeGraph{"g": 10})
	res, err := r.Rank(context.Background(), []string{"v", "g"}, nil, 0.5, Options{K: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, ids(res))

	res, err = r.Rank(context.Background(), []string{"v", "g"}, nil, 0.5, Options{MinScore: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, ids(res))
}

func TestRankRejectsBadWeight(t *testing.T) {
	r := testRanker(fakeVectors{"a": 1}, nil)
	for _, w := range []float64{-0.1, 1.1} {
		_, err := r.Rank(context.Background(), []string{"a"}, nil, w, Options{})
		assert.ErrorIs(t, err, memerr.ErrValidation)
	}
}

type reverseReranker struct{}

func (reverseReranker) Rerank(_ context.Context, _ []float32, c []SearchResult) ([]SearchResult, error) {
	out := make([]SearchResult, len(c))
	for i := range c {
		out[len(c)-1-i] = c[i]
	}
	return out, nil
}

type failingReranker struct{ err error }

func (f failingReranker) Rerank(context.Context, []float32, []SearchResult) ([]SearchResult, error) {
	return nil, f.err
}

type droppingReranker struct{}

func (droppingReranker) Rerank(_ context.Context, _ []float32, c []SearchResult) ([]SearchResult, error) {
	return c[:1], nil
}

func TestRerankerAndFallback(t *testing.T) {
	base := testRanker(fakeVectors{"a": 0.9, "b": 0.5, "c": 0.1}, nil)
	candidates := []string{"a", "b", "c"}

	res, err := base.WithReranker(reverseReranker{}).Rank(context.Background(), candidates, nil, 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(res))

	for name, rr := range map[string]Reranker{
		"error":     failingReranker{err: errors.New("gnn unavailable")},
		"nil":       failingReranker{},
		"different": droppingReranker{},
	} {
		res, err := base.WithReranker(rr).Rank(context.Background(), candidates, nil, 1, Options{})
		require.NoError(t, err, name)
		assert.Equal(t, []string{"a", "b", "c"}, ids(res), name)
	}

	// WithReranker leaves the original untouched.
	res, err = base.Rank(context.Background(), candidates, nil, 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(res))
}
