// Package rank fuses vector similarity with graph connectivity into one
// ordering.
package rank

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/logger"
	"github.com/lazypower/cogmem/internal/memerr"
)

// SearchResult is one ranked candidate.
type SearchResult struct {
	ID            string         `json:"id"`
	VectorScore   float64        `json:"vectorScore"`
	GraphScore    float64        `json:"graphScore"`
	CombinedScore float64        `json:"combinedScore"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// VectorSource scores candidates by similarity to a query embedding.
type VectorSource interface {
	Similarity(ids []string, query []float32) (map[string]float64, error)
	Metadata(id string) (map[string]any, bool)
}

// GraphSource reports raw connectivity for a node.
type GraphSource interface {
	Connectivity(id string, linkTypes []string) float64
}

// Reranker is an optional external scorer that reorders ranked candidates.
type Reranker interface {
	Rerank(ctx context.Context, query []float32, candidates []SearchResult) ([]SearchResult, error)
}

// Options limit a ranking. Zero K keeps every candidate.
type Options struct {
	K        int
	MinScore float64
}

// Ranker combines VectorSource and GraphSource scores.
type Ranker struct {
	vectors  VectorSource
	graph    GraphSource
	cfg      config.RankerConfig
	reranker Reranker
	logger   *slog.Logger
}

// New returns a ranker. graph may be nil, in which case every graph score
// is 0.
func New(vectors VectorSource, graph GraphSource, cfg config.RankerConfig, log *slog.Logger) *Ranker {
	return &Ranker{
		vectors: vectors,
		graph:   graph,
		cfg:     cfg,
		logger:  logger.OrNop(log).With("component", "rank"),
	}
}

// WithReranker returns a copy of r that consults rr after its own ordering.
func (r *Ranker) WithReranker(rr Reranker) *Ranker {
	c := *r
	c.reranker = rr
	return &c
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// Combine returns w·v + (1−w)·g with every input clamped to [0,1].
func Combine(vectorScore, graphScore, w float64) float64 {
	w = clamp01(w)
	return w*clamp01(vectorScore) + (1-w)*clamp01(graphScore)
}

// GraphScore normalizes raw connectivity by the configured cap.
func (r *Ranker) GraphScore(id string) float64 {
	if r.graph == nil || r.cfg.ConnectivityCap <= 0 {
		return 0
	}
	return clamp01(r.graph.Connectivity(id, r.cfg.LinkTypes) / r.cfg.ConnectivityCap)
}

// less orders results best first: higher combined score, then higher vector
// score, then ascending id.
func less(a, b SearchResult) int {
	if c := cmp.Compare(b.CombinedScore, a.CombinedScore); c != 0 {
		return c
	}
	if c := cmp.Compare(b.VectorScore, a.VectorScore); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Rank scores every candidate and returns them best first. The MinScore
// filter and the K limit apply only after scores are combined. Candidates
// missing from the vector store are skipped.
func (r *Ranker) Rank(ctx context.Context, ids []string, query []float32, w float64, opts Options) ([]SearchResult, error) {
	if math.IsNaN(w) || w < 0 || w > 1 {
		return nil, memerr.Validation("vector weight must be in [0,1], got %g", w)
	}
	sims, err := r.vectors.Similarity(ids, query)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ids))
	results := make([]SearchResult, 0, len(sims))
	for _, id := range ids {
		sim, ok := sims[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		res := SearchResult{
			ID:          id,
			VectorScore: clamp01(sim),
			GraphScore:  r.GraphScore(id),
		}
		res.CombinedScore = Combine(res.VectorScore, res.GraphScore, w)
		if meta, ok := r.vectors.Metadata(id); ok {
			res.Metadata = meta
		}
		results = append(results, res)
	}
	slices.SortFunc(results, less)

	if r.reranker != nil {
		results = r.rerank(ctx, query, results)
	}

	out := results[:0]
	for _, res := range results {
		if res.CombinedScore >= opts.MinScore {
			out = append(out, res)
		}
	}
	if opts.K > 0 && len(out) > opts.K {
		out = out[:opts.K]
	}
	return out, nil
}

// rerank consults the external reranker and falls back to the given order
// when it fails or returns anything but a permutation of the input.
func (r *Ranker) rerank(ctx context.Context, query []float32, ranked []SearchResult) []SearchResult {
	reordered, err := r.reranker.Rerank(ctx, query, slices.Clone(ranked))
	if err != nil {
		r.logger.Warn("reranker failed, keeping hybrid order", "err", err)
		return ranked
	}
	if !isPermutation(ranked, reordered) {
		r.logger.Warn("reranker returned a different candidate set, keeping hybrid order",
			"in", len(ranked), "out", len(reordered))
		return ranked
	}
	return reordered
}

func isPermutation(a, b []SearchResult) bool {
	if len(a) != len(b) {
		return false
	}
	want := make(map[string]int, len(a))
	for _, res := range a {
		want[res.ID]++
	}
	for _, res := range b {
		if want[res.ID] == 0 {
			return false
		}
		want[res.ID]--
	}
	return true
}
