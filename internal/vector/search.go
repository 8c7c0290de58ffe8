package vector

import (
	"container/heap"
	"math"
	"slices"

	"github.com/lazypower/cogmem/internal/memerr"
)

// Hit is one search result.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// worse orders hits so that the worst hit sorts first: lower score, then
// larger id.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

// topK is a bounded min-heap whose root is the worst retained hit.
type topK []Hit

func (h topK) Len() int           { return len(h) }
func (h topK) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h topK) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *topK) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *topK) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *topK) offer(hit Hit, k int) {
	if h.Len() < k {
		heap.Push(h, hit)
		return
	}
	if worse((*h)[0], hit) {
		(*h)[0] = hit
		heap.Fix(h, 0)
	}
}

// Search returns the k records most similar to query by cosine similarity,
// best first, ties broken by ascending id. Filters narrow candidates by
// metadata equality before scoring and stale-model records are skipped.
// Tiers are scanned hot, warm, then cold.
// Returned records count as accessed.
func (s *Store) Search(query []float32, k int, filters map[string]any) ([]Hit, error) {
	if len(query) != s.dim {
		return nil, &memerr.DimensionMismatchError{Want: s.dim, Got: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}

	qnorm := norm(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := make(topK, 0, min(k, len(s.records)))
	for _, t := range Tiers {
		for id := range s.tiers[t] {
			e := s.records[id]
			if !s.current(e) || (len(filters) > 0 && !e.matchesFilters(filters)) {
				continue
			}
			h.offer(Hit{ID: id, Score: cosine(query, qnorm, e.embedding)}, k)
		}
	}

	hits := []Hit(h)
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case worse(b, a):
			return -1
		case worse(a, b):
			return 1
		}
		return 0
	})

	now := s.now()
	for _, hit := range hits {
		s.records[hit.ID].touch(now)
	}
	return hits, nil
}

// Candidates returns the ids of every current-model record matching filters,
// in tier order then ascending id. It does not count as an access.
func (s *Store) Candidates(filters map[string]any) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, t := range Tiers {
		start := len(ids)
		for id := range s.tiers[t] {
			e := s.records[id]
			if !s.current(e) || (len(filters) > 0 && !e.matchesFilters(filters)) {
				continue
			}
			ids = append(ids, id)
		}
		slices.Sort(ids[start:])
	}
	return ids
}

// Touch records an access for each listed record that exists.
func (s *Store) Touch(ids ...string) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if e, ok := s.records[id]; ok {
			e.touch(now)
		}
	}
}

// Similarity returns the cosine similarity between query and each listed
// record that exists. It does not count as an access.
func (s *Store) Similarity(ids []string, query []float32) (map[string]float64, error) {
	if len(query) != s.dim {
		return nil, &memerr.DimensionMismatchError{Want: s.dim, Got: len(query)}
	}
	qnorm := norm(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if e, ok := s.records[id]; ok {
			out[id] = cosine(query, qnorm, e.embedding)
		}
	}
	return out, nil
}

// CosineSimilarity computes cosine similarity between two vectors. It returns
// 0 when either vector has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	return cosine(a, norm(a), b)
}

func cosine(q []float32, qnorm float64, v []float32) float64 {
	if qnorm == 0 {
		return 0
	}
	var dot, vv float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
		vv += float64(v[i]) * float64(v[i])
	}
	if vv == 0 {
		return 0
	}
	return dot / (qnorm * math.Sqrt(vv))
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
