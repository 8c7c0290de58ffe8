package learning

import (
	"math"
	"slices"
)

// pattern is a group of trajectories with similar query embeddings and the
// same outcome sign.
type pattern struct {
	centroid  []float64
	members   []*Trajectory
	rewardSum float64
	positive  bool
	routes    map[string]int
	steps     int
}

func (p *pattern) avgReward() float64 {
	return p.rewardSum / float64(len(p.members))
}

// routeShare returns the fraction of the pattern's steps that took route.
func (p *pattern) routeShare(route string) float64 {
	if p.steps == 0 {
		return 0
	}
	return float64(p.routes[route]) / float64(p.steps)
}

func (p *pattern) add(t *Trajectory, mean []float64) {
	n := float64(len(p.members))
	p.members = append(p.members, t)
	p.rewardSum += t.Reward
	for _, s := range t.Steps {
		p.routes[s.Route]++
		p.steps++
	}
	if p.centroid == nil || mean == nil {
		return
	}
	for i := range p.centroid {
		p.centroid[i] = (p.centroid[i]*n + mean[i]) / (n + 1)
	}
}

// meanEmbedding averages the step embeddings of t, skipping steps whose
// dimension differs from the first embedded step. It returns nil when no
// step carries an embedding.
func meanEmbedding(t *Trajectory) []float64 {
	var mean []float64
	n := 0
	for _, s := range t.Steps {
		if len(s.Embedding) == 0 {
			continue
		}
		if mean == nil {
			mean = make([]float64, len(s.Embedding))
		}
		if len(s.Embedding) != len(mean) {
			continue
		}
		for i, v := range s.Embedding {
			mean[i] += float64(v)
		}
		n++
	}
	for i := range mean {
		mean[i] /= float64(n)
	}
	return mean
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// cluster groups trajectories greedily in queue order. A trajectory joins
// the first pattern with the same outcome sign (relative to baseline) whose
// centroid has the same dimension and is within threshold cosine similarity;
// trajectories without embeddings group only with each other.
func cluster(batch []*Trajectory, baseline, threshold float64) []*pattern {
	var patterns []*pattern
	for _, t := range batch {
		mean := meanEmbedding(t)
		positive := t.Reward >= baseline

		var home *pattern
		for _, p := range patterns {
			if p.positive != positive || len(p.centroid) != len(mean) {
				continue
			}
			if mean == nil || cosine(p.centroid, mean) >= threshold {
				home = p
				break
			}
		}
		if home == nil {
			home = &pattern{positive: positive, routes: map[string]int{}}
			if mean != nil {
				home.centroid = slices.Clone(mean)
			}
			patterns = append(patterns, home)
		}
		home.add(t, mean)
	}
	return patterns
}
