package learning

import (
	"math"
	"slices"
)

// Weights is a snapshot of the active ranking weights.
type Weights struct {
	VectorWeight float64            `json:"vectorWeight"`
	Routes       map[string]float64 `json:"routes"`
}

// params is the full learned parameter set. Index 0 of every vector is the
// vector weight; index 1+i is the preference for route i.
type params struct {
	Base       []float64 `json:"base"`
	Micro      []float64 `json:"micro"`
	Momentum   []float64 `json:"momentum"`
	Importance []float64 `json:"importance"`
	Pending    []float64 `json:"pending"` // importance accumulated since the last consolidation
}

func newParams(n int, vectorWeight float64) *params {
	p := &params{
		Base:       make([]float64, n),
		Micro:      make([]float64, n),
		Momentum:   make([]float64, n),
		Importance: make([]float64, n),
		Pending:    make([]float64, n),
	}
	p.Base[0] = clamp(vectorWeight, 0, 1)
	return p
}

func (p *params) clone() *params {
	return &params{
		Base:       slices.Clone(p.Base),
		Micro:      slices.Clone(p.Micro),
		Momentum:   slices.Clone(p.Momentum),
		Importance: slices.Clone(p.Importance),
		Pending:    slices.Clone(p.Pending),
	}
}

// valid reports whether every vector has length n, as after a load.
func (p *params) valid(n int) bool {
	for _, v := range [][]float64{p.Base, p.Micro, p.Momentum, p.Importance, p.Pending} {
		if len(v) != n {
			return false
		}
	}
	return true
}

// active returns base + micro with the vector weight held in [0,1] and
// route preferences in [-1,1].
func (p *params) active() []float64 {
	out := make([]float64, len(p.Base))
	for i := range out {
		out[i] = p.Base[i] + p.Micro[i]
	}
	out[0] = clamp(out[0], 0, 1)
	for i := 1; i < len(out); i++ {
		out[i] = clamp(out[i], -1, 1)
	}
	return out
}

// applyMicro folds one pattern gradient into the momentum and takes a
// clipped step on the micro delta. The micro delta's L2 norm never exceeds
// maxNorm.
func (p *params) applyMicro(grad []float64, rate, beta, maxStep, maxNorm float64) {
	for i, g := range grad {
		p.Momentum[i] = beta*p.Momentum[i] + (1-beta)*g
		p.Micro[i] += clamp(rate*p.Momentum[i], -maxStep, maxStep)
		p.Pending[i] += g * g
	}
	var norm float64
	for _, m := range p.Micro {
		norm += m * m
	}
	norm = math.Sqrt(norm)
	if norm > maxNorm {
		scale := maxNorm / norm
		for i := range p.Micro {
			p.Micro[i] *= scale
		}
	}
}

// consolidate merges the micro delta into base. Each component is damped by
// 1/(1+λ·F) where F is its importance to earlier consolidations, then the
// importance absorbs what was accumulated since. It reports whether base
// changed.
func (p *params) consolidate(lambda, decay float64) bool {
	changed := false
	for i := range p.Base {
		delta := p.Micro[i] / (1 + lambda*p.Importance[i])
		if delta != 0 {
			changed = true
		}
		p.Base[i] += delta
		p.Importance[i] = decay*p.Importance[i] + p.Pending[i]
		p.Micro[i] = 0
		p.Pending[i] = 0
	}
	p.Base[0] = clamp(p.Base[0], 0, 1)
	for i := 1; i < len(p.Base); i++ {
		p.Base[i] = clamp(p.Base[i], -1, 1)
	}
	return changed
}

// gradient derives the update direction for one pattern. advantage is the
// pattern's mean reward relative to the running baseline. Routes named
// "vector" and "graph" pull the vector weight in opposite directions; each
// route preference moves toward its share of the pattern's steps.
func gradient(p *pattern, routes []string, advantage float64) []float64 {
	g := make([]float64, 1+len(routes))
	g[0] = advantage * (p.routeShare("vector") - p.routeShare("graph"))
	uniform := 1 / float64(len(routes))
	for i, r := range routes {
		g[1+i] = advantage * (p.routeShare(r) - uniform)
	}
	return g
}

func clamp(x, lo, hi float64) float64 {
	switch {
	case math.IsNaN(x):
		return lo
	case x < lo:
		return lo
	case x > hi:
		return hi
	}
	return x
}
