package graph

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/lazypower/cogmem/internal/query"
)

// QueryOptions bound query execution. Zero values fall back to the graph
// config.
type QueryOptions struct {
	MaxDepth int
	Timeout  time.Duration
}

// Result is the de-duplicated union of nodes and edges bound to the RETURN
// variables, each ordered by id. Truncated is set when the traversal ran out
// of time and the result is partial.
type Result struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Query parses, binds and executes a query. Malformed queries and missing
// parameters fail with a QuerySyntaxError; an unknown label simply matches
// nothing.
func (g *Graph) Query(ctx context.Context, text string, params map[string]any, opts QueryOptions) (*Result, error) {
	q, err := query.Parse(text)
	if err != nil {
		return nil, err
	}
	if q, err = query.Bind(q, params); err != nil {
		return nil, err
	}
	return g.Execute(ctx, q, opts), nil
}

type nodeEntity struct{ *Node }

func (n nodeEntity) EntityID() string { return n.ID }

func (n nodeEntity) Property(key string) (any, bool) {
	if v, ok := n.Properties[key]; ok {
		return v, true
	}
	if key == "type" {
		return n.Type, true
	}
	return nil, false
}

type edgeEntity struct{ *Edge }

func (e edgeEntity) EntityID() string { return e.ID }

func (e edgeEntity) Property(key string) (any, bool) {
	if v, ok := e.Properties[key]; ok {
		return v, true
	}
	switch key {
	case "type":
		return e.Type, true
	case "weight":
		return e.Weight, true
	}
	return nil, false
}

// matcher holds the state of one execution.
type matcher struct {
	g        *Graph
	ctx      context.Context
	q        *query.Query
	maxDepth int

	nodes map[string]*Node   // variable -> bound node
	rels  map[string][]*Edge // variable -> bound edge path
	want  map[string]bool    // RETURN variables

	outNodes  map[string]*Node
	outEdges  map[string]*Edge
	bindings  int
	truncated bool
	steps     int
}

// Execute runs a bound query against a consistent snapshot of the graph.
// Variable-length relationships are expanded breadth first with a visited
// set and never beyond the max depth.
func (g *Graph) Execute(ctx context.Context, q *query.Query, opts QueryOptions) *Result {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = g.cfg.MaxDepth
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.cfg.QueryTimeout
	}
	if _, has := ctx.Deadline(); !has && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	m := &matcher{
		g:        g,
		ctx:      ctx,
		q:        q,
		maxDepth: maxDepth,
		nodes:    map[string]*Node{},
		rels:     map[string][]*Edge{},
		want:     map[string]bool{},
		outNodes: map[string]*Node{},
		outEdges: map[string]*Edge{},
	}
	for _, v := range q.Return {
		m.want[v] = true
	}

	g.mu.RLock()
	start := m.candidates(q.Nodes[0])
	for _, n := range start {
		if m.done() {
			break
		}
		m.bindNode(0, n)
	}
	res := m.result()
	g.mu.RUnlock()

	if res.Truncated {
		g.logger.Warn("query truncated", "nodes", len(res.Nodes), "edges", len(res.Edges), "err", ctx.Err())
	}
	return res
}

// done reports whether expansion should stop: the limit is reached or the
// deadline passed.
func (m *matcher) done() bool {
	if m.truncated {
		return true
	}
	if m.q.Limit > 0 && m.bindings >= m.q.Limit {
		return true
	}
	m.steps++
	if m.steps%64 == 0 || m.steps == 1 {
		if m.ctx.Err() != nil {
			m.truncated = true
			return true
		}
	}
	return false
}

func (m *matcher) nodeMatches(p query.NodePattern, n *Node) bool {
	if !query.LabelMatches(p.Label, n.Type) {
		return false
	}
	if p.Var != "" {
		if bound, ok := m.nodes[p.Var]; ok && bound.ID != n.ID {
			return false
		}
	}
	return query.MatchProps(p.Props, nodeEntityProps(n))
}

// nodeEntityProps exposes the node id as property "id" when the node has no
// such property, so {id: "..."} filters work on generated ids.
func nodeEntityProps(n *Node) map[string]any {
	if _, ok := n.Properties["id"]; ok {
		return n.Properties
	}
	props := make(map[string]any, len(n.Properties)+1)
	for k, v := range n.Properties {
		props[k] = v
	}
	props["id"] = n.ID
	return props
}

// candidates returns the nodes matching the first pattern, ordered by id.
func (m *matcher) candidates(p query.NodePattern) []*Node {
	if p.Var != "" {
		if bound, ok := m.nodes[p.Var]; ok {
			return []*Node{bound}
		}
	}
	var out []*Node
	for _, n := range m.g.nodes {
		if m.nodeMatches(p, n) {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// bindNode binds pattern node i to n and continues with relationship i.
func (m *matcher) bindNode(i int, n *Node) {
	p := m.q.Nodes[i]
	if !m.nodeMatches(p, n) {
		return
	}
	fresh := false
	if p.Var != "" {
		if _, ok := m.nodes[p.Var]; !ok {
			m.nodes[p.Var] = n
			fresh = true
		}
	}
	defer func() {
		if fresh {
			delete(m.nodes, p.Var)
		}
	}()

	if i == len(m.q.Rels) {
		m.emit()
		return
	}
	m.expand(i, n)
}

type hop struct {
	node *Node
	path []*Edge
}

// expand follows relationship i from n and binds every reachable node to
// pattern node i+1.
func (m *matcher) expand(i int, from *Node) {
	r := m.q.Rels[i]
	lo, hi := r.MinHops, r.MaxHops
	if r.VarLength && (hi == 0 || hi > m.maxDepth) {
		hi = m.maxDepth
	}
	if lo > hi {
		return
	}

	if !r.VarLength {
		for _, e := range m.g.adjacent(from.ID, r.Dir) {
			if m.done() {
				return
			}
			if !m.edgeMatches(r, e) {
				continue
			}
			m.bindRel(i, []*Edge{e}, m.g.nodes[other(e, from.ID, r.Dir)])
		}
		return
	}

	// Breadth first over nodes; each node is reached once, by its shortest
	// path, which guarantees termination on cycles.
	visited := map[string]bool{from.ID: true}
	frontier := []hop{{node: from}}
	if lo == 0 {
		m.bindRel(i, nil, from)
	}
	for depth := 1; depth <= hi && len(frontier) > 0; depth++ {
		var next []hop
		for _, h := range frontier {
			for _, e := range m.g.adjacent(h.node.ID, r.Dir) {
				if m.done() {
					return
				}
				if !m.edgeMatches(r, e) {
					continue
				}
				to := other(e, h.node.ID, r.Dir)
				if visited[to] {
					continue
				}
				visited[to] = true
				path := append(slices.Clip(h.path), e)
				next = append(next, hop{node: m.g.nodes[to], path: path})
			}
		}
		if depth >= lo {
			for _, h := range next {
				if m.done() {
					return
				}
				m.bindRel(i, h.path, h.node)
			}
		}
		frontier = next
	}
}

// other returns the endpoint of e reached when leaving from.
func other(e *Edge, from string, dir query.Direction) string {
	switch dir {
	case query.Outgoing:
		return e.ToID
	case query.Incoming:
		return e.FromID
	}
	if e.FromID == from {
		return e.ToID
	}
	return e.FromID
}

func (m *matcher) edgeMatches(r query.RelPattern, e *Edge) bool {
	if !r.TypeMatches(e.Type) {
		return false
	}
	if len(r.Props) == 0 {
		return true
	}
	props := make(map[string]any, len(e.Properties)+1)
	for k, v := range e.Properties {
		props[k] = v
	}
	if _, ok := props["weight"]; !ok {
		props["weight"] = e.Weight
	}
	return query.MatchProps(r.Props, props)
}

func (m *matcher) bindRel(i int, path []*Edge, to *Node) {
	r := m.q.Rels[i]
	if r.Var != "" {
		m.rels[r.Var] = path
		defer delete(m.rels, r.Var)
	}
	m.bindNode(i+1, to)
}

func (m *matcher) env(name string) (query.Entity, bool) {
	if n, ok := m.nodes[name]; ok {
		return nodeEntity{n}, true
	}
	if path, ok := m.rels[name]; ok && len(path) == 1 {
		return edgeEntity{path[0]}, true
	}
	return nil, false
}

// emit records a complete binding if it satisfies WHERE.
func (m *matcher) emit() {
	if m.q.Limit > 0 && m.bindings >= m.q.Limit {
		return
	}
	if !query.Eval(m.q.Where, m.env) {
		return
	}
	m.bindings++
	for v := range m.want {
		if n, ok := m.nodes[v]; ok {
			m.outNodes[n.ID] = n
		}
		for _, e := range m.rels[v] {
			m.outEdges[e.ID] = e
		}
	}
}

func (m *matcher) result() *Result {
	res := &Result{Nodes: []Node{}, Edges: []Edge{}, Truncated: m.truncated}
	for _, n := range m.outNodes {
		res.Nodes = append(res.Nodes, *cloneNode(n))
	}
	for _, e := range m.outEdges {
		res.Edges = append(res.Edges, *cloneEdge(e))
	}
	slices.SortFunc(res.Nodes, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(res.Edges, func(a, b Edge) int { return strings.Compare(a.ID, b.ID) })
	return res
}
