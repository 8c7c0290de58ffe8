// Package graph is the property graph: typed nodes and directed, typed,
// weighted edges held in an arena keyed by id, written through to SQLite, and
// queried with the MATCH/WHERE/RETURN language from package query.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/logger"
	"github.com/lazypower/cogmem/internal/memerr"
	"github.com/lazypower/cogmem/internal/query"
	"github.com/lazypower/cogmem/internal/store"
)

// Node and Edge are the stored forms. Nodes never point at each other; edges
// carry endpoint ids.
type (
	Node = store.Node
	Edge = store.Edge
)

// DefaultEdgeWeight is used when a relationship has no "weight" property.
const DefaultEdgeWeight = 1.0

// Graph is the node/edge arena. Mutations hold the write lock across the
// database write and the arena update; queries hold the read lock for the
// whole traversal, so they see either all of a mutation or none of it.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]*Edge
	out   map[string]map[string]struct{} // node id -> outgoing edge ids
	in    map[string]map[string]struct{} // node id -> incoming edge ids

	types    *TypeRegistry
	db       *store.DB
	readOnly bool
	cfg      config.GraphConfig
	logger   *slog.Logger
	now      func() time.Time
}

// Stats summarizes the graph.
type Stats struct {
	NodeCount         int            `json:"nodeCount"`
	EdgeCount         int            `json:"edgeCount"`
	TypeBreakdown     map[string]int `json:"typeBreakdown"`
	EdgeTypeBreakdown map[string]int `json:"edgeTypeBreakdown"`
	ReadOnly          bool           `json:"readOnly,omitempty"`
}

// New returns a graph backed by db, loading every stored node and edge. A
// nil db gives a purely in-memory graph. Edges whose endpoints are missing
// are skipped and the graph is returned read-only together with a
// StorageCorruptionError.
func New(db *store.DB, cfg config.GraphConfig, types *TypeRegistry, log *slog.Logger) (*Graph, error) {
	if types == nil {
		types = NewTypeRegistry()
	}
	g := &Graph{
		nodes:  make(map[string]*Node),
		edges:  make(map[string]*Edge),
		out:    make(map[string]map[string]struct{}),
		in:     make(map[string]map[string]struct{}),
		types:  types,
		db:     db,
		cfg:    cfg,
		logger: logger.OrNop(log).With("component", "graph"),
		now:    time.Now,
	}
	if db == nil {
		return g, nil
	}

	nodes, edges, err := db.LoadGraph()
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	for i := range nodes {
		n := nodes[i]
		if c, err := types.Register(n.Type); err == nil {
			n.Type = c
		}
		g.nodes[n.ID] = &n
	}
	var dangling []string
	for i := range edges {
		e := edges[i]
		if g.nodes[e.FromID] == nil || g.nodes[e.ToID] == nil {
			dangling = append(dangling, e.ID)
			continue
		}
		g.attach(&e)
	}
	if len(dangling) > 0 {
		g.readOnly = true
		g.logger.Error("graph has dangling edges, opened read-only", "edges", dangling)
		return g, &memerr.StorageCorruptionError{
			Path:   db.Path,
			Batch:  -1,
			Reason: fmt.Sprintf("%d edges reference missing nodes (first %s)", len(dangling), dangling[0]),
		}
	}
	g.logger.Debug("graph loaded", "nodes", len(g.nodes), "edges", len(g.edges))
	return g, nil
}

// SetReadOnly puts the graph in degraded mode: reads work, writes fail with
// ErrReadOnly.
func (g *Graph) SetReadOnly(ro bool) {
	g.mu.Lock()
	g.readOnly = ro
	g.mu.Unlock()
}

// ReadOnly reports whether the graph rejects writes.
func (g *Graph) ReadOnly() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readOnly
}

// Types returns the node type registry.
func (g *Graph) Types() *TypeRegistry { return g.types }

func (g *Graph) attach(e *Edge) {
	g.edges[e.ID] = e
	if g.out[e.FromID] == nil {
		g.out[e.FromID] = make(map[string]struct{})
	}
	if g.in[e.ToID] == nil {
		g.in[e.ToID] = make(map[string]struct{})
	}
	g.out[e.FromID][e.ID] = struct{}{}
	g.in[e.ToID][e.ID] = struct{}{}
}

func (g *Graph) detach(e *Edge) {
	delete(g.edges, e.ID)
	delete(g.out[e.FromID], e.ID)
	delete(g.in[e.ToID], e.ID)
}

func (g *Graph) writable(op string) error {
	if g.readOnly {
		return fmt.Errorf("%s: %w", op, memerr.ErrReadOnly)
	}
	return nil
}

func cloneNode(n *Node) *Node {
	c := *n
	c.Properties = maps.Clone(n.Properties)
	return &c
}

func cloneEdge(e *Edge) *Edge {
	c := *e
	c.Properties = maps.Clone(e.Properties)
	return &c
}

// CreateNode adds a node of type typ. If properties carry a non-empty string
// "id", the node with that id is created or replaced (upsert); otherwise a
// new id is generated. Unknown but well-formed types are registered.
func (g *Graph) CreateNode(typ string, properties map[string]any) (string, error) {
	canonical, err := g.types.Register(typ)
	if err != nil {
		return "", err
	}
	id, _ := properties["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writable("create node"); err != nil {
		return "", err
	}

	now := g.now()
	n := &Node{
		ID:         id,
		Type:       canonical,
		Properties: maps.Clone(properties),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	if existing := g.nodes[id]; existing != nil {
		n.CreatedAt = existing.CreatedAt
	}
	if g.db != nil {
		if err := g.db.PutNode(n); err != nil {
			return "", err
		}
	}
	g.nodes[id] = n
	return id, nil
}

// GetNodeByID returns a copy of the node, or nil if it does not exist.
func (g *Graph) GetNodeByID(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := g.nodes[id]
	if n == nil {
		return nil
	}
	return cloneNode(n)
}

// UpdateNode merges props into the node's properties. A nil value removes
// the key. The id property cannot be changed.
func (g *Graph) UpdateNode(id string, props map[string]any) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writable("update node"); err != nil {
		return nil, err
	}
	cur := g.nodes[id]
	if cur == nil {
		return nil, memerr.NotFound("node", id)
	}
	if v, ok := props["id"]; ok && v != id {
		return nil, memerr.Validation("node id cannot be changed")
	}

	n := cloneNode(cur)
	for k, v := range props {
		if v == nil {
			delete(n.Properties, k)
		} else {
			n.Properties[k] = v
		}
	}
	n.UpdatedAt = g.now()
	if g.db != nil {
		if err := g.db.PutNode(n); err != nil {
			return nil, err
		}
	}
	g.nodes[id] = n
	return cloneNode(n), nil
}

// DeleteNode removes a node and every edge that starts or ends at it. Both
// happen under one lock hold and one database statement. Deleting a missing
// node is not an error.
func (g *Graph) DeleteNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writable("delete node"); err != nil {
		return err
	}
	if g.nodes[id] == nil {
		return nil
	}
	if g.db != nil {
		if err := g.db.DeleteNode(id); err != nil {
			return err
		}
	}

	removed := 0
	for eid := range g.out[id] {
		g.detach(g.edges[eid])
		removed++
	}
	for eid := range g.in[id] {
		if e := g.edges[eid]; e != nil {
			g.detach(e)
			removed++
		}
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.nodes, id)
	g.logger.Debug("node deleted", "id", id, "edges", removed)
	return nil
}

// newEdge validates a relationship and builds it. Caller holds mu.
func (g *Graph) newEdge(from, to, typ string, props map[string]any) (*Edge, error) {
	if err := validEdgeType(typ); err != nil {
		return nil, err
	}
	if g.nodes[from] == nil {
		return nil, memerr.NotFound("node", from)
	}
	if g.nodes[to] == nil {
		return nil, memerr.NotFound("node", to)
	}

	weight := DefaultEdgeWeight
	if raw, ok := props["weight"]; ok {
		w, ok := query.Normalize(raw).(float64)
		if !ok || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, memerr.Validation("relationship weight must be a finite number, got %v", raw)
		}
		weight = w
	}
	props = maps.Clone(props)
	delete(props, "weight")
	if props == nil {
		props = map[string]any{}
	}
	return &Edge{
		ID:         uuid.NewString(),
		FromID:     from,
		ToID:       to,
		Type:       typ,
		Weight:     weight,
		Properties: props,
		CreatedAt:  g.now(),
	}, nil
}

// AddRelationship adds a directed edge from -> to. Both endpoints must exist.
// A numeric "weight" property sets the edge weight (default 1.0).
func (g *Graph) AddRelationship(from, to, typ string, props map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writable("add relationship"); err != nil {
		return "", err
	}
	e, err := g.newEdge(from, to, typ, props)
	if err != nil {
		return "", err
	}
	if g.db != nil {
		if err := g.db.PutEdges(e); err != nil {
			return "", err
		}
	}
	g.attach(e)
	return e.ID, nil
}

// Link records a bidirectional link as two directed edges, a -> b and
// b -> a, written together.
func (g *Graph) Link(a, b, typ string, props map[string]any) ([2]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writable("link"); err != nil {
		return [2]string{}, err
	}
	ab, err := g.newEdge(a, b, typ, props)
	if err != nil {
		return [2]string{}, err
	}
	ba, err := g.newEdge(b, a, typ, props)
	if err != nil {
		return [2]string{}, err
	}
	if g.db != nil {
		if err := g.db.PutEdges(ab, ba); err != nil {
			return [2]string{}, err
		}
	}
	g.attach(ab)
	g.attach(ba)
	return [2]string{ab.ID, ba.ID}, nil
}

// DeleteRelationship removes one edge. Deleting a missing edge is not an
// error.
func (g *Graph) DeleteRelationship(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.writable("delete relationship"); err != nil {
		return err
	}
	e := g.edges[id]
	if e == nil {
		return nil
	}
	if g.db != nil {
		if err := g.db.DeleteEdge(id); err != nil {
			return err
		}
	}
	g.detach(e)
	return nil
}

// GetEdge returns a copy of the edge, or nil if it does not exist.
func (g *Graph) GetEdge(id string) *Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e := g.edges[id]
	if e == nil {
		return nil
	}
	return cloneEdge(e)
}

// EdgesOf returns copies of every edge touching id in the given direction,
// ordered by edge id.
func (g *Graph) EdgesOf(id string, dir query.Direction) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.adjacent(id, dir) {
		out = append(out, *cloneEdge(e))
	}
	return out
}

// adjacent returns edges touching id, sorted by id. Caller holds mu.
func (g *Graph) adjacent(id string, dir query.Direction) []*Edge {
	var ids []string
	if dir == query.Outgoing || dir == query.Either {
		for eid := range g.out[id] {
			ids = append(ids, eid)
		}
	}
	if dir == query.Incoming || dir == query.Either {
		for eid := range g.in[id] {
			if dir == query.Either && g.edges[eid].FromID == id {
				continue // self loop, already listed as outgoing
			}
			ids = append(ids, eid)
		}
	}
	slices.Sort(ids)
	edges := make([]*Edge, len(ids))
	for i, eid := range ids {
		edges[i] = g.edges[eid]
	}
	return edges
}

// Neighbors returns the distinct nodes one hop from id in direction dir,
// ordered by id.
func (g *Graph) Neighbors(id string, dir query.Direction) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{}
	var out []Node
	for _, e := range g.adjacent(id, dir) {
		other := e.ToID
		if other == id {
			other = e.FromID
		}
		if !seen[other] {
			seen[other] = true
			out = append(out, *cloneNode(g.nodes[other]))
		}
	}
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Connectivity sums the weights of id's outgoing edges whose target has the
// same node type as id. linkTypes restricts which edge types count; empty
// counts all. Missing nodes score 0.
func (g *Graph) Connectivity(id string, linkTypes []string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := g.nodes[id]
	if n == nil {
		return 0
	}
	rel := query.RelPattern{Types: linkTypes}
	var sum float64
	for eid := range g.out[id] {
		e := g.edges[eid]
		if !rel.TypeMatches(e.Type) {
			continue
		}
		if t := g.nodes[e.ToID]; t != nil && t.Type == n.Type {
			sum += e.Weight
		}
	}
	return sum
}

// IDsByType returns the ids of every node of type typ, sorted.
func (g *Graph) IDsByType(typ string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []string
	for id, n := range g.nodes {
		if strings.EqualFold(n.Type, typ) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Stats returns node and edge counts with per-type breakdowns.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := Stats{
		NodeCount:         len(g.nodes),
		EdgeCount:         len(g.edges),
		TypeBreakdown:     map[string]int{},
		EdgeTypeBreakdown: map[string]int{},
		ReadOnly:          g.readOnly,
	}
	for _, n := range g.nodes {
		st.TypeBreakdown[n.Type]++
	}
	for _, e := range g.edges {
		st.EdgeTypeBreakdown[e.Type]++
	}
	return st
}

// CheckIntegrity verifies that every edge endpoint exists and that the
// adjacency index agrees with the edge table.
func (g *Graph) CheckIntegrity() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var errs []error
	for id, e := range g.edges {
		if g.nodes[e.FromID] == nil || g.nodes[e.ToID] == nil {
			errs = append(errs, fmt.Errorf("edge %s dangles (%s -> %s)", id, e.FromID, e.ToID))
		}
		if _, ok := g.out[e.FromID][id]; !ok {
			errs = append(errs, fmt.Errorf("edge %s missing from out index", id))
		}
		if _, ok := g.in[e.ToID][id]; !ok {
			errs = append(errs, fmt.Errorf("edge %s missing from in index", id))
		}
	}
	return errors.Join(errs...)
}
