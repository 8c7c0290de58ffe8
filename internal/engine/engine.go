// Package engine is the unified memory facade: one object owning the vector
// store, the graph, the hybrid ranker and the learner, plus the background
// sweeper that keeps tiers and learning current.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/graph"
	"github.com/lazypower/cogmem/internal/learning"
	"github.com/lazypower/cogmem/internal/logger"
	"github.com/lazypower/cogmem/internal/memerr"
	"github.com/lazypower/cogmem/internal/rank"
	"github.com/lazypower/cogmem/internal/store"
	"github.com/lazypower/cogmem/internal/vector"
)

// File names inside the data directory.
const (
	GraphFile  = "graph.db"
	VectorFile = "vectors.cgvs"
)

// DocumentType is the graph node type of every added document.
const DocumentType = "Document"

// Deps are the collaborators of an Engine. Vectors, Graph and Embedder are
// required; a nil Learner disables learning and a nil DB leaves nothing to
// close besides the vector store.
type Deps struct {
	Config   config.Config
	DB       *store.DB
	Vectors  *vector.Store
	Graph    *graph.Graph
	Learner  *learning.Learner
	Embedder Embedder
	Reranker rank.Reranker
	Logger   *slog.Logger
}

// Engine orchestrates the stores, ranking and learning.
type Engine struct {
	cfg      config.Config
	db       *store.DB
	vectors  *vector.Store
	graph    *graph.Graph
	learner  *learning.Learner
	ranker   *rank.Ranker
	embedder Embedder
	logger   *slog.Logger

	docMu    sync.Mutex // pairs vector and graph writes for one document
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles an engine from explicit dependencies.
func New(d Deps) (*Engine, error) {
	if d.Vectors == nil || d.Graph == nil || d.Embedder == nil {
		return nil, memerr.Validation("engine requires a vector store, a graph and an embedder")
	}
	if d.Embedder.Dimensions() != d.Vectors.Dimensions() {
		return nil, &memerr.DimensionMismatchError{Want: d.Vectors.Dimensions(), Got: d.Embedder.Dimensions()}
	}
	log := logger.OrNop(d.Logger)
	d.Vectors.SetModel(d.Embedder.Model())
	if stale := len(d.Vectors.StaleIDs()); stale > 0 {
		log.Warn("vectors from a different embedding model are excluded from search until re-embedded",
			"model", d.Embedder.Model(), "stale", stale)
	}
	r := rank.New(d.Vectors, d.Graph, d.Config.Ranker, log)
	if d.Reranker != nil {
		r = r.WithReranker(d.Reranker)
	}
	return &Engine{
		cfg:      d.Config,
		db:       d.DB,
		vectors:  d.Vectors,
		graph:    d.Graph,
		learner:  d.Learner,
		ranker:   r,
		embedder: d.Embedder,
		logger:   log.With("component", "engine"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Open opens every store under cfg's data directory. Corruption in either
// store is not fatal: that store opens read-only, the condition is logged,
// and the rest of the engine stays usable. A nil embedder is built from
// cfg.Embedding.
func Open(cfg config.Config, embedder Embedder, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logger.OrNop(log)
	dir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	if embedder == nil {
		if embedder, err = NewEmbedder(cfg.Embedding, cfg.Vector.Dimensions); err != nil {
			return nil, err
		}
	}

	db, dbErr := store.Open(filepath.Join(dir, GraphFile))
	if db == nil {
		return nil, dbErr
	}
	dbCorrupt := dbErr != nil
	if dbCorrupt {
		log.Error("graph database failed integrity check, graph is read-only", "err", dbErr)
	}

	vectors, err := vector.Open(filepath.Join(dir, VectorFile), cfg.Vector, log)
	if vectors == nil {
		db.Close()
		return nil, err
	}

	g, err := graph.New(db, cfg.Graph, nil, log)
	switch {
	case g == nil:
		log.Error("graph could not be loaded, continuing with an empty read-only graph", "err", err)
		g, _ = graph.New(nil, cfg.Graph, nil, log)
		g.SetReadOnly(true)
	case dbCorrupt:
		g.SetReadOnly(true)
	}

	learnDB := db
	if dbCorrupt {
		learnDB = nil
	}
	learner, err := learning.New(learnDB, cfg.Learning, cfg.Ranker.VectorWeight, log)
	if err != nil {
		vectors.Close()
		db.Close()
		return nil, fmt.Errorf("open learner: %w", err)
	}

	e, err := New(Deps{
		Config:   cfg,
		DB:       db,
		Vectors:  vectors,
		Graph:    g,
		Learner:  learner,
		Embedder: embedder,
		Logger:   log,
	})
	if err != nil {
		vectors.Close()
		db.Close()
		return nil, err
	}
	if !vectors.ReadOnly() {
		if _, err := e.EmbedStale(context.Background()); err != nil {
			log.Error("re-embedding stale vectors failed, they stay excluded from search", "err", err)
		}
	}
	return e, nil
}

// Document is the input to AddDocument.
type Document struct {
	ID       string         `json:"id,omitempty"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	Source   string         `json:"source,omitempty"`
	Category string         `json:"category,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DocumentID derives the content-addressed id of a document: the hex SHA-256
// of "source:" followed by the first 1000 characters of text.
func DocumentID(source, text string) string {
	if r := []rune(text); len(r) > 1000 {
		text = string(r[:1000])
	}
	sum := sha256.Sum256([]byte(source + ":" + text))
	return hex.EncodeToString(sum[:])
}

// AddDocument embeds a document and stores it as both a vector record and a
// Document node sharing one id. Re-adding the same id replaces both. If the
// vector write fails the node change is rolled back.
func (e *Engine) AddDocument(ctx context.Context, doc Document) (string, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return "", memerr.Validation("document text is required")
	}
	id := doc.ID
	if id == "" {
		id = DocumentID(doc.Source, doc.Text)
	}

	embedding, err := e.embedder.Embed(ctx, embedText(doc.Title, doc.Text))
	if err != nil {
		return "", fmt.Errorf("embed document: %w", err)
	}

	props := maps.Clone(doc.Metadata)
	if props == nil {
		props = map[string]any{}
	}
	props["id"] = id
	props["title"] = doc.Title
	props["text"] = doc.Text
	props["source"] = doc.Source
	props["category"] = doc.Category

	meta := maps.Clone(doc.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["type"] = DocumentType
	meta["title"] = doc.Title
	meta["source"] = doc.Source
	meta["category"] = doc.Category

	e.docMu.Lock()
	defer e.docMu.Unlock()

	prior := e.graph.GetNodeByID(id)
	if _, err := e.graph.CreateNode(DocumentType, props); err != nil {
		return "", fmt.Errorf("add document node: %w", err)
	}
	if err := e.vectors.Add(id, embedding, meta); err != nil {
		e.rollbackNode(id, prior)
		return "", fmt.Errorf("add document vector: %w", err)
	}
	e.logger.Debug("document added", "id", id, "title", doc.Title)
	return id, nil
}

func embedText(title, text string) string {
	return title + "\n\n" + text
}

// EmbedStale re-embeds documents whose vectors came from a different
// embedding model, using the title and text kept on their graph nodes.
// Vectors without a Document node stay stale and are logged.
func (e *Engine) EmbedStale(ctx context.Context) (int, error) {
	stale := e.vectors.StaleIDs()
	if len(stale) == 0 {
		return 0, nil
	}
	if e.vectors.ReadOnly() {
		return 0, fmt.Errorf("re-embed vectors: %w", memerr.ErrReadOnly)
	}

	e.docMu.Lock()
	defer e.docMu.Unlock()

	n := 0
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		node := e.graph.GetNodeByID(id)
		if node == nil || node.Type != DocumentType {
			e.logger.Warn("stale vector has no document to re-embed from", "id", id)
			continue
		}
		title, _ := node.Properties["title"].(string)
		text, _ := node.Properties["text"].(string)
		vec, err := e.embedder.Embed(ctx, embedText(title, text))
		if err != nil {
			return n, fmt.Errorf("re-embed %s: %w", id, err)
		}
		meta, _ := e.vectors.Metadata(id)
		if err := e.vectors.Add(id, vec, meta); err != nil {
			return n, fmt.Errorf("re-embed %s: %w", id, err)
		}
		n++
	}
	e.logger.Info("re-embedded stale vectors", "model", e.embedder.Model(), "count", n, "stale", len(stale))
	return n, nil
}

func (e *Engine) rollbackNode(id string, prior *graph.Node) {
	var err error
	if prior == nil {
		err = e.graph.DeleteNode(id)
	} else {
		props := maps.Clone(prior.Properties)
		if props == nil {
			props = map[string]any{}
		}
		props["id"] = id
		_, err = e.graph.CreateNode(prior.Type, props)
	}
	if err != nil {
		e.logger.Error("document rollback failed", "id", id, "err", err)
	}
}

// DeleteDocument removes a document's vector record and node, and with it
// every edge touching the node. Deleting a missing id is a no-op. If the
// node cannot be deleted the vector is restored.
func (e *Engine) DeleteDocument(id string) error {
	e.docMu.Lock()
	defer e.docMu.Unlock()

	if e.graph.ReadOnly() {
		return fmt.Errorf("delete document: %w", memerr.ErrReadOnly)
	}
	prior := e.vectors.Get(id)
	if err := e.vectors.Delete(id); err != nil {
		return fmt.Errorf("delete document vector: %w", err)
	}
	if err := e.graph.DeleteNode(id); err != nil {
		if prior != nil {
			if rerr := e.vectors.Add(id, prior.Embedding, prior.Metadata); rerr != nil {
				e.logger.Error("document vector restore failed", "id", id, "err", rerr)
			}
		}
		return fmt.Errorf("delete document node: %w", err)
	}
	return nil
}

// GetDocument returns the stored Document node, or nil.
func (e *Engine) GetDocument(id string) *graph.Node {
	n := e.graph.GetNodeByID(id)
	if n == nil || n.Type != DocumentType {
		return nil
	}
	return n
}

// SearchRequest describes a hybrid search. Exactly one of Text and Embedding
// is used; Embedding wins when both are set.
type SearchRequest struct {
	Text         string         `json:"text,omitempty"`
	Embedding    []float32      `json:"embedding,omitempty"`
	K            int            `json:"k,omitempty"`
	Filters      map[string]any `json:"filters,omitempty"`
	VectorWeight *float64       `json:"vectorWeight,omitempty"` // nil uses the learned weight
	MinScore     *float64       `json:"minScore,omitempty"`
	TrajectoryID string         `json:"trajectoryId,omitempty"`
	Route        string         `json:"route,omitempty"` // recorded route, default "hybrid"
}

const defaultK = 10

// Search scores every vector matching the filters with the hybrid ranker,
// which applies the minimum score and K only after combining vector and
// graph signal. Returned documents count as accessed. When a trajectory id
// is given the query is recorded as a step of that trajectory.
func (e *Engine) Search(ctx context.Context, req SearchRequest) ([]rank.SearchResult, error) {
	if req.K < 0 {
		return nil, memerr.Validation("k must not be negative, got %d", req.K)
	}
	k := req.K
	if k == 0 {
		k = defaultK
	}

	q := req.Embedding
	if len(q) == 0 {
		if strings.TrimSpace(req.Text) == "" {
			return nil, memerr.Validation("search needs query text or an embedding")
		}
		var err error
		if q, err = e.embedder.Embed(ctx, req.Text); err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}

	w := e.VectorWeight()
	if req.VectorWeight != nil {
		w = *req.VectorWeight
	}
	minScore := e.cfg.Ranker.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	ids := e.vectors.Candidates(req.Filters)
	results, err := e.ranker.Rank(ctx, ids, q, w, rank.Options{K: k, MinScore: minScore})
	if err != nil {
		return nil, err
	}
	returned := make([]string, len(results))
	for i, r := range results {
		returned[i] = r.ID
	}
	e.vectors.Touch(returned...)

	if req.TrajectoryID != "" && e.learner != nil {
		route := req.Route
		if route == "" {
			route = "hybrid"
		}
		if err := e.learner.RecordStep(req.TrajectoryID, learning.Step{Route: route, Embedding: q}); err != nil {
			return nil, fmt.Errorf("record search step: %w", err)
		}
	}
	return results, nil
}

// VectorWeight returns the weight used when a search does not specify one.
func (e *Engine) VectorWeight() float64 {
	if e.learner == nil {
		return e.cfg.Ranker.VectorWeight
	}
	return e.learner.VectorWeight()
}

// GraphQuery runs a pattern query against the graph.
func (e *Engine) GraphQuery(ctx context.Context, q string, params map[string]any) (*graph.Result, error) {
	return e.graph.Query(ctx, q, params, graph.QueryOptions{})
}

// AddRelationship creates a directed edge between two existing nodes.
func (e *Engine) AddRelationship(from, to, typ string, props map[string]any) (string, error) {
	return e.graph.AddRelationship(from, to, typ, props)
}

// Link creates the directed pair a→b and b→a in one write.
func (e *Engine) Link(a, b, typ string, props map[string]any) ([2]string, error) {
	return e.graph.Link(a, b, typ, props)
}

// CreateNode adds a non-document node, such as a Concept or a System
// record.
func (e *Engine) CreateNode(typ string, props map[string]any) (string, error) {
	return e.graph.CreateNode(typ, props)
}

// Graph exposes the underlying graph for read-mostly callers.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Stats is the combined statistics of every subsystem.
type Stats struct {
	Vector   vector.Stats    `json:"vector"`
	Graph    graph.Stats     `json:"graph"`
	Learning *learning.Stats `json:"learning,omitempty"`
}

// Stats returns a snapshot across stores.
func (e *Engine) Stats() Stats {
	st := Stats{Vector: e.vectors.Stats(), Graph: e.graph.Stats()}
	if e.learner != nil {
		ls := e.learner.Stats()
		st.Learning = &ls
	}
	return st
}

func (e *Engine) learnerOrErr() (*learning.Learner, error) {
	if e.learner == nil {
		return nil, memerr.Validation("learning is disabled")
	}
	return e.learner, nil
}

// BeginTrajectory opens a learning trajectory.
func (e *Engine) BeginTrajectory() (string, error) {
	l, err := e.learnerOrErr()
	if err != nil {
		return "", err
	}
	return l.Begin()
}

// RecordStep appends a step to an open trajectory. A step embedding, when
// present, must match the vector store dimension.
func (e *Engine) RecordStep(id string, step learning.Step) error {
	l, err := e.learnerOrErr()
	if err != nil {
		return err
	}
	if n := len(step.Embedding); n != 0 && n != e.vectors.Dimensions() {
		return &memerr.DimensionMismatchError{Want: e.vectors.Dimensions(), Got: n}
	}
	return l.RecordStep(id, step)
}

// EndTrajectory closes a trajectory with its reward.
func (e *Engine) EndTrajectory(id string, reward float64) error {
	l, err := e.learnerOrErr()
	if err != nil {
		return err
	}
	return l.End(id, reward)
}

// Tick runs one learning cycle.
func (e *Engine) Tick(ctx context.Context, force bool) (*learning.Result, error) {
	l, err := e.learnerOrErr()
	if err != nil {
		return nil, err
	}
	return l.Tick(ctx, force)
}

// LearningStats returns the learner's counters.
func (e *Engine) LearningStats() (learning.Stats, error) {
	l, err := e.learnerOrErr()
	if err != nil {
		return learning.Stats{}, err
	}
	return l.Stats(), nil
}

// Consistency lists documents present in only one of the two stores.
type Consistency struct {
	NodesWithoutVectors []string `json:"nodesWithoutVectors"`
	VectorsWithoutNodes []string `json:"vectorsWithoutNodes"`
}

// OK reports whether every document exists in both stores.
func (c Consistency) OK() bool {
	return len(c.NodesWithoutVectors) == 0 && len(c.VectorsWithoutNodes) == 0
}

// CheckConsistency cross-checks Document nodes against vector records. The
// returned error reports structural damage inside the graph itself.
func (e *Engine) CheckConsistency() (Consistency, error) {
	e.docMu.Lock()
	defer e.docMu.Unlock()

	nodes := e.graph.IDsByType(DocumentType)
	vecs := e.vectors.IDs()
	slices.Sort(vecs)

	c := Consistency{NodesWithoutVectors: []string{}, VectorsWithoutNodes: []string{}}
	for _, id := range nodes {
		if _, found := slices.BinarySearch(vecs, id); !found {
			c.NodesWithoutVectors = append(c.NodesWithoutVectors, id)
		}
	}
	for _, id := range vecs {
		if n := e.graph.GetNodeByID(id); n == nil || n.Type != DocumentType {
			c.VectorsWithoutNodes = append(c.VectorsWithoutNodes, id)
		}
	}
	return c, e.graph.CheckIntegrity()
}

// Recover rewrites a degraded vector store from its salvaged records.
func (e *Engine) Recover() error {
	return e.vectors.Recover()
}

// Flush persists the vector store.
func (e *Engine) Flush() error {
	if e.vectors.ReadOnly() {
		return nil
	}
	return e.vectors.Save()
}

// StartSweeper runs a tier sweep, a vector save and a non-forced learning
// tick every vector.sweep_interval until Stop.
func (e *Engine) StartSweeper() {
	interval := e.cfg.Vector.SweepInterval
	if interval <= 0 {
		interval = config.Default().Vector.SweepInterval
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.sweep(interval)
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) sweep(budget time.Duration) {
	res := e.vectors.Sweep(time.Now())
	if res.Promoted > 0 || res.Demoted > 0 {
		e.logger.Info("tier sweep", "promoted", res.Promoted, "demoted", res.Demoted)
	}
	if err := e.Flush(); err != nil {
		e.logger.Error("vector save failed", "err", err)
	}
	if e.learner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if _, err := e.learner.Tick(ctx, false); err != nil {
		e.logger.Error("background learning tick failed", "err", err)
	}
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Close stops the sweeper, saves and unlocks the vector store, and closes
// the database.
func (e *Engine) Close() error {
	e.Stop()
	err := e.vectors.Close()
	if e.db != nil {
		err = errors.Join(err, e.db.Close())
	}
	return err
}
