// Package vector implements the tiered embedding store: hot, warm and cold
// tiers with access-driven promotion and idle demotion, cosine top-k search,
// and a single versioned file for persistence.
package vector

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/logger"
	"github.com/lazypower/cogmem/internal/memerr"
)

// Store holds embeddings of a fixed dimension.
//
// Mutations take the write lock; Get and Search share the read lock, so a
// reader never observes a partially applied write.
type Store struct {
	mu      sync.RWMutex
	saveMu  sync.Mutex
	dim     int
	cfg     config.VectorConfig
	records map[string]*entry
	tiers   [3]map[string]struct{}

	path     string
	lock     *fileLock
	readOnly bool

	model string // stamped on added records; others are stale

	logger *slog.Logger
	now    func() time.Time
}

// Stats summarizes the store.
type Stats struct {
	Dimensions   int            `json:"dims"`
	Total        int            `json:"total"`
	Tiers        map[string]int `json:"tiers"`
	StorageBytes int64          `json:"storageBytes"`
	Model        string         `json:"model,omitempty"`
	Stale        int            `json:"stale"`
	ReadOnly     bool           `json:"readOnly"`
	Path         string         `json:"path,omitempty"`
}

// NewMemory returns an unpersisted store, used by tests and ephemeral engines.
func NewMemory(cfg config.VectorConfig, log *slog.Logger) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, memerr.Validation("dimensions must be positive, got %d", cfg.Dimensions)
	}
	return newStore(cfg, log), nil
}

func newStore(cfg config.VectorConfig, log *slog.Logger) *Store {
	s := &Store{
		dim:     cfg.Dimensions,
		cfg:     cfg,
		records: make(map[string]*entry),
		logger:  logger.OrNop(log).With("component", "vector"),
		now:     time.Now,
	}
	for i := range s.tiers {
		s.tiers[i] = make(map[string]struct{})
	}
	return s
}

// Open opens (or creates) the store persisted at path, holding an exclusive
// OS lock on path+".lock" until Close. A second opener fails with a
// ConcurrencyConflictError once cfg.LockTimeout elapses.
//
// If the file fails verification, Open returns the store in read-only
// degraded mode together with a StorageCorruptionError. Records from batches
// that verified remain readable; nothing is truncated until Recover.
func Open(path string, cfg config.VectorConfig, log *slog.Logger) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, memerr.Validation("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}

	lock, err := acquireLock(path+".lock", cfg.LockTimeout)
	if err != nil {
		return nil, err
	}

	s := newStore(cfg, log)
	s.path = path
	s.lock = lock

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("vector store created", "path", path, "dims", cfg.Dimensions)
		return s, nil
	}
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("open vector file: %w", err)
	}
	defer f.Close()

	loadErr := s.load(f)
	if loadErr == nil {
		s.logger.Info("vector store loaded", "path", path, "records", len(s.records))
		return s, nil
	}
	if errors.Is(loadErr, memerr.ErrStorageCorruption) {
		s.readOnly = true
		s.logger.Error("vector store corrupt, opened read-only", "path", path, "salvaged", len(s.records), "err", loadErr)
		return s, loadErr
	}
	lock.release()
	return nil, loadErr
}

// Dimensions returns the fixed embedding dimension.
func (s *Store) Dimensions() int { return s.dim }

// SetModel names the embedding model of subsequently added records. Records
// embedded by any other model are stale: Search and Candidates skip them
// until they are re-added.
func (s *Store) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// Model returns the current embedding model name.
func (s *Store) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// current reports whether e was embedded by the store's model. Caller holds
// the lock.
func (s *Store) current(e *entry) bool {
	return s.model == "" || e.model == s.model
}

// StaleIDs returns, in ascending order, the ids of records embedded by a
// model other than the current one.
func (s *Store) StaleIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, e := range s.records {
		if !s.current(e) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// ReadOnly reports whether the store is in degraded read-only mode.
func (s *Store) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

func (s *Store) validate(id string, embedding []float32) error {
	if id == "" {
		return memerr.Validation("vector id is required")
	}
	if len(embedding) != s.dim {
		return &memerr.DimensionMismatchError{Want: s.dim, Got: len(embedding)}
	}
	for i, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return memerr.Validation("embedding component %d is not finite", i)
		}
	}
	return nil
}

// Add inserts a record into the hot tier. Re-adding an existing id replaces
// its embedding and metadata and keeps its tier. Metadata keys "source" and
// "category" populate the record fields of the same name.
func (s *Store) Add(id string, embedding []float32, metadata map[string]any) error {
	if err := s.validate(id, embedding); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return fmt.Errorf("add vector %s: %w", id, memerr.ErrReadOnly)
	}

	now := s.now()
	meta := maps.Clone(metadata)
	if existing, ok := s.records[id]; ok {
		existing.embedding = slices.Clone(embedding)
		existing.metadata = meta
		existing.source = stringField(meta, "source")
		existing.category = stringField(meta, "category")
		existing.model = s.model
		existing.touch(now)
		return nil
	}

	if err := s.makeRoom(Hot); err != nil {
		return err
	}

	e := &entry{
		id:        id,
		embedding: slices.Clone(embedding),
		tier:      Hot,
		metadata:  meta,
		source:    stringField(meta, "source"),
		category:  stringField(meta, "category"),
		model:     s.model,
		createdAt: now,
	}
	e.touch(now)
	s.records[id] = e
	s.tiers[Hot][id] = struct{}{}
	return nil
}

// Get returns a copy of the record, or nil if it does not exist. A hit counts
// as an access for tiering.
func (s *Store) Get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[id]
	if !ok {
		return nil
	}
	e.touch(s.now())
	r := e.snapshot()
	return &r
}

// Metadata returns a copy of a record's metadata without counting as an
// access. ok is false when the record does not exist.
func (s *Store) Metadata(id string) (meta map[string]any, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(e.metadata), true
}

// Delete removes a record. Deleting a missing id is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return fmt.Errorf("delete vector %s: %w", id, memerr.ErrReadOnly)
	}
	e, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.tiers[e.tier], id)
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// IDs returns every stored id in ascending order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Collect(maps.Keys(s.records))
	slices.Sort(ids)
	return ids
}

// TierCounts returns the number of records per tier.
func (s *Store) TierCounts() map[Tier]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[Tier]int{
		Hot:  len(s.tiers[Hot]),
		Warm: len(s.tiers[Warm]),
		Cold: len(s.tiers[Cold]),
	}
}

// Stats returns a summary of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Dimensions: s.dim,
		Total:      len(s.records),
		Tiers: map[string]int{
			Hot.String():  len(s.tiers[Hot]),
			Warm.String(): len(s.tiers[Warm]),
			Cold.String(): len(s.tiers[Cold]),
		},
		Model:    s.model,
		ReadOnly: s.readOnly,
		Path:     s.path,
	}
	for _, e := range s.records {
		if !s.current(e) {
			st.Stale++
		}
	}
	s.mu.RUnlock()

	if st.Path != "" {
		if fi, err := os.Stat(st.Path); err == nil {
			st.StorageBytes = fi.Size()
		}
	}
	return st
}

// Close persists the store (unless degraded) and releases the file lock.
func (s *Store) Close() error {
	var err error
	if s.path != "" && !s.ReadOnly() {
		err = s.Save()
	}
	if s.lock != nil {
		if rerr := s.lock.release(); rerr != nil && err == nil {
			err = rerr
		}
		s.lock = nil
	}
	return err
}
