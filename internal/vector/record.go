package vector

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"
)

// Tier is the storage class of a record.
type Tier uint8

const (
	Hot Tier = iota
	Warm
	Cold
)

var tierNames = [...]string{"hot", "warm", "cold"}

// Tiers lists every tier in scan order.
var Tiers = []Tier{Hot, Warm, Cold}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", t)
}

// ParseTier parses a tier name as produced by Tier.String.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Record is a point-in-time copy of a stored embedding. Mutating it does not
// affect the store.
type Record struct {
	ID             string
	Embedding      []float32
	Tier           Tier
	Metadata       map[string]any
	Source         string
	Category       string
	Model          string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
}

// entry is the stored form of a record. Access statistics are atomics so
// readers holding only the read lock can record accesses.
type entry struct {
	id        string
	embedding []float32
	tier      Tier
	metadata  map[string]any
	source    string
	category  string
	model     string // embedding model that produced the vector
	createdAt time.Time

	lastAccess  atomic.Int64 // unix nanos
	accessCount atomic.Uint64
	window      atomic.Int64 // accesses since the last sweep
}

func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
	e.accessCount.Add(1)
	e.window.Add(1)
}

func (e *entry) lastAccessed() time.Time {
	return time.Unix(0, e.lastAccess.Load())
}

func (e *entry) snapshot() Record {
	return Record{
		ID:             e.id,
		Embedding:      slices.Clone(e.embedding),
		Tier:           e.tier,
		Metadata:       maps.Clone(e.metadata),
		Source:         e.source,
		Category:       e.category,
		Model:          e.model,
		CreatedAt:      e.createdAt,
		LastAccessedAt: e.lastAccessed(),
		AccessCount:    e.accessCount.Load(),
	}
}

// stringField reads a string-valued metadata key, used to lift source and
// category into record fields.
func stringField(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// matchesFilters reports whether every filter equals the record's metadata
// value. The keys "source" and "category" also match the record fields.
func (e *entry) matchesFilters(filters map[string]any) bool {
	for k, want := range filters {
		switch k {
		case "source":
			if e.source == fmt.Sprint(want) {
				continue
			}
		case "category":
			if e.category == fmt.Sprint(want) {
				continue
			}
		}
		got, ok := e.metadata[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares metadata values, treating all numeric kinds as
// float64 so values survive a JSON round trip.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
