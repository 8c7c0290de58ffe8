package graph

import (
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/lazypower/cogmem/internal/memerr"
)

// DefaultTypes seed every registry.
var DefaultTypes = []string{"Document", "Concept", "Citation", "System", "Value", "Interaction"}

var typeName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// TypeRegistry is the extensible set of node type tags. Lookups are
// case-insensitive; the first spelling registered is canonical.
type TypeRegistry struct {
	mu    sync.RWMutex
	names map[string]string // lower-case -> canonical
}

// NewTypeRegistry returns a registry holding DefaultTypes plus extra.
func NewTypeRegistry(extra ...string) *TypeRegistry {
	r := &TypeRegistry{names: make(map[string]string)}
	for _, t := range append(slices.Clone(DefaultTypes), extra...) {
		if typeName.MatchString(t) {
			r.names[strings.ToLower(t)] = t
		}
	}
	return r
}

// Lookup returns the canonical spelling of a registered type.
func (r *TypeRegistry) Lookup(t string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.names[strings.ToLower(t)]
	return c, ok
}

// Register validates t and adds it if new, returning the canonical spelling.
func (r *TypeRegistry) Register(t string) (string, error) {
	if !typeName.MatchString(t) {
		return "", memerr.Validation("invalid type name %q", t)
	}
	key := strings.ToLower(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.names[key]; ok {
		return c, nil
	}
	r.names[key] = t
	return t, nil
}

// Names returns every registered type in sorted order.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for _, c := range r.names {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// validEdgeType checks a relationship type name. Edge types are open and
// not registered.
func validEdgeType(t string) error {
	if !typeName.MatchString(t) {
		return memerr.Validation("invalid relationship type %q", t)
	}
	return nil
}
