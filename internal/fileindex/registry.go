package fileindex

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"fileindex/internal/index"
)

var (
	// ErrIndexNotRegistered is returned for queries against an unknown index id.
	ErrIndexNotRegistered = errors.New("index not registered")

	// ErrIndexTypeMismatch is returned when a typed query names an index
	// with different key or value types.
	ErrIndexTypeMismatch = errors.New("index type mismatch")

	ErrIndexAlreadyRegistered = errors.New("index already registered")
)

// Registry holds the indexes served by a Service.
type Registry struct {
	mu      sync.RWMutex
	indexes map[string]index.Updatable
}

func NewRegistry() *Registry {
	return &Registry{indexes: make(map[string]index.Updatable)}
}

// Register adds idx under its id.
func (r *Registry) Register(idx index.Updatable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[idx.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrIndexAlreadyRegistered, idx.ID())
	}
	r.indexes[idx.ID()] = idx
	return nil
}

// Unregister removes and returns the index registered under id.
func (r *Registry) Unregister(id string) (index.Updatable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexes[id]
	delete(r.indexes, id)
	return idx, ok
}

// Lookup returns the index registered under id.
func (r *Registry) Lookup(id string) (index.Updatable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.indexes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotRegistered, id)
	}
	return idx, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.indexes))
}

// All returns the registered indexes ordered by id.
func (r *Registry) All() []index.Updatable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]index.Updatable, 0, len(r.indexes))
	for _, id := range slices.Sorted(maps.Keys(r.indexes)) {
		out = append(out, r.indexes[id])
	}
	return out
}

func lookupReader[K comparable, V any](r *Registry, id string) (index.Reader[K, V], error) {
	idx, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	reader, ok := idx.(index.Reader[K, V])
	if !ok {
		var (
			k K
			v V
		)
		return nil, fmt.Errorf("%w: %s is not an index of %T to %T", ErrIndexTypeMismatch, id, k, v)
	}
	return reader, nil
}
