package backend

import (
	"sort"
	"sync"

	"github.com/drmcore/drmcore/pkg/types"
)

// Registry maps backend kinds to their factories. A kind with no factory
// behaves as if the driver was built without that backend.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.Kind]Factory)}
}

// Register registers a factory for kind, replacing any previous one.
func (r *Registry) Register(kind types.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Unregister removes a kind from the registry.
// This is useful for testing.
func (r *Registry) Unregister(kind types.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, kind)
}

// Lookup returns the factory for kind.
func (r *Registry) Lookup(kind types.Kind) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Available returns the registered kinds in ascending order.
func (r *Registry) Available() []types.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]types.Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that backend packages register
// into from init().
func Default() *Registry {
	return defaultRegistry
}

// Register registers a factory in the default registry.
func Register(kind types.Kind, f Factory) {
	defaultRegistry.Register(kind, f)
}
