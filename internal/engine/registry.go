package engine

import (
	"sync"
)

// Builder constructs the engine for a namespace on first use.
type Builder func(namespace string) (*Engine, error)

// Registry holds one lazily constructed engine per namespace. It replaces
// ambient module-level singletons: tests get isolation through Reset, and
// teardown is explicit.
type Registry struct {
	build Builder

	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates a registry with the given builder.
func NewRegistry(build Builder) *Registry {
	return &Registry{
		build:   build,
		engines: make(map[string]*Engine),
	}
}

// Get returns the namespace's engine, constructing it on first use.
// Concurrent first calls for the same namespace build once.
func (r *Registry) Get(namespace string) (*Engine, error) {
	r.mu.RLock()
	e, ok := r.engines[namespace]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[namespace]; ok {
		return e, nil
	}
	e, err := r.build(namespace)
	if err != nil {
		return nil, err
	}
	r.engines[namespace] = e
	return e, nil
}

// Namespaces lists the namespaces with live engines.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for ns := range r.engines {
		names = append(names, ns)
	}
	return names
}

// Stats returns per-namespace counter snapshots.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.engines))
	for ns, e := range r.engines {
		out[ns] = e.Stats()
	}
	return out
}

// Reset closes every engine and empties the registry. Subsequent Get calls
// rebuild lazily. Used for test isolation and full shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}
