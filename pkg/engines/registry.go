// Package engines maps engine names to factories.
package engines

import (
	"fmt"
	"sort"
	"sync"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/engine/gotls"
	"tlsbridge/pkg/engine/sim"
)

// Registry holds named engine factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]engine.Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]engine.Factory)}
}

// Default returns a registry with the built-in engines: "gotls" and "sim"
// (configured with simOpts).
func Default(simOpts sim.Options) *Registry {
	r := NewRegistry()
	r.Register("gotls", gotls.Factory())
	r.Register("sim", sim.Factory(simOpts))
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f engine.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (engine.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("engines: unknown engine %q (have %v)", name, r.namesLocked())
	}
	return f, nil
}

// Names lists registered engines in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
