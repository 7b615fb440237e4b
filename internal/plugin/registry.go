package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps plugin names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]GatewayAdapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...GatewayAdapter) *Registry {
	r := &Registry{adapters: make(map[string]GatewayAdapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an adapter under its Name. Names must be unique.
func (r *Registry) Register(a GatewayAdapter) error {
	if a == nil {
		return fmt.Errorf("plugin registry: adapter cannot be nil")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("plugin registry: adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("plugin registry: adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Unregister removes the adapter registered under name, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
}

// Lookup returns the adapter registered under name or a *LookupError.
func (r *Registry) Lookup(name string) (GatewayAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, &LookupError{Name: name}
	}
	return a, nil
}

// Names returns the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
