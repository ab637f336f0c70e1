// Package provider implements the adapter registry and shared utilities for
// upstream model providers.
package provider

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// Registry maps provider names to gateway.Adapter instances.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]gateway.Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]gateway.Adapter)}
}

// Register adds an adapter under the given name.
// It overwrites any previously registered adapter with the same name.
func (r *Registry) Register(name string, a gateway.Adapter) {
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
}

// Get returns the adapter registered under name, or an error if not found.
func (r *Registry) Get(name string) (gateway.Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return a, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
