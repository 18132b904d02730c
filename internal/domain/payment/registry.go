package payment

import (
	"fmt"
	"sort"
	"sync"
)

type entry struct {
	provider Provider
	enabled  bool
}

// Registry maps provider names to implementations and their enabled flag.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds p under p.Name(), replacing any previous entry.
func (r *Registry) Register(p Provider, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = entry{provider: p, enabled: enabled}
}

// Resolve returns the provider registered under name when it is enabled.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.enabled {
		return nil, fmt.Errorf("%w: %q", ErrProviderUnavailable, name)
	}
	return e.provider, nil
}

// Enabled lists the names of enabled providers in lexical order.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if e.enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
