package projections

import (
	"sort"
	"sync"
)

// Registry looks up orchestrators by projection name
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator
}

// NewRegistry creates a registry holding the given orchestrators
func NewRegistry(orchestrators ...*Orchestrator) *Registry {
	r := &Registry{orchestrators: make(map[string]*Orchestrator)}
	for _, o := range orchestrators {
		r.Register(o)
	}
	return r
}

// Register adds or replaces an orchestrator
func (r *Registry) Register(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrators[o.Name()] = o
}

// Get returns the orchestrator for name
func (r *Registry) Get(name string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchestrators[name]
	return o, ok
}

// Names returns the registered projection names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.orchestrators))
	for name := range r.orchestrators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
