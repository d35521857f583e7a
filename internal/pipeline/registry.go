package pipeline

import (
	"fmt"
	"sync"
)

// Registry manages the collection of loaded pipelines.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewRegistry creates a new pipeline registry.
func NewRegistry(pipelines map[string]*Pipeline) *Registry {
	return &Registry{
		pipelines: pipelines,
	}
}

// Get retrieves a pipeline by name.
func (r *Registry) Get(name string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.pipelines[name]
	if !exists {
		return nil, fmt.Errorf("pipeline '%s' not found", name)
	}

	return p, nil
}

// List returns all pipeline names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}

	return names
}

// Count returns the number of pipelines.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pipelines)
}
