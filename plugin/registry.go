package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps model types to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

func (r *Registry) Register(modelType string, p Plugin) error {
	if modelType == "" {
		return fmt.Errorf("model type is required")
	}
	if p == nil {
		return fmt.Errorf("plugin for %q is nil", modelType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[modelType]; exists {
		return fmt.Errorf("plugin for %q already registered", modelType)
	}

	r.plugins[modelType] = p
	return nil
}

func (r *Registry) Get(modelType string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[modelType]
	return p, ok
}

// Types lists the registered model types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for k := range r.plugins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var defaultRegistry = NewRegistry()

func Register(modelType string, p Plugin) error {
	return defaultRegistry.Register(modelType, p)
}

func Get(modelType string) (Plugin, bool) {
	return defaultRegistry.Get(modelType)
}

func Default() *Registry { return defaultRegistry }
