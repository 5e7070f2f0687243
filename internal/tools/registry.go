package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/schema"
)

type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// List maps tool names to their descriptions.
func (r *Registry) List() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.Description()
	}
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the schemas of the allowed tools, in the order given.
// Names that are not registered are skipped.
func (r *Registry) Infos(allowed []string) []*schema.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]*schema.ToolInfo, 0, len(allowed))
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			infos = append(infos, t.Info())
		}
	}
	return infos
}
