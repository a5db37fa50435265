package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Backend names used by auto-routing.
const (
	NameAuto       = "auto"
	NameIdentity   = "identity"
	NameTensorFlow = "tensorflow"
	NamePyTorch    = "pytorch"
)

// autoRouting maps model frameworks to the backend that serves them by default.
var autoRouting = map[string]string{
	"tensorflow": NameTensorFlow,
	"pytorch":    NamePyTorch,
	"identity":   NameIdentity,
}

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered backends and resolves which one serves a model.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under the given name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Resolve returns the backend for a model of the given framework. An empty
// or "auto" name uses the auto-routing table.
func (r *Registry) Resolve(name, framework string) (Backend, error) {
	target := name
	if target == "" || target == NameAuto {
		resolved, ok := autoRouting[framework]
		if !ok {
			return nil, fmt.Errorf("no auto-routing rule for framework %q", framework)
		}
		target = resolved
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[target]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", target)
	}
	return b, nil
}

// List returns information about all registered backends, sorted by name.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, BackendInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
