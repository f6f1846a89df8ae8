package manifest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/3leaps/gostratus/pkg/uws"
)

// Registry holds the known service manifests keyed by service name, with a
// parameter codec compiled per service at registration time. It is built at
// startup and safe for concurrent reads afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	manifest *Manifest
	codec    *uws.Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Add registers manifests. Duplicate service names and invalid parameter
// declarations fail the whole call, so bad deployments surface at startup.
func (r *Registry) Add(manifests ...*Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range manifests {
		name := m.Service.Name
		if name == "" {
			return fmt.Errorf("manifest has no service name")
		}
		if _, exists := r.entries[name]; exists {
			return fmt.Errorf("duplicate service %q", name)
		}

		codec, err := uws.NewCodec(m.Service.ParameterTypes())
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}

		r.entries[name] = &registryEntry{manifest: m, codec: codec}
	}
	return nil
}

// Get returns the manifest for a service name.
func (r *Registry) Get(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.manifest, true
}

// Codec returns the parameter codec for a service name.
func (r *Registry) Codec(name string) (*uws.Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.codec, true
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
