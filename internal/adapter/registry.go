package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured adapters keyed by service string. Adapters are
// registered once at startup; lookups happen on every sync run.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]ServiceAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]ServiceAdapter)}
}

// Register adds an adapter under its service string. Registering the same
// service twice is a wiring bug and panics.
func (r *Registry) Register(a ServiceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	service := a.Service()
	if _, exists := r.adapters[service]; exists {
		panic(fmt.Sprintf("adapter: Register called twice for service %s", service))
	}
	r.adapters[service] = a
}

// Get returns the adapter for a service string
func (r *Registry) Get(service string) (ServiceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[service]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for service %q", service)
	}
	return a, nil
}

// Services returns the registered service strings, sorted
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		services = append(services, s)
	}
	sort.Strings(services)
	return services
}
