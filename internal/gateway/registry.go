package gateway

import (
	"sort"
	"strings"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
)

// Registry maps provider identifiers to gateway factories. It is built
// once at startup and read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry from an explicit factory map.
func NewRegistry(factories map[string]Factory) *Registry {
	m := make(map[string]Factory, len(factories))
	for name, f := range factories {
		m[name] = f
	}
	return &Registry{factories: m}
}

// Providers returns the registered provider identifiers, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates a gateway for the config's provider.
func (r *Registry) Create(cfg Config) (Gateway, error) {
	factory, ok := r.factories[cfg.Provider]
	if !ok {
		return nil, faults.Validationf("unknown provider %q (available: %s)",
			cfg.Provider, strings.Join(r.Providers(), ", "))
	}
	return factory(cfg)
}
