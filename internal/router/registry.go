package router

import (
	"fmt"
	"sort"

	"github.com/fairyhunter13/claudette/internal/breaker"
	"github.com/fairyhunter13/claudette/internal/domain"
)

// entry bundles one backend with the router-owned state guarding it.
type entry struct {
	backend domain.Backend
	breaker *breaker.Breaker
	metrics *rolling
}

// Registry owns the backend pool. Registration happens once at init; the
// registry is never mutated during request handling, so reads need no lock.
type Registry struct {
	entries map[string]*entry
	order   []string // priority order, ties by name
	sealed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Register adds a backend with its breaker configuration. It fails on
// duplicate names or after the registry has been sealed.
func (r *Registry) Register(b domain.Backend, cfg breaker.Config, sink domain.EventSink) error {
	if r.sealed {
		return fmt.Errorf("op=registry.Register: registry sealed")
	}
	name := b.Name()
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("op=registry.Register: %w: duplicate backend %q", domain.ErrInvalidInput, name)
	}
	r.entries[name] = &entry{
		backend: b,
		breaker: breaker.New(name, cfg, sink),
		metrics: newRolling(b.Descriptor().Profile),
	}
	return nil
}

// Seal freezes the registry and fixes the default ordering.
func (r *Registry) Seal() {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.entries[names[i]], r.entries[names[j]]
		pa, pb := a.backend.Descriptor().Priority, b.backend.Descriptor().Priority
		if pa != pb {
			return pa < pb
		}
		return names[i] < names[j]
	})
	r.order = names
	r.sealed = true
}

// Names returns all registered backend names in default priority order.
func (r *Registry) Names() []string { return r.order }

// Len reports the number of registered backends.
func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) get(name string) (*entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Backend returns a registered backend by name.
func (r *Registry) Backend(name string) (domain.Backend, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.backend, true
}

// Each calls fn for every registered backend in default order.
func (r *Registry) Each(fn func(domain.Backend)) {
	for _, n := range r.order {
		fn(r.entries[n].backend)
	}
}
