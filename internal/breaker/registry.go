package breaker

import (
	"context"

	"MeshGate/internal/store"
)

// Registry holds one breaker per configured upstream. Built once at
// boot by the composition root and read-only afterwards.
type Registry struct {
	breakers map[string]*Breaker
}

// NewRegistry builds breakers for every upstream name, applying
// per-upstream overrides on top of the defaults.
func NewRegistry(deployment string, upstreams []string, defaults Settings, overrides map[string]Settings, st store.Store) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker, len(upstreams))}
	for _, name := range upstreams {
		settings := defaults
		if o, ok := overrides[name]; ok {
			settings = o
		}
		r.breakers[name] = New(name, deployment, settings, st)
	}
	return r
}

func (r *Registry) Get(name string) (*Breaker, bool) {
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots reads every breaker's persisted state.
func (r *Registry) Snapshots(ctx context.Context) map[string]Snapshot {
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot(ctx)
	}
	return out
}
