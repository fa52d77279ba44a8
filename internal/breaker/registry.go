package breaker

import "sync"

// Registry owns one breaker per dependency id.
//
// It replaces module-level singleton breaker state: the orchestrator owns
// a registry and hands it to whatever needs breaker visibility, which
// keeps lifecycle and test isolation explicit.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[dependency]
	if !ok {
		b = New(dependency, r.cfg)
		r.breakers[dependency] = b
	}
	return b
}

// Snapshots returns a point-in-time view of every registered breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
