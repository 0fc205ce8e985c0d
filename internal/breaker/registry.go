package breaker

import (
	"slices"
	"strings"
	"sync"
)

// Registry holds one breaker per provider. Breakers are created on first use
// with the registry's shared options plus any per-provider overrides.
type Registry struct {
	mu        sync.Mutex
	opts      []Option
	overrides map[string][]Option
	breakers  map[string]*Breaker
}

func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:      opts,
		overrides: make(map[string][]Option),
		breakers:  make(map[string]*Breaker),
	}
}

// Configure sets options for one provider. It has no effect once that
// provider's breaker exists.
func (r *Registry) Configure(provider string, opts ...Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[provider] = append(r.overrides[provider], opts...)
}

// For returns the breaker for provider, creating it if needed.
func (r *Registry) For(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	opts := append(slices.Clone(r.opts), r.overrides[provider]...)
	b := New(provider, opts...)
	r.breakers[provider] = b
	return b
}

// Snapshots returns a snapshot of every known breaker, ordered by provider.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Provider, b.Provider) })
	return out
}
