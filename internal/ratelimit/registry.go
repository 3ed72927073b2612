package ratelimit

import (
	"fmt"
	"sort"
)

// Registry maps policy names to policies. It is built once and only read
// afterwards, so lookups take no locks.
type Registry struct {
	byName map[string]Policy
}

func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{byName: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate policy %q", ErrInvalidPolicy, p.Name)
		}
		r.byName[p.Name] = p
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Policy, error) {
	p, ok := r.byName[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Require fails on the first name that was never registered.
func (r *Registry) Require(names ...string) error {
	for _, n := range names {
		if _, err := r.Lookup(n); err != nil {
			return err
		}
	}
	return nil
}

// Policies returns all policies sorted by name.
func (r *Registry) Policies() []Policy {
	out := make([]Policy, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
