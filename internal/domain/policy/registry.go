package policy

import (
	"fmt"
	"sync"

	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// Registry maps policy handles to implementations. Rules store only the
// handle; all dispatch goes through here. Thread-safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register adds a policy implementation under its handle.
// Registering the same handle twice is an error.
func (r *Registry) Register(p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.policies[id]; exists {
		return fmt.Errorf("policy %q already registered", id)
	}
	r.policies[id] = p
	return nil
}

// Lookup returns the policy registered under the handle, or
// rule.ErrPolicyNotFound.
func (r *Registry) Lookup(id string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rule.ErrPolicyNotFound, id)
	}
	return p, nil
}

// IDs returns the handles of all registered policies.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	return ids
}
