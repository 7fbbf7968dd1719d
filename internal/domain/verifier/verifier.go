// Package verifier defines the signature verification capability used for
// delegated signers, and the platform approval port used for native ones.
package verifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// Verifier judges signatures for delegated signers.
//
// A false result with a nil error means the signature simply does not
// verify; the signer is silently dropped from the authenticated set. A
// non-nil error means the machinery itself failed (malformed key material,
// unsupported encoding) and aborts the whole invocation.
type Verifier interface {
	// ID returns the stable handle signers reference this verifier by.
	ID() string
	// Verify judges a signature over the invocation digest.
	Verify(ctx context.Context, digest [32]byte, publicKey, signature []byte) (bool, error)
}

// Authorizer is the platform approval predicate for native signers.
// The engine treats it as opaque: approved or not.
type Authorizer interface {
	// Approved reports whether the platform has an approval from the
	// identity for this invocation digest.
	Approved(ctx context.Context, identity string, digest [32]byte) (bool, error)
}

// Registry maps verifier handles to implementations. Thread-safe.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewRegistry creates an empty verifier registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[string]Verifier)}
}

// Register adds a verifier implementation under its handle.
// Registering the same handle twice is an error.
func (r *Registry) Register(v Verifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := v.ID()
	if _, exists := r.verifiers[id]; exists {
		return fmt.Errorf("verifier %q already registered", id)
	}
	r.verifiers[id] = v
	return nil
}

// Lookup returns the verifier registered under the handle. An unknown
// handle is a machinery failure, so the error wraps rule.ErrVerification.
func (r *Registry) Lookup(id string) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.verifiers[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown verifier %q", rule.ErrVerification, id)
	}
	return v, nil
}
