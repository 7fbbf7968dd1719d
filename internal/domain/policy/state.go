package policy

import (
	"context"
	"fmt"
)

// StateKey addresses one piece of policy-owned state. Keys are scoped by
// policy handle, account, and rule id so uninstalling one rule never
// touches another rule's state.
type StateKey struct {
	Policy  string
	Account string
	RuleID  uint32
	Field   string
}

// String returns the flattened storage key.
func (k StateKey) String() string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%s", k.Policy, k.Account, k.RuleID, k.Field)
}

// StateTx is a transactional view over policy state. All reads and writes
// a policy performs during one invocation go through a single transaction;
// the engine commits or rolls back the whole set.
type StateTx interface {
	// Get returns the value for the key and whether it exists.
	Get(key StateKey) ([]byte, bool)
	// Put stores the value for the key.
	Put(key StateKey, value []byte)
	// Delete removes the key if present.
	Delete(key StateKey)
}

// StateStore is the outbound port for policy state persistence with
// transactional semantics.
type StateStore interface {
	// View runs fn with a read-only transaction. Writes made by fn are
	// discarded.
	View(ctx context.Context, fn func(StateTx) error) error
	// Update runs fn with a read-write transaction. All writes are applied
	// atomically iff fn returns nil; any error rolls the transaction back.
	Update(ctx context.Context, fn func(StateTx) error) error
}
