package rule

import "context"

// Store is the outbound port for context rule persistence.
//
// Implementations enforce the structural invariants that belong to storage:
// monotonic per-account ids that are never reused, the MaxContextRules cap,
// and fingerprint uniqueness (two rules of one account may never share an
// authorization shape). Semantic validation of rule contents happens in the
// registry service before a rule reaches the store.
type Store interface {
	// Get returns the rule with the given id, or ErrContextRuleNotFound.
	Get(ctx context.Context, account string, id uint32) (*ContextRule, error)

	// ListByType returns all rules of the exact given type, newest first
	// (descending id). Expiry is not filtered here.
	ListByType(ctx context.Context, account string, t Type) ([]*ContextRule, error)

	// List returns all rules of the account, newest first.
	List(ctx context.Context, account string) ([]*ContextRule, error)

	// Create persists a new rule, assigning the next monotonic id and
	// returning it. Fails with ErrTooManyContextRules at the account cap and
	// ErrDuplicateContextRule when the fingerprint collides.
	Create(ctx context.Context, account string, r *ContextRule, fingerprint uint64) (uint32, error)

	// Update replaces the stored rule with the same id.
	// Fails with ErrContextRuleNotFound if the id does not exist and
	// ErrDuplicateContextRule when the new fingerprint collides with
	// another rule.
	Update(ctx context.Context, account string, r *ContextRule, fingerprint uint64) error

	// Delete removes the rule and releases its fingerprint.
	// Fails with ErrContextRuleNotFound if the id does not exist.
	Delete(ctx context.Context, account string, id uint32) error

	// Count returns the number of rules stored for the account.
	Count(ctx context.Context, account string) (int, error)

	// Accounts returns every account that currently holds at least one
	// rule, sorted ascending.
	Accounts(ctx context.Context) ([]string, error)
}
