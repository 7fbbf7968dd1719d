// Package policy defines the capability contract for pluggable
// authorization policies and the registry that dispatches to them.
package policy

import (
	"context"
	"encoding/json"

	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// Request carries everything a policy needs to judge one (rule, context)
// pair during an invocation.
type Request struct {
	// Account is the namespace whose rule set is being evaluated.
	Account string
	// Height is the current ledger height of the invocation.
	Height uint32
	// Context is the invocation element being authorized.
	Context rule.Context
	// Rule is the candidate (during matching) or winning (during
	// enforcement) context rule.
	Rule *rule.ContextRule
	// Matched are the rule signers that authenticated in this invocation.
	Matched []rule.Signer
}

// Policy is the capability contract an authorization policy implements.
//
// CanEnforce is the pure half: it may read policy state through the
// transaction but must not mutate it, and must be deterministic for a
// given state. Enforce is the effectful half: it re-checks the CanEnforce
// predicate against current state, fails if it no longer holds, and then
// applies its side effects through the same transaction.
type Policy interface {
	// ID returns the stable handle rules reference this policy by.
	ID() string

	// CanEnforce reports whether the policy would permit enforcement
	// for the request. It never mutates state.
	CanEnforce(ctx context.Context, tx StateTx, req Request) (bool, error)

	// Enforce re-checks the predicate and applies side effects.
	// A failed re-check returns an error wrapping rule.ErrPolicyEnforcementFailed.
	Enforce(ctx context.Context, tx StateTx, req Request) error

	// Install initializes per-rule state from the install parameter.
	// Called when the policy is attached to a rule.
	Install(ctx context.Context, tx StateTx, account string, r *rule.ContextRule, param json.RawMessage) error

	// Uninstall removes all per-rule state.
	// Called when the policy is detached or the rule is removed.
	Uninstall(ctx context.Context, tx StateTx, account string, r *rule.ContextRule) error
}

// MatchedContains reports whether the matched set includes the signer.
func MatchedContains(matched []rule.Signer, s rule.Signer) bool {
	for _, m := range matched {
		if m.Equal(s) {
			return true
		}
	}
	return false
}
