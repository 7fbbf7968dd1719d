package rule

import "errors"

// Error types for registry and authorization operations.
var (
	// ErrContextRuleNotFound is returned when a rule id does not exist.
	ErrContextRuleNotFound = errors.New("context rule not found")
	// ErrDuplicateContextRule is returned when a rule would duplicate the
	// authorization shape of an existing rule.
	ErrDuplicateContextRule = errors.New("duplicate context rule")
	// ErrNoSignersAndPolicies is returned when a mutation would leave a rule
	// with no signers and no policies.
	ErrNoSignersAndPolicies = errors.New("context rule requires at least one signer or policy")
	// ErrPastValidUntil is returned when a validity horizon is already in the past.
	ErrPastValidUntil = errors.New("valid_until is in the past")
	// ErrDuplicateSigner is returned when a signer is added twice to a rule.
	ErrDuplicateSigner = errors.New("duplicate signer")
	// ErrDuplicatePolicy is returned when a policy is attached twice to a rule.
	ErrDuplicatePolicy = errors.New("duplicate policy")
	// ErrPolicyNotFound is returned when a policy reference does not resolve.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrTooManySigners is returned when a rule would exceed MaxSigners.
	ErrTooManySigners = errors.New("too many signers")
	// ErrTooManyPolicies is returned when a rule would exceed MaxPolicies.
	ErrTooManyPolicies = errors.New("too many policies")
	// ErrTooManyContextRules is returned when an account would exceed MaxContextRules.
	ErrTooManyContextRules = errors.New("too many context rules")

	// ErrNoMatchingRule is returned when no candidate rule is satisfied for a context.
	ErrNoMatchingRule = errors.New("no matching context rule")
	// ErrVerification is returned when the authentication machinery itself fails,
	// as opposed to a signature merely not verifying.
	ErrVerification = errors.New("verification error")
	// ErrPolicyEnforcementFailed is returned when a winning rule's policy
	// rejects during the enforcement pass.
	ErrPolicyEnforcementFailed = errors.New("policy enforcement failed")
	// ErrUnauthorized is returned when the caller is not the account being administered.
	ErrUnauthorized = errors.New("unauthorized")
)
