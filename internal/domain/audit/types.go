// Package audit contains domain types for the authorization audit trail.
package audit

import "time"

// EventKind classifies audit events.
type EventKind string

const (
	// KindRuleAdded is emitted when a context rule is created.
	KindRuleAdded EventKind = "rule_added"
	// KindRuleUpdated is emitted when a rule's metadata or membership changes.
	KindRuleUpdated EventKind = "rule_updated"
	// KindRuleRemoved is emitted when a context rule is deleted.
	KindRuleRemoved EventKind = "rule_removed"
	// KindCheckAuth is emitted once per authorization attempt.
	KindCheckAuth EventKind = "check_auth"
	// KindPolicyEnforced is emitted per policy enforcement of a winning rule.
	KindPolicyEnforced EventKind = "policy_enforced"
)

// Result values for events.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Event is a single entry in the audit trail.
type Event struct {
	// ID is the unique event id.
	ID string `json:"id"`
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Kind classifies the event.
	Kind EventKind `json:"kind"`
	// Account is the namespace the event belongs to.
	Account string `json:"account"`
	// InvocationID correlates check_auth and policy_enforced events of one
	// invocation. Empty for registry mutations.
	InvocationID string `json:"invocation_id,omitempty"`
	// RuleID is the affected or winning rule, when applicable.
	RuleID uint32 `json:"rule_id,omitempty"`
	// PolicyID is the enforced policy, for policy_enforced events.
	PolicyID string `json:"policy_id,omitempty"`
	// Result is "ok" or "error".
	Result string `json:"result,omitempty"`
	// Detail carries event-specific context (operation name, error text).
	Detail map[string]string `json:"detail,omitempty"`
}
