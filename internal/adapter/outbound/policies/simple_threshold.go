// Package policies contains the reference policy implementations shipped
// with the engine: simple threshold, weighted threshold, spending limit,
// and CEL condition.
package policies

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// SimpleThresholdID is the handle rules reference the policy by.
const SimpleThresholdID = "simple-threshold"

// SimpleThreshold satisfies a rule when at least N of its signers
// authenticated. The threshold is per (account, rule) state set at install
// time and adjustable through reinstall.
type SimpleThreshold struct{}

// NewSimpleThreshold creates the simple threshold policy.
func NewSimpleThreshold() *SimpleThreshold { return &SimpleThreshold{} }

// simpleThresholdParam is the install parameter and stored state.
type simpleThresholdParam struct {
	Threshold uint32 `json:"threshold"`
}

// ID returns the policy handle.
func (p *SimpleThreshold) ID() string { return SimpleThresholdID }

func (p *SimpleThreshold) stateKey(account string, ruleID uint32) policy.StateKey {
	return policy.StateKey{Policy: SimpleThresholdID, Account: account, RuleID: ruleID, Field: "threshold"}
}

// Install validates and stores the threshold for the rule.
// The threshold must be positive and achievable by the rule's signer set.
func (p *SimpleThreshold) Install(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule, param json.RawMessage) error {
	var cfg simpleThresholdParam
	if err := json.Unmarshal(param, &cfg); err != nil {
		return fmt.Errorf("simple-threshold: decode param: %w", err)
	}
	if cfg.Threshold == 0 || int(cfg.Threshold) > len(r.Signers) {
		return fmt.Errorf("simple-threshold: threshold %d out of range 1..%d", cfg.Threshold, len(r.Signers))
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("simple-threshold: encode state: %w", err)
	}
	tx.Put(p.stateKey(account, r.ID), data)
	return nil
}

// Uninstall removes the threshold state.
func (p *SimpleThreshold) Uninstall(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule) error {
	tx.Delete(p.stateKey(account, r.ID))
	return nil
}

// CanEnforce reports whether enough rule signers authenticated.
// A rule without installed state is never satisfied.
func (p *SimpleThreshold) CanEnforce(ctx context.Context, tx policy.StateTx, req policy.Request) (bool, error) {
	data, ok := tx.Get(p.stateKey(req.Account, req.Rule.ID))
	if !ok {
		return false, nil
	}
	var cfg simpleThresholdParam
	if err := json.Unmarshal(data, &cfg); err != nil {
		return false, fmt.Errorf("simple-threshold: decode state: %w", err)
	}
	return uint32(len(req.Matched)) >= cfg.Threshold, nil
}

// Enforce re-checks the predicate. The policy is stateless at enforcement
// time, so the re-check is the whole job.
func (p *SimpleThreshold) Enforce(ctx context.Context, tx policy.StateTx, req policy.Request) error {
	ok, err := p.CanEnforce(ctx, tx, req)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: simple-threshold not met for rule %d", rule.ErrPolicyEnforcementFailed, req.Rule.ID)
	}
	return nil
}

// Compile-time interface verification.
var _ policy.Policy = (*SimpleThreshold)(nil)
