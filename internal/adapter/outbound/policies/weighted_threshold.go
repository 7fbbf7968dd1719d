package policies

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// WeightedThresholdID is the handle rules reference the policy by.
const WeightedThresholdID = "weighted-threshold"

// WeightedThreshold satisfies a rule when the summed weights of
// authenticated signers reach a threshold. Weights are per (account, rule)
// state assigned at install time.
type WeightedThreshold struct{}

// NewWeightedThreshold creates the weighted threshold policy.
func NewWeightedThreshold() *WeightedThreshold { return &WeightedThreshold{} }

// signerWeight assigns a voting weight to one rule signer.
type signerWeight struct {
	Signer rule.Signer `json:"signer"`
	Weight uint32      `json:"weight"`
}

// weightedThresholdParam is the install parameter and stored state.
type weightedThresholdParam struct {
	Weights   []signerWeight `json:"weights"`
	Threshold uint32         `json:"threshold"`
}

// ID returns the policy handle.
func (p *WeightedThreshold) ID() string { return WeightedThresholdID }

func (p *WeightedThreshold) stateKey(account string, ruleID uint32) policy.StateKey {
	return policy.StateKey{Policy: WeightedThresholdID, Account: account, RuleID: ruleID, Field: "weights"}
}

// Install validates the weight assignment and stores it.
// Every weighted signer must belong to the rule, every weight must be
// positive, and the threshold must be positive and reachable.
func (p *WeightedThreshold) Install(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule, param json.RawMessage) error {
	var cfg weightedThresholdParam
	if err := json.Unmarshal(param, &cfg); err != nil {
		return fmt.Errorf("weighted-threshold: decode param: %w", err)
	}
	if len(cfg.Weights) == 0 {
		return fmt.Errorf("weighted-threshold: no weights configured")
	}

	var total uint32
	seen := make(map[string]struct{}, len(cfg.Weights))
	for _, w := range cfg.Weights {
		if w.Weight == 0 {
			return fmt.Errorf("weighted-threshold: zero weight for signer")
		}
		if !r.HasSigner(w.Signer) {
			return fmt.Errorf("weighted-threshold: weighted signer not on rule %d", r.ID)
		}
		key := w.Signer.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("weighted-threshold: duplicate weight for signer")
		}
		seen[key] = struct{}{}
		total += w.Weight
	}
	if cfg.Threshold == 0 || cfg.Threshold > total {
		return fmt.Errorf("weighted-threshold: threshold %d out of range 1..%d", cfg.Threshold, total)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("weighted-threshold: encode state: %w", err)
	}
	tx.Put(p.stateKey(account, r.ID), data)
	return nil
}

// Uninstall removes the weight state.
func (p *WeightedThreshold) Uninstall(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule) error {
	tx.Delete(p.stateKey(account, r.ID))
	return nil
}

// CanEnforce reports whether the authenticated weight reaches the threshold.
// Signers without an assigned weight contribute nothing.
func (p *WeightedThreshold) CanEnforce(ctx context.Context, tx policy.StateTx, req policy.Request) (bool, error) {
	data, ok := tx.Get(p.stateKey(req.Account, req.Rule.ID))
	if !ok {
		return false, nil
	}
	var cfg weightedThresholdParam
	if err := json.Unmarshal(data, &cfg); err != nil {
		return false, fmt.Errorf("weighted-threshold: decode state: %w", err)
	}

	var sum uint32
	for _, w := range cfg.Weights {
		if policy.MatchedContains(req.Matched, w.Signer) {
			sum += w.Weight
		}
	}
	return sum >= cfg.Threshold, nil
}

// Enforce re-checks the predicate; the policy carries no per-invocation state.
func (p *WeightedThreshold) Enforce(ctx context.Context, tx policy.StateTx, req policy.Request) error {
	ok, err := p.CanEnforce(ctx, tx, req)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: weighted-threshold not met for rule %d", rule.ErrPolicyEnforcementFailed, req.Rule.ID)
	}
	return nil
}

// Compile-time interface verification.
var _ policy.Policy = (*WeightedThreshold)(nil)
