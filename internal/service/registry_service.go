// Package service contains the application services: the rule registry,
// the authorization engine, and the async audit pipeline.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/countersign-labs/countersign/internal/domain/audit"
	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// RegistryService implements the administrative API over an account's
// context rules. Every mutation is self-authorized: the caller must be the
// account whose rule set is being changed.
type RegistryService struct {
	rules    rule.Store
	policies *policy.Registry
	states   policy.StateStore
	audit    *AuditService
	logger   *slog.Logger
}

// NewRegistryService creates a registry service. The audit service may be
// nil, in which case mutations are not audited.
func NewRegistryService(
	rules rule.Store,
	policies *policy.Registry,
	states policy.StateStore,
	auditSvc *AuditService,
	logger *slog.Logger,
) *RegistryService {
	return &RegistryService{
		rules:    rules,
		policies: policies,
		states:   states,
		audit:    auditSvc,
		logger:   logger,
	}
}

// AddRuleInput is the caller-supplied shape of a new context rule.
type AddRuleInput struct {
	Name       string
	Type       rule.Type
	ValidUntil *uint32
	Signers    []rule.Signer
	Policies   []rule.PolicyRef
}

// requireSelf enforces the self-authorization guard on mutations.
func requireSelf(account, caller string) error {
	if caller != account {
		return fmt.Errorf("%w: caller %q is not account %q", rule.ErrUnauthorized, caller, account)
	}
	return nil
}

// AddRule validates and persists a new context rule, installing all of its
// policies. Height is the caller's current ledger height, used to reject
// validity horizons already in the past.
func (s *RegistryService) AddRule(ctx context.Context, caller, account string, height uint32, in AddRuleInput) (*rule.ContextRule, error) {
	if err := requireSelf(account, caller); err != nil {
		return nil, err
	}

	r := &rule.ContextRule{
		Name:       in.Name,
		Type:       in.Type,
		ValidUntil: in.ValidUntil,
		Signers:    in.Signers,
		Policies:   in.Policies,
	}
	if err := s.validateShape(r, height); err != nil {
		return nil, err
	}

	id, err := s.rules.Create(ctx, account, r, rule.Fingerprint(r))
	if err != nil {
		return nil, err
	}

	// Install every attached policy. A failed install rolls the whole
	// state transaction back and removes the half-created rule.
	err = s.states.Update(ctx, func(tx policy.StateTx) error {
		for _, ref := range r.Policies {
			p, err := s.policies.Lookup(ref.ID)
			if err != nil {
				return err
			}
			if err := p.Install(ctx, tx, account, r, ref.Param); err != nil {
				return fmt.Errorf("install policy %s: %w", ref.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		if delErr := s.rules.Delete(ctx, account, id); delErr != nil {
			s.logger.Error("failed to undo rule creation after install failure",
				"account", account, "rule_id", id, "error", delErr)
		}
		return nil, err
	}

	s.publish(audit.KindRuleAdded, account, id, map[string]string{"name": r.Name, "type": r.Type.Key()})
	s.logger.Info("context rule added", "account", account, "rule_id", id, "type", r.Type.Key())
	return r.Clone(), nil
}

// RestorePolicyState reinstalls the policy state of every persisted rule
// from its stored parameters. The state store is volatile, so after a
// process restart policy-bearing rules would otherwise hold no installed
// state and could never be satisfied. Accumulated enforcement history,
// such as recorded spending, starts empty again.
func (s *RegistryService) RestorePolicyState(ctx context.Context) error {
	accounts, err := s.rules.Accounts(ctx)
	if err != nil {
		return err
	}

	var installs int
	err = s.states.Update(ctx, func(tx policy.StateTx) error {
		for _, account := range accounts {
			list, err := s.rules.List(ctx, account)
			if err != nil {
				return err
			}
			for _, r := range list {
				for _, ref := range r.Policies {
					p, err := s.policies.Lookup(ref.ID)
					if err != nil {
						return err
					}
					if err := p.Install(ctx, tx, account, r, ref.Param); err != nil {
						return fmt.Errorf("reinstall policy %s on rule %d of %q: %w", ref.ID, r.ID, account, err)
					}
					installs++
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if installs > 0 {
		s.logger.Info("policy state restored", "accounts", len(accounts), "installs", installs)
	}
	return nil
}

// GetRule returns one rule by id.
func (s *RegistryService) GetRule(ctx context.Context, account string, id uint32) (*rule.ContextRule, error) {
	return s.rules.Get(ctx, account, id)
}

// GetRulesByType returns all rules of the exact type, newest first.
func (s *RegistryService) GetRulesByType(ctx context.Context, account string, t rule.Type) ([]*rule.ContextRule, error) {
	return s.rules.ListByType(ctx, account, t)
}

// ListRules returns all rules of the account, newest first.
func (s *RegistryService) ListRules(ctx context.Context, account string) ([]*rule.ContextRule, error) {
	return s.rules.List(ctx, account)
}

// UpdateName renames a rule. The authorization shape is unchanged.
func (s *RegistryService) UpdateName(ctx context.Context, caller, account string, id uint32, name string) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}
	r.Name = name
	if err := s.rules.Update(ctx, account, r, rule.Fingerprint(r)); err != nil {
		return err
	}

	s.publish(audit.KindRuleUpdated, account, id, map[string]string{"op": "update_name", "name": name})
	return nil
}

// UpdateValidUntil moves a rule's validity horizon. Horizons already in
// the past at the caller's height are rejected; nil clears the horizon.
func (s *RegistryService) UpdateValidUntil(ctx context.Context, caller, account string, id uint32, height uint32, validUntil *uint32) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}
	if validUntil != nil && *validUntil < height {
		return fmt.Errorf("%w: %d < current height %d", rule.ErrPastValidUntil, *validUntil, height)
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}
	r.ValidUntil = validUntil
	if err := s.rules.Update(ctx, account, r, rule.Fingerprint(r)); err != nil {
		return err
	}

	s.publish(audit.KindRuleUpdated, account, id, map[string]string{"op": "update_valid_until"})
	return nil
}

// RemoveRule uninstalls all attached policies and deletes the rule.
// Removing an unknown id fails with ErrContextRuleNotFound.
func (s *RegistryService) RemoveRule(ctx context.Context, caller, account string, id uint32) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}

	err = s.states.Update(ctx, func(tx policy.StateTx) error {
		for _, ref := range r.Policies {
			p, err := s.policies.Lookup(ref.ID)
			if err != nil {
				return err
			}
			if err := p.Uninstall(ctx, tx, account, r); err != nil {
				return fmt.Errorf("uninstall policy %s: %w", ref.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.rules.Delete(ctx, account, id); err != nil {
		return err
	}

	s.publish(audit.KindRuleRemoved, account, id, nil)
	s.logger.Info("context rule removed", "account", account, "rule_id", id)
	return nil
}

// AddSigner appends a signer to a rule.
func (s *RegistryService) AddSigner(ctx context.Context, caller, account string, id uint32, signer rule.Signer) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}
	if r.HasSigner(signer) {
		return rule.ErrDuplicateSigner
	}
	if len(r.Signers) >= rule.MaxSigners {
		return rule.ErrTooManySigners
	}

	r.Signers = append(r.Signers, signer)
	if err := s.rules.Update(ctx, account, r, rule.Fingerprint(r)); err != nil {
		return err
	}

	s.publish(audit.KindRuleUpdated, account, id, map[string]string{"op": "add_signer"})
	return nil
}

// RemoveSigner removes a signer from a rule. Removing a signer that is not
// on the rule is a no-op, so retried removals converge instead of failing.
func (s *RegistryService) RemoveSigner(ctx context.Context, caller, account string, id uint32, signer rule.Signer) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}
	if !r.HasSigner(signer) {
		return nil
	}
	if len(r.Signers)-1+len(r.Policies) < 1 {
		return rule.ErrNoSignersAndPolicies
	}

	kept := r.Signers[:0]
	for _, existing := range r.Signers {
		if !existing.Equal(signer) {
			kept = append(kept, existing)
		}
	}
	r.Signers = kept

	if err := s.rules.Update(ctx, account, r, rule.Fingerprint(r)); err != nil {
		return err
	}

	s.publish(audit.KindRuleUpdated, account, id, map[string]string{"op": "remove_signer"})
	return nil
}

// AddPolicy attaches a policy to a rule, installing its state first.
func (s *RegistryService) AddPolicy(ctx context.Context, caller, account string, id uint32, ref rule.PolicyRef) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}
	if r.HasPolicy(ref.ID) {
		return rule.ErrDuplicatePolicy
	}
	if len(r.Policies) >= rule.MaxPolicies {
		return rule.ErrTooManyPolicies
	}
	p, err := s.policies.Lookup(ref.ID)
	if err != nil {
		return err
	}

	if err := s.states.Update(ctx, func(tx policy.StateTx) error {
		return p.Install(ctx, tx, account, r, ref.Param)
	}); err != nil {
		return fmt.Errorf("install policy %s: %w", ref.ID, err)
	}

	r.Policies = append(r.Policies, ref)
	if err := s.rules.Update(ctx, account, r, rule.Fingerprint(r)); err != nil {
		// Best effort: release the state installed above.
		_ = s.states.Update(ctx, func(tx policy.StateTx) error {
			return p.Uninstall(ctx, tx, account, r)
		})
		return err
	}

	s.publish(audit.KindRuleUpdated, account, id, map[string]string{"op": "add_policy", "policy": ref.ID})
	return nil
}

// RemovePolicy detaches a policy from a rule and uninstalls its state.
// Detaching a policy the rule does not hold fails with ErrPolicyNotFound.
func (s *RegistryService) RemovePolicy(ctx context.Context, caller, account string, id uint32, policyID string) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}
	if !r.HasPolicy(policyID) {
		return fmt.Errorf("%w: %s not on rule %d", rule.ErrPolicyNotFound, policyID, id)
	}
	if len(r.Signers)+len(r.Policies)-1 < 1 {
		return rule.ErrNoSignersAndPolicies
	}
	p, err := s.policies.Lookup(policyID)
	if err != nil {
		return err
	}

	if err := s.states.Update(ctx, func(tx policy.StateTx) error {
		return p.Uninstall(ctx, tx, account, r)
	}); err != nil {
		return fmt.Errorf("uninstall policy %s: %w", policyID, err)
	}

	kept := r.Policies[:0]
	for _, existing := range r.Policies {
		if existing.ID != policyID {
			kept = append(kept, existing)
		}
	}
	r.Policies = kept

	if err := s.rules.Update(ctx, account, r, rule.Fingerprint(r)); err != nil {
		return err
	}

	s.publish(audit.KindRuleUpdated, account, id, map[string]string{"op": "remove_policy", "policy": policyID})
	return nil
}

// ConfigurePolicy replaces the stored parameter of an attached policy by
// re-running its install validation. This is how thresholds and limits are
// adjusted after attachment.
func (s *RegistryService) ConfigurePolicy(ctx context.Context, caller, account string, id uint32, ref rule.PolicyRef) error {
	if err := requireSelf(account, caller); err != nil {
		return err
	}

	r, err := s.rules.Get(ctx, account, id)
	if err != nil {
		return err
	}
	if !r.HasPolicy(ref.ID) {
		return fmt.Errorf("%w: %s not on rule %d", rule.ErrPolicyNotFound, ref.ID, id)
	}
	p, err := s.policies.Lookup(ref.ID)
	if err != nil {
		return err
	}

	if err := s.states.Update(ctx, func(tx policy.StateTx) error {
		return p.Install(ctx, tx, account, r, ref.Param)
	}); err != nil {
		return fmt.Errorf("configure policy %s: %w", ref.ID, err)
	}

	for i := range r.Policies {
		if r.Policies[i].ID == ref.ID {
			r.Policies[i].Param = ref.Param
		}
	}
	if err := s.rules.Update(ctx, account, r, rule.Fingerprint(r)); err != nil {
		return err
	}

	s.publish(audit.KindRuleUpdated, account, id, map[string]string{"op": "configure_policy", "policy": ref.ID})
	return nil
}

// validateShape checks the semantic invariants of a rule's contents.
func (s *RegistryService) validateShape(r *rule.ContextRule, height uint32) error {
	if len(r.Signers) > rule.MaxSigners {
		return rule.ErrTooManySigners
	}
	if len(r.Policies) > rule.MaxPolicies {
		return rule.ErrTooManyPolicies
	}
	if len(r.Signers)+len(r.Policies) < 1 {
		return rule.ErrNoSignersAndPolicies
	}
	if r.ValidUntil != nil && *r.ValidUntil < height {
		return fmt.Errorf("%w: %d < current height %d", rule.ErrPastValidUntil, *r.ValidUntil, height)
	}

	seen := make(map[string]struct{}, len(r.Signers))
	for _, signer := range r.Signers {
		key := signer.Key()
		if _, dup := seen[key]; dup {
			return rule.ErrDuplicateSigner
		}
		seen[key] = struct{}{}
	}

	seenPolicies := make(map[string]struct{}, len(r.Policies))
	for _, ref := range r.Policies {
		if _, dup := seenPolicies[ref.ID]; dup {
			return rule.ErrDuplicatePolicy
		}
		seenPolicies[ref.ID] = struct{}{}
		if _, err := s.policies.Lookup(ref.ID); err != nil {
			return err
		}
	}
	return nil
}

// publish emits an audit event when an audit service is configured.
func (s *RegistryService) publish(kind audit.EventKind, account string, ruleID uint32, detail map[string]string) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(audit.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Account:   account,
		RuleID:    ruleID,
		Result:    audit.ResultOK,
		Detail:    detail,
	})
}
