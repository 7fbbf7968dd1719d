package policies

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	celgo "github.com/google/cel-go/cel"

	celadapter "github.com/countersign-labs/countersign/internal/adapter/outbound/cel"
	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// CELConditionID is the handle rules reference the policy by.
const CELConditionID = "cel-condition"

// CELCondition satisfies a rule when a CEL expression over the invocation
// context evaluates to true. The expression is validated at install time
// and compiled lazily with a per-expression program cache.
type CELCondition struct {
	evaluator *celadapter.Evaluator

	mu       sync.RWMutex
	programs map[string]celgo.Program
}

// NewCELCondition creates the CEL condition policy.
func NewCELCondition() (*CELCondition, error) {
	ev, err := celadapter.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("cel-condition: %w", err)
	}
	return &CELCondition{
		evaluator: ev,
		programs:  make(map[string]celgo.Program),
	}, nil
}

// celConditionParam is the install parameter and stored state.
type celConditionParam struct {
	Expression string `json:"expression"`
}

// ID returns the policy handle.
func (p *CELCondition) ID() string { return CELConditionID }

func (p *CELCondition) stateKey(account string, ruleID uint32) policy.StateKey {
	return policy.StateKey{Policy: CELConditionID, Account: account, RuleID: ruleID, Field: "expression"}
}

// Install validates the expression and stores it for the rule.
func (p *CELCondition) Install(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule, param json.RawMessage) error {
	var cfg celConditionParam
	if err := json.Unmarshal(param, &cfg); err != nil {
		return fmt.Errorf("cel-condition: decode param: %w", err)
	}
	if err := p.evaluator.ValidateExpression(cfg.Expression); err != nil {
		return fmt.Errorf("cel-condition: %w", err)
	}
	tx.Put(p.stateKey(account, r.ID), []byte(cfg.Expression))
	return nil
}

// Uninstall removes the stored expression.
func (p *CELCondition) Uninstall(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule) error {
	tx.Delete(p.stateKey(account, r.ID))
	return nil
}

// CanEnforce evaluates the stored expression against the request.
// A rule without an installed expression is never satisfied.
func (p *CELCondition) CanEnforce(ctx context.Context, tx policy.StateTx, req policy.Request) (bool, error) {
	data, ok := tx.Get(p.stateKey(req.Account, req.Rule.ID))
	if !ok {
		return false, nil
	}

	prg, err := p.program(string(data))
	if err != nil {
		return false, fmt.Errorf("cel-condition: %w", err)
	}
	result, err := p.evaluator.Evaluate(prg, celadapter.BuildActivation(req))
	if err != nil {
		return false, fmt.Errorf("cel-condition: %w", err)
	}
	return result, nil
}

// Enforce re-evaluates the expression; the policy holds no history.
func (p *CELCondition) Enforce(ctx context.Context, tx policy.StateTx, req policy.Request) error {
	ok, err := p.CanEnforce(ctx, tx, req)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cel-condition not met for rule %d", rule.ErrPolicyEnforcementFailed, req.Rule.ID)
	}
	return nil
}

// program returns the compiled program for the expression, compiling and
// caching on first use.
func (p *CELCondition) program(expr string) (celgo.Program, error) {
	p.mu.RLock()
	prg, ok := p.programs[expr]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	compiled, err := p.evaluator.Compile(expr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.programs[expr] = compiled
	p.mu.Unlock()
	return compiled, nil
}

// Compile-time interface verification.
var _ policy.Policy = (*CELCondition)(nil)
