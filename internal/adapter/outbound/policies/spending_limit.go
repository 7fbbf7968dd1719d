package policies

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// SpendingLimitID is the handle rules reference the policy by.
const SpendingLimitID = "spending-limit"

// transferFunction is the only call function the policy meters.
const transferFunction = "transfer"

// transferAmountArg is the argument index holding the transfer amount.
const transferAmountArg = 2

// maxHistoryEntries caps the per-rule spending history.
const maxHistoryEntries = 1000

// SpendingLimit caps the total amount transferred within a rolling window
// of ledger heights. It only applies to "transfer" calls and records each
// enforced transfer in per-rule history state.
type SpendingLimit struct{}

// NewSpendingLimit creates the spending limit policy.
func NewSpendingLimit() *SpendingLimit { return &SpendingLimit{} }

// spendingLimitParam is the install parameter.
type spendingLimitParam struct {
	// Limit is the maximum total amount spendable per window.
	Limit int64 `json:"limit"`
	// PeriodLedgers is the window length in ledger heights.
	PeriodLedgers uint32 `json:"period_ledgers"`
}

// spendingEntry records one enforced transfer.
type spendingEntry struct {
	Height uint32 `json:"height"`
	Amount int64  `json:"amount"`
}

// spendingState is the stored per-rule state. CachedTotal is the sum of
// History amounts, maintained incrementally so checks stay cheap.
type spendingState struct {
	Limit         int64           `json:"limit"`
	PeriodLedgers uint32          `json:"period_ledgers"`
	CachedTotal   int64           `json:"cached_total"`
	History       []spendingEntry `json:"history,omitempty"`
}

// ID returns the policy handle.
func (p *SpendingLimit) ID() string { return SpendingLimitID }

func (p *SpendingLimit) stateKey(account string, ruleID uint32) policy.StateKey {
	return policy.StateKey{Policy: SpendingLimitID, Account: account, RuleID: ruleID, Field: "state"}
}

// Install validates the limit and initializes empty history.
// Reinstalling preserves existing history but applies the new limit and window.
func (p *SpendingLimit) Install(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule, param json.RawMessage) error {
	var cfg spendingLimitParam
	if err := json.Unmarshal(param, &cfg); err != nil {
		return fmt.Errorf("spending-limit: decode param: %w", err)
	}
	if cfg.Limit <= 0 {
		return fmt.Errorf("spending-limit: limit must be positive, got %d", cfg.Limit)
	}
	if cfg.PeriodLedgers == 0 {
		return fmt.Errorf("spending-limit: period_ledgers must be positive")
	}

	state := spendingState{Limit: cfg.Limit, PeriodLedgers: cfg.PeriodLedgers}
	key := p.stateKey(account, r.ID)
	if data, ok := tx.Get(key); ok {
		var prev spendingState
		if err := json.Unmarshal(data, &prev); err == nil {
			state.History = prev.History
			state.CachedTotal = prev.CachedTotal
		}
	}
	return p.putState(tx, key, &state)
}

// Uninstall removes all spending state for the rule.
func (p *SpendingLimit) Uninstall(ctx context.Context, tx policy.StateTx, account string, r *rule.ContextRule) error {
	tx.Delete(p.stateKey(account, r.ID))
	return nil
}

// CanEnforce reports whether the transfer fits the remaining window budget.
// Non-transfer contexts and empty matched sets are never satisfied.
// Pure: expired history is skipped arithmetically, not pruned.
func (p *SpendingLimit) CanEnforce(ctx context.Context, tx policy.StateTx, req policy.Request) (bool, error) {
	if len(req.Matched) == 0 {
		return false, nil
	}
	amount, ok := transferAmount(req.Context)
	if !ok {
		return false, nil
	}

	state, found, err := p.getState(tx, req.Account, req.Rule.ID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	total := windowTotal(state, req.Height)
	return amount > 0 && total+amount <= state.Limit, nil
}

// Enforce re-checks the budget against current state, then records the
// transfer in history and updates the cached total.
func (p *SpendingLimit) Enforce(ctx context.Context, tx policy.StateTx, req policy.Request) error {
	ok, err := p.CanEnforce(ctx, tx, req)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: spending-limit exceeded for rule %d", rule.ErrPolicyEnforcementFailed, req.Rule.ID)
	}

	amount, _ := transferAmount(req.Context)
	state, _, err := p.getState(tx, req.Account, req.Rule.ID)
	if err != nil {
		return err
	}

	pruneExpired(state, req.Height)
	if len(state.History) >= maxHistoryEntries {
		return fmt.Errorf("%w: spending-limit history full for rule %d", rule.ErrPolicyEnforcementFailed, req.Rule.ID)
	}
	// windowTotal and pruneExpired require non-decreasing history heights.
	// Clamp a height below the newest entry so the entry cannot land behind
	// entries that already count against the window.
	height := req.Height
	if n := len(state.History); n > 0 && state.History[n-1].Height > height {
		height = state.History[n-1].Height
	}
	state.History = append(state.History, spendingEntry{Height: height, Amount: amount})
	state.CachedTotal += amount

	return p.putState(tx, p.stateKey(req.Account, req.Rule.ID), state)
}

func (p *SpendingLimit) getState(tx policy.StateTx, account string, ruleID uint32) (*spendingState, bool, error) {
	data, ok := tx.Get(p.stateKey(account, ruleID))
	if !ok {
		return nil, false, nil
	}
	var state spendingState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("spending-limit: decode state: %w", err)
	}
	return &state, true, nil
}

func (p *SpendingLimit) putState(tx policy.StateTx, key policy.StateKey, state *spendingState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("spending-limit: encode state: %w", err)
	}
	tx.Put(key, data)
	return nil
}

// windowStart returns the oldest height still inside the rolling window.
func windowStart(state *spendingState, height uint32) uint32 {
	if height < state.PeriodLedgers {
		return 0
	}
	return height - state.PeriodLedgers
}

// windowTotal sums history amounts still inside the window without
// mutating state.
func windowTotal(state *spendingState, height uint32) int64 {
	start := windowStart(state, height)
	total := state.CachedTotal
	for _, e := range state.History {
		if e.Height >= start {
			break
		}
		total -= e.Amount
	}
	return total
}

// pruneExpired drops history entries outside the window and adjusts the
// cached total. History is append-only by height, so expired entries are
// always a prefix.
func pruneExpired(state *spendingState, height uint32) {
	start := windowStart(state, height)
	i := 0
	for ; i < len(state.History); i++ {
		if state.History[i].Height >= start {
			break
		}
		state.CachedTotal -= state.History[i].Amount
	}
	if i > 0 {
		state.History = append([]spendingEntry(nil), state.History[i:]...)
	}
}

// transferAmount extracts the transfer amount from a call context.
// Returns false for non-transfer contexts or missing/undecodable amounts.
func transferAmount(c rule.Context) (int64, bool) {
	if c.Kind != rule.ContextCall || c.Call == nil {
		return 0, false
	}
	if c.Call.Function != transferFunction || len(c.Call.Args) <= transferAmountArg {
		return 0, false
	}
	var amount int64
	if err := json.Unmarshal(c.Call.Args[transferAmountArg], &amount); err != nil {
		return 0, false
	}
	return amount, true
}

// Compile-time interface verification.
var _ policy.Policy = (*SpendingLimit)(nil)
