package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/countersign-labs/countersign/internal/adapter/outbound/memory"
	"github.com/countersign-labs/countersign/internal/adapter/outbound/policies"
	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPolicyRegistry(t *testing.T) *policy.Registry {
	t.Helper()

	celPolicy, err := policies.NewCELCondition()
	if err != nil {
		t.Fatalf("build CEL policy: %v", err)
	}
	reg := policy.NewRegistry()
	for _, p := range []policy.Policy{
		policies.NewSimpleThreshold(),
		policies.NewSpendingLimit(),
		policies.NewWeightedThreshold(),
		celPolicy,
	} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register policy: %v", err)
		}
	}
	return reg
}

func newTestRegistryService(t *testing.T) (*RegistryService, *memory.MemoryStateStore) {
	t.Helper()

	states := memory.NewStateStore()
	svc := NewRegistryService(memory.NewRuleStore(), newPolicyRegistry(t), states, nil, testLogger())
	return svc, states
}

func signers(identities ...string) []rule.Signer {
	out := make([]rule.Signer, len(identities))
	for i, id := range identities {
		out[i] = rule.NativeSigner(id)
	}
	return out
}

func thresholdRef(n int) rule.PolicyRef {
	return rule.PolicyRef{
		ID:    policies.SimpleThresholdID,
		Param: json.RawMessage(fmt.Sprintf(`{"threshold":%d}`, n)),
	}
}

func TestRegistryAddRuleAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()

	svc, _ := newTestRegistryService(t)
	ctx := context.Background()

	for i := range 3 {
		r, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
			Name:    fmt.Sprintf("rule-%d", i),
			Type:    rule.CallTargetType(fmt.Sprintf("token-%d", i)),
			Signers: signers("alice"),
		})
		if err != nil {
			t.Fatalf("AddRule() error = %v", err)
		}
		if r.ID != uint32(i) {
			t.Errorf("rule %d got id %d", i, r.ID)
		}
	}

	if err := svc.RemoveRule(ctx, "acct", "acct", 2); err != nil {
		t.Fatalf("RemoveRule() error = %v", err)
	}
	r, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name:    "after-delete",
		Type:    rule.DefaultType(),
		Signers: signers("alice"),
	})
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if r.ID != 3 {
		t.Errorf("id after delete = %d, want 3 (ids are never reused)", r.ID)
	}
}

func TestRegistryAddRuleValidation(t *testing.T) {
	t.Parallel()

	past := uint32(50)
	tooManySigners := make([]rule.Signer, rule.MaxSigners+1)
	for i := range tooManySigners {
		tooManySigners[i] = rule.NativeSigner(fmt.Sprintf("s%d", i))
	}
	tooManyPolicies := make([]rule.PolicyRef, rule.MaxPolicies+1)
	for i := range tooManyPolicies {
		tooManyPolicies[i] = rule.PolicyRef{ID: fmt.Sprintf("p%d", i)}
	}

	tests := []struct {
		name    string
		in      AddRuleInput
		wantErr error
	}{
		{
			name:    "no signers and no policies",
			in:      AddRuleInput{Name: "empty", Type: rule.DefaultType()},
			wantErr: rule.ErrNoSignersAndPolicies,
		},
		{
			name: "duplicate signer",
			in: AddRuleInput{
				Name: "dup", Type: rule.DefaultType(),
				Signers: append(signers("alice"), rule.NativeSigner("alice")),
			},
			wantErr: rule.ErrDuplicateSigner,
		},
		{
			name: "duplicate policy",
			in: AddRuleInput{
				Name: "dup-pol", Type: rule.DefaultType(),
				Signers:  signers("alice", "bob"),
				Policies: []rule.PolicyRef{thresholdRef(1), thresholdRef(2)},
			},
			wantErr: rule.ErrDuplicatePolicy,
		},
		{
			name: "too many signers",
			in: AddRuleInput{
				Name: "wide", Type: rule.DefaultType(), Signers: tooManySigners,
			},
			wantErr: rule.ErrTooManySigners,
		},
		{
			name: "too many policies",
			in: AddRuleInput{
				Name: "deep", Type: rule.DefaultType(),
				Signers: signers("alice"), Policies: tooManyPolicies,
			},
			wantErr: rule.ErrTooManyPolicies,
		},
		{
			name: "valid_until already past",
			in: AddRuleInput{
				Name: "stale", Type: rule.DefaultType(),
				ValidUntil: &past, Signers: signers("alice"),
			},
			wantErr: rule.ErrPastValidUntil,
		},
		{
			name: "unknown policy handle",
			in: AddRuleInput{
				Name: "ghost", Type: rule.DefaultType(),
				Signers:  signers("alice"),
				Policies: []rule.PolicyRef{{ID: "no-such-policy"}},
			},
			wantErr: rule.ErrPolicyNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, _ := newTestRegistryService(t)
			_, err := svc.AddRule(context.Background(), "acct", "acct", 100, tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AddRule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryRejectsDuplicateRuleShape(t *testing.T) {
	t.Parallel()

	svc, _ := newTestRegistryService(t)
	ctx := context.Background()

	in := AddRuleInput{Name: "first", Type: rule.CallTargetType("token"), Signers: signers("alice", "bob")}
	if _, err := svc.AddRule(ctx, "acct", "acct", 100, in); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	in.Name = "renamed but same shape"
	if _, err := svc.AddRule(ctx, "acct", "acct", 100, in); !errors.Is(err, rule.ErrDuplicateContextRule) {
		t.Errorf("AddRule() error = %v, want ErrDuplicateContextRule", err)
	}

	// Another account may hold the identical shape.
	if _, err := svc.AddRule(ctx, "other", "other", 100, in); err != nil {
		t.Errorf("AddRule() on other account error = %v", err)
	}
}

func TestRegistryAddRuleInstallFailureRollsBack(t *testing.T) {
	t.Parallel()

	svc, states := newTestRegistryService(t)
	ctx := context.Background()

	// Threshold larger than the signer set fails install validation.
	_, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name:     "bad-threshold",
		Type:     rule.DefaultType(),
		Signers:  signers("alice", "bob"),
		Policies: []rule.PolicyRef{thresholdRef(5)},
	})
	if err == nil {
		t.Fatal("AddRule() with invalid policy param should fail")
	}
	if states.Len() != 0 {
		t.Errorf("policy state keys = %d after failed install, want 0", states.Len())
	}
	if _, err := svc.GetRule(ctx, "acct", 0); !errors.Is(err, rule.ErrContextRuleNotFound) {
		t.Errorf("half-created rule should be removed, got %v", err)
	}
}

func TestRegistryMutationsRequireSelf(t *testing.T) {
	t.Parallel()

	svc, _ := newTestRegistryService(t)
	ctx := context.Background()

	if _, err := svc.AddRule(ctx, "mallory", "acct", 100, AddRuleInput{
		Name: "x", Type: rule.DefaultType(), Signers: signers("alice"),
	}); !errors.Is(err, rule.ErrUnauthorized) {
		t.Errorf("AddRule() by foreign caller error = %v, want ErrUnauthorized", err)
	}

	if _, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name: "x", Type: rule.DefaultType(), Signers: signers("alice"),
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if err := svc.RemoveRule(ctx, "mallory", "acct", 0); !errors.Is(err, rule.ErrUnauthorized) {
		t.Errorf("RemoveRule() by foreign caller error = %v, want ErrUnauthorized", err)
	}
}

func TestRegistrySignerManagement(t *testing.T) {
	t.Parallel()

	svc, _ := newTestRegistryService(t)
	ctx := context.Background()

	if _, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name: "team", Type: rule.DefaultType(), Signers: signers("alice"),
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	if err := svc.AddSigner(ctx, "acct", "acct", 0, rule.NativeSigner("bob")); err != nil {
		t.Fatalf("AddSigner() error = %v", err)
	}
	if err := svc.AddSigner(ctx, "acct", "acct", 0, rule.NativeSigner("bob")); !errors.Is(err, rule.ErrDuplicateSigner) {
		t.Errorf("AddSigner() duplicate error = %v, want ErrDuplicateSigner", err)
	}

	if err := svc.RemoveSigner(ctx, "acct", "acct", 0, rule.NativeSigner("bob")); err != nil {
		t.Fatalf("RemoveSigner() error = %v", err)
	}
	// Removing an absent signer converges instead of failing.
	if err := svc.RemoveSigner(ctx, "acct", "acct", 0, rule.NativeSigner("bob")); err != nil {
		t.Errorf("RemoveSigner() of absent signer error = %v, want nil", err)
	}

	// The last signer on a policy-free rule cannot be removed.
	if err := svc.RemoveSigner(ctx, "acct", "acct", 0, rule.NativeSigner("alice")); !errors.Is(err, rule.ErrNoSignersAndPolicies) {
		t.Errorf("RemoveSigner() of last signer error = %v, want ErrNoSignersAndPolicies", err)
	}

	r, err := svc.GetRule(ctx, "acct", 0)
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if len(r.Signers) != 1 || r.Signers[0].Identity != "alice" {
		t.Errorf("signers = %+v, want only alice", r.Signers)
	}
}

func TestRegistryPolicyManagement(t *testing.T) {
	t.Parallel()

	svc, states := newTestRegistryService(t)
	ctx := context.Background()

	if _, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name: "team", Type: rule.DefaultType(), Signers: signers("alice", "bob", "carol"),
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	if err := svc.AddPolicy(ctx, "acct", "acct", 0, thresholdRef(2)); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}
	if states.Len() == 0 {
		t.Error("AddPolicy() should install policy state")
	}
	if err := svc.AddPolicy(ctx, "acct", "acct", 0, thresholdRef(3)); !errors.Is(err, rule.ErrDuplicatePolicy) {
		t.Errorf("AddPolicy() duplicate error = %v, want ErrDuplicatePolicy", err)
	}

	if err := svc.ConfigurePolicy(ctx, "acct", "acct", 0, thresholdRef(3)); err != nil {
		t.Fatalf("ConfigurePolicy() error = %v", err)
	}
	r, err := svc.GetRule(ctx, "acct", 0)
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if string(r.Policies[0].Param) != `{"threshold":3}` {
		t.Errorf("stored param = %s, want threshold 3", r.Policies[0].Param)
	}

	if err := svc.ConfigurePolicy(ctx, "acct", "acct", 0, rule.PolicyRef{ID: policies.SpendingLimitID}); !errors.Is(err, rule.ErrPolicyNotFound) {
		t.Errorf("ConfigurePolicy() of unattached policy error = %v, want ErrPolicyNotFound", err)
	}

	if err := svc.RemovePolicy(ctx, "acct", "acct", 0, policies.SimpleThresholdID); err != nil {
		t.Fatalf("RemovePolicy() error = %v", err)
	}
	if states.Len() != 0 {
		t.Errorf("policy state keys = %d after uninstall, want 0", states.Len())
	}
	if err := svc.RemovePolicy(ctx, "acct", "acct", 0, policies.SimpleThresholdID); !errors.Is(err, rule.ErrPolicyNotFound) {
		t.Errorf("RemovePolicy() of detached policy error = %v, want ErrPolicyNotFound", err)
	}
}

func TestRegistryRemoveRuleUninstallsPolicies(t *testing.T) {
	t.Parallel()

	svc, states := newTestRegistryService(t)
	ctx := context.Background()

	weighted := rule.PolicyRef{
		ID: policies.WeightedThresholdID,
		Param: json.RawMessage(`{"weights":[
			{"signer":{"kind":"native","identity":"alice"},"weight":2},
			{"signer":{"kind":"native","identity":"bob"},"weight":1}
		],"threshold":2}`),
	}
	if _, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name:     "guarded",
		Type:     rule.DefaultType(),
		Signers:  signers("alice", "bob"),
		Policies: []rule.PolicyRef{thresholdRef(2), weighted},
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if states.Len() != 2 {
		t.Fatalf("policy state keys = %d after install, want one per policy", states.Len())
	}

	if err := svc.RemoveRule(ctx, "acct", "acct", 0); err != nil {
		t.Fatalf("RemoveRule() error = %v", err)
	}
	if states.Len() != 0 {
		t.Errorf("policy state keys = %d after rule removal, want 0", states.Len())
	}
	if err := svc.RemoveRule(ctx, "acct", "acct", 0); !errors.Is(err, rule.ErrContextRuleNotFound) {
		t.Errorf("RemoveRule() of unknown id error = %v, want ErrContextRuleNotFound", err)
	}
}

func TestRegistryRestorePolicyState(t *testing.T) {
	t.Parallel()

	rules := memory.NewRuleStore()
	reg := newPolicyRegistry(t)
	states := memory.NewStateStore()
	svc := NewRegistryService(rules, reg, states, nil, testLogger())
	ctx := context.Background()

	if _, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name:     "guarded",
		Type:     rule.DefaultType(),
		Signers:  signers("alice", "bob"),
		Policies: []rule.PolicyRef{thresholdRef(2)},
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	// Signer-only rules hold no policy state and contribute nothing.
	if _, err := svc.AddRule(ctx, "other", "other", 100, AddRuleInput{
		Name: "plain", Type: rule.DefaultType(), Signers: signers("carol"),
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	// A fresh state store stands in for a restarted process: the rules are
	// still persisted but no policy state is installed.
	fresh := memory.NewStateStore()
	restarted := NewRegistryService(rules, reg, fresh, nil, testLogger())
	if fresh.Len() != 0 {
		t.Fatalf("fresh state store holds %d keys", fresh.Len())
	}
	if err := restarted.RestorePolicyState(ctx); err != nil {
		t.Fatalf("RestorePolicyState() error = %v", err)
	}
	if fresh.Len() != states.Len() {
		t.Errorf("restored state keys = %d, want %d", fresh.Len(), states.Len())
	}
}

func TestRegistryUpdateValidUntil(t *testing.T) {
	t.Parallel()

	svc, _ := newTestRegistryService(t)
	ctx := context.Background()

	horizon := uint32(200)
	if _, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name: "expiring", Type: rule.DefaultType(), ValidUntil: &horizon, Signers: signers("alice"),
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	past := uint32(50)
	if err := svc.UpdateValidUntil(ctx, "acct", "acct", 0, 100, &past); !errors.Is(err, rule.ErrPastValidUntil) {
		t.Errorf("UpdateValidUntil() to past error = %v, want ErrPastValidUntil", err)
	}

	if err := svc.UpdateValidUntil(ctx, "acct", "acct", 0, 100, nil); err != nil {
		t.Fatalf("UpdateValidUntil() clear error = %v", err)
	}
	r, err := svc.GetRule(ctx, "acct", 0)
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if r.ValidUntil != nil {
		t.Errorf("ValidUntil = %v, want nil", *r.ValidUntil)
	}
}

func TestRegistryUpdateName(t *testing.T) {
	t.Parallel()

	svc, _ := newTestRegistryService(t)
	ctx := context.Background()

	if _, err := svc.AddRule(ctx, "acct", "acct", 100, AddRuleInput{
		Name: "old", Type: rule.DefaultType(), Signers: signers("alice"),
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if err := svc.UpdateName(ctx, "acct", "acct", 0, "new"); err != nil {
		t.Fatalf("UpdateName() error = %v", err)
	}
	r, err := svc.GetRule(ctx, "acct", 0)
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if r.Name != "new" {
		t.Errorf("name = %q, want %q", r.Name, "new")
	}
}
