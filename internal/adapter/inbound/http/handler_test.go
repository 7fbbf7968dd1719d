package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/countersign-labs/countersign/internal/adapter/outbound/memory"
	"github.com/countersign-labs/countersign/internal/adapter/outbound/policies"
	"github.com/countersign-labs/countersign/internal/adapter/outbound/verifiers"
	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
	"github.com/countersign-labs/countersign/internal/domain/verifier"
	"github.com/countersign-labs/countersign/internal/service"
)

// allowAllAuthorizer approves every native identity.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Approved(context.Context, string, [32]byte) (bool, error) {
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAPI builds the full handler stack over in-memory adapters, with
// the given caller injected as the authenticated admin account.
func newTestAPI(t *testing.T, caller string) http.Handler {
	t.Helper()

	rules := memory.NewRuleStore()
	states := memory.NewStateStore()
	logger := testLogger()

	policyReg := policy.NewRegistry()
	for _, p := range []policy.Policy{policies.NewSimpleThreshold(), policies.NewSpendingLimit()} {
		if err := policyReg.Register(p); err != nil {
			t.Fatalf("register policy: %v", err)
		}
	}
	verifierReg := verifier.NewRegistry()
	if err := verifierReg.Register(verifiers.NewEd25519()); err != nil {
		t.Fatalf("register verifier: %v", err)
	}

	registry := service.NewRegistryService(rules, policyReg, states, nil, logger)
	auth := service.NewAuthService(rules, policyReg, verifierReg, allowAllAuthorizer{}, states, nil, nil, logger)

	mux := http.NewServeMux()
	NewHandler(registry, auth, logger).Routes(mux)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), CallerKey, caller)
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createTestRule(t *testing.T, h http.Handler, body map[string]any) rule.ContextRule {
	t.Helper()

	rec := doJSON(t, h, http.MethodPost, "/v1/accounts/acct/rules", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule status = %d, body %s", rec.Code, rec.Body)
	}
	var created rule.ContextRule
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}
	return created
}

func multisigRuleBody() map[string]any {
	return map[string]any{
		"name":   "team",
		"type":   map[string]any{"kind": "call_target", "target": "token"},
		"height": 100,
		"signers": []map[string]any{
			{"kind": "native", "identity": "alice"},
			{"kind": "native", "identity": "bob"},
		},
	}
}

func TestRuleCRUD(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t, "acct")

	created := createTestRule(t, h, multisigRuleBody())
	if created.ID != 0 || created.Name != "team" {
		t.Errorf("created = %+v", created)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/accounts/acct/rules/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/accounts/acct/rules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed []rule.ContextRule
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("listed %d rules, want 1", len(listed))
	}

	rec = doJSON(t, h, http.MethodPatch, "/v1/accounts/acct/rules/0/name", map[string]any{"name": "renamed"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("rename status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/accounts/acct/rules/0", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/accounts/acct/rules/0", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", rec.Code)
	}
}

func TestRuleValidationMapsTo422(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t, "acct")

	rec := doJSON(t, h, http.MethodPost, "/v1/accounts/acct/rules", map[string]any{
		"name":   "empty",
		"type":   map[string]any{"kind": "default"},
		"height": 100,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty rule status = %d, want 422", rec.Code)
	}

	createTestRule(t, h, multisigRuleBody())
	rec = doJSON(t, h, http.MethodPost, "/v1/accounts/acct/rules", multisigRuleBody())
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("duplicate shape status = %d, want 422", rec.Code)
	}
}

func TestForeignAccountMapsTo403(t *testing.T) {
	t.Parallel()

	// Authenticated as "other" but operating on "acct".
	h := newTestAPI(t, "other")

	rec := doJSON(t, h, http.MethodPost, "/v1/accounts/acct/rules", multisigRuleBody())
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign create status = %d, want 403", rec.Code)
	}
}

func TestSignerAndPolicyEndpoints(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t, "acct")
	created := createTestRule(t, h, multisigRuleBody())
	base := fmt.Sprintf("/v1/accounts/acct/rules/%d", created.ID)

	rec := doJSON(t, h, http.MethodPost, base+"/signers", map[string]any{
		"signer": map[string]any{"kind": "native", "identity": "carol"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("add signer status = %d, body %s", rec.Code, rec.Body)
	}

	// Removing an absent signer is a no-op, not an error.
	rec = doJSON(t, h, http.MethodPost, base+"/signers/remove", map[string]any{
		"signer": map[string]any{"kind": "native", "identity": "nobody"},
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("remove absent signer status = %d, want 204", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, base+"/policies", map[string]any{
		"id":    policies.SimpleThresholdID,
		"param": map[string]any{"threshold": 2},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("add policy status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPut, base+"/policies/"+policies.SimpleThresholdID, map[string]any{
		"param": map[string]any{"threshold": 3},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("configure policy status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodDelete, base+"/policies/"+policies.SimpleThresholdID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove policy status = %d, body %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, h, http.MethodDelete, base+"/policies/"+policies.SimpleThresholdID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("remove detached policy status = %d, want 404", rec.Code)
	}
}

func TestCheckAuthEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestAPI(t, "acct")
	createTestRule(t, h, multisigRuleBody())

	digest := sha256.Sum256([]byte("invocation"))
	body := map[string]any{
		"account": "acct",
		"height":  100,
		"digest":  hex.EncodeToString(digest[:]),
		"signatures": []map[string]any{
			{"signer": map[string]any{"kind": "native", "identity": "alice"}},
			{"signer": map[string]any{"kind": "native", "identity": "bob"}},
		},
		"contexts": []map[string]any{
			{"kind": "call", "call": map[string]any{"target": "token", "function": "mint"}},
		},
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/check-auth", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("check-auth status = %d, body %s", rec.Code, rec.Body)
	}
	var res service.CheckAuthResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Decisions) != 1 || res.Decisions[0].MatchedCount != 2 {
		t.Errorf("decisions = %+v", res.Decisions)
	}

	// Unmatched context is a denial.
	body["contexts"] = []map[string]any{
		{"kind": "call", "call": map[string]any{"target": "nft", "function": "mint"}},
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/check-auth", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unmatched context status = %d, want 403", rec.Code)
	}

	// Malformed digest is a malformed request, not a denial.
	body["digest"] = "zz"
	rec = doJSON(t, h, http.MethodPost, "/v1/check-auth", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad digest status = %d, want 422", rec.Code)
	}

	// Account mismatch with the admin key.
	body["digest"] = hex.EncodeToString(digest[:])
	body["account"] = "other"
	rec = doJSON(t, h, http.MethodPost, "/v1/check-auth", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("account mismatch status = %d, want 403", rec.Code)
	}
}
