package http

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/countersign-labs/countersign/internal/domain/rule"
	"github.com/countersign-labs/countersign/internal/service"
)

// Handler exposes the authorization engine and the admin rule API.
type Handler struct {
	registry *service.RegistryService
	auth     *service.AuthService
	logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(registry *service.RegistryService, auth *service.AuthService, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, auth: auth, logger: logger}
}

// Routes registers all API routes on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/check-auth", h.checkAuth)

	mux.HandleFunc("GET /v1/accounts/{account}/rules", h.listRules)
	mux.HandleFunc("POST /v1/accounts/{account}/rules", h.createRule)
	mux.HandleFunc("GET /v1/accounts/{account}/rules/{id}", h.getRule)
	mux.HandleFunc("DELETE /v1/accounts/{account}/rules/{id}", h.deleteRule)
	mux.HandleFunc("PATCH /v1/accounts/{account}/rules/{id}/name", h.updateName)
	mux.HandleFunc("PATCH /v1/accounts/{account}/rules/{id}/valid-until", h.updateValidUntil)
	mux.HandleFunc("POST /v1/accounts/{account}/rules/{id}/signers", h.addSigner)
	mux.HandleFunc("POST /v1/accounts/{account}/rules/{id}/signers/remove", h.removeSigner)
	mux.HandleFunc("POST /v1/accounts/{account}/rules/{id}/policies", h.addPolicy)
	mux.HandleFunc("PUT /v1/accounts/{account}/rules/{id}/policies/{policy}", h.configurePolicy)
	mux.HandleFunc("DELETE /v1/accounts/{account}/rules/{id}/policies/{policy}", h.removePolicy)
}

// checkAuthRequest is the wire shape of one authorization invocation.
// The digest is hex-encoded; signatures and public keys are base64 per
// encoding/json's []byte convention.
type checkAuthRequest struct {
	Account    string          `json:"account"`
	Height     uint32          `json:"height"`
	Digest     string          `json:"digest"`
	Signatures rule.Signatures `json:"signatures"`
	Contexts   []rule.Context  `json:"contexts"`
}

func (h *Handler) checkAuth(w http.ResponseWriter, r *http.Request) {
	var req checkAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if caller := CallerFromContext(r.Context()); caller != req.Account {
		writeError(w, http.StatusForbidden, "admin key does not match account")
		return
	}

	digest, err := hex.DecodeString(req.Digest)
	if err != nil || len(digest) != 32 {
		writeError(w, http.StatusUnprocessableEntity, "digest must be 32 hex-encoded bytes")
		return
	}
	if len(req.Contexts) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "at least one context is required")
		return
	}

	invocation := service.CheckAuthRequest{
		Account:    req.Account,
		Height:     req.Height,
		Signatures: req.Signatures,
		Contexts:   req.Contexts,
	}
	copy(invocation.Digest[:], digest)

	res, err := h.auth.CheckAuth(r.Context(), invocation)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// createRuleRequest is the wire shape of a new context rule. Height is
// the caller's current ledger height, used to validate valid_until.
type createRuleRequest struct {
	Name       string           `json:"name"`
	Type       rule.Type        `json:"type"`
	Height     uint32           `json:"height"`
	ValidUntil *uint32          `json:"valid_until,omitempty"`
	Signers    []rule.Signer    `json:"signers,omitempty"`
	Policies   []rule.PolicyRef `json:"policies,omitempty"`
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")

	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	created, err := h.registry.AddRule(r.Context(), CallerFromContext(r.Context()), account, req.Height, service.AddRuleInput{
		Name:       req.Name,
		Type:       req.Type,
		ValidUntil: req.ValidUntil,
		Signers:    req.Signers,
		Policies:   req.Policies,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")

	// Optional exact-type filter: ?type=call_target&target=token
	if kind := r.URL.Query().Get("type"); kind != "" {
		t := rule.Type{Kind: rule.TypeKind(kind), Target: r.URL.Query().Get("target")}
		rules, err := h.registry.GetRulesByType(r.Context(), account, t)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
		return
	}

	rules, err := h.registry.ListRules(r.Context(), account)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}
	found, err := h.registry.GetRule(r.Context(), account, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}
	if err := h.registry.RemoveRule(r.Context(), CallerFromContext(r.Context()), account, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateName(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	if err := h.registry.UpdateName(r.Context(), CallerFromContext(r.Context()), account, id, req.Name); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateValidUntil(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}

	var req struct {
		Height     uint32  `json:"height"`
		ValidUntil *uint32 `json:"valid_until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	if err := h.registry.UpdateValidUntil(r.Context(), CallerFromContext(r.Context()), account, id, req.Height, req.ValidUntil); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addSigner(w http.ResponseWriter, r *http.Request) {
	h.signerOp(w, r, h.registry.AddSigner)
}

func (h *Handler) removeSigner(w http.ResponseWriter, r *http.Request) {
	h.signerOp(w, r, h.registry.RemoveSigner)
}

func (h *Handler) signerOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller, account string, id uint32, signer rule.Signer) error) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}

	var req struct {
		Signer rule.Signer `json:"signer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	if err := op(r.Context(), CallerFromContext(r.Context()), account, id, req.Signer); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addPolicy(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}

	var ref rule.PolicyRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	if err := h.registry.AddPolicy(r.Context(), CallerFromContext(r.Context()), account, id, ref); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) configurePolicy(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}

	var req struct {
		Param json.RawMessage `json:"param"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	ref := rule.PolicyRef{ID: r.PathValue("policy"), Param: req.Param}
	if err := h.registry.ConfigurePolicy(r.Context(), CallerFromContext(r.Context()), account, id, ref); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removePolicy(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.rulePath(w, r)
	if !ok {
		return
	}

	if err := h.registry.RemovePolicy(r.Context(), CallerFromContext(r.Context()), account, id, r.PathValue("policy")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rulePath extracts the account and rule id path values.
func (h *Handler) rulePath(w http.ResponseWriter, r *http.Request) (string, uint32, bool) {
	account := r.PathValue("account")
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "rule id must be an unsigned integer")
		return "", 0, false
	}
	return account, uint32(id), true
}

// writeDomainError maps domain errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, rule.ErrVerification):
		status = http.StatusUnauthorized
	case errors.Is(err, rule.ErrUnauthorized),
		errors.Is(err, rule.ErrNoMatchingRule),
		errors.Is(err, rule.ErrPolicyEnforcementFailed):
		status = http.StatusForbidden
	case errors.Is(err, rule.ErrContextRuleNotFound),
		errors.Is(err, rule.ErrPolicyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rule.ErrDuplicateContextRule),
		errors.Is(err, rule.ErrDuplicateSigner),
		errors.Is(err, rule.ErrDuplicatePolicy),
		errors.Is(err, rule.ErrNoSignersAndPolicies),
		errors.Is(err, rule.ErrPastValidUntil),
		errors.Is(err, rule.ErrTooManySigners),
		errors.Is(err, rule.ErrTooManyPolicies),
		errors.Is(err, rule.ErrTooManyContextRules):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("internal error",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already written; an encode failure has nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}
