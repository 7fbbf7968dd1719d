package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/countersign-labs/countersign/internal/domain/audit"
	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
	"github.com/countersign-labs/countersign/internal/domain/verifier"
)

// AuthMetrics receives authorization outcomes for instrumentation.
type AuthMetrics interface {
	// CheckAuthCompleted records one finished invocation with its result
	// label ("ok" or an error class) and wall time.
	CheckAuthCompleted(result string, elapsed time.Duration)
	// RuleMatched records a rule winning a context, labeled by type key.
	RuleMatched(typeKey string)
	// PolicyEnforced records one policy enforcement attempt.
	PolicyEnforced(policyID, result string)
}

// NopAuthMetrics discards all observations.
type NopAuthMetrics struct{}

func (NopAuthMetrics) CheckAuthCompleted(string, time.Duration) {}
func (NopAuthMetrics) RuleMatched(string)                       {}
func (NopAuthMetrics) PolicyEnforced(string, string)            {}

// CheckAuthRequest is one authorization invocation: the account whose
// rules apply, the current ledger height, the digest the supplied
// signatures cover, the credentials, and the contexts to authorize.
type CheckAuthRequest struct {
	Account    string
	Height     uint32
	Digest     [32]byte
	Signatures rule.Signatures
	Contexts   []rule.Context
}

// ContextDecision reports which rule won one context.
type ContextDecision struct {
	RuleID       uint32 `json:"rule_id"`
	RuleName     string `json:"rule_name"`
	MatchedCount int    `json:"matched_count"`
}

// CheckAuthResult is returned on a fully authorized invocation.
type CheckAuthResult struct {
	InvocationID string            `json:"invocation_id"`
	Decisions    []ContextDecision `json:"decisions"`
}

// AuthService is the authorization engine. One CheckAuth call runs the
// whole pipeline: authenticate the supplied signatures, match every
// context against the account's rules, then enforce the winning rules'
// policies in a single state transaction.
type AuthService struct {
	rules      rule.Store
	policies   *policy.Registry
	verifiers  *verifier.Registry
	authorizer verifier.Authorizer
	states     policy.StateStore
	audit      *AuditService
	logger     *slog.Logger
	metrics    AuthMetrics
	tracer     trace.Tracer
}

// NewAuthService creates the authorization engine. The audit service may
// be nil; metrics may be nil, in which case observations are discarded.
func NewAuthService(
	rules rule.Store,
	policies *policy.Registry,
	verifiers *verifier.Registry,
	authorizer verifier.Authorizer,
	states policy.StateStore,
	auditSvc *AuditService,
	metrics AuthMetrics,
	logger *slog.Logger,
) *AuthService {
	if metrics == nil {
		metrics = NopAuthMetrics{}
	}
	return &AuthService{
		rules:      rules,
		policies:   policies,
		verifiers:  verifiers,
		authorizer: authorizer,
		states:     states,
		audit:      auditSvc,
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer("countersign/service"),
	}
}

// winner is a context with the rule that satisfied it.
type winner struct {
	context rule.Context
	rule    *rule.ContextRule
	matched []rule.Signer
}

// CheckAuth authorizes one invocation. Either every context finds a
// satisfied rule and every winning policy enforces, or the whole
// invocation fails and no policy state changes.
func (s *AuthService) CheckAuth(ctx context.Context, req CheckAuthRequest) (*CheckAuthResult, error) {
	start := time.Now()
	invocationID := uuid.NewString()

	ctx, span := s.tracer.Start(ctx, "check_auth", trace.WithAttributes(
		attribute.String("account", req.Account),
		attribute.Int("contexts", len(req.Contexts)),
		attribute.Int("signatures", len(req.Signatures)),
	))
	defer span.End()

	fail := func(err error) (*CheckAuthResult, error) {
		span.SetStatus(codes.Error, err.Error())
		s.metrics.CheckAuthCompleted("error", time.Since(start))
		s.publishCheckAuth(invocationID, req.Account, audit.ResultError, map[string]string{"error": err.Error()})
		s.logger.Info("authorization denied",
			"invocation_id", invocationID,
			"account", req.Account,
			"error", err,
		)
		return nil, err
	}

	authenticated, err := s.authenticate(ctx, req)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int("authenticated", len(authenticated)))

	// Matching reads policy state through a view transaction; nothing a
	// CanEnforce predicate does here can leak into stored state.
	winners := make([]winner, 0, len(req.Contexts))
	err = s.states.View(ctx, func(tx policy.StateTx) error {
		for _, c := range req.Contexts {
			w, err := s.matchContext(ctx, tx, req, c, authenticated)
			if err != nil {
				return err
			}
			winners = append(winners, *w)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	// Enforcement is all-or-nothing: every winning policy's side effects
	// commit together, or a single failure rolls them all back.
	err = s.states.Update(ctx, func(tx policy.StateTx) error {
		for _, w := range winners {
			preq := policy.Request{
				Account: req.Account,
				Height:  req.Height,
				Context: w.context,
				Rule:    w.rule,
				Matched: w.matched,
			}
			for _, ref := range w.rule.Policies {
				p, err := s.policies.Lookup(ref.ID)
				if err != nil {
					return err
				}
				if err := p.Enforce(ctx, tx, preq); err != nil {
					s.metrics.PolicyEnforced(ref.ID, "error")
					return err
				}
				s.metrics.PolicyEnforced(ref.ID, "ok")
			}
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	decisions := make([]ContextDecision, len(winners))
	for i, w := range winners {
		decisions[i] = ContextDecision{
			RuleID:       w.rule.ID,
			RuleName:     w.rule.Name,
			MatchedCount: len(w.matched),
		}
		s.metrics.RuleMatched(w.rule.Type.Key())
		for _, ref := range w.rule.Policies {
			s.publishPolicyEnforced(invocationID, req.Account, w.rule.ID, ref.ID)
		}
	}

	span.SetStatus(codes.Ok, "")
	s.metrics.CheckAuthCompleted("ok", time.Since(start))
	s.publishCheckAuth(invocationID, req.Account, audit.ResultOK, map[string]string{
		"contexts": fmt.Sprintf("%d", len(req.Contexts)),
	})
	s.logger.Info("authorization granted",
		"invocation_id", invocationID,
		"account", req.Account,
		"contexts", len(req.Contexts),
		"elapsed", time.Since(start),
	)

	return &CheckAuthResult{InvocationID: invocationID, Decisions: decisions}, nil
}

// authenticate resolves the supplied signatures into the set of signer
// keys that verified. Failed verifications are silently dropped; failures
// of the verification machinery itself abort the invocation.
func (s *AuthService) authenticate(ctx context.Context, req CheckAuthRequest) (map[string]struct{}, error) {
	authenticated := make(map[string]struct{}, len(req.Signatures))

	for _, entry := range req.Signatures {
		key := entry.Signer.Key()
		if _, done := authenticated[key]; done {
			continue
		}

		switch entry.Signer.Kind {
		case rule.SignerNative:
			ok, err := s.authorizer.Approved(ctx, entry.Signer.Identity, req.Digest)
			if err != nil {
				return nil, fmt.Errorf("%w: native approval for %q: %v", rule.ErrVerification, entry.Signer.Identity, err)
			}
			if ok {
				authenticated[key] = struct{}{}
			}

		case rule.SignerDelegated:
			v, err := s.verifiers.Lookup(entry.Signer.VerifierID)
			if err != nil {
				return nil, err
			}
			ok, err := v.Verify(ctx, req.Digest, entry.Signer.PublicKey, entry.Signature)
			if err != nil {
				return nil, fmt.Errorf("%w: verifier %s: %v", rule.ErrVerification, entry.Signer.VerifierID, err)
			}
			if ok {
				authenticated[key] = struct{}{}
			}

		default:
			return nil, fmt.Errorf("%w: unknown signer kind %q", rule.ErrVerification, entry.Signer.Kind)
		}
	}

	return authenticated, nil
}

// matchContext finds the first satisfied rule for one context. Candidates
// are the non-expired rules of the context's exact type, newest first,
// followed by the account's default rules, newest first.
func (s *AuthService) matchContext(
	ctx context.Context,
	tx policy.StateTx,
	req CheckAuthRequest,
	c rule.Context,
	authenticated map[string]struct{},
) (*winner, error) {
	exact := c.MatchType()
	candidates, err := s.rules.ListByType(ctx, req.Account, exact)
	if err != nil {
		return nil, err
	}
	if exact.Kind != rule.TypeDefault {
		defaults, err := s.rules.ListByType(ctx, req.Account, rule.DefaultType())
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, defaults...)
	}

	for _, r := range candidates {
		if r.Expired(req.Height) {
			continue
		}

		matched := make([]rule.Signer, 0, len(r.Signers))
		for _, signer := range r.Signers {
			if _, ok := authenticated[signer.Key()]; ok {
				matched = append(matched, signer)
			}
		}

		if len(r.Policies) == 0 {
			// No policies: every signer on the rule must have authenticated.
			if len(matched) == len(r.Signers) {
				return &winner{context: c, rule: r, matched: matched}, nil
			}
			continue
		}

		preq := policy.Request{
			Account: req.Account,
			Height:  req.Height,
			Context: c,
			Rule:    r,
			Matched: matched,
		}
		satisfied := true
		for _, ref := range r.Policies {
			p, err := s.policies.Lookup(ref.ID)
			if err != nil {
				s.logger.Warn("rule references unknown policy",
					"account", req.Account, "rule_id", r.ID, "policy", ref.ID)
				satisfied = false
				break
			}
			can, err := p.CanEnforce(ctx, tx, preq)
			if err != nil {
				// A failing predicate disqualifies this candidate but
				// does not abort the invocation; a later rule may match.
				s.logger.Debug("policy predicate failed",
					"account", req.Account, "rule_id", r.ID, "policy", ref.ID, "error", err)
				satisfied = false
				break
			}
			if !can {
				satisfied = false
				break
			}
		}
		if satisfied {
			return &winner{context: c, rule: r, matched: matched}, nil
		}
	}

	return nil, fmt.Errorf("%w: no rule satisfied for context %s", rule.ErrNoMatchingRule, c.MatchType().Key())
}

func (s *AuthService) publishCheckAuth(invocationID, account string, result string, detail map[string]string) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Kind:         audit.KindCheckAuth,
		Account:      account,
		InvocationID: invocationID,
		Result:       result,
		Detail:       detail,
	})
}

func (s *AuthService) publishPolicyEnforced(invocationID, account string, ruleID uint32, policyID string) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Kind:         audit.KindPolicyEnforced,
		Account:      account,
		InvocationID: invocationID,
		RuleID:       ruleID,
		PolicyID:     policyID,
		Result:       audit.ResultOK,
	})
}
