// Package rule contains the domain model for context rules: the scoped
// authorization requirements an account attaches to classes of invocations.
package rule

import (
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Limits on the shape of an account's rule set.
const (
	// MaxSigners is the maximum number of signers a single rule may hold.
	MaxSigners = 15
	// MaxPolicies is the maximum number of policies a single rule may hold.
	MaxPolicies = 5
	// MaxContextRules is the maximum number of rules an account may hold.
	MaxContextRules = 15
)

// TypeKind discriminates the class of invocation a rule applies to.
type TypeKind string

const (
	// TypeDefault matches any context when no type-specific rule is satisfied first.
	TypeDefault TypeKind = "default"
	// TypeCallTarget matches call contexts against a specific target.
	TypeCallTarget TypeKind = "call_target"
	// TypeDeployTarget matches deploy contexts.
	TypeDeployTarget TypeKind = "deploy_target"
)

// Type identifies the class of invocation a rule applies to.
// CallTarget rules carry the target identity they are scoped to.
type Type struct {
	Kind   TypeKind `json:"kind"`
	Target string   `json:"target,omitempty"`
}

// DefaultType returns the type matching any context.
func DefaultType() Type { return Type{Kind: TypeDefault} }

// CallTargetType returns the type scoped to calls on the given target.
func CallTargetType(target string) Type {
	return Type{Kind: TypeCallTarget, Target: target}
}

// DeployTargetType returns the type scoped to deploy contexts.
func DeployTargetType() Type { return Type{Kind: TypeDeployTarget} }

// Key returns a stable string form usable as an index key.
func (t Type) Key() string {
	if t.Kind == TypeCallTarget {
		return string(t.Kind) + ":" + t.Target
	}
	return string(t.Kind)
}

// SignerKind discriminates how a signer's approval is established.
type SignerKind string

const (
	// SignerNative is approved by the platform's own identity predicate.
	SignerNative SignerKind = "native"
	// SignerDelegated is approved by a registered verifier over key material.
	SignerDelegated SignerKind = "delegated"
)

// Signer is a party whose approval can count toward a rule.
// Native signers name a platform identity; delegated signers carry the
// verifier that judges their signatures and the public key it verifies
// against. Equality is structural.
type Signer struct {
	Kind       SignerKind `json:"kind"`
	Identity   string     `json:"identity,omitempty"`
	VerifierID string     `json:"verifier_id,omitempty"`
	PublicKey  []byte     `json:"public_key,omitempty"`
}

// NativeSigner returns a signer approved by the platform identity predicate.
func NativeSigner(identity string) Signer {
	return Signer{Kind: SignerNative, Identity: identity}
}

// DelegatedSigner returns a signer approved by the named verifier.
func DelegatedSigner(verifierID string, publicKey []byte) Signer {
	return Signer{Kind: SignerDelegated, VerifierID: verifierID, PublicKey: publicKey}
}

// Key returns a stable string form implementing structural equality,
// usable as a map key.
func (s Signer) Key() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	b.WriteByte('|')
	b.WriteString(s.Identity)
	b.WriteByte('|')
	b.WriteString(s.VerifierID)
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(s.PublicKey))
	return b.String()
}

// Equal reports structural equality with other.
func (s Signer) Equal(other Signer) bool {
	return s.Key() == other.Key()
}

// PolicyRef attaches a policy to a rule together with its install parameter.
// The parameter is opaque to the engine; the policy implementation decodes it.
type PolicyRef struct {
	ID    string          `json:"id"`
	Param json.RawMessage `json:"param,omitempty"`
}

// ContextRule binds signers and policies to a class of invocations.
// IDs are assigned monotonically per account and never reused.
type ContextRule struct {
	ID         uint32      `json:"id"`
	Name       string      `json:"name"`
	Type       Type        `json:"type"`
	ValidUntil *uint32     `json:"valid_until,omitempty"`
	Signers    []Signer    `json:"signers,omitempty"`
	Policies   []PolicyRef `json:"policies,omitempty"`
}

// Expired reports whether the rule is past its validity horizon at the
// given ledger height. Rules without ValidUntil never expire.
func (r *ContextRule) Expired(height uint32) bool {
	return r.ValidUntil != nil && *r.ValidUntil < height
}

// HasSigner reports whether the rule holds a structurally equal signer.
func (r *ContextRule) HasSigner(s Signer) bool {
	for _, existing := range r.Signers {
		if existing.Equal(s) {
			return true
		}
	}
	return false
}

// HasPolicy reports whether the rule references the given policy.
func (r *ContextRule) HasPolicy(policyID string) bool {
	for _, ref := range r.Policies {
		if ref.ID == policyID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the rule.
func (r *ContextRule) Clone() *ContextRule {
	c := &ContextRule{
		ID:   r.ID,
		Name: r.Name,
		Type: r.Type,
	}
	if r.ValidUntil != nil {
		v := *r.ValidUntil
		c.ValidUntil = &v
	}
	if len(r.Signers) > 0 {
		c.Signers = make([]Signer, len(r.Signers))
		for i, s := range r.Signers {
			c.Signers[i] = s
			if len(s.PublicKey) > 0 {
				c.Signers[i].PublicKey = append([]byte(nil), s.PublicKey...)
			}
		}
	}
	if len(r.Policies) > 0 {
		c.Policies = make([]PolicyRef, len(r.Policies))
		for i, p := range r.Policies {
			c.Policies[i] = PolicyRef{ID: p.ID}
			if len(p.Param) > 0 {
				c.Policies[i].Param = append(json.RawMessage(nil), p.Param...)
			}
		}
	}
	return c
}

// ContextKind discriminates the class of an invocation context.
type ContextKind string

const (
	// ContextCall is an invocation of a function on a target.
	ContextCall ContextKind = "call"
	// ContextDeploy is a deployment of code identified by hash.
	ContextDeploy ContextKind = "deploy"
)

// Context describes one element of the invocation the engine is asked to
// authorize. Contexts are ephemeral: built per invocation, never stored.
type Context struct {
	Kind   ContextKind    `json:"kind"`
	Call   *CallContext   `json:"call,omitempty"`
	Deploy *DeployContext `json:"deploy,omitempty"`
}

// CallContext describes a function invocation on a target.
type CallContext struct {
	Target   string            `json:"target"`
	Function string            `json:"function"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

// DeployContext describes a code deployment.
type DeployContext struct {
	CodeHash []byte `json:"code_hash"`
}

// MatchType returns the rule type a context matches exactly.
// Default rules additionally match every context.
func (c Context) MatchType() Type {
	switch c.Kind {
	case ContextCall:
		if c.Call != nil {
			return CallTargetType(c.Call.Target)
		}
	case ContextDeploy:
		return DeployTargetType()
	}
	return DefaultType()
}

// SignedEntry pairs a signer with the signature material supplied for it.
type SignedEntry struct {
	Signer    Signer `json:"signer"`
	Signature []byte `json:"signature"`
}

// Signatures is the per-invocation bundle of supplied credentials.
// Ephemeral, consumed once during authentication.
type Signatures []SignedEntry
