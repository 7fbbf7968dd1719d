package rule

import (
	"encoding/json"
	"testing"
)

func TestContextRuleExpired(t *testing.T) {
	t.Parallel()

	until := func(v uint32) *uint32 { return &v }

	tests := []struct {
		name       string
		validUntil *uint32
		height     uint32
		want       bool
	}{
		{"no horizon never expires", nil, 4_000_000, false},
		{"horizon in future", until(100), 50, false},
		{"horizon at current height", until(100), 100, false},
		{"horizon passed", until(100), 101, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &ContextRule{ID: 1, ValidUntil: tt.validUntil}
			if got := r.Expired(tt.height); got != tt.want {
				t.Errorf("Expired(%d) = %v, want %v", tt.height, got, tt.want)
			}
		})
	}
}

func TestContextMatchType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  Context
		want Type
	}{
		{
			"call maps to call_target with target",
			Context{Kind: ContextCall, Call: &CallContext{Target: "vault-1", Function: "transfer"}},
			CallTargetType("vault-1"),
		},
		{
			"deploy maps to deploy_target",
			Context{Kind: ContextDeploy, Deploy: &DeployContext{CodeHash: []byte{0x01}}},
			DeployTargetType(),
		},
		{
			"malformed call falls back to default",
			Context{Kind: ContextCall},
			DefaultType(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.ctx.MatchType(); got != tt.want {
				t.Errorf("MatchType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignerEquality(t *testing.T) {
	t.Parallel()

	key := []byte{0xAA, 0xBB, 0xCC}

	tests := []struct {
		name string
		a, b Signer
		want bool
	}{
		{"same native identity", NativeSigner("alice"), NativeSigner("alice"), true},
		{"different native identity", NativeSigner("alice"), NativeSigner("bob"), false},
		{"same delegated signer", DelegatedSigner("ed25519", key), DelegatedSigner("ed25519", []byte{0xAA, 0xBB, 0xCC}), true},
		{"different verifier", DelegatedSigner("ed25519", key), DelegatedSigner("webauthn", key), false},
		{"different key", DelegatedSigner("ed25519", key), DelegatedSigner("ed25519", []byte{0x01}), false},
		{"native vs delegated", NativeSigner("alice"), DelegatedSigner("ed25519", key), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContextRuleClone(t *testing.T) {
	t.Parallel()

	until := uint32(500)
	orig := &ContextRule{
		ID:         7,
		Name:       "treasury",
		Type:       CallTargetType("vault-1"),
		ValidUntil: &until,
		Signers: []Signer{
			NativeSigner("alice"),
			DelegatedSigner("ed25519", []byte{0x01, 0x02}),
		},
		Policies: []PolicyRef{
			{ID: "simple-threshold", Param: json.RawMessage(`{"threshold":2}`)},
		},
	}

	c := orig.Clone()

	// Mutating the clone must not affect the original.
	c.Name = "changed"
	*c.ValidUntil = 999
	c.Signers[1].PublicKey[0] = 0xFF
	c.Policies[0].Param[0] = 'X'

	if orig.Name != "treasury" {
		t.Error("clone shares Name with original")
	}
	if *orig.ValidUntil != 500 {
		t.Error("clone shares ValidUntil with original")
	}
	if orig.Signers[1].PublicKey[0] != 0x01 {
		t.Error("clone shares signer key material with original")
	}
	if orig.Policies[0].Param[0] != '{' {
		t.Error("clone shares policy params with original")
	}
}

func TestRuleHasSignerAndPolicy(t *testing.T) {
	t.Parallel()

	r := &ContextRule{
		Signers:  []Signer{NativeSigner("alice")},
		Policies: []PolicyRef{{ID: "spending-limit"}},
	}

	if !r.HasSigner(NativeSigner("alice")) {
		t.Error("expected HasSigner(alice) = true")
	}
	if r.HasSigner(NativeSigner("bob")) {
		t.Error("expected HasSigner(bob) = false")
	}
	if !r.HasPolicy("spending-limit") {
		t.Error("expected HasPolicy(spending-limit) = true")
	}
	if r.HasPolicy("simple-threshold") {
		t.Error("expected HasPolicy(simple-threshold) = false")
	}
}
