package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// SeedFile is a YAML document of context rules to install at boot.
// Seeding is idempotent per account: accounts that already hold rules are
// skipped so restarts do not duplicate state.
type SeedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// SeedAccount holds the seed rules of one account.
type SeedAccount struct {
	Account string     `yaml:"account"`
	Rules   []SeedRule `yaml:"rules"`
}

// SeedRule is the YAML shape of one context rule.
type SeedRule struct {
	Name       string       `yaml:"name"`
	Type       SeedType     `yaml:"type"`
	ValidUntil *uint32      `yaml:"valid_until"`
	Signers    []SeedSigner `yaml:"signers"`
	Policies   []SeedPolicy `yaml:"policies"`
}

// SeedType is the YAML shape of a rule type.
type SeedType struct {
	Kind   string `yaml:"kind"`
	Target string `yaml:"target"`
}

// SeedSigner is the YAML shape of a signer. Public keys are hex-encoded.
type SeedSigner struct {
	Kind       string `yaml:"kind"`
	Identity   string `yaml:"identity"`
	VerifierID string `yaml:"verifier_id"`
	PublicKey  string `yaml:"public_key"`
}

// SeedPolicy is the YAML shape of a policy attachment. Param is arbitrary
// YAML, re-encoded as JSON for the policy's install parameter.
type SeedPolicy struct {
	ID    string `yaml:"id"`
	Param any    `yaml:"param"`
}

// LoadSeedFile parses the seed rules document at path.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &seed, nil
}

// ToRule converts the YAML shape into the domain shape.
func (s SeedRule) ToRule() (*rule.ContextRule, error) {
	r := &rule.ContextRule{
		Name:       s.Name,
		ValidUntil: s.ValidUntil,
	}

	switch rule.TypeKind(s.Type.Kind) {
	case rule.TypeDefault, "":
		r.Type = rule.DefaultType()
	case rule.TypeCallTarget:
		if s.Type.Target == "" {
			return nil, fmt.Errorf("rule %q: call_target type requires a target", s.Name)
		}
		r.Type = rule.CallTargetType(s.Type.Target)
	case rule.TypeDeployTarget:
		r.Type = rule.DeployTargetType()
	default:
		return nil, fmt.Errorf("rule %q: unknown type kind %q", s.Name, s.Type.Kind)
	}

	for _, signer := range s.Signers {
		converted, err := signer.toSigner()
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", s.Name, err)
		}
		r.Signers = append(r.Signers, converted)
	}

	for _, p := range s.Policies {
		ref := rule.PolicyRef{ID: p.ID}
		if p.Param != nil {
			param, err := json.Marshal(p.Param)
			if err != nil {
				return nil, fmt.Errorf("rule %q: encode param for policy %s: %w", s.Name, p.ID, err)
			}
			ref.Param = param
		}
		r.Policies = append(r.Policies, ref)
	}

	return r, nil
}

func (s SeedSigner) toSigner() (rule.Signer, error) {
	switch rule.SignerKind(s.Kind) {
	case rule.SignerNative:
		if s.Identity == "" {
			return rule.Signer{}, fmt.Errorf("native signer requires an identity")
		}
		return rule.NativeSigner(s.Identity), nil
	case rule.SignerDelegated:
		if s.VerifierID == "" {
			return rule.Signer{}, fmt.Errorf("delegated signer requires a verifier_id")
		}
		key, err := hex.DecodeString(s.PublicKey)
		if err != nil {
			return rule.Signer{}, fmt.Errorf("decode public key: %w", err)
		}
		return rule.DelegatedSigner(s.VerifierID, key), nil
	default:
		return rule.Signer{}, fmt.Errorf("unknown signer kind %q", s.Kind)
	}
}
