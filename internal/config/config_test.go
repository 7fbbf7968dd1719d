package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "memory")
	}
	if cfg.Audit.Output != "stdout" {
		t.Errorf("Audit.Output = %q, want %q", cfg.Audit.Output, "stdout")
	}
	if cfg.Audit.ChannelSize != 1000 {
		t.Errorf("Audit.ChannelSize = %d, want 1000", cfg.Audit.ChannelSize)
	}
	if cfg.Audit.WarningThreshold != 80 {
		t.Errorf("Audit.WarningThreshold = %d, want 80", cfg.Audit.WarningThreshold)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server: ServerConfig{HTTPAddr: ":9090", LogLevel: "warn"},
		Store:  StoreConfig{Driver: "sqlite", DSN: "countersign.db"},
		Audit:  AuditConfig{Output: "file:///var/log/countersign", BatchSize: 10},
	}

	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr was overwritten: got %q, want %q", cfg.Server.HTTPAddr, ":9090")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver was overwritten: got %q", cfg.Store.Driver)
	}
	if cfg.Audit.Output != "file:///var/log/countersign" {
		t.Errorf("Audit.Output was overwritten: got %q", cfg.Audit.Output)
	}
	if cfg.Audit.BatchSize != 10 {
		t.Errorf("Audit.BatchSize was overwritten: got %d, want 10", cfg.Audit.BatchSize)
	}
}

func TestConfig_SetDevDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("dev LogLevel = %q, want %q", cfg.Server.LogLevel, "debug")
	}
	if len(cfg.Auth.AdminKeys) != 1 || cfg.Auth.AdminKeys[0].Account != "dev" {
		t.Errorf("dev admin keys = %+v, want one for account dev", cfg.Auth.AdminKeys)
	}

	// Dev defaults do nothing when dev mode is off.
	var prod Config
	prod.SetDefaults()
	prod.SetDevDefaults()
	if len(prod.Auth.AdminKeys) != 0 {
		t.Error("SetDevDefaults() should be a no-op without DevMode")
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "countersign.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_addr: :9090\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if found := findConfigFileInPaths([]string{t.TempDir(), dir}); found != path {
		t.Errorf("findConfigFileInPaths() = %q, want %q", found, path)
	}
	if found := findConfigFileInPaths([]string{t.TempDir()}); found != "" {
		t.Errorf("findConfigFileInPaths() = %q, want empty", found)
	}
}

func TestLoadSeedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	doc := `accounts:
  - account: treasury
    rules:
      - name: capped-transfers
        type:
          kind: call_target
          target: token
        valid_until: 5000
        signers:
          - kind: native
            identity: alice
          - kind: delegated
            verifier_id: ed25519
            public_key: "deadbeef"
        policies:
          - id: spending-limit
            param:
              limit: 1000
              period_ledgers: 100
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	seed, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("LoadSeedFile() error = %v", err)
	}
	if len(seed.Accounts) != 1 || seed.Accounts[0].Account != "treasury" {
		t.Fatalf("accounts = %+v", seed.Accounts)
	}

	r, err := seed.Accounts[0].Rules[0].ToRule()
	if err != nil {
		t.Fatalf("ToRule() error = %v", err)
	}
	if r.Type.Target != "token" {
		t.Errorf("type target = %q, want token", r.Type.Target)
	}
	if r.ValidUntil == nil || *r.ValidUntil != 5000 {
		t.Errorf("valid_until = %v, want 5000", r.ValidUntil)
	}
	if len(r.Signers) != 2 || len(r.Signers[1].PublicKey) != 4 {
		t.Errorf("signers = %+v", r.Signers)
	}
	if len(r.Policies) != 1 || r.Policies[0].ID != "spending-limit" {
		t.Fatalf("policies = %+v", r.Policies)
	}
	if string(r.Policies[0].Param) != `{"limit":1000,"period_ledgers":100}` {
		t.Errorf("param = %s", r.Policies[0].Param)
	}
}

func TestSeedRuleConversionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   SeedRule
	}{
		{"unknown type kind", SeedRule{Name: "r", Type: SeedType{Kind: "bogus"}}},
		{"call_target without target", SeedRule{Name: "r", Type: SeedType{Kind: "call_target"}}},
		{"unknown signer kind", SeedRule{Name: "r", Signers: []SeedSigner{{Kind: "bogus"}}}},
		{"native without identity", SeedRule{Name: "r", Signers: []SeedSigner{{Kind: "native"}}}},
		{"bad public key hex", SeedRule{Name: "r", Signers: []SeedSigner{{Kind: "delegated", VerifierID: "ed25519", PublicKey: "zz"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := tt.in.ToRule(); err == nil {
				t.Error("ToRule() should fail")
			}
		})
	}
}
