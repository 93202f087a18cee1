package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	configContent := `
tree:
  root: /srv/plane/tree
  work_dir: /srv/plane/work
  state_dir: /srv/plane/state
  tier: prod

ledger:
  dir: /srv/plane/ledger

auth:
  mode: dev
  dev_role: maintainer

signing:
  keys:
    v1: local-dev-key
  active_key_id: v1

alerts:
  enabled: false
`

	tmpfile, err := os.CreateTemp("", "pakt-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(configContent)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tree.Root != "/srv/plane/tree" {
		t.Errorf("expected tree.root=/srv/plane/tree, got %s", cfg.Tree.Root)
	}
	if cfg.Tree.Tier != "prod" {
		t.Errorf("expected tier=prod, got %s", cfg.Tree.Tier)
	}
	if cfg.Auth.Mode != "dev" {
		t.Errorf("expected auth.mode=dev, got %s", cfg.Auth.Mode)
	}
	if cfg.Signing.Keys["v1"] != "local-dev-key" {
		t.Errorf("expected signing key v1, got %v", cfg.Signing.Keys)
	}
	if cfg.QuarantineRetention() != 168*time.Hour {
		t.Errorf("expected default retention 168h, got %s", cfg.QuarantineRetention())
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Tree: TreeConfig{
				Root:     "/tree",
				WorkDir:  "/work",
				StateDir: "/state",
			},
			Ledger: LedgerConfig{Dir: "/ledger"},
			Auth:   AuthConfig{Mode: "token", TokenSecret: "secret"},
			Signing: SigningConfig{
				Keys:        map[string]string{"v1": "key"},
				ActiveKeyID: "v1",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing tree root", func(c *Config) { c.Tree.Root = "" }, true},
		{"missing work dir", func(c *Config) { c.Tree.WorkDir = "" }, true},
		{"missing state dir", func(c *Config) { c.Tree.StateDir = "" }, true},
		{"missing ledger dir", func(c *Config) { c.Ledger.Dir = "" }, true},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "ldap" }, true},
		{"dev mode without role", func(c *Config) { c.Auth.Mode = "dev"; c.Auth.DevRole = "" }, true},
		{"token mode without secret", func(c *Config) { c.Auth.TokenSecret = "" }, true},
		{"keys without active id", func(c *Config) { c.Signing.ActiveKeyID = "" }, true},
		{"no keys without override", func(c *Config) { c.Signing.Keys = nil }, true},
		{"no keys with explicit override", func(c *Config) {
			c.Signing.Keys = nil
			c.Signing.ActiveKeyID = ""
			c.Signing.AllowUnsigned = true
		}, false},
		{"bad retention", func(c *Config) { c.Quarantine.Retention = "soon" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{
		Tree:    TreeConfig{Root: "/tree", WorkDir: "/work", StateDir: "/state"},
		Ledger:  LedgerConfig{Dir: "/ledger"},
		Auth:    AuthConfig{Mode: "token", TokenSecret: "secret"},
		Signing: SigningConfig{Keys: map[string]string{"v1": "key"}, ActiveKeyID: "v1"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Tree.Tier != "default" {
		t.Errorf("expected default tier, got %s", cfg.Tree.Tier)
	}
	if cfg.Quarantine.Retention != "168h" {
		t.Errorf("expected default retention, got %s", cfg.Quarantine.Retention)
	}
}
