package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const validConfig = `
listen:
  - address: "0.0.0.0:6432"
targets:
  primary:
    host: "127.0.0.1"
    port: 5432
    dbname: "app"
    username: "app_user"
    password: "s3cret"
auth:
  users:
    app_user:
      method: "scram-sha-256"
      password: "clientpass"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Listen) != 1 || cfg.Listen[0].Address != "0.0.0.0:6432" {
		t.Fatalf("unexpected listen entries: %+v", cfg.Listen)
	}
	target, ok := cfg.Targets["primary"]
	if !ok {
		t.Fatal("expected target \"primary\"")
	}
	if target.Host != "127.0.0.1" || target.Port != 5432 {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Mode != "transaction" {
		t.Fatalf("Pool.Mode = %q, want transaction", cfg.Pool.Mode)
	}
	if cfg.Pool.MinConnections == nil || *cfg.Pool.MinConnections != 2 {
		t.Fatalf("MinConnections = %v, want 2", cfg.Pool.MinConnections)
	}
	if cfg.Pool.ResetQuery != "DISCARD ALL" {
		t.Fatalf("ResetQuery = %q, want DISCARD ALL", cfg.Pool.ResetQuery)
	}
	if cfg.Limits.MaxMessageSize != 1<<20 {
		t.Fatalf("MaxMessageSize = %d, want %d", cfg.Limits.MaxMessageSize, 1<<20)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	body := validConfig + "\nbogus_top_level_key: true\n"
	path := writeTemp(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown top-level key to be rejected")
	} else if _, ok := err.(*InvalidError); !ok {
		t.Fatalf("expected *InvalidError, got %T: %v", err, err)
	}
}

func TestLoadRejectsMissingTargets(t *testing.T) {
	body := `
listen:
  - address: "0.0.0.0:6432"
targets: {}
`
	path := writeTemp(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected missing targets to be rejected")
	}
}

func TestLoadRejectsBadPoolMode(t *testing.T) {
	body := validConfig + "\npool:\n  mode: \"bogus\"\n"
	path := writeTemp(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid pool mode to be rejected")
	}
}

func TestLoadRejectsUnsupportedAuthMethod(t *testing.T) {
	body := `
listen:
  - address: "0.0.0.0:6432"
targets:
  primary:
    host: "127.0.0.1"
    port: 5432
    dbname: "app"
    username: "app_user"
auth:
  users:
    app_user:
      method: "trust"
`
	path := writeTemp(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unsupported auth method to be rejected")
	}
}

func TestEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "from-env")
	body := `
listen:
  - address: "0.0.0.0:6432"
targets:
  primary:
    host: "127.0.0.1"
    port: 5432
    dbname: "app"
    username: "app_user"
    password: "${TEST_DB_PASSWORD}"
`
	path := writeTemp(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Targets["primary"].Password != "from-env" {
		t.Fatalf("Password = %q, want from-env", cfg.Targets["primary"].Password)
	}
}

func TestTargetEffectiveMergesOverrides(t *testing.T) {
	defaults := PoolDefaults{
		Mode:           "transaction",
		MinConnections: intPtr(2),
		MaxConnections: intPtr(20),
		ResetQuery:     "DISCARD ALL",
	}
	tc := TargetConfig{
		Pool: PoolDefaults{
			Mode:           "session",
			MaxConnections: intPtr(5),
		},
	}
	eff := tc.Effective(defaults)
	if eff.Mode != "session" {
		t.Fatalf("Mode = %q, want session (override)", eff.Mode)
	}
	if *eff.MaxConnections != 5 {
		t.Fatalf("MaxConnections = %d, want 5 (override)", *eff.MaxConnections)
	}
	if *eff.MinConnections != 2 {
		t.Fatalf("MinConnections = %d, want 2 (fallback)", *eff.MinConnections)
	}
	if eff.ResetQuery != "DISCARD ALL" {
		t.Fatalf("ResetQuery = %q, want fallback DISCARD ALL", eff.ResetQuery)
	}
}

func TestTargetConfigRedactedMasksPassword(t *testing.T) {
	tc := TargetConfig{Password: "s3cret"}
	r := tc.Redacted()
	if r.Password != "***REDACTED***" {
		t.Fatalf("Redacted password = %q", r.Password)
	}
	if tc.Password != "s3cret" {
		t.Fatal("Redacted must not mutate the receiver")
	}
}
