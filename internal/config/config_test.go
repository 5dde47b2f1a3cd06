package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromYAMLValidates(t *testing.T) {
	_, err := FromYAML([]byte("panel:\n  id: \"\"\n"))
	if err == nil {
		t.Fatalf("expected error for missing panel id")
	}

	cfg, err := FromYAML([]byte(`
panel:
  id: panel-1
guardrails:
  enabled: true
  allowlist:
    - owner: acme
      repo: widgets
      branch: main
  required_config:
    deploy:
      - DEPLOY_TOKEN_ENV
`))
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if !cfg.Guardrails.Enabled || len(cfg.Guardrails.Allowlist) != 1 {
		t.Fatalf("cfg = %+v", cfg.Guardrails)
	}
	if got := cfg.Guardrails.RequiredConfig["deploy"]; len(got) != 1 || got[0] != "DEPLOY_TOKEN_ENV" {
		t.Fatalf("required_config = %v", cfg.Guardrails.RequiredConfig)
	}
}

func TestFromYAMLRejectsBadAllowlist(t *testing.T) {
	_, err := FromYAML([]byte(`
panel:
  id: panel-1
guardrails:
  allowlist:
    - branch: main
`))
	if err == nil {
		t.Fatalf("expected error for allowlist entry without owner/repo")
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("got %v, %v; want nil, nil", cfg, err)
	}
}

func TestDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateline.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault("panel-1")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Panel.ID != "panel-1" {
		t.Fatalf("panel id = %q", cfg.Panel.ID)
	}
}
