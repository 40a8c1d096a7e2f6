package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm.yaml", `
llm:
  providers:
    - name: "gpt4"
      api_key: "sk-from-include"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "llm.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.LLM.Providers) != 1 || cfg.LLM.Providers[0].APIKey != "sk-from-include" {
		t.Errorf("provider not loaded from include: %+v", cfg.LLM.Providers)
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, subdir, "gateway.yaml", `
gateway:
  fallback_policy: "local_only"
`)
	writeConfigFile(t, subdir, "compliance.yaml", `
compliance:
  enabled: true
  store_path: "/custom/compliance.db"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.FallbackPolicy != "local_only" {
		t.Errorf("FallbackPolicy = %q, want %q", cfg.Gateway.FallbackPolicy, "local_only")
	}
	if !cfg.Compliance.Enabled || cfg.Compliance.StorePath != "/custom/compliance.db" {
		t.Errorf("compliance not merged: %+v", cfg.Compliance)
	}
}

func TestIncludesMainConfigWins(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
logger:
  level: "debug"
supervisor:
  max_restarts: 9
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "base.yaml"
logger:
  level: "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The main config overrides includes; untouched keys come from the include.
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "warn")
	}
	if cfg.Supervisor.MaxRestarts != 9 {
		t.Errorf("MaxRestarts = %d, want 9 (from include)", cfg.Supervisor.MaxRestarts)
	}
}

func TestIncludesCircularDetected(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", `
includes:
  - "b.yaml"
`)
	writeConfigFile(t, dir, "b.yaml", `
includes:
  - "a.yaml"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "a.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected circular include error")
	}
	if !strings.Contains(err.Error(), "circular") {
		t.Errorf("error = %v, want circular include", err)
	}
}

func TestIncludesPathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "../outside.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected path escape error")
	}
	if !strings.Contains(err.Error(), "escapes") {
		t.Errorf("error = %v, want path escape", err)
	}
}
