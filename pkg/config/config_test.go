package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("default port: got %q", cfg.Port)
	}
	if cfg.Archive.Backend != "memory" {
		t.Fatalf("default archive backend: got %q", cfg.Archive.Backend)
	}
	if cfg.DefaultBudget.MaxCycles != 50 {
		t.Fatalf("default max cycles: got %d", cfg.DefaultBudget.MaxCycles)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONVERGE_PORT", "9090")
	t.Setenv("CONVERGE_LOG_LEVEL", "debug")
	t.Setenv("CONVERGE_DETERMINISTIC", "true")
	t.Setenv("CONVERGE_RATE_RPS", "7")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("port: got %q", cfg.Port)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("log level: got %v", cfg.SlogLevel())
	}
	if !cfg.Deterministic {
		t.Fatal("expected deterministic mode")
	}
	if cfg.RateRPS != 7 {
		t.Fatalf("rate rps: got %d", cfg.RateRPS)
	}
	if cfg.Addr() != ":9090" {
		t.Fatalf("addr: got %q", cfg.Addr())
	}
}

func TestLoadFileLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	profile := `
port: "7070"
log_level: warn
default_budget:
  max_cycles: 5
  max_facts: 100
archive:
  backend: s3
  bucket: converge-snapshots
  endpoint: http://localhost:9000
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}

	// Environment still wins over the profile.
	t.Setenv("CONVERGE_PORT", "6060")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "6060" {
		t.Fatalf("env should override profile port, got %q", cfg.Port)
	}
	if cfg.SlogLevel() != slog.LevelWarn {
		t.Fatalf("log level: got %v", cfg.SlogLevel())
	}
	if cfg.DefaultBudget.MaxCycles != 5 || cfg.DefaultBudget.MaxFacts != 100 {
		t.Fatalf("budget not layered: %+v", cfg.DefaultBudget)
	}
	if cfg.Archive.Backend != "s3" || cfg.Archive.Bucket != "converge-snapshots" {
		t.Fatalf("archive not layered: %+v", cfg.Archive)
	}
}

func TestLoadFileValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("archive:\n  backend: s3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error for s3 backend without bucket")
	}

	if err := os.WriteFile(path, []byte("archive:\n  backend: tape\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing profile")
	}
}
