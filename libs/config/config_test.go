package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "abuse")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "abuse" {
		t.Fatalf("expected service name abuse, got %q", cfg.ServiceName)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ReadTimeout != 5*time.Second {
		t.Fatalf("expected 5s read timeout, got %v", cfg.HTTP.ReadTimeout)
	}
	if !cfg.IsLocal() {
		t.Fatalf("expected dev env to be local")
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("env: prod\nlog_level: debug\nhttp:\n  port: 9090\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ARTVAULT_LOG_LEVEL", "warn")

	cfg, err := Load(path, "abuse")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "prod" || cfg.IsLocal() {
		t.Fatalf("expected prod env, got %q", cfg.Env)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env override warn, got %q", cfg.LogLevel)
	}
}
