package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	t.Setenv("SCHEDULERD_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.AckTimeoutSeconds != 5 {
		t.Fatalf("expected default ack timeout 5, got %d", cfg.Dispatch.AckTimeoutSeconds)
	}
	if cfg.Session.WindowSize != 64 {
		t.Fatalf("expected default window size 64, got %d", cfg.Session.WindowSize)
	}
	if cfg.Session.WorkerGracePeriodSeconds != 120 {
		t.Fatalf("expected fixed grace period 120, got %d", cfg.Session.WorkerGracePeriodSeconds)
	}
}

func TestLoadReadsYAMLFileAndNormalizesPartialConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SCHEDULERD_HOME", home)
	yamlBody := "bindAddr: \"0.0.0.0:9090\"\ndispatch:\n  maxAttempts: 3\n"
	if err := os.WriteFile(filepath.Join(home, fileName), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9090" {
		t.Fatalf("expected overridden bindAddr, got %q", cfg.BindAddr)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Fatalf("expected overridden maxAttempts 3, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.AckTimeoutSeconds != 5 {
		t.Fatalf("expected default ackTimeoutSeconds to fill in, got %d", cfg.Dispatch.AckTimeoutSeconds)
	}
}

func TestLoadRejectsUnknownWorkerStrategy(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SCHEDULERD_HOME", home)
	yamlBody := "dispatch:\n  workerStrategy: \"bogus\"\n"
	if err := os.WriteFile(filepath.Join(home, fileName), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unknown worker strategy")
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SCHEDULERD_HOME", home)
	t.Setenv("SCHEDULERD_BIND_ADDR", "127.0.0.1:7777")
	yamlBody := "bindAddr: \"0.0.0.0:9090\"\n"
	if err := os.WriteFile(filepath.Join(home, fileName), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("expected env override to win, got %q", cfg.BindAddr)
	}
}

func TestFingerprintChangesWithTunables(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical configs to have identical fingerprints")
	}
	b.Dispatch.AckTimeoutSeconds = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected differing ack timeout to change the fingerprint")
	}
}
