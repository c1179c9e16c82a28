package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Detector.ZThreshold != 3.0 {
		t.Fatalf("expected default z threshold 3.0, got %v", cfg.Detector.ZThreshold)
	}
	if cfg.Trainer.MinLabels != 10 {
		t.Fatalf("expected default min labels 10, got %d", cfg.Trainer.MinLabels)
	}
	if cfg.Grouper.QuietPeriod != 10*time.Minute {
		t.Fatalf("expected default quiet period 10m, got %v", cfg.Grouper.QuietPeriod)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`server:
  address: ":9999"
detector:
  zThreshold: 2.5
ranker:
  runTimeout: 30s
`)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MIRADOR_CAUSAL_Z_THRESHOLD", "4.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9999" {
		t.Fatalf("file override lost: %s", cfg.Server.Address)
	}
	if cfg.Ranker.RunTimeout != 30*time.Second {
		t.Fatalf("expected 30s run timeout, got %v", cfg.Ranker.RunTimeout)
	}
	// Env wins over file.
	if cfg.Detector.ZThreshold != 4.5 {
		t.Fatalf("env override lost: %v", cfg.Detector.ZThreshold)
	}
}

func TestLoadDurationForms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`detector:
  evalWindow: 90s
grouper:
  quietPeriod: 600000000000
`)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Detector.EvalWindow != 90*time.Second {
		t.Fatalf("duration string not parsed: %v", cfg.Detector.EvalWindow)
	}
	if cfg.Grouper.QuietPeriod != 10*time.Minute {
		t.Fatalf("nanosecond integer not parsed: %v", cfg.Grouper.QuietPeriod)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Detector.MinPoints != 10 {
		t.Fatalf("partial section clobbered defaults: %d", cfg.Detector.MinPoints)
	}
	if cfg.Detector.BadDirections["error_rate"] != "up" {
		t.Fatalf("partial section clobbered bad directions: %v", cfg.Detector.BadDirections)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  gracefulTimeout: soon\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Detector.EvalWindow != 5*time.Minute {
		t.Fatalf("unexpected eval window: %v", cfg.Detector.EvalWindow)
	}
	if cfg.Features.RiskKeywordsPath == "" {
		t.Fatalf("shipped config should point at the keyword pack")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
