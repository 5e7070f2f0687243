package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Scheduler.PollInterval != 2*time.Second {
		t.Errorf("expected poll_interval 2s, got %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.ErrorBackoff != 5*time.Second {
		t.Errorf("expected error_backoff 5s, got %v", cfg.Scheduler.ErrorBackoff)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("expected max_iterations 20, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.HistoryLimit != 20 {
		t.Errorf("expected history_limit 20, got %d", cfg.Agent.HistoryLimit)
	}
	if cfg.Agent.ProviderAttempts != 3 {
		t.Errorf("expected provider_attempts 3, got %d", cfg.Agent.ProviderAttempts)
	}
	if cfg.Agent.ProviderBackoff != time.Second {
		t.Errorf("expected provider_backoff 1s, got %v", cfg.Agent.ProviderBackoff)
	}
	if cfg.Dedup.FreshnessWindow != 24*time.Hour {
		t.Errorf("expected freshness_window 24h, got %v", cfg.Dedup.FreshnessWindow)
	}
	if cfg.Dedup.RetryDelay != 30*time.Minute {
		t.Errorf("expected retry_delay 30m, got %v", cfg.Dedup.RetryDelay)
	}
	if cfg.Dedup.FailureThreshold != 3 {
		t.Errorf("expected failure_threshold 3, got %d", cfg.Dedup.FailureThreshold)
	}
	if cfg.Store.Path != "data/phalanx.db" {
		t.Errorf("expected store path data/phalanx.db, got %s", cfg.Store.Path)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("PHALANX_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("PHALANX_STORE_PATH", "/tmp/x.db")
	t.Setenv("PHALANX_POLL_INTERVAL", "500ms")
	t.Setenv("PHALANX_MAX_ITERATIONS", "7")
	t.Setenv("OPENAI_API_KEY", "sk-test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Path != "/tmp/x.db" {
		t.Errorf("expected store path /tmp/x.db, got %s", cfg.Store.Path)
	}
	if cfg.Scheduler.PollInterval != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("expected max_iterations 7, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Provider.APIKey != "sk-test-key" {
		t.Errorf("expected api key sk-test-key, got %s", cfg.Provider.APIKey)
	}
	// Untouched values keep their defaults
	if cfg.Dedup.FailureThreshold != 3 {
		t.Errorf("expected failure_threshold 3, got %d", cfg.Dedup.FailureThreshold)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
scheduler:
  poll_interval: 10s
agent:
  model: "${TEST_PHALANX_MODEL}"
  max_iterations: 5
dedup:
  retry_delay: 1m
  strict_tools: [nmap, whois]
  always_retry_tools: [shell]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PHALANX_CONFIG", cfgPath)
	t.Setenv("TEST_PHALANX_MODEL", "local-model")
	t.Setenv("PHALANX_MODEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Scheduler.PollInterval != 10*time.Second {
		t.Errorf("expected poll interval 10s, got %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Agent.Model != "local-model" {
		t.Errorf("expected expanded model local-model, got %s", cfg.Agent.Model)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("expected max_iterations 5, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Dedup.RetryDelay != time.Minute {
		t.Errorf("expected retry_delay 1m, got %v", cfg.Dedup.RetryDelay)
	}
	if len(cfg.Dedup.StrictTools) != 2 {
		t.Errorf("expected 2 strict tools, got %d", len(cfg.Dedup.StrictTools))
	}
	// Defaults survive partial files
	if cfg.Scheduler.ErrorBackoff != 5*time.Second {
		t.Errorf("expected error_backoff 5s, got %v", cfg.Scheduler.ErrorBackoff)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scheduler: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PHALANX_CONFIG", cfgPath)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNATSClientURL(t *testing.T) {
	c := NATSConfig{Port: 4300}
	if got := c.ClientURL(); got != "nats://127.0.0.1:4300" {
		t.Errorf("expected nats://127.0.0.1:4300, got %s", got)
	}
	c.URL = "nats://daemon:4222"
	if got := c.ClientURL(); got != "nats://daemon:4222" {
		t.Errorf("expected explicit url, got %s", got)
	}
}
