package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.DebounceWindow != DefaultDebounceWindow {
		t.Errorf("debounce window = %v, want default %v", cfg.Sync.DebounceWindow, DefaultDebounceWindow)
	}
	if cfg.Relay.MaxRetries != DefaultRelayMaxRetries {
		t.Errorf("relay max retries = %d, want default %d", cfg.Relay.MaxRetries, DefaultRelayMaxRetries)
	}
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
gateway:
  base_url: https://records.example.com
sync:
  debounce_window: 150ms
relay:
  max_retries: 3
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.BaseURL != "https://records.example.com" {
		t.Errorf("gateway base url = %q", cfg.Gateway.BaseURL)
	}
	if cfg.Sync.DebounceWindow != 150*time.Millisecond {
		t.Errorf("debounce window = %v, want 150ms", cfg.Sync.DebounceWindow)
	}
	if cfg.Relay.MaxRetries != 3 {
		t.Errorf("relay max retries = %d, want 3", cfg.Relay.MaxRetries)
	}
	if cfg.Sync.PollInterval != DefaultPollInterval {
		t.Errorf("poll interval = %v, want default", cfg.Sync.PollInterval)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  token: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLANRUN_GATEWAY_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "from-env" {
		t.Errorf("gateway token = %q, want env override", cfg.Gateway.Token)
	}
}

func TestValidateRejectsInvertedWindows(t *testing.T) {
	cfg := Default()
	cfg.Sync.DebounceWindow = 10 * time.Second
	cfg.Sync.PollInterval = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for debounce >= poll interval")
	}

	cfg = Default()
	cfg.Relay.BackoffBase = time.Minute
	cfg.Relay.BackoffMax = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for backoff base > max")
	}
}
