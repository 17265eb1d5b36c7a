// Package config loads the orchestration settings consumed by the session,
// sync, and relay components.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values exported for documentation and validation.
const (
	DefaultDebounceWindow     = 300 * time.Millisecond
	DefaultPollInterval       = 5 * time.Second
	DefaultMaxPendingTargets  = 256
	DefaultStalenessThreshold = 10 * time.Second
	DefaultStalenessCheck     = 2 * time.Second
	DefaultRelayMaxRetries    = 8
	DefaultRelayBackoffBase   = time.Second
	DefaultRelayBackoffMax    = 30 * time.Second
	DefaultRelayMaxFPS        = 5
	DefaultGatewayTimeout     = 15 * time.Second
	DefaultTerminalRetries    = 4
)

// Config is the complete library configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Push    PushConfig    `yaml:"push"`
	Sync    SyncConfig    `yaml:"sync"`
	Relay   RelayConfig   `yaml:"relay"`
	Journal JournalConfig `yaml:"journal"`
}

// GatewayConfig configures the execution-record service client.
type GatewayConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// TerminalRetries bounds retries of terminal-state writes (complete,
	// cancel). Progress updates are never retried.
	TerminalRetries int `yaml:"terminal_retries"`
}

// PushConfig configures the realtime push channel.
type PushConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Token   string `yaml:"token"`
}

// SyncConfig configures the realtime sync coordinator.
type SyncConfig struct {
	DebounceWindow    time.Duration `yaml:"debounce_window"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxPendingTargets int           `yaml:"max_pending_targets"`
}

// RelayConfig configures the live-stream reconnector.
type RelayConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Token              string        `yaml:"token"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	StalenessCheck     time.Duration `yaml:"staleness_check"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	MaxFPS             int           `yaml:"max_fps"`
}

// JournalConfig configures the local visit journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Default returns a configuration with every knob at its default.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			RequestTimeout:  DefaultGatewayTimeout,
			TerminalRetries: DefaultTerminalRetries,
		},
		Sync: SyncConfig{
			DebounceWindow:    DefaultDebounceWindow,
			PollInterval:      DefaultPollInterval,
			MaxPendingTargets: DefaultMaxPendingTargets,
		},
		Relay: RelayConfig{
			StalenessThreshold: DefaultStalenessThreshold,
			StalenessCheck:     DefaultStalenessCheck,
			MaxRetries:         DefaultRelayMaxRetries,
			BackoffBase:        DefaultRelayBackoffBase,
			BackoffMax:         DefaultRelayBackoffMax,
			MaxFPS:             DefaultRelayMaxFPS,
		},
	}
}

// Load reads a YAML config file, fills unset fields with defaults, applies
// environment overrides, and validates the result. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.fillDefaults()
	applyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// applyEnvOverrides lets deployments inject secrets without writing them to
// the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLANRUN_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("PLANRUN_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("PLANRUN_PUSH_URL"); v != "" {
		cfg.Push.URL = v
	}
	if v := os.Getenv("PLANRUN_RELAY_TOKEN"); v != "" {
		cfg.Relay.Token = v
	}
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = d.Gateway.RequestTimeout
	}
	if c.Gateway.TerminalRetries <= 0 {
		c.Gateway.TerminalRetries = d.Gateway.TerminalRetries
	}
	if c.Sync.DebounceWindow <= 0 {
		c.Sync.DebounceWindow = d.Sync.DebounceWindow
	}
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = d.Sync.PollInterval
	}
	if c.Sync.MaxPendingTargets <= 0 {
		c.Sync.MaxPendingTargets = d.Sync.MaxPendingTargets
	}
	if c.Relay.StalenessThreshold <= 0 {
		c.Relay.StalenessThreshold = d.Relay.StalenessThreshold
	}
	if c.Relay.StalenessCheck <= 0 {
		c.Relay.StalenessCheck = d.Relay.StalenessCheck
	}
	if c.Relay.MaxRetries <= 0 {
		c.Relay.MaxRetries = d.Relay.MaxRetries
	}
	if c.Relay.BackoffBase <= 0 {
		c.Relay.BackoffBase = d.Relay.BackoffBase
	}
	if c.Relay.BackoffMax <= 0 {
		c.Relay.BackoffMax = d.Relay.BackoffMax
	}
	if c.Relay.MaxFPS <= 0 {
		c.Relay.MaxFPS = d.Relay.MaxFPS
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Sync.DebounceWindow >= c.Sync.PollInterval {
		return fmt.Errorf("sync: debounce window (%v) must be shorter than the poll interval (%v)",
			c.Sync.DebounceWindow, c.Sync.PollInterval)
	}
	if c.Relay.StalenessCheck > c.Relay.StalenessThreshold {
		return fmt.Errorf("relay: staleness check interval (%v) must not exceed the threshold (%v)",
			c.Relay.StalenessCheck, c.Relay.StalenessThreshold)
	}
	if c.Relay.BackoffBase > c.Relay.BackoffMax {
		return fmt.Errorf("relay: backoff base (%v) exceeds backoff max (%v)",
			c.Relay.BackoffBase, c.Relay.BackoffMax)
	}
	return nil
}
