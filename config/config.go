// Package config loads and validates the YAML configuration that wires
// provider backends, dispatch slots, and the orchestrator together.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/relaykit/relay/runtime"
)

// Provider names accepted in slot configs.
const (
	ProviderAnthropic = "anthropic"
	ProviderKobold    = "kobold"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
)

// LogConfig controls log output.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`   // Log file path (default: relay.log)
	Pretty bool   `yaml:"pretty,omitempty"` // Human-readable console output instead of JSON
}

// BreakerConfig controls a slot's circuit breaker. Durations are
// time.ParseDuration strings, e.g. "30s".
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold,omitempty"` // Consecutive failures before the circuit opens
	ResetTimeout     string `yaml:"reset_timeout,omitempty"`     // Cooldown before a trial request is allowed
}

// TransportConfig controls the HTTP client built for a slot's backend.
type TransportConfig struct {
	Timeout        string `yaml:"timeout,omitempty"`         // Whole-request timeout, e.g. "60s"
	ConnectTimeout string `yaml:"connect_timeout,omitempty"` // Dial timeout, e.g. "10s"
	TLSSkipVerify  bool   `yaml:"tls_skip_verify,omitempty"` // Skip TLS certificate verification
	ProxyURL       string `yaml:"proxy_url,omitempty"`       // Proxy for outbound requests
}

// SlotConfig describes one dispatch slot: which backend it talks to and how
// the slot schedules work onto it.
type SlotConfig struct {
	Name         string `yaml:"name,omitempty"`         // Slot name (default: provider-index)
	Provider     string `yaml:"provider"`               // anthropic, kobold, ollama, or openai
	Model        string `yaml:"model,omitempty"`        // Model name; required by most providers
	Mode         string `yaml:"mode,omitempty"`         // kobold only: chat or completion
	Host         string `yaml:"host,omitempty"`         // ollama only: server host
	BaseURL      string `yaml:"base_url,omitempty"`     // API endpoint override
	APIKey       string `yaml:"api_key,omitempty"`      // Falls back to the provider's env var
	Organization string `yaml:"organization,omitempty"` // openai only

	Concurrency    int    `yaml:"concurrency,omitempty"`     // In-flight cap for the slot (default 5)
	Hedges         int    `yaml:"hedges,omitempty"`          // Extra speculative attempts per request
	HedgeDelay     string `yaml:"hedge_delay,omitempty"`     // Stagger between attempts, e.g. "150ms"
	AttemptTimeout string `yaml:"attempt_timeout,omitempty"` // Per-attempt deadline; negative disables

	Breaker   BreakerConfig   `yaml:"breaker,omitempty"`
	Transport TransportConfig `yaml:"transport,omitempty"`
}

// Config is the root configuration.
type Config struct {
	Log            LogConfig    `yaml:"log,omitempty"`
	MaxConcurrency int          `yaml:"max_concurrency,omitempty"` // Orchestrator bound on in-flight requests
	Slots          []SlotConfig `yaml:"slots,omitempty"`
}

// GetConfigPath returns the default config file path.
// Can be overridden via RELAY_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.relay/config.yaml"
	}
	return filepath.Join(homeDir, ".relay", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load reads configuration from path and merges it over defaults. A missing
// file returns the defaults.
func Load(path string) (*Config, error) {
	defaults := Config{
		Log:            LogConfig{File: "relay.log"},
		MaxConcurrency: runtime.DefaultMaxConcurrency,
	}

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err != nil {
		return &defaults, nil
	}

	configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(configYAML, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := mergo.Merge(&defaults, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &defaults, nil
}

// Save writes the configuration to the specified path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration and fills in default slot names.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative")
	}
	seen := make(map[string]bool)
	for i := range c.Slots {
		slot := &c.Slots[i]
		if slot.Provider == "" {
			return fmt.Errorf("slot %d: provider is required", i)
		}
		if slot.Name == "" {
			slot.Name = fmt.Sprintf("%s-%d", slot.Provider, i)
		}
		if seen[slot.Name] {
			return fmt.Errorf("slot %d: duplicate name %q", i, slot.Name)
		}
		seen[slot.Name] = true
		if _, err := slot.durations(); err != nil {
			return fmt.Errorf("slot %q: %w", slot.Name, err)
		}
	}
	return nil
}

// slotDurations holds the parsed duration fields of a slot.
type slotDurations struct {
	hedgeDelay       time.Duration
	attemptTimeout   time.Duration
	resetTimeout     time.Duration
	transportTimeout time.Duration
	connectTimeout   time.Duration
}

func (sc *SlotConfig) durations() (slotDurations, error) {
	var d slotDurations
	var err error
	if d.hedgeDelay, err = parseDuration("hedge_delay", sc.HedgeDelay); err != nil {
		return d, err
	}
	if d.attemptTimeout, err = parseDuration("attempt_timeout", sc.AttemptTimeout); err != nil {
		return d, err
	}
	if d.resetTimeout, err = parseDuration("breaker.reset_timeout", sc.Breaker.ResetTimeout); err != nil {
		return d, err
	}
	if d.transportTimeout, err = parseDuration("transport.timeout", sc.Transport.Timeout); err != nil {
		return d, err
	}
	if d.connectTimeout, err = parseDuration("transport.connect_timeout", sc.Transport.ConnectTimeout); err != nil {
		return d, err
	}
	return d, nil
}

// parseDuration parses an optional duration field. Empty means zero, which
// lets downstream defaults apply.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}
