// Package config loads the harness's configuration from YAML or JSON5 files,
// with $include composition and environment-variable expansion.
package config

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a harness run.
type Config struct {
	Version int `yaml:"version"`

	// RootModel drives the iteration loop; SubModel answers recursive
	// subcalls issued from interpreter code. SubModel defaults to RootModel
	// when empty.
	RootModel string `yaml:"root_model"`
	SubModel  string `yaml:"sub_model"`

	MaxIterations           int           `yaml:"max_iterations"`
	MaxTotalSubcalls        int           `yaml:"max_total_subcalls"`
	MaxExecutionOutputChars int           `yaml:"max_execution_output_chars"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`

	Verbose bool `yaml:"verbose"`

	Redaction RedactionConfig `yaml:"redaction"`
	Worker    WorkerConfig    `yaml:"worker"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Providers ProvidersConfig `yaml:"providers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RedactionConfig parameterizes the size-bounded head/tail truncation policy
// applied to prompts, context previews, and REPL output before they reach a
// log line or trace record.
type RedactionConfig struct {
	MaxPromptChars        int `yaml:"max_prompt_chars"`
	MaxContextPreviewChars int `yaml:"max_context_preview_chars"`
	MaxReplOutputChars    int `yaml:"max_repl_output_chars"`
	HeadChars             int `yaml:"head_chars"`
	TailChars             int `yaml:"tail_chars"`
}

// WorkerConfig describes how to launch the interpreter child process.
type WorkerConfig struct {
	Command []string `yaml:"command"`
}

// BridgeConfig configures the loopback LM bridge server.
type BridgeConfig struct {
	// BindAddr is the loopback address to bind; "127.0.0.1:0" picks an
	// ephemeral port, which is the default.
	BindAddr string `yaml:"bind_addr"`

	// SignBridgeTokens, when true, mints a short-lived JWT bound to the run
	// id and verifies it on every bridge request so only the worker
	// launched for this run can reach the bridge.
	SignBridgeTokens bool `yaml:"sign_bridge_tokens"`
}

// ProvidersConfig holds per-provider credentials and endpoints. Values left
// empty fall back to the matching environment variable at provider
// construction time; credentials are never required to be set here.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig is one LM provider's endpoint configuration.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// DefaultConfig returns a Config with the resolved defaults from the
// harness contract (spec §4.8).
func DefaultConfig() Config {
	return Config{
		Version:                 CurrentVersion,
		MaxIterations:           16,
		MaxTotalSubcalls:        200,
		MaxExecutionOutputChars: 20_000,
		RequestTimeout:          120 * time.Second,
		Redaction: RedactionConfig{
			MaxPromptChars:         8_000,
			MaxContextPreviewChars: 2_000,
			MaxReplOutputChars:     4_000,
			HeadChars:              2_000,
			TailChars:              500,
		},
		Bridge: BridgeConfig{
			BindAddr:         "127.0.0.1:0",
			SignBridgeTokens: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses the configuration file at path, resolving $include
// directives and applying defaults for anything left unset.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	sanitizeConfig(cfg)
	if cfg.Version != 0 {
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// sanitizeConfig fills in defaults for any zero-valued field, mirroring the
// DefaultConfig/sanitize pairing used throughout the harness.
func sanitizeConfig(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}
	if cfg.SubModel == "" {
		cfg.SubModel = cfg.RootModel
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTotalSubcalls <= 0 {
		cfg.MaxTotalSubcalls = defaults.MaxTotalSubcalls
	}
	if cfg.MaxExecutionOutputChars <= 0 {
		cfg.MaxExecutionOutputChars = defaults.MaxExecutionOutputChars
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.Redaction.MaxPromptChars <= 0 {
		cfg.Redaction.MaxPromptChars = defaults.Redaction.MaxPromptChars
	}
	if cfg.Redaction.MaxContextPreviewChars <= 0 {
		cfg.Redaction.MaxContextPreviewChars = defaults.Redaction.MaxContextPreviewChars
	}
	if cfg.Redaction.MaxReplOutputChars <= 0 {
		cfg.Redaction.MaxReplOutputChars = defaults.Redaction.MaxReplOutputChars
	}
	if cfg.Redaction.HeadChars <= 0 {
		cfg.Redaction.HeadChars = defaults.Redaction.HeadChars
	}
	if cfg.Redaction.TailChars <= 0 {
		cfg.Redaction.TailChars = defaults.Redaction.TailChars
	}
	if cfg.Bridge.BindAddr == "" {
		cfg.Bridge.BindAddr = defaults.Bridge.BindAddr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}
