// Package config provides configuration loading, validation, and secrets
// management for the BrainDrive core services.
package config

import (
	"fmt"
	"time"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
)

// Tool-loop defaults. MCPMaxToolIterations is the single source of truth for
// the iteration cap; do not hardcode it at call sites.
const (
	MCPMaxToolIterations       = 6
	MCPProviderTimeoutSeconds  = 60
	ToolCallTimeoutSeconds     = 15
	MaxToolsPerRequest         = 32
	MaxToolSchemaBytes         = 128 * 1024
	ApprovalTTL                = 30 * time.Minute
	ApprovalResolveIdempotency = 5 * time.Second
)

// Job-queue defaults.
const (
	JobPollInterval       = 1 * time.Second
	DefaultMaxRetries     = 3
	InstallStreamTimeout  = 1800 * time.Second
	InstallConnectTimeout = 30 * time.Second
)

// Persistence defaults.
const (
	// StateCompressionThreshold is the serialized-state size above which
	// blobs are stored gzip+base64 compressed.
	StateCompressionThreshold = 4 * 1024
)

// Secret name constants used with GetSecret.
const (
	SecretAnthropicAPIKey = "ANTHROPIC_API_KEY"
	SecretOpenAIAPIKey    = "OPENAI_API_KEY"
	SecretGoogleAPIKey    = "GOOGLE_API_KEY"
	SecretServiceToken    = "BRAINDRIVE_SERVICE_TOKEN"
)

// Config is the top-level configuration for a BrainDrive core node.
type Config struct {
	// Database is the path to the SQLite database file.
	Database string `yaml:"database"`

	// RecordsDir is where digest delivery records are written.
	RecordsDir string `yaml:"records_dir"`

	// OllamaURL is the default Ollama server for local models and installs.
	OllamaURL string `yaml:"ollama_url"`

	// PrometheusURL is the metrics server used by the usage query service.
	// Empty disables usage queries.
	PrometheusURL string `yaml:"prometheus_url"`

	ToolLoop ToolLoopConfig `yaml:"tool_loop"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

// ToolLoopConfig holds tunables for the tool-calling orchestrator.
type ToolLoopConfig struct {
	MaxIterations          int           `yaml:"max_iterations"`
	ProviderTimeoutSeconds int           `yaml:"provider_timeout_seconds"`
	ToolCallTimeoutSeconds int           `yaml:"tool_call_timeout_seconds"`
	MaxTools               int           `yaml:"max_tools"`
	MaxSchemaBytes         int           `yaml:"max_schema_bytes"`
	ApprovalTTL            time.Duration `yaml:"approval_ttl"`
}

// JobsConfig holds tunables for the background job manager.
type JobsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
}

// DefaultConfig returns a Config populated with defaults. Loading a config
// file overlays on top of this.
func DefaultConfig() *Config {
	return &Config{
		Database:   "braindrive.db",
		RecordsDir: "records",
		OllamaURL:  "http://localhost:11434",
		ToolLoop: ToolLoopConfig{
			MaxIterations:          MCPMaxToolIterations,
			ProviderTimeoutSeconds: MCPProviderTimeoutSeconds,
			ToolCallTimeoutSeconds: ToolCallTimeoutSeconds,
			MaxTools:               MaxToolsPerRequest,
			MaxSchemaBytes:         MaxToolSchemaBytes,
			ApprovalTTL:            ApprovalTTL,
		},
		Jobs: JobsConfig{
			PollInterval: JobPollInterval,
			Workers:      1,
			MaxRetries:   DefaultMaxRetries,
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.ToolLoop.MaxIterations <= 0 {
		return fmt.Errorf("tool_loop.max_iterations must be positive")
	}
	if c.ToolLoop.ProviderTimeoutSeconds <= 0 {
		return fmt.Errorf("tool_loop.provider_timeout_seconds must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	return nil
}

// ProviderTimeout returns the provider call timeout as a duration.
func (c *ToolLoopConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// ToolCallTimeout returns the tool HTTP call timeout as a duration.
func (c *ToolLoopConfig) ToolCallTimeout() time.Duration {
	return time.Duration(c.ToolCallTimeoutSeconds) * time.Second
}
