// Package config provides Porter's configuration, loaded from porter.toml
// with PORTER_-prefixed environment overrides.
package config

// Config is the root Porter configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Source   SourceConfig   `mapstructure:"source"`
	Target   TargetConfig   `mapstructure:"target"`
}

// DatabaseConfig configures the SQLite state store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures the migration orchestrator
type EngineConfig struct {
	// PollIntervalSeconds is how often the orchestrator checks for queued runs (default: 5)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// BatchSize is the number of records pulled from the source per extract call (default: 100)
	BatchSize int `mapstructure:"batch_size"`

	// MaxRecords caps records processed per entity type; 0 means unlimited.
	// Used for constrained test runs against production-sized sources.
	MaxRecords int `mapstructure:"max_records"`

	// RetryMaxAttempts bounds retries for transient external-system failures (default: 3)
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`

	// RetryBaseDelayMS is the initial delay between retry attempts (default: 500)
	RetryBaseDelayMS int `mapstructure:"retry_base_delay_ms"`

	// RetryStrategy is "fixed" or "exponential" (default: exponential)
	RetryStrategy string `mapstructure:"retry_strategy"`

	// ErrorSweepLimit bounds how many record errors one retry sweep picks up (default: 100)
	ErrorSweepLimit int `mapstructure:"error_sweep_limit"`
}

// SourceConfig configures the source system client
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`

	// RatePerSecond and Burst parameterize the shared token bucket for
	// all calls against the source system (defaults: 10, 20)
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`

	// ConnectMaxAttempts bounds login retries before the run fails (default: 5)
	ConnectMaxAttempts int `mapstructure:"connect_max_attempts"`

	// TimeoutSeconds is the per-request HTTP timeout (default: 30)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// TargetConfig configures the target system client
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`

	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`

	// MaxBatchSize is the target API's batch-write ceiling; loads are
	// chunked to this size (default: 100, the API maximum)
	MaxBatchSize int `mapstructure:"max_batch_size"`

	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}
