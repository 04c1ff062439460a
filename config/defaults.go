package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "porter.db")

	// Engine defaults
	v.SetDefault("engine.poll_interval_seconds", 5)
	v.SetDefault("engine.batch_size", 100)
	v.SetDefault("engine.max_records", 0) // unlimited
	v.SetDefault("engine.retry_max_attempts", 3)
	v.SetDefault("engine.retry_base_delay_ms", 500)
	v.SetDefault("engine.retry_strategy", "exponential")
	v.SetDefault("engine.error_sweep_limit", 100)

	// Source system defaults
	v.SetDefault("source.base_url", "http://localhost:8701")
	v.SetDefault("source.rate_per_second", 10.0)
	v.SetDefault("source.burst", 20)
	v.SetDefault("source.connect_max_attempts", 5)
	v.SetDefault("source.timeout_seconds", 30)

	// Target system defaults
	v.SetDefault("target.base_url", "http://localhost:8702")
	v.SetDefault("target.rate_per_second", 10.0)
	v.SetDefault("target.burst", 20)
	v.SetDefault("target.max_batch_size", 100) // target API ceiling
	v.SetDefault("target.timeout_seconds", 30)
}
