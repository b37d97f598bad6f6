package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration. Values load from a TOML file first (if
// one is named), then environment variables override.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Kernel    KernelConfig    `toml:"kernel"`
	Logging   LogConfig       `toml:"logging"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// ServerConfig holds HTTP control-plane configuration.
//
// No envconfig default tags anywhere here: Default() is the single source
// of defaults, so file values survive envconfig.Process when the variable
// is unset.
type ServerConfig struct {
	Port string `envconfig:"PORT" toml:"port"`
	Host string `envconfig:"HOST" toml:"host"`
}

// KernelConfig holds the kernel tunables.
type KernelConfig struct {
	Cores              int    `envconfig:"KERNEL_CORES" toml:"cores"`
	CapTableSlots      int    `envconfig:"KERNEL_CAP_SLOTS" toml:"cap_table_slots"`
	MailboxCapacity    int    `envconfig:"IPC_MAILBOX_CAPACITY" toml:"mailbox_capacity"`
	AgingRounds        uint64 `envconfig:"SCHED_AGING_ROUNDS" toml:"aging_rounds"`
	NormalSliceTicks   int    `envconfig:"SCHED_NORMAL_SLICE" toml:"normal_slice_ticks"`
	RealTimeSliceTicks int    `envconfig:"SCHED_RT_SLICE" toml:"realtime_slice_ticks"`
	TickHz             int    `envconfig:"KERNEL_TICK_HZ" toml:"tick_hz"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled"`
}

// Load loads configuration: defaults, then the TOML file named by
// CONFIG_FILE (if set), then environment variables on top.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns defaults on failure.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Kernel: KernelConfig{
			Cores:              4,
			CapTableSlots:      256,
			MailboxCapacity:    16,
			AgingRounds:        8,
			NormalSliceTicks:   10,
			RealTimeSliceTicks: 50,
			TickHz:             100,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
