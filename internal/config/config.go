// Package config loads and validates the YAML server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Transport  TransportConfig  `yaml:"transport"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"` // empty disables auth
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig contains database paths
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"` // sqlite campaign store
	CountersPath string `yaml:"counters_path"` // bolt throttle counters
}

// TransportConfig points at the messaging gateway
type TransportConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	APIKey     string `yaml:"api_key"`
}

// ThrottleConfig contains initial account-level sending limits. The persisted
// settings win once adaptive rate control has written them.
type ThrottleConfig struct {
	MessagesPerMinute int           `yaml:"messages_per_minute"`
	MessagesPerHour   int           `yaml:"messages_per_hour"`
	MessagesPerDay    int           `yaml:"messages_per_day"`
	WarmupMode        bool          `yaml:"warmup_mode"`
	WarmupDailyLimit  int           `yaml:"warmup_daily_limit"`
	AdjustInterval    time.Duration `yaml:"adjust_interval"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

// SupervisorConfig tunes the campaign supervisor
type SupervisorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "/var/lib/blast/blast.db"
	}
	if c.Storage.CountersPath == "" {
		c.Storage.CountersPath = "/var/lib/blast/counters.db"
	}

	if c.Throttle.MessagesPerMinute == 0 {
		c.Throttle.MessagesPerMinute = 10
	}
	if c.Throttle.MessagesPerHour == 0 {
		c.Throttle.MessagesPerHour = 300
	}
	if c.Throttle.MessagesPerDay == 0 {
		c.Throttle.MessagesPerDay = 1000
	}
	if c.Throttle.WarmupDailyLimit == 0 {
		c.Throttle.WarmupDailyLimit = 50
	}
	if c.Throttle.AdjustInterval == 0 {
		c.Throttle.AdjustInterval = 10 * time.Minute
	}
	if c.Throttle.FlushInterval == 0 {
		c.Throttle.FlushInterval = 10 * time.Second
	}

	if c.Supervisor.MaxConcurrent == 0 {
		c.Supervisor.MaxConcurrent = 3
	}
	if c.Supervisor.PollInterval == 0 {
		c.Supervisor.PollInterval = time.Minute
	}

	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Supervisor.MaxConcurrent < 1 {
		return fmt.Errorf("supervisor.max_concurrent must be at least 1")
	}
	if c.Throttle.MessagesPerMinute < 1 {
		return fmt.Errorf("throttle.messages_per_minute must be at least 1")
	}
	if c.Throttle.MessagesPerHour < c.Throttle.MessagesPerMinute {
		return fmt.Errorf("throttle.messages_per_hour must not be below messages_per_minute")
	}
	if c.Transport.GatewayURL == "" {
		return fmt.Errorf("transport.gateway_url is required")
	}

	return nil
}
