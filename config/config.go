// Package config handles YAML and TOML configuration for attachtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	AWS     AWSConfig     `yaml:"aws" toml:"aws"`
	Report  ReportConfig  `yaml:"report" toml:"report"`
	Daemon  DaemonConfig  `yaml:"daemon" toml:"daemon"`
	OTEL    OTELConfig    `yaml:"otel" toml:"otel"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

// StorageConfig holds event log settings
type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AWSConfig holds event source settings
type AWSConfig struct {
	Region  string `yaml:"region" toml:"region"`
	Profile string `yaml:"profile" toml:"profile"`
	SeedEC2 bool   `yaml:"seed_ec2" toml:"seed_ec2"`
}

// ReportConfig holds report run settings
type ReportConfig struct {
	Strict       bool     `yaml:"strict" toml:"strict"`
	Workers      int      `yaml:"workers" toml:"workers"`
	Format       string   `yaml:"format" toml:"format"`
	ExcludeTypes []string `yaml:"exclude_types" toml:"exclude_types"`
}

// DaemonConfig holds interval import settings
type DaemonConfig struct {
	IntervalStr string        `yaml:"interval" toml:"interval"`
	Interval    time.Duration `yaml:"-" toml:"-"`
	MetricsPort int           `yaml:"metrics_port" toml:"metrics_port"`
}

// OTELConfig holds OpenTelemetry settings
type OTELConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

var (
	validFormats   = []string{"table", "json", "csv"}
	validLogLevels = []string{"trace", "debug", "info", "warn", "error"}
)

// LoadConfig reads, defaults and validates a config file. Files ending in
// .toml are parsed as TOML, everything else as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	// defaults always validate
	_ = cfg.finish()
	return cfg
}

func (c *Config) finish() error {
	applyDefaults(c)
	if err := parseInterval(c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath()
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Report.Workers == 0 {
		cfg.Report.Workers = 1
	}
	if cfg.Report.Format == "" {
		cfg.Report.Format = "table"
	}
	if cfg.Daemon.IntervalStr == "" {
		cfg.Daemon.IntervalStr = "15m"
	}
	if cfg.Daemon.MetricsPort == 0 {
		cfg.Daemon.MetricsPort = 2112
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "attachtime"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".attachtime"
	}
	return filepath.Join(home, ".attachtime")
}

func parseInterval(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Daemon.IntervalStr)
	if err != nil {
		return fmt.Errorf("parse interval %q: %w", cfg.Daemon.IntervalStr, err)
	}
	cfg.Daemon.Interval = d
	return nil
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage: path is required")
	}
	if c.AWS.Region == "" {
		return fmt.Errorf("aws: region is required")
	}
	if c.Report.Workers < 1 {
		return fmt.Errorf("report: workers must be at least 1 (got %d)", c.Report.Workers)
	}
	if !slices.Contains(validFormats, c.Report.Format) {
		return fmt.Errorf("report: format must be one of %v (got %q)", validFormats, c.Report.Format)
	}
	if c.Daemon.Interval < time.Minute {
		return fmt.Errorf("daemon: interval must be at least 1m (got %s)", c.Daemon.Interval)
	}
	if c.Daemon.MetricsPort < 1 || c.Daemon.MetricsPort > 65535 {
		return fmt.Errorf("daemon: metrics_port out of range (got %d)", c.Daemon.MetricsPort)
	}
	if !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log: level must be one of %v (got %q)", validLogLevels, c.Log.Level)
	}
	return nil
}
