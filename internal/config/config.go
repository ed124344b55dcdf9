// Package config loads and validates the TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// Server contains the HTTP API listener settings.
type Server struct {
	Bind         string   `toml:"bind"`
	Port         int      `toml:"port"`
	AllowSubnets []string `toml:"allow_subnets"`
}

// Plex contains the media server connection settings.
type Plex struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	OwnerUsername  string `toml:"owner_username"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Remediation contains the live session remediation settings.
type Remediation struct {
	DryRun                   bool   `toml:"dry_run"`
	ForceRestart             bool   `toml:"force_restart"`
	TerminateReason          string `toml:"terminate_reason"`
	PollIntervalSeconds      int    `toml:"poll_interval_seconds"`
	SweepIntervalSeconds     int    `toml:"sweep_interval_seconds"`
	ValidationTimeoutSeconds int    `toml:"validation_timeout_seconds"`
	HistoryRetentionDays     int    `toml:"history_retention_days"`
}

// Scanner contains the batch library scan settings.
type Scanner struct {
	Enabled  bool     `toml:"enabled"`
	Schedule string   `toml:"schedule"` // cron expression
	Sections []string `toml:"sections"`
	Workers  int      `toml:"workers"`
}

// Webhook contains the outbound notification settings.
type Webhook struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains log output settings.
type Logging struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config encapsulates all configuration for the daemon.
type Config struct {
	Server      Server                    `toml:"server"`
	Plex        Plex                      `toml:"plex"`
	Remediation Remediation               `toml:"remediation"`
	Scanner     Scanner                   `toml:"scanner"`
	Webhook     Webhook                   `toml:"webhook"`
	Logging     Logging                   `toml:"logging"`
	Rules       []remediate.SelectionRule `toml:"rules"`
}

// Default returns the built-in defaults, valid except for the Plex section.
func Default() Config {
	return Config{
		Server: Server{
			Bind: "0.0.0.0",
			Port: 8787,
		},
		Plex: Plex{
			TimeoutSeconds: 30,
		},
		Remediation: Remediation{
			PollIntervalSeconds:      30,
			SweepIntervalSeconds:     60,
			ValidationTimeoutSeconds: 300,
			HistoryRetentionDays:     30,
		},
		Scanner: Scanner{
			Schedule: "0 4 * * *",
			Workers:  5,
		},
		Webhook: Webhook{
			TimeoutSeconds: 10,
		},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load parses the file at path over the defaults and validates the result.
// A missing file with a non-empty path is an error; loading proceeds with
// defaults only when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s does not exist", path)
			}
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Plex.URL == "" {
		return errors.New("plex.url is required")
	}
	if !strings.HasPrefix(c.Plex.URL, "http://") && !strings.HasPrefix(c.Plex.URL, "https://") {
		return fmt.Errorf("plex.url %q must start with http:// or https://", c.Plex.URL)
	}
	c.Plex.URL = strings.TrimRight(c.Plex.URL, "/")
	if c.Plex.Token == "" {
		return errors.New("plex.token is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Remediation.PollIntervalSeconds < 5 {
		return fmt.Errorf("remediation.poll_interval_seconds must be at least 5, got %d", c.Remediation.PollIntervalSeconds)
	}
	if c.Scanner.Workers < 1 {
		return fmt.Errorf("scanner.workers must be positive, got %d", c.Scanner.Workers)
	}
	if len(c.Rules) == 0 {
		return errors.New("at least one [[rules]] entry is required")
	}
	for i, rule := range c.Rules {
		if rule.Codec == "" && rule.MinChannels == 0 && rule.Language == "" && len(rule.IncludeKeywords) == 0 {
			return fmt.Errorf("rules[%d] has no constraints and would match every track", i)
		}
	}
	return nil
}

// PollInterval returns the remediation poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Remediation.PollIntervalSeconds) * time.Second
}

// SweepInterval returns the cache sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Remediation.SweepIntervalSeconds) * time.Second
}

// ValidationTimeout returns the record lifetime as a duration.
func (c *Config) ValidationTimeout() time.Duration {
	return time.Duration(c.Remediation.ValidationTimeoutSeconds) * time.Second
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "transcodefix", "config.toml")
	}
	return "transcodefix.toml"
}
