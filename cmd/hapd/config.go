package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is hapd's on-disk configuration: the accessory identity an
// operator programs once (name, setup code, category) plus the local
// runtime knobs (port, data directory, log level), grounded on
// gostt-writer's config.Config/Default/Load/Validate/WriteDefault
// shape. Field defaults are applied with go-defaults' `default:"..."`
// tags, the same mechanism the pack's testutils option structs use.
type Config struct {
	Accessory AccessoryConfig `yaml:"accessory"`
	Network   NetworkConfig   `yaml:"network"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level" default:"info"`
}

// AccessoryConfig describes the single bridged accessory hapd serves,
// plus the setup material a controller needs to pair with it.
type AccessoryConfig struct {
	Name      string `yaml:"name" default:"hapd Lightbulb"`
	Category  uint16 `yaml:"category" default:"5"` // Lightbulb, per spec.md §8 GLOSSARY
	SetupCode string `yaml:"setup_code"`
	SetupID   string `yaml:"setup_id" default:"HAPD"`
}

// NetworkConfig controls the IP transport listener.
type NetworkConfig struct {
	Interface       string `yaml:"interface"`
	Port            uint16 `yaml:"port"`
	ResumeCacheSize int    `yaml:"resume_cache_size" default:"8"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hapd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the default directory hapd persists its
// identity, pairings, and accessory configuration under.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "hapd")
}

// Default returns a Config with sensible default values. SetupCode is
// left blank: an operator must set one before `hapd serve` will run.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.DataDir = DefaultDataDir()
	return cfg
}

// Load reads and parses a YAML config file, filling unset fields with
// defaults the way gostt-writer's config.Load does. Tilde in DataDir
// is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.DataDir = expandTilde(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Accessory.Name == "" {
		return fmt.Errorf("accessory.name must not be empty")
	}
	if len(c.Accessory.SetupID) != 4 {
		return fmt.Errorf("accessory.setup_id must be exactly 4 characters, got %q", c.Accessory.SetupID)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

// WriteDefault creates the default config file if one does not already
// exist, returning the path written to (or "" if it already existed).
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir %s: %w", dir, err)
	}

	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	header := "# hapd configuration\n# set accessory.setup_code (XXX-XX-XXX) before running `hapd serve`\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel converts a log level string to a logrus.Level.
func ParseLogLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
