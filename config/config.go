// Package config loads runtime configuration from a YAML file and
// applies defaults for anything left unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration that parsed but cannot be
// used as-is.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultStorageDriver     = "sqlite"
	DefaultSuperportCapacity = 25
	DefaultBundleExpiry      = 14 * 24 * time.Hour
	DefaultLogLevel          = "info"
	defaultDatabaseFilename  = "ports.db"
	memoryStorageDriver      = "memory"
)

// Config is the full runtime configuration.
type Config struct {
	// DataDir holds the database and any derived files.
	DataDir string `yaml:"data_dir"`
	// StorageDriver selects the ledger backend: "sqlite" or "memory".
	StorageDriver string `yaml:"storage_driver"`
	// ChannelAddress is the address peers use to reach this party.
	ChannelAddress string `yaml:"channel_address"`
	// DefaultExpiry applies to generated bundles without an explicit
	// lifetime. Zero disables expiry.
	DefaultExpiry time.Duration `yaml:"default_expiry"`
	// SuperportCapacity is the connection budget for reusable ports
	// generated without an explicit capacity.
	SuperportCapacity int `yaml:"superport_capacity"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir:           ".",
		StorageDriver:     DefaultStorageDriver,
		DefaultExpiry:     DefaultBundleExpiry,
		SuperportCapacity: DefaultSuperportCapacity,
		LogLevel:          DefaultLogLevel,
	}
}

// Load reads a YAML configuration file, fills defaults, and validates
// the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("No configuration file, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.StorageDriver == "" {
		c.StorageDriver = DefaultStorageDriver
	}
	if c.SuperportCapacity == 0 {
		c.SuperportCapacity = DefaultSuperportCapacity
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first problem that would prevent startup.
func (c *Config) Validate() error {
	if c.StorageDriver != DefaultStorageDriver && c.StorageDriver != memoryStorageDriver {
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.StorageDriver)
	}
	if c.SuperportCapacity < 0 {
		return fmt.Errorf("%w: superport capacity must not be negative", ErrInvalidConfig)
	}
	if c.DefaultExpiry < 0 {
		return fmt.Errorf("%w: default expiry must not be negative", ErrInvalidConfig)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DatabasePath is the SQLite file location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, defaultDatabaseFilename)
}

// ApplyLogLevel configures the global logger from LogLevel.
func (c *Config) ApplyLogLevel() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)
	return nil
}
