// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file >
// embedded config > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment variable the agent reads.
const envPrefix = "VA_"

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
// It accepts string formats such as "15s" or "1m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all agent configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Queue      QueueConfig      `yaml:"queue"`
	Collection CollectionConfig `yaml:"collection"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig holds settings of the SQLite store that receives cycles.
type StoreConfig struct {
	Path        string   `yaml:"path"`
	PoolSize    int      `yaml:"pool_size"`
	CallTimeout Duration `yaml:"call_timeout"`
}

// QueueConfig holds settings of the local offline queue.
type QueueConfig struct {
	// Enabled selects the offline-protected writer. When false, store
	// failures reach the collection loop and the cycle is lost.
	Enabled    bool     `yaml:"enabled"`
	Dir        string   `yaml:"dir"`
	Retention  Duration `yaml:"retention"`
	MaxRetries int      `yaml:"max_retries"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
}

// CollectionConfig holds metric collection settings.
type CollectionConfig struct {
	Interval     Duration `yaml:"interval"`
	TopProcesses int      `yaml:"top_processes"`

	// SingleTransaction writes each cycle with one CreateSnapshotWithData
	// call instead of separate snapshot, process and temperature writes.
	SingleTransaction bool     `yaml:"single_transaction"`
	PurgeInterval     Duration `yaml:"purge_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	data := defaultDataDir()
	return &Config{
		Store: StoreConfig{
			Path:        filepath.Join(data, "vitalis.db"),
			PoolSize:    4,
			CallTimeout: Duration{10 * time.Second},
		},
		Queue: QueueConfig{
			Enabled:    true,
			Dir:        filepath.Join(data, "queue"),
			Retention:  Duration{7 * 24 * time.Hour},
			MaxRetries: 3,
			MaxSizeMB:  50,
		},
		Collection: CollectionConfig{
			Interval:          Duration{15 * time.Second},
			TopProcesses:      10,
			SingleTransaction: true,
			PurgeInterval:     Duration{1 * time.Hour},
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(data, "agent.log"),
		},
	}
}

// CLIOverrides holds values from command-line flags.
// Empty strings are treated as "not set" and skipped.
type CLIOverrides struct {
	StorePath string
	QueueDir  string
	LogLevel  string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	candidates := configSearchPaths()
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	// Layer 1: embedded config (lowest priority data layer)
	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	// Layer 2: external YAML file
	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0] // caller-supplied (may be "")
	} else {
		filePath = Locate() // auto-discover
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		}
	}

	// Layer 3: environment variables
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Layer 4: CLI flags (highest priority)
	if cli.StorePath != "" {
		cfg.Store.Path = cli.StorePath
	}
	if cli.QueueDir != "" {
		cfg.Queue.Dir = cli.QueueDir
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	return cfg, nil
}

// Marshal serializes the effective configuration to YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// applyEnvOverrides applies VA_* environment variable overrides. Malformed
// numeric, boolean or duration values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"STORE_PATH": &cfg.Store.Path,
		"QUEUE_DIR":  &cfg.Queue.Dir,
		"LOG_LEVEL":  &cfg.Logging.Level,
		"LOG_FILE":   &cfg.Logging.File,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"STORE_CALL_TIMEOUT":        &cfg.Store.CallTimeout,
		"QUEUE_RETENTION":           &cfg.Queue.Retention,
		"COLLECTION_INTERVAL":       &cfg.Collection.Interval,
		"COLLECTION_PURGE_INTERVAL": &cfg.Collection.PurgeInterval,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: invalid duration %q: %w", envPrefix, name, v, err)
		}
		dst.Duration = d
	}

	ints := map[string]*int{
		"STORE_POOL_SIZE":          &cfg.Store.PoolSize,
		"QUEUE_MAX_RETRIES":        &cfg.Queue.MaxRetries,
		"QUEUE_MAX_SIZE_MB":        &cfg.Queue.MaxSizeMB,
		"COLLECTION_TOP_PROCESSES": &cfg.Collection.TopProcesses,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: invalid integer %q: %w", envPrefix, name, v, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"QUEUE_ENABLED":                 &cfg.Queue.Enabled,
		"COLLECTION_SINGLE_TRANSACTION": &cfg.Collection.SingleTransaction,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: invalid boolean %q: %w", envPrefix, name, v, err)
		}
		*dst = b
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Store.PoolSize < 1 {
		return fmt.Errorf("store pool_size must be at least 1 (got %d)", c.Store.PoolSize)
	}
	if c.Store.CallTimeout.Duration <= 0 {
		return fmt.Errorf("store call_timeout must be positive")
	}
	if c.Queue.Enabled && c.Queue.Dir == "" {
		return fmt.Errorf("queue dir is required")
	}
	if c.Queue.Retention.Duration <= 0 {
		return fmt.Errorf("queue retention must be positive")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue max_retries must be at least 1 (got %d)", c.Queue.MaxRetries)
	}
	if c.Queue.MaxSizeMB < 0 {
		return fmt.Errorf("queue max_size_mb must not be negative")
	}
	if c.Collection.Interval.Duration <= 0 {
		return fmt.Errorf("collection interval must be positive")
	}
	if c.Collection.PurgeInterval.Duration <= 0 {
		return fmt.Errorf("collection purge_interval must be positive")
	}
	if c.Collection.TopProcesses < 0 {
		return fmt.Errorf("collection top_processes must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	return nil
}
