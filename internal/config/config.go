// ABOUTME: Configuration loading and parsing for coven-cluster
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, duration parsing and env overrides

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-cluster/internal/cluster"
)

// DefaultKillGracePeriod is how long a destroyed worker may linger before it is forced out.
const DefaultKillGracePeriod = cluster.DefaultKillGracePeriod

// Environment prefixes for envconfig overrides, one per section.
const (
	EnvPrefixWorkers = "COVEN_CLUSTER_WORKERS"
	EnvPrefixHealth  = "COVEN_CLUSTER_HEALTH"
	EnvPrefixJournal = "COVEN_CLUSTER_JOURNAL"
	EnvPrefixLogging = "COVEN_CLUSTER_LOGGING"
)

// EnvConfigPath names an explicit config file.
const EnvConfigPath = "COVEN_CLUSTER_CONFIG"

// Config represents the complete coven-cluster configuration
type Config struct {
	Workers WorkersConfig `yaml:"workers" toml:"workers"`
	Health  HealthConfig  `yaml:"health" toml:"health"`
	Journal JournalConfig `yaml:"journal" toml:"journal"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// WorkersConfig controls how the primary forks and drives its workers
type WorkersConfig struct {
	Count  int      `yaml:"count" toml:"count" split_words:"true"`
	Exec   string   `yaml:"exec,omitempty" toml:"exec,omitempty" split_words:"true"` // empty means the running binary
	Args   []string `yaml:"args,omitempty" toml:"args,omitempty" split_words:"true"`
	Silent bool     `yaml:"silent" toml:"silent" split_words:"true"`

	KillGracePeriod time.Duration `yaml:"-" toml:"-" split_words:"true"`
	PingInterval    time.Duration `yaml:"-" toml:"-" split_words:"true"`

	// Raw string values for unmarshaling
	KillGracePeriodRaw string `yaml:"kill_grace_period" toml:"kill_grace_period" ignored:"true"`
	PingIntervalRaw    string `yaml:"ping_interval" toml:"ping_interval" ignored:"true"`
}

// HealthConfig holds the health endpoint addresses. An empty address disables that endpoint.
type HealthConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" split_words:"true"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" split_words:"true"`
}

// JournalConfig holds the lifecycle journal location. An empty path disables the journal.
type JournalConfig struct {
	Path string `yaml:"path" toml:"path" split_words:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" split_words:"true"`
	Format string `yaml:"format" toml:"format" split_words:"true"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Workers: WorkersConfig{
			Count:              1,
			KillGracePeriod:    DefaultKillGracePeriod,
			KillGracePeriodRaw: DefaultKillGracePeriod.String(),
			PingIntervalRaw:    "0s",
		},
		Health: HealthConfig{
			GRPCAddr: "127.0.0.1:50061",
			HTTPAddr: "127.0.0.1:8081",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the config file location: $COVEN_CLUSTER_CONFIG, then
// $XDG_CONFIG_HOME/coven/cluster.yaml, then ~/.config/coven/cluster.yaml.
func Path() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigPath)); explicit != "" {
		return explicit, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "cluster.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "coven", "cluster.yaml"), nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML. Values not
// present in the file keep their defaults. Environment variables in the format
// ${VAR_NAME} are expanded before decoding, then COVEN_CLUSTER_* overrides are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault loads path, falling back to Default (plus environment overrides)
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Env overrides land on the parsed values, so they win over the file.
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Write saves the configuration as YAML. It refuses to replace an existing file.
func (c *Config) Write(path string) error {
	c.Workers.KillGracePeriodRaw = c.Workers.KillGracePeriod.String()
	c.Workers.PingIntervalRaw = c.Workers.PingInterval.String()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{EnvPrefixWorkers, &cfg.Workers},
		{EnvPrefixHealth, &cfg.Health},
		{EnvPrefixJournal, &cfg.Journal},
		{EnvPrefixLogging, &cfg.Logging},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Workers.KillGracePeriod <= 0 {
		return fmt.Errorf("workers.kill_grace_period must be positive")
	}
	if c.Workers.PingInterval < 0 {
		return fmt.Errorf("workers.ping_interval must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Workers.KillGracePeriodRaw != "" {
		cfg.Workers.KillGracePeriod, err = time.ParseDuration(cfg.Workers.KillGracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing kill_grace_period %q: %w", cfg.Workers.KillGracePeriodRaw, err)
		}
	}

	if cfg.Workers.PingIntervalRaw != "" {
		cfg.Workers.PingInterval, err = time.ParseDuration(cfg.Workers.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Workers.PingIntervalRaw, err)
		}
	}

	return nil
}
