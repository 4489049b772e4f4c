// Package config handles loading, validating, and writing the skylog
// configuration file (skylog.yaml by default).
//
// The config defines:
//   - Where the sinks live (log_dir) and what each channel's file is called
//   - Per-sink minimum levels, including the catch-all sink
//   - Logger-name aliases routing free-text names onto channels
//   - The SQLite index and the ingestion server bind address
//   - Which environment variable holds the HMAC secret
//
// The secret itself is never stored in the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/skylog/skylog/internal/audit"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "skylog.yaml"

// DefaultSecretEnv names the environment variable holding the HMAC key.
const DefaultSecretEnv = "LOG_SECRET_KEY"

// ErrMissingSecret is returned by LoadSecret when the secret variable is
// unset or empty. Signing and verifying commands treat it as fatal.
var ErrMissingSecret = errors.New("signing secret is not set")

// Config is the top-level skylog configuration.
// Loaded from skylog.yaml, with defaults for fields that are not set.
type Config struct {
	LogDir    string                `yaml:"log_dir"`
	SecretEnv string                `yaml:"secret_env"`
	Channels  map[string]SinkConfig `yaml:"channels"`
	CatchAll  SinkConfig            `yaml:"catch_all"`
	Aliases   []audit.Alias         `yaml:"aliases,omitempty"`
	Index     IndexConfig           `yaml:"index"`
	Server    ServerConfig          `yaml:"server"`
}

// SinkConfig configures one sink. An empty File or zero MinLevel falls
// back to the built-in default for that sink.
type SinkConfig struct {
	File     string      `yaml:"file,omitempty"`
	MinLevel audit.Level `yaml:"min_level,omitempty"`
}

// IndexConfig controls the SQLite projection of the sinks.
type IndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// ServerConfig defines where `skylog serve` listens.
// Default: 127.0.0.1:3110 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads and parses the config file at path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config file with all fields populated
// and a comment header. Used by `skylog config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# skylog configuration
#
# log_dir:    Directory holding the sink files
# secret_env: Environment variable holding the HMAC secret (never put the secret here)
#
# channels:
#   <access|application|security|error>:
#     file:      Sink file name, relative to log_dir unless absolute
#     min_level: DEBUG, INFO, WARNING, ERROR or CRITICAL
#
# catch_all:  Sink receiving every ERROR-and-above record (its own chain)
#
# aliases:    Route logger names onto channels, first match wins
#   - pattern: "http.*"
#     channel: access
#
# index:      SQLite projection used by "skylog query"
# server:     Bind address of "skylog serve" (loopback by default)

`
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	channels := make(map[string]SinkConfig, len(audit.Channels))
	for _, c := range audit.Channels {
		channels[string(c)] = SinkConfig{
			File:     audit.DefaultFiles[string(c)],
			MinLevel: audit.DefaultMinLevel(string(c)),
		}
	}
	return &Config{
		LogDir:    "logs",
		SecretEnv: DefaultSecretEnv,
		Channels:  channels,
		CatchAll: SinkConfig{
			File:     audit.DefaultFiles[audit.RootChain],
			MinLevel: audit.DefaultMinLevel(audit.RootChain),
		},
		Index: IndexConfig{
			Enabled: true,
			File:    "index.db",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3110,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.LogDir == "" {
		return fmt.Errorf("log_dir must not be empty")
	}
	if cfg.SecretEnv == "" {
		return fmt.Errorf("secret_env must not be empty")
	}

	for name := range cfg.Channels {
		if _, err := audit.ParseChannel(name); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
	}

	if _, err := audit.NewResolver(cfg.Aliases); err != nil {
		return fmt.Errorf("aliases: %w", err)
	}

	if cfg.Index.Enabled && cfg.Index.File == "" {
		return fmt.Errorf("index.file is required when the index is enabled")
	}

	// Every chain needs a file of its own.
	owners := make(map[string]string)
	for _, c := range audit.Channels {
		chain := string(c)
		path := filepath.Clean(cfg.SinkPath(chain))
		if other, ok := owners[path]; ok {
			return fmt.Errorf("channels %s and %s both write to %s", other, chain, path)
		}
		owners[path] = chain
	}
	catchAll := filepath.Clean(cfg.SinkPath(audit.RootChain))
	if other, ok := owners[catchAll]; ok {
		return fmt.Errorf("catch_all and channel %s both write to %s", other, catchAll)
	}
	owners[catchAll] = "catch_all"
	if cfg.Index.Enabled {
		if other, ok := owners[filepath.Clean(cfg.IndexPath())]; ok {
			return fmt.Errorf("index.file and %s both use %s", other, cfg.IndexPath())
		}
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	return nil
}

// LoadSecret reads the HMAC secret from the environment variable named
// by SecretEnv. It is read once per process, at startup.
func (c *Config) LoadSecret() ([]byte, error) {
	v := os.Getenv(c.SecretEnv)
	if v == "" {
		return nil, fmt.Errorf("%w: export %s", ErrMissingSecret, c.SecretEnv)
	}
	return []byte(v), nil
}

// AuditOptions converts the config into options for audit.Open.
func (c *Config) AuditOptions(secret []byte) audit.Options {
	opts := audit.Options{
		Dir:       c.LogDir,
		Secret:    secret,
		Files:     make(map[string]string),
		MinLevels: make(map[string]audit.Level),
		Aliases:   c.Aliases,
	}
	set := func(chain string, sc SinkConfig) {
		if sc.File != "" {
			opts.Files[chain] = sc.File
		}
		if sc.MinLevel != 0 {
			opts.MinLevels[chain] = sc.MinLevel
		}
	}
	for name, sc := range c.Channels {
		set(name, sc)
	}
	set(audit.RootChain, c.CatchAll)
	return opts
}

// SinkPath returns the file of a chain key (a channel name or
// audit.RootChain) as the logger would open it.
func (c *Config) SinkPath(chain string) string {
	return c.AuditOptions(nil).SinkPath(chain)
}

// IndexPath returns the SQLite index file, resolved against LogDir.
func (c *Config) IndexPath() string {
	if filepath.IsAbs(c.Index.File) {
		return c.Index.File
	}
	return filepath.Join(c.LogDir, c.Index.File)
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
