// ABOUTME: Configuration loading and parsing for the tool-relay gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the default config path.
const EnvConfigPath = "TOOL_RELAY_CONFIG"

// Defaults applied before the file is read.
const (
	DefaultAddr              = "0.0.0.0:8765"
	DefaultUpstreamURL       = "ws://localhost:8000/ws"
	DefaultDialTimeout       = 10 * time.Second
	DefaultCallTimeout       = 10 * time.Second
	DefaultReconnectAttempts = 3
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultWorkers           = 16
	DefaultSessionInFlight   = 64
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultSubprocessTimeout = 30 * time.Second
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Planner   PlannerConfig   `yaml:"planner"`

	// Spec is the path of the declarative tool document.
	Spec string `yaml:"spec"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC health service
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// UpstreamConfig configures the backend connector
type UpstreamConfig struct {
	URL               string        `yaml:"url"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	WaitForReconnect  bool          `yaml:"wait_for_reconnect"`
	DialTimeout       time.Duration `yaml:"-"`
	CallTimeout       time.Duration `yaml:"-"`
	BackoffBase       time.Duration `yaml:"-"`
	BackoffMax        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DialTimeoutRaw string `yaml:"dial_timeout"`
	CallTimeoutRaw string `yaml:"call_timeout"`
	BackoffBaseRaw string `yaml:"backoff_base"`
	BackoffMaxRaw  string `yaml:"backoff_max"`
}

// DispatchConfig configures the execution dispatcher
type DispatchConfig struct {
	Workers           int           `yaml:"workers"`
	SessionInFlight   int           `yaml:"session_in_flight"`
	RedactListing     bool          `yaml:"redact_listing"`
	HTTPTimeout       time.Duration `yaml:"-"`
	SubprocessTimeout time.Duration `yaml:"-"`

	HTTPTimeoutRaw       string `yaml:"http_timeout"`
	SubprocessTimeoutRaw string `yaml:"subprocess_timeout"`
}

// DatabaseConfig holds the school store location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PlannerConfig selects how natural-language queries become plans
type PlannerConfig struct {
	Provider    string `yaml:"provider"` // anthropic, openai, or rule
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	IdentityKey string `yaml:"identity_key"`
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultAddr},
		Upstream: UpstreamConfig{
			URL:               DefaultUpstreamURL,
			ReconnectAttempts: DefaultReconnectAttempts,
			DialTimeout:       DefaultDialTimeout,
			CallTimeout:       DefaultCallTimeout,
			BackoffBase:       DefaultBackoffBase,
			BackoffMax:        DefaultBackoffMax,
		},
		Dispatch: DispatchConfig{
			Workers:           DefaultWorkers,
			SessionInFlight:   DefaultSessionInFlight,
			HTTPTimeout:       DefaultHTTPTimeout,
			SubprocessTimeout: DefaultSubprocessTimeout,
		},
		Database: DatabaseConfig{Path: defaultDatabasePath()},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Planner:  PlannerConfig{Provider: "rule", IdentityKey: "id"},
	}
}

// DefaultPath resolves the config path: flagPath, then $TOOL_RELAY_CONFIG, then
// $XDG_CONFIG_HOME/tool-relay/gateway.yaml. The boolean reports whether the
// path was chosen explicitly.
func DefaultPath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, true
	}
	return filepath.Join(configHome(), "tool-relay", "gateway.yaml"), false
}

// LoadOrDefault loads the resolved config path. A missing default file yields
// defaults; a missing explicit file is an error.
func LoadOrDefault(flagPath string) (*Config, error) {
	path, explicit := DefaultPath(flagPath)
	cfg, err := Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Upstream.ReconnectAttempts < 1 {
		return fmt.Errorf("upstream.reconnect_attempts must be at least 1")
	}

	if c.Upstream.BackoffBase <= 0 || c.Upstream.BackoffMax < c.Upstream.BackoffBase {
		return fmt.Errorf("upstream.backoff_max must be at least upstream.backoff_base")
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.SessionInFlight < 1 {
		return fmt.Errorf("dispatch.session_in_flight must be at least 1")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	switch c.Planner.Provider {
	case "", "rule", "anthropic", "openai":
	default:
		return fmt.Errorf("planner.provider must be rule, anthropic, or openai, got %q", c.Planner.Provider)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream.dial_timeout", cfg.Upstream.DialTimeoutRaw, &cfg.Upstream.DialTimeout},
		{"upstream.call_timeout", cfg.Upstream.CallTimeoutRaw, &cfg.Upstream.CallTimeout},
		{"upstream.backoff_base", cfg.Upstream.BackoffBaseRaw, &cfg.Upstream.BackoffBase},
		{"upstream.backoff_max", cfg.Upstream.BackoffMaxRaw, &cfg.Upstream.BackoffMax},
		{"dispatch.http_timeout", cfg.Dispatch.HTTPTimeoutRaw, &cfg.Dispatch.HTTPTimeout},
		{"dispatch.subprocess_timeout", cfg.Dispatch.SubprocessTimeoutRaw, &cfg.Dispatch.SubprocessTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config")
	}
	return "."
}

func defaultDatabasePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "tool-relay", "school.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "tool-relay", "school.db")
	}
	return "school.db"
}
