// ABOUTME: Configuration loading and parsing for puppet-gateway
// ABOUTME: Layers built-in defaults, an optional YAML/TOML file and environment overrides

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Agent conflict policies for a second agent identifying while one is live.
const (
	OnConflictReplace = "replace"
	OnConflictReject  = "reject"
)

// Config represents the complete puppet-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Commands  CommandsConfig  `yaml:"commands" toml:"commands"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Debug     bool            `yaml:"debug" toml:"debug"`

	// Source is the file the config was read from, empty when none was found.
	Source string `yaml:"-" toml:"-"`
}

// ServerConfig holds the WebSocket listener configuration
type ServerConfig struct {
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// HTTPConfig holds the health endpoint configuration
type HTTPConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Port    int  `yaml:"port" toml:"port"`
}

// AuthConfig holds credentials. Empty values leave that role open.
type AuthConfig struct {
	APIKey      string `yaml:"api_key" toml:"api_key"`
	AgentSecret string `yaml:"agent_secret" toml:"agent_secret"`
	JWTSecret   string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentConfig controls the single agent slot
type AgentConfig struct {
	OnConflict string `yaml:"on_conflict" toml:"on_conflict"`
}

// CommandsConfig holds command timing configuration
type CommandsConfig struct {
	Timeout         time.Duration `yaml:"-" toml:"-"`
	IdentifyTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw         string `yaml:"timeout" toml:"timeout"`
	IdentifyTimeoutRaw string `yaml:"identify_timeout" toml:"identify_timeout"`
}

// DatabaseConfig holds the command ledger location. Empty disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8765,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    8766,
		},
		Agent: AgentConfig{
			OnConflict: OnConflictReplace,
		},
		Commands: CommandsConfig{
			Timeout:         30 * time.Second,
			IdentifyTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location.
// Priority: PUPPET_CONFIG env var > XDG_CONFIG_HOME/puppet/gateway.yaml > ~/.config/puppet/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("PUPPET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "puppet", "gateway.yaml")
}

// Load builds a Config from defaults, the file at path and the environment.
// A missing file is not an error; the defaults and environment still apply.
// Environment variables in the format ${VAR_NAME} inside the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := decodeFile(path, expandEnvVars(string(data)), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
			cfg.Source = path
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// decodeFile unmarshals on top of cfg so absent keys keep their defaults.
func decodeFile(path, data string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(data, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(data), cfg)
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

// applyEnv overlays PUPPET_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("PUPPET_HOST"); ok {
		cfg.Server.Host = v
	}
	if err := envInt("PUPPET_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := envBool("PUPPET_HTTP_ENABLED", &cfg.HTTP.Enabled); err != nil {
		return err
	}
	if err := envInt("PUPPET_HTTP_PORT", &cfg.HTTP.Port); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("PUPPET_API_KEY"); ok {
		cfg.Auth.APIKey = v
	}
	if v, ok := os.LookupEnv("PUPPET_AGENT_SECRET"); ok {
		cfg.Auth.AgentSecret = v
	}
	if v, ok := os.LookupEnv("PUPPET_JWT_SECRET"); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := os.LookupEnv("PUPPET_ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if err := envBool("PUPPET_DEBUG", &cfg.Debug); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("PUPPET_COMMAND_TIMEOUT"); ok {
		cfg.Commands.TimeoutRaw = v
	}
	if v, ok := os.LookupEnv("PUPPET_AGENT_ON_CONFLICT"); ok {
		cfg.Agent.OnConflict = v
	}
	if v, ok := os.LookupEnv("PUPPET_DB_PATH"); ok {
		cfg.Database.Path = v
	}
	if v, ok := os.LookupEnv("PUPPET_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	return nil
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s=%q: not an integer", name, v)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s=%q: not a boolean", name, v)
	}
	*dst = b
	return nil
}

// splitList parses a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Commands.TimeoutRaw != "" {
		cfg.Commands.Timeout, err = time.ParseDuration(cfg.Commands.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", cfg.Commands.TimeoutRaw, err)
		}
	}

	if cfg.Commands.IdentifyTimeoutRaw != "" {
		cfg.Commands.IdentifyTimeout, err = time.ParseDuration(cfg.Commands.IdentifyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing identify_timeout %q: %w", cfg.Commands.IdentifyTimeoutRaw, err)
		}
	}

	return nil
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !validPort(c.Server.Port) {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.HTTP.Enabled && !validPort(c.HTTP.Port) {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}

	switch c.Agent.OnConflict {
	case OnConflictReplace, OnConflictReject:
	default:
		return fmt.Errorf("agent.on_conflict must be %q or %q, got %q", OnConflictReplace, OnConflictReject, c.Agent.OnConflict)
	}

	if c.Commands.Timeout <= 0 {
		return fmt.Errorf("commands.timeout must be positive")
	}
	if c.Commands.IdentifyTimeout <= 0 {
		return fmt.Errorf("commands.identify_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// Addr returns the WebSocket listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// HTTPAddr returns the health listen address. It shares the server host.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.HTTP.Port))
}

// SharedListener reports whether the health endpoints are served on the WebSocket port.
func (c *Config) SharedListener() bool {
	return c.HTTP.Enabled && c.HTTP.Port == c.Server.Port
}
