// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers defaults, YAML/TOML files, env overrides, expansion and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, 8766, cfg.HTTP.Port)
	assert.Empty(t, cfg.Auth.APIKey)
	assert.Empty(t, cfg.Auth.AgentSecret)
	assert.Empty(t, cfg.Server.AllowedOrigins)
	assert.Equal(t, OnConflictReplace, cfg.Agent.OnConflict)
	assert.Equal(t, 30*time.Second, cfg.Commands.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Commands.IdentifyTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Source)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Empty(t, cfg.Source)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  host: "127.0.0.1"
  port: 9000
  allowed_origins:
    - "chrome-extension://abc"
    - "https://ops.example.com"

http:
  enabled: false

auth:
  api_key: "client-key"
  agent_secret: "agent-secret"

agent:
  on_conflict: "reject"

commands:
  timeout: "5s"
  identify_timeout: "2s"

database:
  path: "./ledger.db"

logging:
  level: "warn"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, []string{"chrome-extension://abc", "https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, 8766, cfg.HTTP.Port, "absent keys keep defaults")
	assert.Equal(t, "client-key", cfg.Auth.APIKey)
	assert.Equal(t, "agent-secret", cfg.Auth.AgentSecret)
	assert.Equal(t, OnConflictReject, cfg.Agent.OnConflict)
	assert.Equal(t, 5*time.Second, cfg.Commands.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Commands.IdentifyTimeout)
	assert.Equal(t, "./ledger.db", cfg.Database.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
debug = true

[server]
port = 7000

[http]
port = 7000

[auth]
api_key = "toml-key"

[commands]
timeout = "45s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.SharedListener())
	assert.Equal(t, "toml-key", cfg.Auth.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Commands.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level, "debug flag forces debug logging")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  port: 9000
auth:
  api_key: "from-file"
`)
	t.Setenv("PUPPET_PORT", "9100")
	t.Setenv("PUPPET_HOST", "10.0.0.5")
	t.Setenv("PUPPET_API_KEY", "from-env")
	t.Setenv("PUPPET_AGENT_SECRET", "s3cret")
	t.Setenv("PUPPET_HTTP_ENABLED", "false")
	t.Setenv("PUPPET_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PUPPET_COMMAND_TIMEOUT", "1m")
	t.Setenv("PUPPET_AGENT_ON_CONFLICT", "reject")
	t.Setenv("PUPPET_DEBUG", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, "from-env", cfg.Auth.APIKey)
	assert.Equal(t, "s3cret", cfg.Auth.AgentSecret)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, time.Minute, cfg.Commands.Timeout)
	assert.Equal(t, OnConflictReject, cfg.Agent.OnConflict)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvEmptyValueClearsFileValue(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
auth:
  api_key: "from-file"
`)
	t.Setenv("PUPPET_API_KEY", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.APIKey)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("PUPPET_PORT", "eighty")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUPPET_PORT")

	t.Setenv("PUPPET_PORT", "8765")
	t.Setenv("PUPPET_HTTP_ENABLED", "maybe")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUPPET_HTTP_ENABLED")
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_AGENT_SECRET", "expanded-secret")
	path := writeConfig(t, "gateway.yaml", `
auth:
  agent_secret: "${TEST_AGENT_SECRET}"
  api_key: "${TEST_UNSET_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.Auth.AgentSecret)
	assert.Empty(t, cfg.Auth.APIKey)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "server: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
commands:
  timeout: "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing timeout")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErrSubstr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "port zero", mutate: func(c *Config) { c.Server.Port = 0 }, wantErrSubstr: "server.port"},
		{name: "http port too large", mutate: func(c *Config) { c.HTTP.Port = 70000 }, wantErrSubstr: "http.port"},
		{name: "http port ignored when disabled", mutate: func(c *Config) { c.HTTP.Enabled = false; c.HTTP.Port = 0 }},
		{name: "bad conflict policy", mutate: func(c *Config) { c.Agent.OnConflict = "queue" }, wantErrSubstr: "agent.on_conflict"},
		{name: "zero timeout", mutate: func(c *Config) { c.Commands.Timeout = 0 }, wantErrSubstr: "commands.timeout"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErrSubstr: "logging.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErrSubstr: "logging.format"},
		{name: "tailscale requires hostname", mutate: func(c *Config) { c.Tailscale.Enabled = true }, wantErrSubstr: "tailscale.hostname is required"},
		{name: "tailscale with hostname", mutate: func(c *Config) { c.Tailscale.Enabled = true; c.Tailscale.Hostname = "puppet" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErrSubstr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErrSubstr), "error %q should contain %q", err, tt.wantErrSubstr)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("PUPPET_CONFIG", "/etc/puppet/custom.yaml")
	assert.Equal(t, "/etc/puppet/custom.yaml", DefaultPath())

	t.Setenv("PUPPET_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "puppet", "gateway.yaml"), DefaultPath())
}
