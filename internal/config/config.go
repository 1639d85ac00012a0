// ABOUTME: Configuration loading and parsing for clawlink
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/clawlink/internal/rpc"
)

// Config represents the complete clawlink configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP API address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// RequestTimeout bounds every gateway round trip made for one API request
	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`

	// StreamTimeout bounds how long a streamed reply may run before it is aborted
	StreamTimeout    time.Duration `yaml:"-" toml:"-"`
	StreamTimeoutRaw string        `yaml:"stream_timeout" toml:"stream_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// GatewayConfig holds the identity and timing used when talking to agent gateways.
// The gateway owns the client-id allow-list; ClientID must be one it accepts.
type GatewayConfig struct {
	ClientID      string   `yaml:"client_id" toml:"client_id"`
	ClientVersion string   `yaml:"client_version" toml:"client_version"`
	Platform      string   `yaml:"platform" toml:"platform"`
	Mode          string   `yaml:"mode" toml:"mode"`
	Role          string   `yaml:"role" toml:"role"`
	Scopes        []string `yaml:"scopes" toml:"scopes"`
	MinProtocol   int      `yaml:"min_protocol" toml:"min_protocol"`
	MaxProtocol   int      `yaml:"max_protocol" toml:"max_protocol"`

	HistoryLimit     int `yaml:"history_limit" toml:"history_limit"`
	SessionListLimit int `yaml:"session_list_limit" toml:"session_list_limit"`

	ChallengeFallback time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout  time.Duration `yaml:"-" toml:"-"`
	CallTimeout       time.Duration `yaml:"-" toml:"-"`
	HTTPTimeout       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ChallengeFallbackRaw string `yaml:"challenge_fallback" toml:"challenge_fallback"`
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	CallTimeoutRaw       string `yaml:"call_timeout" toml:"call_timeout"`
	HTTPTimeoutRaw       string `yaml:"http_timeout" toml:"http_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:          "127.0.0.1:8090",
			RequestTimeoutRaw: "30s",
			StreamTimeoutRaw:  "5m",
		},
		Database: DatabaseConfig{
			Path: "clawlink.db",
		},
		Gateway: GatewayConfig{
			ClientID:             rpc.DefaultClientID,
			ClientVersion:        rpc.DefaultClientVersion,
			Platform:             rpc.DefaultPlatform,
			Mode:                 rpc.DefaultMode,
			Role:                 rpc.DefaultRole,
			Scopes:               append([]string(nil), rpc.DefaultScopes...),
			MinProtocol:          3,
			MaxProtocol:          3,
			HistoryLimit:         200,
			SessionListLimit:     100,
			ChallengeFallbackRaw: "800ms",
			HandshakeTimeoutRaw:  "10s",
			CallTimeoutRaw:       "10s",
			HTTPTimeoutRaw:       "15s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
	if err := parseDurations(cfg); err != nil {
		panic(fmt.Sprintf("default durations: %v", err))
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Values not present in the file keep their Default() value.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
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
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	g := c.Gateway
	if g.ClientID == "" {
		return fmt.Errorf("gateway.client_id is required")
	}
	if g.MinProtocol <= 0 || g.MaxProtocol < g.MinProtocol {
		return fmt.Errorf("gateway protocol range %d..%d is invalid", g.MinProtocol, g.MaxProtocol)
	}
	if g.HistoryLimit < 0 {
		return fmt.Errorf("gateway.history_limit must not be negative")
	}
	if g.SessionListLimit < 0 {
		return fmt.Errorf("gateway.session_list_limit must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// RPCOptions converts the gateway section into connection options.
func (g GatewayConfig) RPCOptions(logger *slog.Logger) rpc.Options {
	return rpc.Options{
		Client: rpc.ClientInfo{
			ID:       g.ClientID,
			Version:  g.ClientVersion,
			Platform: g.Platform,
			Mode:     g.Mode,
		},
		Role:              g.Role,
		Scopes:            append([]string(nil), g.Scopes...),
		MinProtocol:       g.MinProtocol,
		MaxProtocol:       g.MaxProtocol,
		ChallengeFallback: g.ChallengeFallback,
		HandshakeTimeout:  g.HandshakeTimeout,
		CallTimeout:       g.CallTimeout,
		Logger:            logger,
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"server.stream_timeout", cfg.Server.StreamTimeoutRaw, &cfg.Server.StreamTimeout},
		{"gateway.challenge_fallback", cfg.Gateway.ChallengeFallbackRaw, &cfg.Gateway.ChallengeFallback},
		{"gateway.handshake_timeout", cfg.Gateway.HandshakeTimeoutRaw, &cfg.Gateway.HandshakeTimeout},
		{"gateway.call_timeout", cfg.Gateway.CallTimeoutRaw, &cfg.Gateway.CallTimeout},
		{"gateway.http_timeout", cfg.Gateway.HTTPTimeoutRaw, &cfg.Gateway.HTTPTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
