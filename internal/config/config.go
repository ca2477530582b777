// Package config handles loading, validating, and writing the broker's
// configuration from a YAML file (spec §6 configuration option table).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the broker's process-wide configuration, read once at
// startup from config.yaml. No option has a CLI flag or environment
// variable override.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Validation ValidationConfig `yaml:"validation"`
	CORS       CORSConfig       `yaml:"cors"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig defines where the broker listens.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AuthConfig controls the admin observability page's credential gate
// (spec §4.8).
type AuthConfig struct {
	RequireAuth   bool   `yaml:"requireAuth"`
	AdminPassword string `yaml:"adminPassword"`
	TokenSecret   string `yaml:"tokenSecret"`
}

// RateLimitConfig mirrors spec §4.5's per-address sliding-window gate.
type RateLimitConfig struct {
	Enabled               bool `yaml:"enabled"`
	MaxRequestsPerMinute  int  `yaml:"maxRequestsPerMinute"`
	MaxConnectionsPerIP   int  `yaml:"maxConnectionsPerIP"`
}

// ValidationConfig controls body size and the optional slug whitelist
// (spec §4.6; whitelist-file hot reload is a SPEC_FULL addition).
type ValidationConfig struct {
	MaxRequestBytes int64    `yaml:"maxRequestBytes"`
	SlugWhitelist   []string `yaml:"slugWhitelist"`
	WhitelistFile   string   `yaml:"whitelistFile"`
}

// CORSConfig controls the CORS headers emitted on every reply (spec §6).
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// ObservabilityConfig controls the SQLite-backed log export (SPEC_FULL
// §4.7 addition; the ring/stats themselves are not configurable).
type ObservabilityConfig struct {
	LogStorePath string `yaml:"logStorePath"`
}

// fallbackTokenSecret is used only when no tokenSecret is configured —
// matches spec §6's "fallback literal" default, which is why operators
// are expected to override it in production.
const fallbackTokenSecret = "relaybrk-insecure-default-secret"

// Load reads and parses config.yaml from path. If the file doesn't
// exist, defaults apply (not an error); invalid YAML or a failed
// validation pass returns an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

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

// WriteDefault writes a default config.yaml with a comment header,
// matching the teacher's first-run setup convention.
func WriteDefault(path string) error {
	cfg := defaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# relaybrk configuration
#
# server.port:               TCP listen port
# auth.requireAuth:          gate /api/* behind a bearer token
# auth.adminPassword:        secret compared to the /auth/login body
# auth.tokenSecret:          key used to sign/verify bearer tokens
# rateLimit.enabled:         master switch for the per-IP sliding window
# validation.maxRequestBytes: body size ceiling before a 413
# validation.slugWhitelist:  closed set of admissible slugs; empty = open
# validation.whitelistFile:  hot-reloaded file of one glob pattern per line
# cors.enabled:              emit CORS headers on every reply
# observability.logStorePath: SQLite file for exported log records

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 3000},
		Auth: AuthConfig{
			RequireAuth:   false,
			AdminPassword: "admin123",
			TokenSecret:   fallbackTokenSecret,
		},
		RateLimit: RateLimitConfig{
			Enabled:              true,
			MaxRequestsPerMinute: 100,
			MaxConnectionsPerIP:  10,
		},
		Validation: ValidationConfig{
			MaxRequestBytes: 10 * 1024 * 1024,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		Observability: ObservabilityConfig{
			LogStorePath: "relaybrk-log.db",
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Validation.MaxRequestBytes <= 0 {
		return fmt.Errorf("validation.maxRequestBytes must be positive")
	}
	if cfg.RateLimit.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("rateLimit.maxRequestsPerMinute must be positive")
	}
	if cfg.RateLimit.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("rateLimit.maxConnectionsPerIP must be positive")
	}
	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.tokenSecret must not be empty")
	}
	if cfg.CORS.Enabled && len(cfg.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowedOrigins must not be empty when cors is enabled")
	}
	return nil
}

// AllowedOriginsHeader joins the configured origins for the
// Access-Control-Allow-Origin header (spec §6).
func (c *Config) AllowedOriginsHeader() string {
	if len(c.CORS.AllowedOrigins) == 1 {
		return c.CORS.AllowedOrigins[0]
	}
	return strings.Join(c.CORS.AllowedOrigins, ", ")
}
