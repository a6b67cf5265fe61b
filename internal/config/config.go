// ABOUTME: Configuration loading and parsing for mossy
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default ceremony and session timings. The challenge TTL bounds how long
// a client has to complete a registration or login ceremony.
const (
	DefaultSessionLifetime = 48 * time.Hour
	DefaultChallengeTTL    = 3 * time.Minute
)

// Config represents the complete mossy configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	RelyingParty RelyingPartyConfig `yaml:"relying_party"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// RelyingPartyConfig identifies this server to WebAuthn authenticators.
// ID is the relying-party identifier (a registrable domain); Origins are
// the browser origins assertions must come from.
type RelyingPartyConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Origins []string `yaml:"origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds ceremony and session timing configuration
type AuthConfig struct {
	SessionLifetime time.Duration `yaml:"-"`
	ChallengeTTL    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SessionLifetimeRaw string `yaml:"session_lifetime"`
	ChallengeTTLRaw    string `yaml:"challenge_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.RelyingParty.ID == "" {
		return fmt.Errorf("relying_party.id is required")
	}
	if len(c.RelyingParty.Origins) == 0 {
		return fmt.Errorf("relying_party.origins is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.SessionLifetime < 0 {
		return fmt.Errorf("auth.session_lifetime must be positive")
	}
	if c.Auth.ChallengeTTL < 0 {
		return fmt.Errorf("auth.challenge_ttl must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
// and applies defaults for unset fields.
func parseDurations(cfg *Config) error {
	var err error

	cfg.Auth.SessionLifetime = DefaultSessionLifetime
	if cfg.Auth.SessionLifetimeRaw != "" {
		cfg.Auth.SessionLifetime, err = time.ParseDuration(cfg.Auth.SessionLifetimeRaw)
		if err != nil {
			return fmt.Errorf("parsing session_lifetime %q: %w", cfg.Auth.SessionLifetimeRaw, err)
		}
	}

	cfg.Auth.ChallengeTTL = DefaultChallengeTTL
	if cfg.Auth.ChallengeTTLRaw != "" {
		cfg.Auth.ChallengeTTL, err = time.ParseDuration(cfg.Auth.ChallengeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing challenge_ttl %q: %w", cfg.Auth.ChallengeTTLRaw, err)
		}
	}

	return nil
}
