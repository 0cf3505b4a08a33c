// Package config provides configuration parsing and validation for the connect proxy.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides for secrets that should not live in the
// config file.
const (
	EnvAPIToken = "CONNECT_PROXY_API_TOKEN"
)

// DefaultForwardPort is the fixed well-known port siblings listen on for
// relayed CONNECT handshakes.
const DefaultForwardPort = 3128

// Config represents the complete proxy configuration.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Directory DirectoryConfig `yaml:"directory"`
	Forward   ForwardConfig   `yaml:"forward"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

// ProxyConfig contains the CONNECT listener settings.
type ProxyConfig struct {
	Address           string        `yaml:"address"`             // listen address, e.g. ":3128"
	ServiceInstanceID int           `yaml:"service_instance_id"` // this instance's directory ID
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`     // outbound device-side dial timeout
	MaxConnections    int           `yaml:"max_connections"`     // 0 = unlimited
}

// DirectoryConfig contains device directory API settings.
type DirectoryConfig struct {
	BaseURL  string        `yaml:"base_url"` // directory API base URL
	APIToken string        `yaml:"api_token"` // privileged lookup credential
	Timeout  time.Duration `yaml:"timeout"`   // per-request HTTP timeout
}

// ForwardConfig contains sibling forwarding settings.
type ForwardConfig struct {
	Port           int           `yaml:"port"`            // sibling forwarding port
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // sibling TCP dial timeout
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			Address:        ":3128",
			ConnectTimeout: 30 * time.Second,
			MaxConnections: 0,
		},
		Directory: DirectoryConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Forward: ForwardConfig{
			Port:           DefaultForwardPort,
			ConnectTimeout: 30 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      true,
			Address:      ":8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies environment overrides
// and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if token := os.Getenv(EnvAPIToken); token != "" {
		c.Directory.APIToken = token
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Proxy.Address); err != nil {
		return fmt.Errorf("proxy.address %q: %w", c.Proxy.Address, err)
	}
	if c.Proxy.ServiceInstanceID <= 0 {
		return fmt.Errorf("proxy.service_instance_id must be positive, got %d", c.Proxy.ServiceInstanceID)
	}
	if c.Proxy.ConnectTimeout <= 0 {
		return fmt.Errorf("proxy.connect_timeout must be positive")
	}
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory.base_url is required")
	}
	if c.Directory.APIToken == "" {
		return fmt.Errorf("directory.api_token is required (or set %s)", EnvAPIToken)
	}
	if c.Forward.Port <= 0 || c.Forward.Port > 65535 {
		return fmt.Errorf("forward.port %d out of range", c.Forward.Port)
	}
	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			return fmt.Errorf("health.address %q: %w", c.Health.Address, err)
		}
	}
	return nil
}
