// Package config provides configuration parsing and validation for pingtun.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when the configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Role selects which end of the tunnel this process runs.
type Role string

const (
	// RoleClient accepts local TCP connections and sends frames to the server.
	RoleClient Role = "client"
	// RoleServer receives frames and relays them to a TCP target.
	RoleServer Role = "server"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleServer
}

// Config represents the complete tunnel endpoint configuration.
type Config struct {
	Role   Role         `yaml:"role"`
	Log    LogConfig    `yaml:"log"`
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	ICMP   ICMPConfig   `yaml:"icmp"`
	Health HealthConfig `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, auto
}

// ClientConfig contains client role settings.
type ClientConfig struct {
	Listen         string `yaml:"listen"`          // local TCP host:port
	Remote         string `yaml:"remote"`          // server IPv4 address
	MaxConnections int    `yaml:"max_connections"` // 0 = unlimited
}

// ServerConfig contains server role settings.
type ServerConfig struct {
	Target      string        `yaml:"target"`       // TCP host:port to relay to
	DialTimeout time.Duration `yaml:"dial_timeout"` // 0 = no timeout
	Multiplex   bool          `yaml:"multiplex"`    // one target connection per connection id
	IdleTimeout time.Duration `yaml:"idle_timeout"` // multiplexed sessions only, 0 = never
}

// ICMPConfig contains raw socket and queue settings.
type ICMPConfig struct {
	Bind           string  `yaml:"bind"`            // local IPv4 address for the raw socket
	QueueSize      int     `yaml:"queue_size"`      // capacity of each frame queue
	VerifyChecksum bool    `yaml:"verify_checksum"` // drop inbound frames with a bad checksum
	RateLimit      float64 `yaml:"rate_limit"`      // outbound frames per second, 0 = unlimited
	RateBurst      int     `yaml:"rate_burst"`      // token bucket burst
}

// HealthConfig defines the health and metrics HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Role: RoleClient,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			Listen: "127.0.0.1:8022",
		},
		Server: ServerConfig{
			DialTimeout: 10 * time.Second,
			IdleTimeout: 5 * time.Minute,
		},
		ICMP: ICMPConfig{
			Bind:           "0.0.0.0",
			QueueSize:      256,
			VerifyChecksum: true,
			RateBurst:      64,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadUnvalidated reads a configuration file without validating it.
func LoadUnvalidated(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseUnvalidated(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg, err := ParseUnvalidated(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseUnvalidated parses YAML on top of the defaults without validating,
// so command-line flags can be applied before Validate.
func ParseUnvalidated(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. The returned error wraps
// ErrInvalid and lists every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !c.Role.Valid() {
		errs = append(errs, fmt.Sprintf("invalid role: %q (must be client or server)", c.Role))
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text, json, or auto)", c.Log.Format))
	}

	switch c.Role {
	case RoleClient:
		if err := validateHostPort(c.Client.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("client.listen: %v", err))
		}
		if c.Client.Remote == "" {
			errs = append(errs, "client.remote is required")
		} else if !isIPv4(c.Client.Remote) {
			errs = append(errs, fmt.Sprintf("client.remote: invalid IPv4 address: %s", c.Client.Remote))
		}
		if c.Client.MaxConnections < 0 {
			errs = append(errs, "client.max_connections must not be negative")
		}
	case RoleServer:
		if err := validateHostPort(c.Server.Target); err != nil {
			errs = append(errs, fmt.Sprintf("server.target: %v", err))
		}
		if c.Server.DialTimeout < 0 {
			errs = append(errs, "server.dial_timeout must not be negative")
		}
		if c.Server.IdleTimeout < 0 {
			errs = append(errs, "server.idle_timeout must not be negative")
		}
	}

	if !isIPv4(c.ICMP.Bind) {
		errs = append(errs, fmt.Sprintf("icmp.bind: invalid IPv4 address: %s", c.ICMP.Bind))
	}
	if c.ICMP.QueueSize < 1 {
		errs = append(errs, "icmp.queue_size must be positive")
	}
	if c.ICMP.RateLimit < 0 {
		errs = append(errs, "icmp.rate_limit must not be negative")
	}
	if c.ICMP.RateLimit > 0 && c.ICMP.RateBurst < 1 {
		errs = append(errs, "icmp.rate_burst must be positive when rate_limit is set")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}

	return nil
}

// ListenPort returns the numeric port of the client listen address.
func (c *Config) ListenPort() int {
	_, port, err := net.SplitHostPort(c.Client.Listen)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json", "auto":
		return true
	default:
		return false
	}
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: host is required", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q (must be 1-65535)", port)
	}
	return nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
