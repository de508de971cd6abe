// Package config provides configuration parsing and validation for Windrift.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"gopkg.in/yaml.v3"
)

// Config represents the complete endpoint configuration. A process runs
// either the server or the client section, selected by subcommand; both
// may live in one file.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig defines the relay server.
type ServerConfig struct {
	Listen string    `yaml:"listen"` // UDP listen address
	TLS    TLSConfig `yaml:"tls"`

	// Users maps client uuids to passwords.
	Users map[string]string `yaml:"users"`

	AuthTimeout       time.Duration `yaml:"auth_timeout"`       // close unauthenticated connections after this
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"` // drop half-assembled packets after this
	IdleTimeout       time.Duration `yaml:"idle_timeout"`       // transport max idle
	MaxDatagramSize   int           `yaml:"max_datagram_size"`  // outbound datagram capacity before fragmenting
	MaxPendingBytes   int           `yaml:"max_pending_bytes"`  // held-command budget while auth is pending
	AcceptRate        int           `yaml:"accept_rate"`        // new connections per second, 0 = unlimited
	ZeroRTT           bool          `yaml:"zero_rtt"`           // allow 0-RTT resumption
	Strict            bool          `yaml:"strict"`             // terminate on unknown command types

	HealthListen string `yaml:"health_listen"` // health/metrics HTTP address, empty disables
}

// ClientConfig defines the relay client.
type ClientConfig struct {
	Server string `yaml:"server"` // server address host:port
	SNI    string `yaml:"sni"`    // TLS server name, defaults to the server host

	UUID     string `yaml:"uuid"`
	Password string `yaml:"password"`

	ALPN               []string      `yaml:"alpn"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxDatagramSize    int           `yaml:"max_datagram_size"`
	UDPRelayMode       string        `yaml:"udp_relay_mode"` // datagram or stream
	ZeroRTT            bool          `yaml:"zero_rtt"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // dev only
	CA                 string        `yaml:"ca"`                   // extra root CA file

	HealthListen string `yaml:"health_listen"` // health/metrics HTTP address, empty disables

	Forwards []ForwardConfig `yaml:"forwards"`
}

// ForwardConfig defines a local port forwarded through the relay.
type ForwardConfig struct {
	Listen   string `yaml:"listen"`   // local listen address
	Protocol string `yaml:"protocol"` // tcp or udp
	Target   string `yaml:"target"`   // remote target host:port
}

// TLSConfig defines server TLS settings.
type TLSConfig struct {
	Cert string `yaml:"cert"` // certificate file path
	Key  string `yaml:"key"`  // private key file path
}

// Default returns a configuration with sane defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen:            ":4433",
			Users:             map[string]string{},
			AuthTimeout:       3 * time.Second,
			ReassemblyTimeout: 30 * time.Second,
			IdleTimeout:       90 * time.Second,
			MaxDatagramSize:   1200,
			MaxPendingBytes:   8 << 20,
		},
		Client: ClientConfig{
			ALPN:            []string{"h3"},
			Heartbeat:       30 * time.Second,
			IdleTimeout:     90 * time.Second,
			MaxDatagramSize: 1200,
			UDPRelayMode:    "datagram",
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

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
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

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the shared sections for errors. Role-specific checks
// run in ValidateServer and ValidateClient.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	for id := range c.Server.Users {
		if _, err := uuid.Parse(id); err != nil {
			errs = append(errs, fmt.Sprintf("server.users: invalid uuid %q", id))
		}
	}
	if c.Client.UUID != "" {
		if _, err := uuid.Parse(c.Client.UUID); err != nil {
			errs = append(errs, fmt.Sprintf("client.uuid: invalid uuid %q", c.Client.UUID))
		}
	}
	if m := c.Client.UDPRelayMode; m != "" && m != "datagram" && m != "stream" {
		errs = append(errs, fmt.Sprintf("client.udp_relay_mode: %s (must be datagram or stream)", m))
	}
	for i, f := range c.Client.Forwards {
		if err := validateForward(f); err != nil {
			errs = append(errs, fmt.Sprintf("client.forwards[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ValidateServer checks the fields the server subcommand requires.
func (c *Config) ValidateServer() error {
	var errs []string

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen is required")
	}
	if c.Server.TLS.Cert == "" || c.Server.TLS.Key == "" {
		errs = append(errs, "server.tls.cert and server.tls.key are required")
	}
	if len(c.Server.Users) == 0 {
		errs = append(errs, "server.users must list at least one client")
	}
	if c.Server.AuthTimeout <= 0 {
		errs = append(errs, "server.auth_timeout must be positive")
	}
	if c.Server.MaxDatagramSize < 64 {
		errs = append(errs, "server.max_datagram_size must be at least 64")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ValidateClient checks the fields the client subcommand requires.
func (c *Config) ValidateClient() error {
	var errs []string

	if c.Client.Server == "" {
		errs = append(errs, "client.server is required")
	}
	if c.Client.UUID == "" {
		errs = append(errs, "client.uuid is required")
	}
	if c.Client.Password == "" {
		errs = append(errs, "client.password is required")
	}
	if c.Client.MaxDatagramSize < 64 {
		errs = append(errs, "client.max_datagram_size must be at least 64")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
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
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateForward(f ForwardConfig) error {
	if f.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if f.Protocol != "tcp" && f.Protocol != "udp" {
		return fmt.Errorf("invalid protocol: %s (must be tcp or udp)", f.Protocol)
	}
	if f.Target == "" {
		return fmt.Errorf("target is required")
	}
	return nil
}

// UserMap converts the uuid keys into parsed form. Validate must have
// accepted the config first.
func (s *ServerConfig) UserMap() (map[uuid.UUID]string, error) {
	users := make(map[uuid.UUID]string, len(s.Users))
	for id, password := range s.Users {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid client uuid %q: %w", id, err)
		}
		users[parsed] = password
	}
	return users, nil
}

// ClientID returns the parsed client uuid.
func (c *ClientConfig) ClientID() (uuid.UUID, error) {
	return uuid.Parse(c.UUID)
}

// ServerName returns the TLS server name: the configured SNI, or the
// host portion of the server address.
func (c *ClientConfig) ServerName() string {
	if c.SNI != "" {
		return c.SNI
	}
	host := c.Server
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for id, password := range redacted.Server.Users {
		if password != "" {
			redacted.Server.Users[id] = redactedValue
		}
	}
	if redacted.Client.Password != "" {
		redacted.Client.Password = redactedValue
	}
	if redacted.Server.TLS.Key != "" {
		redacted.Server.TLS.Key = redactedValue
	}

	return redacted
}
