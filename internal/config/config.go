// ABOUTME: Configuration loading and parsing for den-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete den-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Agent       AgentConfig       `yaml:"agent"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the WebSocket control port configuration
type ServerConfig struct {
	// Addr is the listen address for the WebSocket control port
	Addr string `yaml:"addr"`

	// Bind selects the bind policy: loopback, lan, tailnet, or auto.
	// auto picks tailnet when tailscale is configured, loopback otherwise.
	Bind string `yaml:"bind"`

	// MaxPayloadBytes caps a single inbound frame; larger frames are
	// rejected with capacity_exceeded without being processed
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	TickInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TickIntervalRaw string `yaml:"tick_interval"`
}

// BridgeConfig holds the TCP node port configuration
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// PairedStorePath is the TOML file holding paired node records
	PairedStorePath string `yaml:"paired_store_path"`

	// MDNS advertises the bridge listener as _den-bridge._tcp on the LAN
	MDNS         bool   `yaml:"mdns"`
	MDNSInstance string `yaml:"mdns_instance"`

	InvokeTimeout time.Duration `yaml:"-"`
	PingInterval  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InvokeTimeoutRaw string `yaml:"invoke_timeout"`
	PingIntervalRaw  string `yaml:"ping_interval"`
}

// TailscaleConfig holds Tailscale tsnet configuration for bind: tailnet
type TailscaleConfig struct {
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer-token verification on connect when set
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds session defaults and retention
type SessionsConfig struct {
	DefaultThinking   string `yaml:"default_thinking"`
	DefaultVerbose    bool   `yaml:"default_verbose"`
	DefaultActivation string `yaml:"default_activation"`

	Retention time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RetentionRaw string `yaml:"retention"`
}

// AgentConfig holds agent run configuration
type AgentConfig struct {
	RunCeiling time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RunCeilingRaw string `yaml:"run_ceiling"`
}

// IdempotencyConfig holds idempotency cache bounds
type IdempotencyConfig struct {
	Capacity int `yaml:"capacity"`

	TTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with working defaults: loopback WS port,
// bridge disabled, in-memory-adjacent database path left empty for the
// caller to fill.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:4482",
			Bind:            "loopback",
			MaxPayloadBytes: 512 * 1024,
			TickInterval:    30 * time.Second,
		},
		Bridge: BridgeConfig{
			Addr:          "0.0.0.0:4483",
			InvokeTimeout: 30 * time.Second,
			PingInterval:  20 * time.Second,
			MDNSInstance:  "den-gateway",
		},
		Sessions: SessionsConfig{
			DefaultThinking:   "off",
			DefaultActivation: "mention",
		},
		Agent: AgentConfig{
			RunCeiling: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Capacity: 1000,
			TTL:      5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

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
	switch c.Server.Bind {
	case "loopback", "lan", "tailnet", "auto":
	default:
		return fmt.Errorf("server.bind must be loopback, lan, tailnet, or auto (got %q)", c.Server.Bind)
	}

	if c.Server.Bind == "tailnet" && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when server.bind is tailnet")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if c.Server.MaxPayloadBytes <= 0 {
		return fmt.Errorf("server.max_payload_bytes must be positive")
	}

	if c.Bridge.Enabled && c.Bridge.Addr == "" {
		return fmt.Errorf("bridge.addr is required when bridge is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Sessions.DefaultThinking {
	case "off", "minimal", "low", "medium", "high":
	default:
		return fmt.Errorf("sessions.default_thinking must be one of off, minimal, low, medium, high (got %q)", c.Sessions.DefaultThinking)
	}

	switch c.Sessions.DefaultActivation {
	case "mention", "always":
	default:
		return fmt.Errorf("sessions.default_activation must be mention or always (got %q)", c.Sessions.DefaultActivation)
	}

	if c.Idempotency.Capacity <= 0 {
		return fmt.Errorf("idempotency.capacity must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Server.TickIntervalRaw, &cfg.Server.TickInterval, "server.tick_interval"},
		{cfg.Bridge.InvokeTimeoutRaw, &cfg.Bridge.InvokeTimeout, "bridge.invoke_timeout"},
		{cfg.Bridge.PingIntervalRaw, &cfg.Bridge.PingInterval, "bridge.ping_interval"},
		{cfg.Sessions.RetentionRaw, &cfg.Sessions.Retention, "sessions.retention"},
		{cfg.Agent.RunCeilingRaw, &cfg.Agent.RunCeiling, "agent.run_ceiling"},
		{cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL, "idempotency.ttl"},
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
