// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  addr: "127.0.0.1:4482"
  bind: "loopback"
  max_payload_bytes: 262144
  tick_interval: "15s"

bridge:
  enabled: true
  addr: "0.0.0.0:4483"
  paired_store_path: "./nodes.toml"
  mdns: true
  invoke_timeout: "10s"
  ping_interval: "30s"

database:
  path: "./den.db"

sessions:
  default_thinking: "low"
  default_activation: "always"
  retention: "720h"

agent:
  run_ceiling: "2m"

idempotency:
  ttl: "5m"
  capacity: 500

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:4482" {
		t.Errorf("server.addr = %q, want 127.0.0.1:4482", cfg.Server.Addr)
	}
	if cfg.Server.MaxPayloadBytes != 262144 {
		t.Errorf("server.max_payload_bytes = %d, want 262144", cfg.Server.MaxPayloadBytes)
	}
	if cfg.Server.TickInterval != 15*time.Second {
		t.Errorf("server.tick_interval = %v, want 15s", cfg.Server.TickInterval)
	}
	if !cfg.Bridge.Enabled {
		t.Error("bridge.enabled = false, want true")
	}
	if cfg.Bridge.InvokeTimeout != 10*time.Second {
		t.Errorf("bridge.invoke_timeout = %v, want 10s", cfg.Bridge.InvokeTimeout)
	}
	if cfg.Sessions.DefaultThinking != "low" {
		t.Errorf("sessions.default_thinking = %q, want low", cfg.Sessions.DefaultThinking)
	}
	if cfg.Sessions.Retention != 720*time.Hour {
		t.Errorf("sessions.retention = %v, want 720h", cfg.Sessions.Retention)
	}
	if cfg.Agent.RunCeiling != 2*time.Minute {
		t.Errorf("agent.run_ceiling = %v, want 2m", cfg.Agent.RunCeiling)
	}
	if cfg.Idempotency.Capacity != 500 {
		t.Errorf("idempotency.capacity = %d, want 500", cfg.Idempotency.Capacity)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./den.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Bind != "loopback" {
		t.Errorf("server.bind = %q, want loopback default", cfg.Server.Bind)
	}
	if cfg.Idempotency.TTL != 5*time.Minute {
		t.Errorf("idempotency.ttl = %v, want 5m default", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.Capacity != 1000 {
		t.Errorf("idempotency.capacity = %d, want 1000 default", cfg.Idempotency.Capacity)
	}
	if cfg.Agent.RunCeiling != 5*time.Minute {
		t.Errorf("agent.run_ceiling = %v, want 5m default", cfg.Agent.RunCeiling)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("DEN_TEST_SECRET", "sekrit-value")

	configPath := writeConfig(t, `
database:
  path: "./den.db"
auth:
  jwt_secret: "${DEN_TEST_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.JWTSecret != "sekrit-value" {
		t.Errorf("auth.jwt_secret = %q, want expanded env value", cfg.Auth.JWTSecret)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./den.db"
auth:
  jwt_secret: "${DEN_DEFINITELY_UNSET_VAR}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.JWTSecret != "" {
		t.Errorf("auth.jwt_secret = %q, want empty", cfg.Auth.JWTSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./den.db"
agent:
  run_ceiling: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "agent.run_ceiling") {
		t.Errorf("error %q should name agent.run_ceiling", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad bind policy",
			mutate: func(c *Config) { c.Server.Bind = "public" },
			want:   "server.bind",
		},
		{
			name:   "tailnet without hostname",
			mutate: func(c *Config) { c.Server.Bind = "tailnet" },
			want:   "tailscale.hostname",
		},
		{
			name:   "bridge enabled without addr",
			mutate: func(c *Config) { c.Bridge.Enabled = true; c.Bridge.Addr = "" },
			want:   "bridge.addr",
		},
		{
			name:   "missing database path",
			mutate: func(c *Config) { c.Database.Path = "" },
			want:   "database.path",
		},
		{
			name:   "bad thinking default",
			mutate: func(c *Config) { c.Sessions.DefaultThinking = "extreme" },
			want:   "sessions.default_thinking",
		},
		{
			name:   "bad activation default",
			mutate: func(c *Config) { c.Sessions.DefaultActivation = "sometimes" },
			want:   "sessions.default_activation",
		},
		{
			name:   "non-positive cache capacity",
			mutate: func(c *Config) { c.Idempotency.Capacity = 0 },
			want:   "idempotency.capacity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.Path = "./den.db"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %s", err, tt.want)
			}
		})
	}
}
