// ABOUTME: Entry point for the den-gateway control server
// ABOUTME: Manages client connections, bridge nodes, and session state

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/den-gateway/internal/auth"
	"github.com/2389/den-gateway/internal/config"
	"github.com/2389/den-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                             _
  __| | ___ _ __        __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _ \ '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| |  __/ | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\___|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                        |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: DEN_CONFIG env var > XDG_CONFIG_HOME/den/gateway.yaml > ~/.config/den/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "den", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: den-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Write a default config file")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  token    Mint a bearer token for a client")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("WS:        %s (%s)\n", cfg.Server.Addr, cfg.Server.Bind)
	if cfg.Bridge.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Bridge:    %s", cfg.Bridge.Addr)
		if cfg.Bridge.MDNS {
			gray.Print(" (mdns)")
		}
		fmt.Println()
	}
	if cfg.Tailscale.Hostname != "" {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Println(cfg.Tailscale.Hostname)
	}
	fmt.Println()

	logger.Info("starting den-gateway",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"bridge", cfg.Bridge.Enabled,
	)

	gw, err := gateway.New(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes a commented default config file at the resolved path.
func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home dir: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	dbPath := filepath.Join(dataDir, "den", "gateway.db")

	content := fmt.Sprintf(`server:
  addr: "127.0.0.1:4482"
  bind: loopback
  max_payload_bytes: 524288
  tick_interval: 30s

bridge:
  enabled: false
  addr: "0.0.0.0:4483"
  mdns: true
  invoke_timeout: 30s
  ping_interval: 20s

# tailscale:
#   hostname: den
#   auth_key: ${TS_AUTHKEY}

auth:
  jwt_secret: ""

database:
  path: %q

sessions:
  default_thinking: medium
  default_activation: mention
  retention: 720h

agent:
  run_ceiling: 5m

idempotency:
  capacity: 1000
  ttl: 5m

logging:
  level: info
  format: text
`, dbPath)

	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ✓ ")
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints a client bearer token signed with the configured secret.
// Supports "token [--sub NAME] [--ttl DURATION]"; defaults to 30 days.
func runToken() error {
	subject := "client"
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--sub":
			if i+1 >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--sub="):
			subject = strings.TrimPrefix(args[i], "--sub=")
		case args[i] == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(args[i], "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(args[i], "--ttl="))
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			ttl = d
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set; tokens are not required")
	}

	token, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret)).Mint(subject, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
