// ABOUTME: Gateway aggregate: owns every core component and the process
// ABOUTME: lifecycle from listener setup through graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/den-gateway/internal/agentrun"
	"github.com/2389/den-gateway/internal/auth"
	"github.com/2389/den-gateway/internal/bridge"
	"github.com/2389/den-gateway/internal/config"
	"github.com/2389/den-gateway/internal/cron"
	"github.com/2389/den-gateway/internal/events"
	"github.com/2389/den-gateway/internal/idempotency"
	"github.com/2389/den-gateway/internal/pairing"
	"github.com/2389/den-gateway/internal/presence"
	"github.com/2389/den-gateway/internal/protocol"
	"github.com/2389/den-gateway/internal/rpc"
	"github.com/2389/den-gateway/internal/session"
	"github.com/2389/den-gateway/internal/store"
)

// ServerName identifies this gateway to nodes and in banners.
const ServerName = "den-gateway"

// Options carries the external collaborators. All fields are optional;
// absent collaborators degrade their methods to typed unavailable errors.
type Options struct {
	// Runner is the LLM agent runtime. Nil makes agent calls fail with
	// internal_error rather than blocking startup.
	Runner agentrun.Runner

	// Deliverer hands outbound sends to their chat surface.
	Deliverer rpc.Deliverer

	Logger *slog.Logger
}

// Gateway is the control-plane aggregate. Constructed once per process and
// passed by reference to the transports; no ambient globals.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	sessions   *session.Store
	registry   *presence.Registry
	cache      *idempotency.Cache
	bus        *events.Broadcaster
	agents     *agentrun.Manager
	cron       *cron.Scheduler
	nodes      *pairing.Store
	dispatcher *rpc.Dispatcher
	bridge     *bridge.Server
	ws         *wsServer
	verifier   *auth.Verifier

	tsnetServer *tsnet.Server
	httpServer  *http.Server
	startedAt   time.Time
}

// New wires the full component graph. Nothing listens until Run.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sessions, err := session.NewStore(st, session.Defaults{
		Thinking:   session.ThinkingLevel(cfg.Sessions.DefaultThinking),
		Verbose:    cfg.Sessions.DefaultVerbose,
		Activation: session.ActivationMode(cfg.Sessions.DefaultActivation),
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("loading sessions: %w", err)
	}

	bus := events.NewBroadcaster(logger, 64)
	registry := presence.NewRegistry(logger)
	cache := idempotency.New(cfg.Idempotency.TTL, cfg.Idempotency.Capacity)

	runner := opts.Runner
	if runner == nil {
		runner = agentrun.RunnerFunc(func(ctx context.Context, sessionKey, message string, emit func(string)) (agentrun.Result, error) {
			return agentrun.Result{}, errors.New("no agent runtime attached")
		})
	}
	agents := agentrun.NewManager(runner, bus, cfg.Agent.RunCeiling, logger)

	scheduler := cron.NewScheduler(st, bus, func(ctx context.Context, job store.CronJob) {
		key := job.SessionKey
		if key == "" {
			key = "system:cron"
		}
		if _, _, err := sessions.GetOrCreate(ctx, key, "system", "cron"); err != nil {
			return
		}
		if _, err := agents.Start(key, job.Message); err != nil && !errors.Is(err, agentrun.ErrRunActive) {
			logger.Warn("cron agent trigger failed", "job_id", job.ID, "error", err)
		}
	}, logger)

	g := &Gateway{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		store:     st,
		sessions:  sessions,
		registry:  registry,
		cache:     cache,
		bus:       bus,
		agents:    agents,
		cron:      scheduler,
		verifier:  auth.NewVerifier([]byte(cfg.Auth.JWTSecret)),
		startedAt: time.Now(),
	}

	deps := rpc.Deps{
		Sessions:  sessions,
		Presence:  registry,
		Cache:     cache,
		Bus:       bus,
		Agents:    agents,
		Cron:      scheduler,
		Store:     st,
		Deliverer: opts.Deliverer,
		Logger:    logger,
	}

	if cfg.Bridge.Enabled {
		storePath := cfg.Bridge.PairedStorePath
		if storePath == "" {
			storePath = filepath.Join(filepath.Dir(cfg.Database.Path), "nodes.toml")
		}
		nodes, err := pairing.NewStore(storePath, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("loading paired nodes: %w", err)
		}
		g.nodes = nodes
		deps.Nodes = nodes
	}

	g.dispatcher = rpc.NewDispatcher(deps)

	if cfg.Bridge.Enabled {
		g.bridge = bridge.NewServer(cfg.Bridge, ServerName, g.dispatcher, registry, g.nodes, bus, logger)
		g.dispatcher.BindBridge(g.bridge, g.bridge)
	}

	g.ws = newWSServer(g)
	return g, nil
}

// Handler returns the HTTP handler serving the WebSocket control endpoint.
// Exposed so tests can mount it without binding a port.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ws.handleWS)
	mux.HandleFunc("/healthz", g.handleHealth)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`, int(time.Since(g.startedAt).Seconds()))
}

// Run starts every listener and blocks until ctx is canceled or a listener
// fails, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	g.logger.Info("control port listening", "addr", ln.Addr().String(), "bind", g.cfg.Server.Bind)

	if err := g.cron.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	if g.bridge != nil {
		if err := g.bridge.Start(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}

	g.httpServer = &http.Server{Handler: g.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	tickCtx, stopTicks := context.WithCancel(ctx)
	go g.tickLoop(tickCtx)
	go g.retentionLoop(tickCtx)

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown requested")
	case serveErr = <-errCh:
		g.logger.Error("server error", "error", serveErr)
	}
	stopTicks()

	shutdownErr := g.gracefulShutdown()
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown announces the shutdown event, then tears components down in
// dependency order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.bus.Publish(protocol.EventShutdown, map[string]any{"at": time.Now()})

	var errs []error
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	// Stop run sources and abort in-flight runs before the bridge drains:
	// a node rpc blocked in run.Wait holds a dispatch goroutine the bridge
	// waits on during its own shutdown.
	g.cron.Stop()
	g.agents.Shutdown()
	if g.bridge != nil {
		g.bridge.Shutdown()
	}
	g.ws.closeAll()
	g.bus.Close()
	g.cache.Close()
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tsnet close: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// setupListener binds the WS control port per the bind policy.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	bind := g.cfg.Server.Bind
	if bind == "auto" {
		if g.cfg.Tailscale.Hostname != "" {
			bind = "tailnet"
		} else {
			bind = "loopback"
		}
	}

	switch bind {
	case "loopback":
		return net.Listen("tcp", loopbackAddr(g.cfg.Server.Addr))
	case "lan":
		return net.Listen("tcp", g.cfg.Server.Addr)
	case "tailnet":
		return g.setupTailnetListener(ctx)
	default:
		return nil, fmt.Errorf("unknown bind policy %q", bind)
	}
}

// loopbackAddr pins the listen host to 127.0.0.1, keeping only the port.
func loopbackAddr(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func (g *Gateway) setupTailnetListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		g.logger.Info("tailscale up", "hostname", tsCfg.Hostname, "ip", status.TailscaleIPs[0].String())
	}

	_, port, err := net.SplitHostPort(g.cfg.Server.Addr)
	if err != nil {
		port = "4482"
	}
	ln, err := g.tsnetServer.Listen("tcp", ":"+port)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailnet port: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's data dir if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "den-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// tickLoop publishes tick and health events on the configured interval.
func (g *Gateway) tickLoop(ctx context.Context) {
	interval := g.cfg.Server.TickInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			g.bus.Publish(protocol.EventTick, map[string]any{"at": now})
			g.bus.Publish(protocol.EventHealth, map[string]any{
				"at":            now,
				"uptimeSeconds": int(now.Sub(g.startedAt).Seconds()),
				"clients":       g.registry.Count(protocol.RoleClient),
				"nodes":         g.registry.Snapshot().NodeCount(),
			})
		case <-ctx.Done():
			return
		}
	}
}

// retentionLoop archives sessions idle past the configured retention.
func (g *Gateway) retentionLoop(ctx context.Context) {
	retention := g.cfg.Sessions.Retention
	if retention <= 0 {
		return
	}
	interval := retention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := g.sessions.SweepIdle(ctx, retention)
			if len(removed) > 0 {
				g.logger.Info("retention sweep", "archived", len(removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
