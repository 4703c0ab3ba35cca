// ABOUTME: Gateway orchestrator that wires the coordinator, WebSocket server and health endpoints
// ABOUTME: Manages listeners (TCP or tailnet), the command ledger and the shutdown sequence

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
	"strconv"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/puppet-gateway/internal/agent"
	"github.com/2389/puppet-gateway/internal/auth"
	"github.com/2389/puppet-gateway/internal/config"
	"github.com/2389/puppet-gateway/internal/coordinator"
	"github.com/2389/puppet-gateway/internal/store"
	"github.com/2389/puppet-gateway/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Gateway owns every server component of puppet-gateway.
type Gateway struct {
	config      *config.Config
	coordinator *coordinator.Coordinator
	wsServer    *http.Server
	// healthServer is nil when health endpoints share the WebSocket port or are disabled.
	healthServer *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// store and recorder are nil when the ledger is disabled.
	store    store.Store
	recorder *store.Recorder

	wsHandler     http.Handler
	healthHandler http.Handler

	cancelCoordinator context.CancelFunc
	coordinatorDone   chan struct{}
}

// initLedger opens the SQLite ledger when database.path is set.
func initLedger(cfg *config.Config, logger *slog.Logger) (store.Store, *store.Recorder, error) {
	if cfg.Database.Path == "" {
		return nil, nil, nil
	}
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing store: %w", err)
	}
	logger.Info("command ledger enabled", "path", cfg.Database.Path)
	return s, store.NewRecorder(s, store.DefaultQueueSize, logger), nil
}

// New creates a Gateway from cfg. Call Run to start serving.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	checker, err := auth.NewChecker(auth.Settings{
		APIKey:      cfg.Auth.APIKey,
		AgentSecret: cfg.Auth.AgentSecret,
		JWTSecret:   cfg.Auth.JWTSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("creating auth checker: %w", err)
	}
	if !checker.ClientAuthRequired() {
		logger.Warn("client auth disabled - no api_key or jwt_secret configured")
	}
	if !checker.AgentAuthRequired() {
		logger.Warn("agent auth disabled - no agent_secret configured")
	}

	policy, err := agent.ParsePolicy(cfg.Agent.OnConflict)
	if err != nil {
		return nil, err
	}

	s, recorder, err := initLedger(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := coordinator.Options{
		Auth:            checker,
		Policy:          policy,
		CommandTimeout:  cfg.Commands.Timeout,
		IdentifyTimeout: cfg.Commands.IdentifyTimeout,
		Logger:          logger,
	}
	if recorder != nil {
		opts.Ledger = recorder
	}
	coord := coordinator.New(opts)

	gw := &Gateway{
		config:      cfg,
		coordinator: coord,
		store:       s,
		recorder:    recorder,
		logger:      logger.With("component", "gateway"),
	}

	ws := transport.NewServer(coord, transport.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	wsMux := http.NewServeMux()
	wsMux.Handle("/", ws)
	wsMux.Handle("/ws", ws)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", gw.handleHealth)
	healthMux.HandleFunc("/health/ready", gw.handleReady)

	gw.wsHandler = wsMux
	gw.healthHandler = healthMux
	gw.wsServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	switch {
	case cfg.SharedListener():
		wsMux.HandleFunc("/health", gw.handleHealth)
		wsMux.HandleFunc("/health/ready", gw.handleReady)
	case cfg.HTTP.Enabled:
		gw.healthServer = &http.Server{
			Addr:              cfg.HTTPAddr(),
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return gw, nil
}

// Handler returns the handler served on the WebSocket port.
func (g *Gateway) Handler() http.Handler { return g.wsHandler }

// HealthHandler returns the handler for the health endpoints alone.
func (g *Gateway) HealthHandler() http.Handler { return g.healthHandler }

// Stats returns the coordinator's current snapshot.
func (g *Gateway) Stats(ctx context.Context) (coordinator.Stats, error) {
	return g.coordinator.Stats(ctx)
}

// startCoordinator runs the coordinator until Shutdown stops it.
func (g *Gateway) startCoordinator() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancelCoordinator = cancel
	g.coordinatorDone = make(chan struct{})
	go func() {
		defer close(g.coordinatorDone)
		if err := g.coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("coordinator stopped", "error", err)
		}
	}()
}

// setupTCPListeners creates standard TCP listeners for WebSocket and health.
func (g *Gateway) setupTCPListeners() (wsLn, healthLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"ws_addr", g.wsServer.Addr,
		"health_addr", g.healthAddr(),
	)

	wsLn, err = net.Listen("tcp", g.wsServer.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on WebSocket address: %w", err)
	}
	if g.healthServer == nil {
		return wsLn, nil, nil
	}

	healthLn, err = net.Listen("tcp", g.healthServer.Addr)
	if err != nil {
		_ = wsLn.Close()
		return nil, nil, fmt.Errorf("listening on health address: %w", err)
	}
	return wsLn, healthLn, nil
}

func (g *Gateway) healthAddr() string {
	switch {
	case g.healthServer != nil:
		return g.healthServer.Addr
	case g.config.SharedListener():
		return g.wsServer.Addr
	default:
		return "disabled"
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (wsLn, healthLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.logger.Warn("server.host is ignored when tailscale is enabled", "host", g.config.Server.Host)
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the HTTP servers in goroutines, returning an error channel.
func (g *Gateway) startServers(wsLn, healthLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("WebSocket server listening", "addr", wsLn.Addr().String())
		if err := g.wsServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("WebSocket server: %w", err)
		}
	}()

	if healthLn != nil {
		go func() {
			g.logger.Info("health server listening", "addr", healthLn.Addr().String())
			if err := g.healthServer.Serve(healthLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the coordinator and servers and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	wsLn, healthLn, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.closeLedger(context.Background())
		return err
	}

	g.startCoordinator()
	errCh := g.startServers(wsLn, healthLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "puppet-gateway", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens on the configured ports there.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (wsLn, healthLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	wsLn, err = g.tsnetServer.Listen("tcp", ":"+strconv.Itoa(g.config.Server.Port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale WebSocket port: %w", err)
	}
	if g.healthServer == nil {
		return wsLn, nil, nil
	}

	healthLn, err = g.tsnetServer.Listen("tcp", ":"+strconv.Itoa(g.config.HTTP.Port))
	if err != nil {
		_ = wsLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale health port: %w", err)
	}
	return wsLn, healthLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// stopCoordinator closes every peer and waits for the Run loop to exit.
func (g *Gateway) stopCoordinator(ctx context.Context) error {
	if g.cancelCoordinator == nil {
		return nil
	}
	g.cancelCoordinator()
	select {
	case <-g.coordinatorDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeLedger flushes queued ledger writes, then closes the database.
func (g *Gateway) closeLedger(ctx context.Context) error {
	if g.recorder == nil {
		return nil
	}
	var errs []error
	errs = appendCloseError(errs, "ledger flush", g.recorder.Close(ctx))
	if dropped := g.recorder.Dropped(); dropped > 0 {
		g.logger.Warn("ledger dropped writes", "count", dropped)
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errors.Join(errs...)
}

// Shutdown stops accepting connections, closes live peers, then releases resources.
// Hijacked WebSocket connections outlive http.Server.Shutdown, so the
// coordinator is stopped explicitly to close them.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "WebSocket server shutdown", g.wsServer.Shutdown(ctx))
	if g.healthServer != nil {
		errs = appendCloseError(errs, "health server shutdown", g.healthServer.Shutdown(ctx))
	}
	errs = appendCloseError(errs, "coordinator stop", g.stopCoordinator(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "ledger", g.closeLedger(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
