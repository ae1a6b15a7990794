// ABOUTME: Gateway orchestrator that wires the consent engine to HTTP and gRPC servers
// ABOUTME: Builds store, analyzer, transports, and supervisor from config and manages their lifecycle

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
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/consent-gateway/internal/analyzer"
	"github.com/2389/consent-gateway/internal/audit"
	"github.com/2389/consent-gateway/internal/auth"
	"github.com/2389/consent-gateway/internal/config"
	"github.com/2389/consent-gateway/internal/gating"
	"github.com/2389/consent-gateway/internal/monitor"
	"github.com/2389/consent-gateway/internal/source"
	"github.com/2389/consent-gateway/internal/store"
	"github.com/2389/consent-gateway/internal/transport"
)

// Tailnet ports used when tailscale is enabled.
const (
	tailnetHTTPAddr = ":80"
	tailnetGRPCAddr = ":50051"
)

// Gateway orchestrates the consent-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	gate        *transport.Gate
	hub         *source.Hub
	supervisor  *monitor.Supervisor
	api         *API
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	ready atomic.Bool
}

// initStore creates the store selected by database.driver.
// CONSENT_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CONSENT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	opts := []store.Option{store.WithHistoryLimit(cfg.Monitor.HistoryLimit)}

	var (
		s   store.Store
		err error
	)
	switch cfg.Database.Driver {
	case config.DriverSQLite, config.DriverSQLite3:
		s, err = store.NewSQLiteStore(cfg.Database.Driver, dbPath, opts...)
	case config.DriverBolt:
		s, err = store.NewBoltStore(dbPath, opts...)
	case config.DriverMemory:
		s = store.NewMockStore(opts...)
	default:
		err = fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildAnalyzer creates the score analyzer selected by analyzer.kind.
func buildAnalyzer(cfg *config.Config, messages store.MessageStore) (analyzer.Analyzer, error) {
	switch cfg.Analyzer.Kind {
	case config.AnalyzerLexicon:
		return analyzer.NewLexicon(messages,
			analyzer.WithMinMessages(cfg.Analyzer.MinMessages),
			analyzer.WithWindow(cfg.Analyzer.Window),
		), nil
	case config.AnalyzerHTTP:
		client := &http.Client{Timeout: cfg.Monitor.AnalyzerTimeout}
		return analyzer.NewHTTP(cfg.Analyzer.URL, messages, client, cfg.Analyzer.Window), nil
	default:
		return nil, fmt.Errorf("unknown analyzer kind %q", cfg.Analyzer.Kind)
	}
}

// buildTransport returns the gate plus every configured chat transport.
func buildTransport(cfg *config.Config, gate *transport.Gate, logger *slog.Logger) (transport.Transport, error) {
	transports := transport.Multi{gate}
	if m := cfg.Transport.Matrix; m.Enabled {
		mx, err := transport.NewMatrix(transport.MatrixConfig{
			Homeserver:  m.Homeserver,
			UserID:      m.UserID,
			AccessToken: m.AccessToken,
			Rooms:       m.Rooms,
		}, logger)
		if err != nil {
			return nil, err
		}
		transports = append(transports, mx)
		logger.Info("matrix transport enabled", "homeserver", m.Homeserver, "rooms", len(m.Rooms))
	}
	return transports, nil
}

// monitorConfig maps file configuration onto the supervisor's.
func monitorConfig(cfg *config.Config) monitor.Config {
	mc := monitor.DefaultConfig()
	mc.Policy = gating.Policy{
		PauseThreshold:  *cfg.Monitor.PauseThreshold,
		ResumeThreshold: *cfg.Monitor.ResumeThreshold,
	}
	mc.FailureThreshold = cfg.Monitor.FailureThreshold
	mc.AnalyzerTimeout = cfg.Monitor.AnalyzerTimeout
	mc.RecordSnapshots = cfg.Monitor.RecordSnapshots
	return mc
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*Gateway, error) {
		_ = s.Close()
		return nil, err
	}

	az, err := buildAnalyzer(cfg, s)
	if err != nil {
		return closeOnErr(err)
	}
	gate := transport.NewGate(logger)
	tr, err := buildTransport(cfg, gate, logger)
	if err != nil {
		return closeOnErr(err)
	}

	hub := source.NewHub(s, s, gate, logger)
	auditLog := audit.New(s, logger)
	sup, err := monitor.New(monitor.Deps{
		Store:     s,
		Source:    hub,
		Analyzer:  az,
		Transport: tr,
		Audit:     auditLog,
	}, monitorConfig(cfg), logger)
	if err != nil {
		hub.Close()
		return closeOnErr(fmt.Errorf("creating supervisor: %w", err))
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.Enabled() {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		gate:       gate,
		hub:        hub,
		supervisor: sup,
		api:        NewAPI(sup, hub, auditLog, verifier, logger),
		logger:     logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = newGRPCServer()
	}

	mux := http.NewServeMux()
	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.api.Register(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Supervisor returns the monitoring supervisor.
func (g *Gateway) Supervisor() *monitor.Supervisor {
	return g.supervisor
}

// Restore restarts monitors persisted as active and marks the gateway ready.
func (g *Gateway) Restore(ctx context.Context) error {
	n, err := g.supervisor.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring monitors: %w", err)
	}
	g.logger.Info("gateway ready", "restored_monitors", n)
	g.setReady(true)
	return nil
}

func (g *Gateway) setReady(ready bool) {
	g.ready.Store(ready)
	if g.health != nil {
		setHealthStatus(g.health, ready)
	}
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return nil, httpLn, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run restores monitors, starts the servers and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Restore(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "consent-gateway", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", tailnetHTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// Shutdown gracefully stops all gateway servers and releases resources.
// Records keep monitoring active so the next start restores them.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.setReady(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.grpcServer != nil {
		shutdownGRPCServer(ctx, g.grpcServer)
	}

	g.supervisor.Close()
	g.hub.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once monitors have been restored.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("restoring monitors"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations monitored)", g.supervisor.Active())
}
