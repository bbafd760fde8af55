// ABOUTME: Gateway orchestrator that coordinates GRPC and HTTP servers
// ABOUTME: Wires the store, agent manager, listeners and StackMaid and runs their lifecycle

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

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/apache/cloudstack-sub185/internal/agent"
	"github.com/apache/cloudstack-sub185/internal/auth"
	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/config"
	"github.com/apache/cloudstack-sub185/internal/metrics"
	"github.com/apache/cloudstack-sub185/internal/stackmaid"
	"github.com/apache/cloudstack-sub185/internal/store"
	"github.com/apache/cloudstack-sub185/internal/wire"
)

// Gateway orchestrates the management server components.
// It manages the GRPC server for agent connections and the HTTP server for health and API.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	commands     *command.Registry
	agentManager *agent.Manager
	stackMaid    *stackmaid.Manager
	grpcServer   *grpc.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	verifier     *auth.JWTVerifier
	logger       *slog.Logger

	// serverID identifies this process; msid identifies the node across restarts
	serverID string
	msid     int64

	stopMonitor context.CancelFunc

	// attached is signalled on agent attach; recoveryDone closes when the retry loop exits
	attached     chan struct{}
	recoveryDone chan struct{}
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CLOUDSTACK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

var serverKeepalive = []grpc.ServerOption{
	grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    15 * time.Second,
		Timeout: 5 * time.Second,
	}),
	grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}),
}

// createGRPCServer creates a gRPC server with or without auth based on config.
func createGRPCServer(verifier *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	if verifier == nil {
		logger.Warn("auth disabled - no jwt_secret configured")
		return grpc.NewServer(append(serverKeepalive,
			grpc.ChainStreamInterceptor(auth.NoAuthStreamInterceptor()),
		)...)
	}

	logger.Info("auth interceptors enabled (JWT)")
	return grpc.NewServer(append(serverKeepalive,
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger)),
	)...)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	msid := cfg.Cluster.MSID
	serverID := generateServerID()
	commands := command.NewDefaultRegistry()

	listeners := agent.NewListeners(logger)
	agentMgr := agent.NewManager(agent.Config{
		MSID:          msid,
		Registry:      commands,
		Listeners:     listeners,
		Logger:        logger,
		DefaultWait:   cfg.Agents.DefaultWait,
		LateAnswerTTL: cfg.Agents.LateAnswerTTL,
	})
	listeners.Register(agent.NewHostStatusListener(s, msid, logger), agent.ListenerOptions{
		HostEvents: true,
		Commands:   true,
	})
	attached := make(chan struct{}, 1)
	listeners.Register(&attachNotifier{attached: attached}, agent.ListenerOptions{HostEvents: true})

	delegates := stackmaid.NewRegistry()
	if err := registerAgentDelegates(delegates, agentMgr); err != nil {
		_ = s.Close()
		return nil, err
	}

	maid, err := stackmaid.New(stackmaid.Config{
		MSID:       msid,
		Store:      s,
		Locker:     stackmaid.NewSQLLocker(s, serverID, cfg.StackMaid.LockTTL),
		Registry:   delegates,
		Logger:     logger,
		GCInterval: cfg.StackMaid.GCInterval,
		LockWait:   cfg.StackMaid.GCLockTimeout,
		LockRenew:  cfg.StackMaid.LockTTL / 3,
		CutWindow:  cfg.StackMaid.CutWindow,
		Workers:    cfg.StackMaid.Workers,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("configuring stackmaid: %w", err)
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		commands:     commands,
		agentManager: agentMgr,
		stackMaid:    maid,
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
		serverID:     serverID,
		msid:         msid,
		attached:     attached,
	}

	gw.grpcServer = createGRPCServer(verifier, logger)
	wire.RegisterAgentControlServer(gw.grpcServer, newAgentControlServer(gw, logger.With("component", "grpc")))

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerHTTPAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts StackMaid recovery, the heartbeat monitor, the leftover retry on agent
// attach and both servers, and blocks
// until the context is canceled. Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.stackMaid.Start(ctx); err != nil {
		return fmt.Errorf("starting stackmaid: %w", err)
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	g.stopMonitor = stopMonitor
	go g.agentManager.MonitorHeartbeats(monitorCtx, g.config.Agents.HeartbeatInterval, g.config.Agents.HeartbeatTimeout)
	g.recoveryDone = make(chan struct{})
	go g.recoverOnAttach(monitorCtx, g.attached, g.recoveryDone)

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	g.logger.Info("management server ready", "server_id", g.serverID, "msid", g.msid)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting management server",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

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
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
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
	return filepath.Join(homeDir, ".local", "share", "cloudstack", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
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

	grpcLn, err = g.tsnetServer.Listen("tcp", ":8250")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources.
// Agents are told to go away before the gRPC server drains their streams.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down management server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.stopMonitor != nil {
		g.stopMonitor()
	}
	if g.recoveryDone != nil {
		<-g.recoveryDone
	}
	g.agentManager.Shutdown("management server shutting down")
	g.shutdownGRPCServer(ctx)

	if err := g.stackMaid.Stop(); err != nil && !errors.Is(err, stackmaid.ErrInvalidState) {
		errs = append(errs, fmt.Errorf("stackmaid stop: %w", err))
	}
	if g.config.StackMaid.ClearOnShutdown {
		if _, err := g.stackMaid.ClearStack(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stackmaid clear: %w", err))
		}
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.agentManager.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// AgentManager returns the agent manager for embedding callers.
func (g *Gateway) AgentManager() *agent.Manager {
	return g.agentManager
}

// StackMaid returns the cleanup stack manager for embedding callers.
func (g *Gateway) StackMaid() *stackmaid.Manager {
	return g.stackMaid
}

// generateServerID creates a unique identifier for this process.
func generateServerID() string {
	return "mgmt-" + uuid.NewString()[:8]
}
