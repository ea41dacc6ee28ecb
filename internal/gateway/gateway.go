// ABOUTME: Gateway orchestrator wiring the registry, dispatcher, upstream connector, and servers
// ABOUTME: Owns the HTTP router, the gRPC health service, listeners, and shutdown ordering

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

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tool-relay/internal/builtins"
	"github.com/2389/tool-relay/internal/config"
	"github.com/2389/tool-relay/internal/dispatch"
	"github.com/2389/tool-relay/internal/mcp"
	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/session"
	"github.com/2389/tool-relay/internal/store"
	"github.com/2389/tool-relay/internal/upstream"
)

// UpstreamService is the gRPC health service name tracking the upstream link.
// The overall ("") service reports the same status.
const UpstreamService = "tool-relay.upstream"

const shutdownTimeout = 5 * time.Second

// Version is reported by the MCP endpoint.
var Version = "dev"

// Gateway orchestrates the relay server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	connector   *upstream.Connector
	dispatcher  *dispatch.Dispatcher
	sessions    *session.Handler
	mcpServer   *mcp.Server
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the school records store behind the crud.* callables.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TOOL_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// New builds a Gateway serving the tools in spec. Nothing listens until Run.
func New(cfg *config.Config, spec *config.Spec, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := registry.Build(spec.Tools, logger)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	catalog := dispatch.NewCatalog()
	if err := builtins.Register(catalog, s); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("registering callables: %w", err)
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		health: health.NewServer(),
		logger: logger,
	}
	gw.setUpstreamStatus(false)

	gw.connector = upstream.New(upstream.Config{
		URL:               cfg.Upstream.URL,
		DialTimeout:       cfg.Upstream.DialTimeout,
		Logger:            logger,
		DefaultTimeout:    cfg.Upstream.CallTimeout,
		ReconnectAttempts: cfg.Upstream.ReconnectAttempts,
		BackoffBase:       cfg.Upstream.BackoffBase,
		BackoffMax:        cfg.Upstream.BackoffMax,
		WaitForReconnect:  cfg.Upstream.WaitForReconnect,
		OnStateChange:     gw.setUpstreamStatus,
	})

	specDir := "."
	if cfg.Spec != "" {
		specDir = filepath.Dir(cfg.Spec)
	}
	gw.dispatcher = dispatch.New(dispatch.Config{
		Registry: reg,
		Strategies: []dispatch.Strategy{
			dispatch.NewProxy(gw.connector, cfg.Upstream.CallTimeout),
			dispatch.NewLocal(catalog),
			dispatch.NewExternal(nil, cfg.Dispatch.HTTPTimeout, logger),
			dispatch.NewSubprocess(cfg.Dispatch.SubprocessTimeout, specDir, logger),
		},
		Workers: cfg.Dispatch.Workers,
		Logger:  logger,
	})

	gw.sessions = session.New(session.Config{
		Dispatcher:    gw.dispatcher,
		RedactListing: cfg.Dispatch.RedactListing,
		MaxInFlight:   cfg.Dispatch.SessionInFlight,
		Logger:        logger,
	})
	gw.mcpServer = mcp.NewServer(mcp.Config{
		Dispatcher: gw.dispatcher,
		Version:    Version,
		Logger:     logger,
	})

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = createGRPCServer(gw.health)
	}

	gw.httpServer = &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway configured",
		"tools", reg.Len(),
		"upstream_url", cfg.Upstream.URL,
		"workers", cfg.Dispatch.Workers,
	)
	return gw, nil
}

// Registry returns the live tool registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.dispatcher.Registry()
}

// Reload replaces the registry with the tools in spec and republishes them over MCP.
// In-flight calls finish against the descriptors they resolved.
func (g *Gateway) Reload(spec *config.Spec) error {
	if err := g.dispatcher.Registry().Replace(spec.Tools); err != nil {
		return fmt.Errorf("reloading registry: %w", err)
	}
	g.mcpServer.Sync()
	g.logger.Info("registry reloaded", "tools", g.dispatcher.Registry().Len())
	return nil
}

func (g *Gateway) setUpstreamStatus(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(UpstreamService, status)
}

func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"addr", g.config.Server.Addr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", g.config.Server.Addr, err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run binds the listeners and serves until ctx is cancelled. A bind failure
// is returned immediately; nothing else stops the gateway.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}
	return g.Serve(ctx, httpLn, grpcLn)
}

// Serve serves on already-bound listeners until ctx is cancelled, then shuts
// down. grpcLn may be nil.
func (g *Gateway) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g.connector.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil && g.grpcServer != nil {
		group.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tool-relay", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and serves HTTP on :80 and the
// gRPC health service on :50051 of the node.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLn, grpcLn, nil
}

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

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
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

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, fails outstanding upstream calls, and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)
	g.connector.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
