// ABOUTME: Master process orchestrator wiring store, auth, console modules, master agent and HTTP
// ABOUTME: Runs the console stream, HTTP surface and connection ledger under one errgroup

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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/config"
	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/master"
	"github.com/2389/pinion/internal/metrics"
	"github.com/2389/pinion/internal/modules"
	"github.com/2389/pinion/internal/store"
	"github.com/2389/pinion/internal/transport"
)

// Tailnet ports used when tailscale is enabled.
const (
	tailnetGRPCPort = ":3005"
	tailnetHTTPPort = ":80"
)

// Gateway runs one master process.
type Gateway struct {
	config      *config.Config
	master      *master.Agent
	store       *store.SQLiteStore
	metrics     *metrics.Collector
	users       auth.UserAuthenticator
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// ledgerDone is closed once the ledger recorder has drained; nil until Run.
	ledgerDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the database named by config, honoring PINION_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PINION_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// authenticators picks JWT server auth and password operator auth when a
// secret is configured, and allows everyone otherwise.
func authenticators(cfg *config.Config, s *store.SQLiteStore, logger *slog.Logger) (auth.UserAuthenticator, auth.ServerAuthenticator) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured")
		return auth.AllowAll{}, auth.AllowAll{}
	}
	logger.Info("auth enabled (JWT monitors, password operators)")
	return auth.NewPasswordAuthenticator(s), auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
}

// New creates a Gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	svc := console.NewService(logger)
	if err := modules.Register(svc, modules.Options{
		NodeInfoInterval: cfg.Modules.NodeInfoInterval,
		LogRoot:          cfg.Modules.LogRoot,
		LogTimeout:       cfg.Modules.LogTimeout,
		Logger:           logger,
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("registering modules: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
	}

	users, servers := authenticators(cfg, s, logger)

	gw := &Gateway{
		config:  cfg,
		store:   s,
		metrics: collector,
		users:   users,
		logger:  logger.With("component", "gateway"),
	}
	gw.master = master.New(master.Options{
		Console: svc,
		Users:   users,
		Servers: servers,
		Metrics: collector,
		Transport: transport.ServerOptions{
			KeepaliveTime:    cfg.Transport.KeepaliveTime,
			KeepaliveTimeout: cfg.Transport.KeepaliveTimeout,
			Logger:           logger,
		},
		Logger: logger,
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Master returns the master agent.
func (g *Gateway) Master() *master.Agent { return g.master }

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	// Subscribe before serving so no registration escapes the ledger.
	ledger := g.subscribeLedger(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("console stream listening", "addr", grpcLn.Addr().String())
		return g.master.Serve(grpcLn)
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.recordLedger(ledger)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}

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

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pinion", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// setupTailscaleListeners joins the tailnet and listens on the node's ports.
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

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// gracefulShutdown uses a fresh context since Run's is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops HTTP, closes the master (failing outstanding requests),
// waits for the ledger to drain, then releases tailscale and the store.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "master close", g.master.Close())

	if g.ledgerDone != nil {
		select {
		case <-g.ledgerDone:
		case <-ctx.Done():
			g.logger.Warn("ledger did not drain before shutdown deadline")
		}
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
