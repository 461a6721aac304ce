// ABOUTME: Entry point for pinion-monitor, the agent a managed server runs alongside itself
// ABOUTME: Registers with the master, serves the builtin modules and reconnects on drops

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/modules"
	"github.com/2389/pinion/internal/monitor"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/transport"
)

var version = "dev"

type options struct {
	master           string
	id               string
	serverType       string
	host             string
	port             int
	codec            string
	token            string
	jwtSecret        string
	tokenTTL         time.Duration
	logRoot          string
	logTimeout       time.Duration
	nodeInfoInterval time.Duration
	reconnectEvery   time.Duration
	maxReconnect     int
	logLevel         string
	logFormat        string
}

func parseOptions(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("pinion-monitor", pflag.ContinueOnError)
	fs.StringVar(&o.master, "master", envOr("PINION_MASTER", "localhost:3005"), "master console address")
	fs.StringVar(&o.id, "id", "", "server id (required)")
	fs.StringVar(&o.serverType, "type", "", "server type")
	fs.StringVar(&o.host, "host", "", "advertised host (defaults to the hostname)")
	fs.IntVar(&o.port, "port", 0, "advertised port")
	fs.StringVar(&o.codec, "codec", transport.CodecJSON, "wire codec: json or cbor")
	fs.StringVar(&o.token, "token", os.Getenv("PINION_TOKEN"), "registration token minted by pinion-master token")
	fs.StringVar(&o.jwtSecret, "jwt-secret", os.Getenv("PINION_JWT_SECRET"), "shared secret used to mint a token per registration")
	fs.DurationVar(&o.tokenTTL, "token-ttl", 5*time.Minute, "lifetime of tokens minted from --jwt-secret")
	fs.StringVar(&o.logRoot, "log-root", "", "directory served by the monitorLog module")
	fs.DurationVar(&o.logTimeout, "log-timeout", 30*time.Second, "master-side timeout of monitorLog fan-out")
	fs.DurationVar(&o.nodeInfoInterval, "node-info-interval", 5*time.Minute, "nodeInfo collection interval")
	fs.DurationVar(&o.reconnectEvery, "reconnect-interval", time.Second, "delay between redial attempts")
	fs.IntVar(&o.maxReconnect, "max-reconnect", 0, "redial attempts before giving up (0 retries forever)")
	fs.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "text", "text or json")
	showVersion := fs.Bool("version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}
	return o, o.validate()
}

func (o *options) validate() error {
	if o.id == "" {
		return errors.New("--id is required")
	}
	if o.master == "" {
		return errors.New("--master is required")
	}
	if err := transport.ValidCodec(o.codec); err != nil {
		return err
	}
	if o.token != "" && o.jwtSecret != "" {
		return errors.New("--token and --jwt-secret are mutually exclusive")
	}
	if o.logFormat != "text" && o.logFormat != "json" {
		return fmt.Errorf("--log-format must be text or json, got %q", o.logFormat)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// tokenFunc picks how the registration credential is produced.
func (o *options) tokenFunc() monitor.TokenFunc {
	switch {
	case o.jwtSecret != "":
		return auth.NewJWTVerifier([]byte(o.jwtSecret)).TokenSource(o.tokenTTL)
	case o.token != "":
		token := o.token
		return func(context.Context, protocol.Register) (string, error) { return token, nil }
	default:
		return nil
	}
}

func (o *options) info() protocol.Info {
	host := o.host
	if host == "" {
		host, _ = os.Hostname()
	}
	info := protocol.Info{"host": host}
	if o.port != 0 {
		info["port"] = o.port
	}
	return info
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o, setupLogger(o.logLevel, o.logFormat)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options, logger *slog.Logger) error {
	svc := console.NewService(logger)
	if err := modules.Register(svc, modules.Options{
		NodeInfoInterval: o.nodeInfoInterval,
		LogRoot:          o.logRoot,
		LogTimeout:       o.logTimeout,
		Logger:           logger,
	}); err != nil {
		return fmt.Errorf("registering modules: %w", err)
	}

	agent := monitor.New(monitor.Options{
		ID:         o.id,
		ServerType: o.serverType,
		Info:       o.info(),
		Console:    svc,
		Token:      o.tokenFunc(),
		Transport: transport.ClientOptions{
			Codec:                o.codec,
			ReconnectInterval:    o.reconnectEvery,
			MaxReconnectAttempts: o.maxReconnect,
		},
		Logger: logger,
	})
	defer agent.Close()

	// Subscribed before Connect so an early close is not missed. Drops and
	// reconnects are logged by the agent itself.
	closed, _ := agent.Events().Subscribe(ctx, events.KindClose)

	if err := agent.Connect(ctx, o.master); err != nil {
		return err
	}
	logger.Info("monitor registered", "master", o.master, "server_id", o.id, "codec", o.codec)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case ev, ok := <-closed:
		if !ok {
			return nil
		}
		return ev.Err
	}
}
