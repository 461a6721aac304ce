// ABOUTME: Entry point for pinion-master, the admin control plane server
// ABOUTME: Subcommands serve, init, adduser, token, servers, events, health and version

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/pinion/internal/config"
	"github.com/2389/pinion/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
       _       _
 _ __ (_)_ __ (_) ___  _ __
| '_ \| | '_ \| |/ _ \| '_ \
| |_) | | | | | | (_) | | | |
| .__/|_|_| |_|_|\___/|_| |_|
|_|
`

// getConfigPath returns the path to the master config file.
// Priority: PINION_CONFIG env var > XDG_CONFIG_HOME/pinion/master.yaml > ~/.config/pinion/master.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PINION_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "master.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "pinion", "master.yaml")
}

// getDataPath returns the pinion data directory.
// Priority: XDG_DATA_HOME/pinion > ~/.local/share/pinion
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "pinion")
}

func usage() {
	fmt.Println("Usage: pinion-master <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the master")
	fmt.Println("  init                         Write a config file with a fresh JWT secret")
	fmt.Println("  adduser --username NAME      Create an operator account")
	fmt.Println("  token --server-id ID         Mint a monitor registration token")
	fmt.Println("  servers                      List registered monitors and clients")
	fmt.Println("  events                       Show the connection ledger")
	fmt.Println("  health                       Check master health")
	fmt.Println("  version                      Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "adduser":
		err = runAddUser(ctx, args)
	case "token":
		err = runToken(args)
	case "servers":
		err = runServers(ctx, args)
	case "events":
		err = runEvents(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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
	yellow := color.New(color.FgYellow)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Database", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		line("Console", cfg.Server.GRPCAddr)
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! authentication disabled")
	}
	fmt.Println()

	logger.Info("starting pinion-master",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runInit writes a starter config with a random JWT secret. An existing
// file is left untouched.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)
	dbPath := filepath.Join(getDataPath(), "master.db")

	content := fmt.Sprintf(`# pinion-master configuration
# Generated by pinion-master init

server:
  grpc_addr: "localhost:3005"
  http_addr: "localhost:3006"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  token_ttl: "720h"

modules:
  node_info_interval: "5m"
  log_root: ""

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`, dbPath, jwtSecret)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    pinion-master adduser --username admin    # create an operator")
	fmt.Println("    pinion-master serve                       # start the master")
	fmt.Println()
	return nil
}
