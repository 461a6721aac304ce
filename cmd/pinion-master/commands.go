// ABOUTME: Administrative subcommands of pinion-master that work against the config and the HTTP API
// ABOUTME: adduser and token touch local state; servers, events and health query a running master

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/config"
	"github.com/2389/pinion/internal/gateway"
	"github.com/2389/pinion/internal/store"
)

// parseFlags parses a subcommand flag set. -h/--help prints usage and
// exits cleanly.
func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		return err
	}
	return nil
}

func runAddUser(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("adduser", pflag.ContinueOnError)
	username := fs.String("username", "", "operator username")
	password := fs.String("password", "", "operator password (read from stdin when empty)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("--username is required")
	}

	if *password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		*password = strings.TrimRight(line, "\r\n")
	}
	if *password == "" {
		return errors.New("password must not be empty")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}
	if err := db.CreateOperator(ctx, *username, hash); err != nil {
		if errors.Is(err, store.ErrDuplicateOperator) {
			return fmt.Errorf("operator %q already exists", *username)
		}
		return fmt.Errorf("creating operator: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created operator: %s\n", *username)
	return nil
}

func runToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	serverID := fs.String("server-id", "", "server id the token is bound to")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *serverID == "" {
		return errors.New("--server-id is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	if *ttl == 0 {
		*ttl = cfg.Auth.TokenTTL
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*serverID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// apiClient talks to the master's HTTP API with optional operator
// credentials.
type apiClient struct {
	base     string
	username string
	password string
}

func newAPIClient(fs *pflag.FlagSet, args []string) (*apiClient, error) {
	username := fs.String("username", os.Getenv("PINION_USERNAME"), "operator username")
	password := fs.String("password", os.Getenv("PINION_PASSWORD"), "operator password")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		base:     "http://" + cfg.Server.HTTPAddr,
		username: *username,
		password: *password,
	}, nil
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runServers(ctx context.Context, args []string) error {
	client, err := newAPIClient(pflag.NewFlagSet("servers", pflag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var resp gateway.ServersResponse
	if err := client.get(ctx, "/api/servers", nil, &resp); err != nil {
		return err
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	bold.Printf("Monitors (%d)\n", len(resp.Servers))
	for _, s := range resp.Servers {
		fmt.Printf("  %-24s %-12s %s:%s", s.ID, s.ServerType, s.Info.Host(), s.Info.Port())
		gray.Printf("  pid=%d conn=%s\n", s.PID, s.ConnID)
	}
	if len(resp.Duplicates) > 0 {
		yellow.Printf("Duplicates (%d)\n", len(resp.Duplicates))
		for _, s := range resp.Duplicates {
			fmt.Printf("  %-24s %-12s %s:%s", s.ID, s.ServerType, s.Info.Host(), s.Info.Port())
			gray.Printf("  pid=%d conn=%s\n", s.PID, s.ConnID)
		}
	}
	bold.Printf("Clients (%d)\n", len(resp.Clients))
	for _, s := range resp.Clients {
		fmt.Printf("  %-24s %s", s.ID, s.Username)
		gray.Printf("  conn=%s\n", s.ConnID)
	}
	gray.Printf("%d pending requests\n", resp.Pending)
	return nil
}

func runEvents(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	serverID := fs.String("server-id", "", "only events for this id")
	kind := fs.String("kind", "", "only events of this kind")
	since := fs.Duration("since", 0, "only events newer than this")
	limit := fs.Int("limit", 50, "maximum rows")
	client, err := newAPIClient(fs, args)
	if err != nil {
		return err
	}

	query := url.Values{}
	if *serverID != "" {
		query.Set("server_id", *serverID)
	}
	if *kind != "" {
		query.Set("kind", *kind)
	}
	if *since > 0 {
		query.Set("since", time.Now().Add(-*since).UTC().Format(time.RFC3339))
	}
	query.Set("limit", strconv.Itoa(*limit))

	var resp struct {
		Events []gateway.EventView `json:"events"`
	}
	if err := client.get(ctx, "/api/events", query, &resp); err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, e := range resp.Events {
		gray.Print(e.Timestamp.Local().Format("2006-01-02 15:04:05") + "  ")
		kindColor(e.Kind).Printf("%-12s", e.Kind)
		fmt.Printf(" %-8s %-24s", e.Role, e.ServerID)
		if e.Host != "" {
			gray.Printf(" %s:%s", e.Host, e.Port)
		}
		fmt.Println()
	}
	if len(resp.Events) == 0 {
		gray.Println("no events")
	}
	return nil
}

func kindColor(kind string) *color.Color {
	switch kind {
	case "register":
		return color.New(color.FgGreen)
	case "reconnect":
		return color.New(color.FgCyan)
	case "disconnect":
		return color.New(color.FgYellow)
	case "auth_failed":
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, path := range []string{"/health", "/health/ready"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Server.HTTPAddr+path, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if path == "/health" && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
		}
		if path == "/health/ready" {
			if resp.StatusCode == http.StatusOK {
				color.New(color.FgGreen).Printf("healthy, %s\n", body)
			} else {
				color.New(color.FgYellow).Printf("healthy, %s\n", body)
			}
		}
	}
	return nil
}
