// ABOUTME: Tests for the Gateway orchestrator, HTTP surface and connection ledger
// ABOUTME: Runs a real master on loopback ports and registers monitors against it

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/config"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/monitor"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/store"
)

// freeAddr reserves a loopback port and releases it for the gateway to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "master.db"),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// runGateway starts gw and waits until its HTTP server answers.
func runGateway(t *testing.T, gw *Gateway) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	url := "http://" + gw.config.Server.HTTPAddr + "/health"
	waitFor(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("gateway did not shutdown in time")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func connectMonitor(t *testing.T, addr, id string, port int) *monitor.Agent {
	t.Helper()
	m := monitor.New(monitor.Options{
		ID:         id,
		ServerType: "area",
		Info:       protocol.Info{"host": "127.0.0.1", "port": port},
		Logger:     testLogger(),
	})
	t.Cleanup(func() { _ = m.Close() })

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, addr); err != nil {
		t.Fatalf("monitor Connect() failed: %v", err)
	}
	return m
}

func serve(gw *Gateway, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw := newGateway(t, cfg)

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.master == nil {
		t.Fatal("master should not be nil")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if got := len(gw.master.Console().Modules()); got != 2 {
		t.Errorf("registered modules = %d, want 2", got)
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	gw := newGateway(t, testConfig(t))
	stop := runGateway(t, gw)

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Run() returned unexpected error: %v", err)
	}
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v, want first result (nil)", err)
	}
}

func TestGatewayRun_ListenError(t *testing.T) {
	cfg := testConfig(t)
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()
	cfg.Server.HTTPAddr = taken.Addr().String()

	gw := newGateway(t, cfg)
	if err := gw.Run(t.Context()); err == nil {
		t.Fatal("Run() expected error for occupied HTTP address")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newGateway(t, testConfig(t))

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", rec.Body.String())
	}
}

func TestReadyEndpoint_NoMonitors(t *testing.T) {
	gw := newGateway(t, testConfig(t))

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMonitorRegistration(t *testing.T) {
	gw := newGateway(t, testConfig(t))
	stop := runGateway(t, gw)
	defer stop()

	addr := gw.config.Server.GRPCAddr
	area := connectMonitor(t, addr, "area-1", 3100)
	connectMonitor(t, addr, "area-1", 3101)

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("servers status = %d", rec.Code)
	}
	var servers ServersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &servers); err != nil {
		t.Fatalf("decoding servers: %v", err)
	}
	if len(servers.Servers) != 1 || servers.Servers[0].ID != "area-1" {
		t.Errorf("servers = %+v, want area-1 primary", servers.Servers)
	}
	if len(servers.Duplicates) != 1 || servers.Duplicates[0].Info.Port() != "3101" {
		t.Errorf("duplicates = %+v, want the port 3101 registrant", servers.Duplicates)
	}

	// Ledger: two registrations, then a disconnect once the primary leaves.
	if err := area.Close(); err != nil {
		t.Fatalf("monitor Close() failed: %v", err)
	}
	serverID := "area-1"
	waitFor(t, func() bool {
		rows, err := gw.store.ListConnectionEvents(t.Context(), store.EventFilter{ServerID: &serverID})
		if err != nil {
			return false
		}
		kinds := map[string]int{}
		for _, r := range rows {
			kinds[r.Kind]++
		}
		return kinds["register"] == 2 && kinds["disconnect"] == 1
	})

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/api/events?kind=disconnect", nil))
	var listed struct {
		Events []EventView `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decoding events: %v", err)
	}
	if len(listed.Events) != 1 || listed.Events[0].Port != "3100" {
		t.Errorf("disconnect events = %+v, want the port 3100 primary", listed.Events)
	}
}

func TestListEvents_BadQuery(t *testing.T) {
	gw := newGateway(t, testConfig(t))

	for _, q := range []string{"limit=many", "since=yesterday"} {
		rec := serve(gw, httptest.NewRequest(http.MethodGet, "/api/events?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", q, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestAPIRequiresOperator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	gw := newGateway(t, cfg)

	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := gw.store.CreateOperator(t.Context(), "ops", hash); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}

	tests := []struct {
		name     string
		user     string
		password string
		want     int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "ops", "nope", http.StatusUnauthorized},
		{"unknown operator", "ghost", "hunter2", http.StatusUnauthorized},
		{"operator", "ops", "hunter2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/modules", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := serve(gw, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// Health stays open.
	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	gw := newGateway(t, cfg)

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); !strings.Contains(body, "\npinion_master_monitors 0\n") {
		t.Errorf("metrics missing monitors gauge:\n%s", body)
	}
}

func TestLedgerEvent(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ev := events.Event{
		Kind:       events.KindAuthFailed,
		ServerID:   "ops-1",
		Role:       protocol.RoleClient,
		Username:   "ops",
		RemoteAddr: "10.0.0.9:5555",
		Err:        auth.ErrInvalidCredentials,
		Time:       now,
	}

	got := ledgerEvent(ev)
	if got.Kind != "auth_failed" || got.Role != "client" || got.ServerID != "ops-1" {
		t.Errorf("ledgerEvent() = %+v", got)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, now)
	}
	if got.Detail["username"] != "ops" || got.Detail["error"] != auth.ErrInvalidCredentials.Error() {
		t.Errorf("Detail = %v", got.Detail)
	}

	plain := ledgerEvent(events.Event{Kind: events.KindRegister, Role: protocol.RoleMonitor, Info: protocol.Info{"host": "h", "port": 1}})
	if plain.Detail != nil {
		t.Errorf("Detail = %v, want nil when nothing to add", plain.Detail)
	}
	if plain.Host != "h" || plain.Port != "1" {
		t.Errorf("Host/Port = %q/%q, want h/1", plain.Host, plain.Port)
	}
}
