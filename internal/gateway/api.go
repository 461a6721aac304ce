// ABOUTME: HTTP surface of the master: health, registered servers, modules and the connection ledger
// ABOUTME: API routes require operator basic auth when authentication is configured

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/registry"
	"github.com/2389/pinion/internal/store"
)

// ServerView is one registered connection as listed by /api/servers.
type ServerView struct {
	ID         string        `json:"id"`
	ServerType string        `json:"serverType,omitempty"`
	Username   string        `json:"username,omitempty"`
	PID        int           `json:"pid,omitempty"`
	Info       protocol.Info `json:"info,omitempty"`
	ConnID     string        `json:"connId"`
	Duplicate  bool          `json:"duplicate,omitempty"`
}

// ServersResponse is the body of GET /api/servers.
type ServersResponse struct {
	Servers    []ServerView `json:"servers"`
	Duplicates []ServerView `json:"duplicates"`
	Clients    []ServerView `json:"clients"`
	Pending    int          `json:"pending"`
}

// EventView is one ledger row as listed by /api/events.
type EventView struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	ServerID   string         `json:"serverId"`
	Role       string         `json:"role"`
	ServerType string         `json:"serverType,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Host       string         `json:"host,omitempty"`
	Port       string         `json:"port,omitempty"`
	RemoteAddr string         `json:"remoteAddr,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	api := func(h http.HandlerFunc) http.Handler { return h }
	if g.config.Auth.JWTSecret != "" {
		api = func(h http.HandlerFunc) http.Handler { return g.requireOperator(h) }
		g.logger.Info("HTTP auth enabled (operator basic auth)")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	mux.Handle("GET /api/servers", api(g.handleListServers))
	mux.Handle("GET /api/modules", api(g.handleListModules))
	mux.Handle("GET /api/events", api(g.handleListEvents))

	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
		g.logger.Info("metrics enabled", "path", g.config.Metrics.Path)
	}
	return mux
}

// requireOperator authenticates API callers with the same credentials
// console clients register with.
func (g *Gateway) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="pinion"`)
			g.sendJSONError(w, http.StatusUnauthorized, "credentials required")
			return
		}
		if _, err := g.users.AuthenticateUser(r.Context(), username, password); err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				g.sendJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}
			g.logger.Error("authenticating API caller", "username", username, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one monitor is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	primaries, duplicates, clients := g.master.Registry().Counts()
	if primaries == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no monitors registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready (" + strconv.Itoa(primaries) + " monitors, " +
		strconv.Itoa(duplicates) + " duplicates, " + strconv.Itoa(clients) + " clients)"))
}

func viewOf(rec *registry.Record) ServerView {
	return ServerView{
		ID:         rec.ID,
		ServerType: rec.ServerType,
		Username:   rec.Username,
		PID:        rec.PID,
		Info:       rec.Info,
		ConnID:     rec.ConnID(),
		Duplicate:  rec.Duplicate,
	}
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	reg := g.master.Registry()
	resp := ServersResponse{
		Servers:    []ServerView{},
		Duplicates: []ServerView{},
		Clients:    []ServerView{},
		Pending:    g.master.PendingRequests(),
	}
	for _, rec := range reg.Primaries() {
		resp.Servers = append(resp.Servers, viewOf(rec))
	}
	for _, rec := range reg.AllDuplicates() {
		resp.Duplicates = append(resp.Duplicates, viewOf(rec))
	}
	for _, rec := range reg.Clients() {
		resp.Clients = append(resp.Clients, viewOf(rec))
	}
	g.sendJSON(w, resp)
}

func (g *Gateway) handleListModules(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, map[string][]console.ModuleStatus{"modules": g.master.Console().Modules()})
}

// handleListEvents lists ledger rows, newest first. Query parameters:
// server_id, kind, since (RFC 3339) and limit.
func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.EventFilter
	if v := q.Get("server_id"); v != "" {
		f.ServerID = &v
	}
	if v := q.Get("kind"); v != "" {
		f.Kind = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		f.Limit = n
	}

	rows, err := g.store.ListConnectionEvents(r.Context(), f)
	if err != nil {
		g.logger.Error("listing connection events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	out := make([]EventView, len(rows))
	for i, e := range rows {
		out[i] = EventView{
			ID:         e.ID,
			Kind:       e.Kind,
			ServerID:   e.ServerID,
			Role:       e.Role,
			ServerType: e.ServerType,
			PID:        e.PID,
			Host:       e.Host,
			Port:       e.Port,
			RemoteAddr: e.RemoteAddr,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		}
	}
	g.sendJSON(w, map[string][]EventView{"events": out})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
