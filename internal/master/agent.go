// ABOUTME: Master agent: owns the registry, correlation table, console service and transport server
// ABOUTME: Lifecycle is Inited -> Started (Serve) -> Closed; routing is refused once closed

package master

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/metrics"
	"github.com/2389/pinion/internal/registry"
	"github.com/2389/pinion/internal/transport"
)

var (
	ErrClosed         = errors.New("master closed")
	ErrAlreadyStarted = errors.New("master already started")
	ErrUnknownServer  = errors.New("unknown server")
	ErrUnknownType    = errors.New("no servers of type")
	ErrUnknownClient  = errors.New("unknown client")
)

// DefaultID is the id a master reports to modules.
const DefaultID = "master"

type agentState int

const (
	stateInited agentState = iota
	stateStarted
	stateClosed
)

// Options configures an Agent.
type Options struct {
	ID        string
	Console   *console.Service
	Users     auth.UserAuthenticator
	Servers   auth.ServerAuthenticator
	Metrics   *metrics.Collector
	Transport transport.ServerOptions
	Logger    *slog.Logger
}

// Agent is the master side of the control plane.
type Agent struct {
	id       string
	registry *registry.Registry
	table    *correlation.Table
	console  *console.Service
	users    auth.UserAuthenticator
	servers  auth.ServerAuthenticator
	events   *events.Broadcaster
	metrics  *metrics.Collector
	server   *transport.Server
	logger   *slog.Logger

	mu     sync.Mutex
	state  agentState
	cancel context.CancelFunc
}

var _ console.MasterAgent = (*Agent)(nil)

// New creates a master agent. Missing authenticators default to AllowAll.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ID == "" {
		opts.ID = DefaultID
	}
	if opts.Console == nil {
		opts.Console = console.NewService(logger)
	}
	if opts.Users == nil {
		opts.Users = auth.AllowAll{}
	}
	if opts.Servers == nil {
		opts.Servers = auth.AllowAll{}
	}

	a := &Agent{
		id:       opts.ID,
		registry: registry.New(logger),
		table:    correlation.NewTable(logger),
		console:  opts.Console,
		users:    opts.Users,
		servers:  opts.Servers,
		events:   events.NewBroadcaster(logger),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "master"),
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = logger
	}
	a.server = transport.NewServer(a.accept, opts.Transport)
	a.console.SetCommandNotifier(a)
	a.trackGauges()
	return a
}

func (a *Agent) trackGauges() {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"pending_requests", "Requests awaiting a response", func() float64 { return float64(a.table.Len()) }},
		{"monitors", "Registered primary monitors", func() float64 { p, _, _ := a.registry.Counts(); return float64(p) }},
		{"duplicate_monitors", "Registered duplicate monitors", func() float64 { _, d, _ := a.registry.Counts(); return float64(d) }},
		{"clients", "Registered operator clients", func() float64 { _, _, c := a.registry.Counts(); return float64(c) }},
		{"connections", "Open transport connections", func() float64 { return float64(a.server.ConnCount()) }},
	}
	for _, g := range gauges {
		if err := a.metrics.TrackGauge(g.name, g.help, g.fn); err != nil {
			a.logger.Warn("registering gauge", "name", g.name, "error", err)
		}
	}
}

// Serve accepts connections on ln and runs scheduled modules until Close.
func (a *Agent) Serve(ln net.Listener) error {
	a.mu.Lock()
	switch a.state {
	case stateStarted:
		a.mu.Unlock()
		return ErrAlreadyStarted
	case stateClosed:
		a.mu.Unlock()
		return ErrClosed
	}
	a.state = stateStarted
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	go a.console.RunSchedule(ctx, a)

	a.logger.Info("master listening", "addr", ln.Addr().String(), "id", a.id)
	return a.server.Serve(ln)
}

// Close stops accepting, closes every connection and fails outstanding requests.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.state == stateClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = stateClosed
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	a.server.Stop(ctx)

	if n := a.table.FailAll(ErrClosed); n > 0 {
		a.logger.Info("failed outstanding requests on close", "count", n)
	}
	a.events.Close()
	a.logger.Info("master closed")
	return nil
}

func (a *Agent) closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateClosed
}

// ID returns the master's id.
func (a *Agent) ID() string { return a.id }

// Get reads the console service's shared store.
func (a *Agent) Get(key string) any { return a.console.Get(key) }

// Set writes the console service's shared store.
func (a *Agent) Set(key string, value any) { a.console.Set(key, value) }

// Registry exposes the connection registry for read-only listing.
func (a *Agent) Registry() *registry.Registry { return a.registry }

// Events returns the lifecycle event broadcaster.
func (a *Agent) Events() *events.Broadcaster { return a.events }

// Console returns the console service.
func (a *Agent) Console() *console.Service { return a.console }

// PendingRequests returns the number of outstanding requests.
func (a *Agent) PendingRequests() int { return a.table.Len() }

// ServerIDs returns the ids of all primary monitors.
func (a *Agent) ServerIDs() []string {
	primaries := a.registry.Primaries()
	ids := make([]string, len(primaries))
	for i, rec := range primaries {
		ids[i] = rec.ID
	}
	return ids
}

// GetClientByID returns a registered client's record.
func (a *Agent) GetClientByID(id string) (*registry.Record, bool) {
	return a.registry.LookupClient(id)
}

func (a *Agent) accept(conn transport.Conn) transport.Session {
	return newSession(a, conn)
}
