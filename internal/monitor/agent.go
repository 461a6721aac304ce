// ABOUTME: Monitor agent run by each managed server: registers with the master and serves module requests
// ABOUTME: State machine Inited -> Connected -> Registered -> Closed with reconnect on transport drops

// Package monitor is the managed-server side of the admin control plane.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/transport"
)

var (
	ErrNotRegistered        = errors.New("monitor not registered")
	ErrRegistrationRejected = errors.New("registration rejected")
	ErrAlreadyConnected     = errors.New("monitor already connected")
	ErrClosed               = errors.New("monitor closed")
)

// State is the monitor's position in its lifecycle.
type State int

const (
	StateInited State = iota
	StateConnected
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInited:
		return "inited"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	default:
		return "closed"
	}
}

// TokenFunc obtains the credential attached to a registration.
type TokenFunc func(ctx context.Context, reg protocol.Register) (string, error)

const (
	masterTarget            = "master"
	defaultReconnectRetries = 5
)

// Options configures an Agent.
type Options struct {
	ID         string
	ServerType string
	PID        int
	Info       protocol.Info
	Console    *console.Service
	Token      TokenFunc

	// ReconnectRetries bounds how often a refused reconnect is resent while the
	// master still holds the previous connection. Negative disables retries.
	ReconnectRetries int

	Transport transport.ClientOptions
	Logger    *slog.Logger
}

// Agent is one managed server's connection to the master.
type Agent struct {
	opts    Options
	console *console.Service
	table   *correlation.Table
	events  *events.Broadcaster
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	client     *transport.Client
	acks       chan protocol.Ack
	registered bool
	rejected   bool
	retries    int
	retry      *time.Timer
	done       chan struct{}
	doneOnce   sync.Once
}

var _ console.MonitorAgent = (*Agent)(nil)

// New creates an agent in the Inited state.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Console == nil {
		opts.Console = console.NewService(logger)
	}
	if opts.ReconnectRetries == 0 {
		opts.ReconnectRetries = defaultReconnectRetries
	}
	opts.Info = opts.Info.Clone()
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		opts:    opts,
		console: opts.Console,
		table:   correlation.NewTable(logger),
		events:  events.NewBroadcaster(logger),
		logger:  logger.With("component", "monitor", "server_id", opts.ID),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateInited,
		done:    make(chan struct{}),
	}
}

// Connect dials the master at addr, registers and waits for the
// acknowledgement. Transport failures before the stream opens are returned
// here; later ones are published as events.
func (a *Agent) Connect(ctx context.Context, addr string) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.state != StateInited || a.client != nil {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	topts := a.opts.Transport
	topts.Reconnect = true
	l := &link{a: a}
	client, err := transport.NewClient(addr, l, topts)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	l.client = client
	acks := make(chan protocol.Ack, 1)
	a.client = client
	a.acks = acks
	a.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		a.abandon(client)
		return fmt.Errorf("connecting to master at %s: %w", addr, err)
	}

	if err := a.sendRegistration(ctx, protocol.TopicRegister); err != nil {
		a.abandon(client)
		return err
	}

	select {
	case ack := <-acks:
		if !ack.OK() {
			return fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Msg)
		}
		return nil
	case <-ctx.Done():
		a.abandon(client)
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

// abandon closes a client whose registration never completed and returns the
// agent to Inited so Connect may be called again. Callbacks still in flight
// from that client are ignored.
func (a *Agent) abandon(client *transport.Client) {
	a.mu.Lock()
	if a.client == client {
		a.client = nil
		a.acks = nil
		a.registered = false
		if a.state != StateClosed {
			a.state = StateInited
		}
	}
	a.mu.Unlock()
	_ = client.Close()
}

func (a *Agent) registration() protocol.Register {
	return protocol.Register{
		ID:         a.opts.ID,
		Type:       protocol.TypeMonitor,
		ServerType: a.opts.ServerType,
		PID:        a.opts.PID,
		Info:       a.opts.Info.Clone(),
	}
}

func (a *Agent) sendRegistration(ctx context.Context, topic string) error {
	reg := a.registration()
	if a.opts.Token != nil {
		token, err := a.opts.Token(ctx, reg)
		if err != nil {
			return fmt.Errorf("obtaining registration token: %w", err)
		}
		reg.Token = token
	}
	if err := a.send(topic, reg); err != nil {
		return fmt.Errorf("sending %s: %w", topic, err)
	}
	return nil
}

func (a *Agent) send(topic string, msg any) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return transport.ErrNotConnected
	}
	return client.Send(topic, msg)
}

// Request sends a request to the master. Only a registered agent may send.
// If the send fails the callback is not invoked and the error is returned.
func (a *Agent) Request(moduleID string, body any, cb correlation.Callback) error {
	_, err := a.request(moduleID, body, cb)
	return err
}

func (a *Agent) request(moduleID string, body any, cb correlation.Callback) (uint64, error) {
	if err := a.requireRegistered(); err != nil {
		return 0, err
	}
	id := a.table.NextID()
	frame, err := protocol.ComposeRequest(id, moduleID, body)
	if err != nil {
		return 0, err
	}
	entry := correlation.Entry{ID: id, TargetID: masterTarget, ModuleID: moduleID, Body: frame.Body}
	if err := a.table.Register(entry, cb); err != nil {
		return 0, err
	}
	if err := a.send(protocol.TopicMonitor, frame); err != nil {
		a.table.Forget(id)
		return 0, fmt.Errorf("sending request to master: %w", err)
	}
	return id, nil
}

type callResult struct {
	body json.RawMessage
	err  error
}

// Call is Request that waits for the master's response or ctx.
func (a *Agent) Call(ctx context.Context, moduleID string, body any) (json.RawMessage, error) {
	done := make(chan callResult, 1)
	id, err := a.request(moduleID, body, func(b json.RawMessage, err error) {
		done <- callResult{body: b, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		a.table.Cancel(id, ctx.Err())
		r := <-done
		return r.body, r.err
	}
}

// Notify sends a notify to the master. Only a registered agent may send.
func (a *Agent) Notify(moduleID string, body any) error {
	if err := a.requireRegistered(); err != nil {
		return err
	}
	frame, err := protocol.ComposeRequest(0, moduleID, body)
	if err != nil {
		return err
	}
	return a.send(protocol.TopicMonitor, frame)
}

func (a *Agent) requireRegistered() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateRegistered:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: state %s", ErrNotRegistered, a.state)
	}
}

// Close disconnects from the master and fails outstanding requests.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = StateClosed
	client := a.client
	if a.retry != nil {
		a.retry.Stop()
	}
	a.mu.Unlock()

	a.cancel()
	a.finish()
	var err error
	if client != nil {
		err = client.Close()
	}
	if n := a.table.FailAll(ErrClosed); n > 0 {
		a.logger.Debug("failed outstanding requests on close", "count", n)
	}
	a.events.Close()
	a.logger.Info("monitor closed")
	return err
}

func (a *Agent) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ID returns the server id.
func (a *Agent) ID() string { return a.opts.ID }

// ServerType returns the server type this agent registers as.
func (a *Agent) ServerType() string { return a.opts.ServerType }

// Get reads the console service's shared store.
func (a *Agent) Get(key string) any { return a.console.Get(key) }

// Set writes the console service's shared store.
func (a *Agent) Set(key string, value any) { a.console.Set(key, value) }

// Events returns the lifecycle broadcaster.
func (a *Agent) Events() *events.Broadcaster { return a.events }

// PendingRequests returns the number of requests awaiting the master.
func (a *Agent) PendingRequests() int { return a.table.Len() }
