// ABOUTME: Operator client agent: registers as a client, then sends requests, notifies and commands
// ABOUTME: Never reconnects; pushed notifications surface on the events broadcaster

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/transport"
)

var (
	ErrNotRegistered        = errors.New("client not registered")
	ErrRegistrationRejected = errors.New("registration rejected")
	ErrAlreadyConnected     = errors.New("client already connected")
	ErrClosed               = errors.New("client closed")
)

// State is the client's position in its lifecycle.
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

const masterTarget = "master"

// Options configures a Client.
type Options struct {
	// ID defaults to a random "console-" id.
	ID        string
	Username  string
	Password  string
	Transport transport.ClientOptions
	Logger    *slog.Logger
}

// Client is an operator session on the master.
type Client struct {
	id       string
	username string
	password string
	opts     transport.ClientOptions
	table    *correlation.Table
	events   *events.Broadcaster
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	conn   *transport.Client
	acks   chan protocol.Ack
	done   chan struct{}
	closer sync.Once
}

// New creates a client in the Inited state.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ID == "" {
		opts.ID = "console-" + uuid.NewString()[:8]
	}
	opts.Transport.Reconnect = false
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = logger
	}

	return &Client{
		id:       opts.ID,
		username: opts.Username,
		password: opts.Password,
		opts:     opts.Transport,
		table:    correlation.NewTable(logger),
		events:   events.NewBroadcaster(logger),
		logger:   logger.With("component", "client", "client_id", opts.ID),
		done:     make(chan struct{}),
	}
}

// Connect dials the master, registers and waits for the acknowledgement.
// A refused registration closes the client.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateInited || c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	conn, err := transport.NewClient(addr, &link{c: c}, c.opts)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	acks := make(chan protocol.Ack, 1)
	c.conn = conn
	c.acks = acks
	c.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return fmt.Errorf("connecting to master at %s: %w", addr, err)
	}

	reg := protocol.Register{
		ID:       c.id,
		Type:     protocol.TypeClient,
		Username: c.username,
		Password: c.password,
	}
	if err := conn.Send(protocol.TopicRegister, reg); err != nil {
		return fmt.Errorf("sending registration: %w", err)
	}

	select {
	case ack := <-acks:
		return c.accepted(ack)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		// the master closes right after a FAIL ack; prefer the ack's reason
		select {
		case ack := <-acks:
			return c.accepted(ack)
		default:
			return ErrClosed
		}
	}
}

func (c *Client) accepted(ack protocol.Ack) error {
	if ack.OK() {
		return nil
	}
	_ = c.Close()
	return fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Msg)
}

// Request sends a module request to the master.
func (c *Client) Request(moduleID string, body any, cb correlation.Callback) error {
	_, err := c.send("", moduleID, body, cb)
	return err
}

// Command sends a console command (list, enable, disable) to the master.
func (c *Client) Command(command, moduleID string, body any, cb correlation.Callback) error {
	_, err := c.send(command, moduleID, body, cb)
	return err
}

// Notify sends a module notify to the master.
func (c *Client) Notify(moduleID string, body any) error {
	if err := c.requireRegistered(); err != nil {
		return err
	}
	stamped, err := c.stamp(body)
	if err != nil {
		return err
	}
	frame, err := protocol.ComposeRequest(0, moduleID, stamped)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Call is Request that waits for the response or ctx.
func (c *Client) Call(ctx context.Context, moduleID string, body any) (json.RawMessage, error) {
	return c.call(ctx, "", moduleID, body)
}

// CallCommand is Command that waits for the response or ctx.
func (c *Client) CallCommand(ctx context.Context, command, moduleID string, body any) (json.RawMessage, error) {
	return c.call(ctx, command, moduleID, body)
}

type callResult struct {
	body json.RawMessage
	err  error
}

func (c *Client) call(ctx context.Context, command, moduleID string, body any) (json.RawMessage, error) {
	done := make(chan callResult, 1)
	id, err := c.send(command, moduleID, body, func(b json.RawMessage, err error) {
		done <- callResult{body: b, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		c.table.Cancel(id, ctx.Err())
		r := <-done
		return r.body, r.err
	}
}

func (c *Client) send(command, moduleID string, body any, cb correlation.Callback) (uint64, error) {
	if err := c.requireRegistered(); err != nil {
		return 0, err
	}
	stamped, err := c.stamp(body)
	if err != nil {
		return 0, err
	}

	id := c.table.NextID()
	frame, err := protocol.ComposeCommand(id, command, moduleID, stamped)
	if err != nil {
		return 0, err
	}
	entry := correlation.Entry{ID: id, TargetID: masterTarget, ModuleID: moduleID, Body: frame.Body}
	if err := c.table.Register(entry, cb); err != nil {
		return 0, err
	}
	if err := c.write(frame); err != nil {
		c.table.Forget(id)
		return 0, err
	}
	return id, nil
}

func (c *Client) write(frame protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	if err := conn.Send(protocol.TopicClient, frame); err != nil {
		return fmt.Errorf("sending to master: %w", err)
	}
	return nil
}

// stamp adds clientId and username to object bodies; other bodies pass through.
func (c *Client) stamp(body any) (json.RawMessage, error) {
	raw, err := protocol.EncodeBody(body)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("stamping body: %w", err)
	}
	id, _ := json.Marshal(c.id)
	user, _ := json.Marshal(c.username)
	obj["clientId"] = id
	obj["username"] = user
	return json.Marshal(obj)
}

func (c *Client) requireRegistered() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRegistered:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: state %s", ErrNotRegistered, c.state)
	}
}

// Close ends the session and fails outstanding requests.
func (c *Client) Close() error {
	conn, first := c.markClosed()
	if !first {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.shutdown(nil)
	return err
}

// markClosed flips the state to Closed once and reports whether this call did it.
func (c *Client) markClosed() (*transport.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, false
	}
	c.state = StateClosed
	return c.conn, true
}

func (c *Client) shutdown(cause error) {
	c.closer.Do(func() {
		close(c.done)
		if n := c.table.FailAll(correlation.ErrConnectionClosed); n > 0 {
			c.logger.Debug("failed outstanding requests on close", "count", n)
		}
		c.events.Publish(events.Event{Kind: events.KindClose, ServerID: c.id, Role: protocol.RoleClient, Username: c.username, Err: cause})
		c.events.Close()
		c.logger.Info("client closed", "error", cause)
	})
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Username returns the operator username.
func (c *Client) Username() string { return c.username }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the broadcaster for pushed notifications and close.
func (c *Client) Events() *events.Broadcaster { return c.events }

// PendingRequests returns the number of requests awaiting the master.
func (c *Client) PendingRequests() int { return c.table.Len() }
