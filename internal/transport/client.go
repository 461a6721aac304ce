// ABOUTME: Client side of the console stream with paced automatic redial
// ABOUTME: Reports connect, reconnect, packet, drop and close to a ClientHandler

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var (
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrReconnectExhausted ends the client after MaxReconnectAttempts failed redials.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ClientHandler receives the client's lifecycle and inbound packets.
// All calls except HandleConnect come from the client's receive goroutine, in order.
type ClientHandler interface {
	// HandleConnect runs once the first stream is open, before any packet is read.
	HandleConnect()
	// HandleReconnect runs after a redial following a drop.
	HandleReconnect()
	HandlePacket(topic string, payload json.RawMessage)
	// HandleDrop reports an unplanned loss of the stream.
	HandleDrop(err error)
	// HandleClose is terminal: no further calls follow.
	HandleClose(err error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Codec                string
	Reconnect            bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	DialOptions          []grpc.DialOption
	Logger               *slog.Logger
}

// Client is one peer's connection to the master.
type Client struct {
	addr    string
	handler ClientHandler
	opts    ClientOptions
	logger  *slog.Logger
	cc      *grpc.ClientConn
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	stream       grpc.ClientStream
	streamCancel context.CancelFunc
	started      bool
	closed       bool
}

// NewClient prepares a client for addr. No connection is made until Connect.
func NewClient(addr string, h ClientHandler, opts ClientOptions) (*Client, error) {
	if err := ValidCodec(opts.Codec); err != nil {
		return nil, err
	}
	if opts.Codec == "" {
		opts.Codec = CodecJSON
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(opts.Codec)),
	}
	if opts.KeepaliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepaliveTime,
			Timeout:             opts.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		addr:    addr,
		handler: h,
		opts:    opts,
		logger:  logger.With("component", "transport", "addr", addr),
		cc:      cc,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectInterval), 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect opens the stream, runs HandleConnect and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	if err := c.openStream(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	c.logger.Debug("stream opened", "codec", c.opts.Codec)
	c.handler.HandleConnect()
	go c.run()
	return nil
}

// Send writes one packet on the current stream.
func (c *Client) Send(topic string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.stream == nil {
		return ErrNotConnected
	}
	return c.stream.SendMsg(&Packet{Topic: topic, Payload: payload})
}

// Close ends the client. The handler sees HandleClose(nil) if the receive loop was running.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.cc.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) openStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(c.ctx)

	type result struct {
		stream grpc.ClientStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod)
		done <- result{stream: s, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	if r.err != nil {
		cancel()
		return fmt.Errorf("opening stream to %s: %w", c.addr, r.err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClientClosed
	}
	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.stream = r.stream
	c.streamCancel = cancel
	c.mu.Unlock()
	return nil
}

func (c *Client) current() grpc.ClientStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Client) run() {
	for {
		err := c.receive(c.current())
		if c.isClosed() {
			c.handler.HandleClose(nil)
			return
		}

		c.logger.Warn("stream lost", "error", err)
		c.handler.HandleDrop(err)
		if !c.opts.Reconnect {
			_ = c.Close()
			c.handler.HandleClose(err)
			return
		}

		if err := c.redial(); err != nil {
			if c.isClosed() {
				c.handler.HandleClose(nil)
				return
			}
			c.logger.Error("giving up on reconnect", "error", err)
			_ = c.Close()
			c.handler.HandleClose(err)
			return
		}
		c.logger.Info("stream reopened")
		c.handler.HandleReconnect()
	}
}

func (c *Client) receive(stream grpc.ClientStream) error {
	for {
		var pkt Packet
		if err := stream.RecvMsg(&pkt); err != nil {
			return err
		}
		c.handler.HandlePacket(pkt.Topic, pkt.Payload)
	}
}

func (c *Client) redial() error {
	for attempt := 1; ; attempt++ {
		if c.opts.MaxReconnectAttempts > 0 && attempt > c.opts.MaxReconnectAttempts {
			return ErrReconnectExhausted
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}
		c.logger.Debug("redialing", "attempt", attempt)
		if err := c.openStream(c.ctx); err != nil {
			c.logger.Debug("redial failed", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
}
