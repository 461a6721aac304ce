// ABOUTME: Server side of the console stream: accepts peers and drives one Session per stream
// ABOUTME: Packets are delivered to the session in arrival order from a single goroutine

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Conn is the master's handle on one accepted peer.
type Conn interface {
	ID() string
	RemoteAddr() string
	Context() context.Context
	Send(topic string, msg any) error
	Close() error
}

// Session consumes the inbound side of one connection.
// HandleClose is called exactly once, after the last HandlePacket.
type Session interface {
	HandlePacket(topic string, payload json.RawMessage)
	HandleClose(err error)
}

// AcceptFunc creates the session for a newly accepted connection.
type AcceptFunc func(conn Conn) Session

// ServerOptions configures a Server.
type ServerOptions struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	GRPCOptions      []grpc.ServerOption
	Logger           *slog.Logger
}

// Server accepts console streams.
type Server struct {
	grpc   *grpc.Server
	accept AcceptFunc
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*serverConn
}

// NewServer creates a Server that hands each stream to accept.
func NewServer(accept AcceptFunc, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeepaliveTime == 0 {
		opts.KeepaliveTime = 15 * time.Second
	}
	if opts.KeepaliveTimeout == 0 {
		opts.KeepaliveTimeout = 5 * time.Second
	}

	grpcOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    opts.KeepaliveTime,
			Timeout: opts.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	grpcOpts = append(grpcOpts, opts.GRPCOptions...)

	s := &Server{
		grpc:   grpc.NewServer(grpcOpts...),
		accept: accept,
		logger: logger.With("component", "transport"),
		conns:  make(map[string]*serverConn),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving console stream: %w", err)
	}
	return nil
}

// Stop closes every open connection, then stops the gRPC server, forcing it
// if ctx expires first.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connect implements the stream handler. It is invoked by gRPC, not by callers.
func (s *Server) Connect(stream grpc.ServerStream) error {
	conn := newServerConn(stream)
	logger := s.logger.With("conn_id", conn.id, "remote", conn.remote)

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
	}()

	session := s.accept(conn)
	logger.Debug("stream accepted")

	packets := make(chan Packet)
	recvErr := make(chan error, 1)
	go func() {
		for {
			var pkt Packet
			if err := stream.RecvMsg(&pkt); err != nil {
				recvErr <- err
				return
			}
			select {
			case packets <- pkt:
			case <-conn.done:
				return
			}
		}
	}()

	var cause error
loop:
	for {
		select {
		case pkt := <-packets:
			session.HandlePacket(pkt.Topic, pkt.Payload)
			if conn.isClosed() {
				break loop
			}
		case err := <-recvErr:
			if !isStreamEnd(err) {
				cause = err
				logger.Warn("stream receive failed", "error", err)
			}
			break loop
		case <-conn.done:
			break loop
		}
	}

	_ = conn.Close()
	session.HandleClose(cause)
	logger.Debug("stream finished")
	return nil
}

func isStreamEnd(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

type serverConn struct {
	id     string
	remote string
	stream grpc.ServerStream
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newServerConn(stream grpc.ServerStream) *serverConn {
	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	ctx, cancel := context.WithCancel(stream.Context())
	return &serverConn{
		id:     uuid.New().String(),
		remote: remote,
		stream: stream,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *serverConn) ID() string               { return c.id }
func (c *serverConn) RemoteAddr() string       { return c.remote }
func (c *serverConn) Context() context.Context { return c.ctx }

func (c *serverConn) Send(topic string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.stream.SendMsg(&Packet{Topic: topic, Payload: payload})
}

// Close stops the stream and cancels Context. Sends in flight finish first;
// later sends fail.
func (c *serverConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *serverConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
