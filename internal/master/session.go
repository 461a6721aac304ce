// ABOUTME: Per-connection state machine on the master: registration, reconnect, traffic and teardown
// ABOUTME: Runs on the transport's receive goroutine, so frames from one peer are handled in order

package master

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/metrics"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/registry"
	"github.com/2389/pinion/internal/transport"
)

type sessionState int

const (
	sessionAwaiting sessionState = iota
	sessionRegistered
	sessionClosed
)

func (s sessionState) String() string {
	switch s {
	case sessionAwaiting:
		return "awaiting_registration"
	case sessionRegistered:
		return "registered"
	default:
		return "closed"
	}
}

// session is one accepted connection.
type session struct {
	agent  *Agent
	conn   transport.Conn
	logger *slog.Logger

	mu         sync.Mutex
	state      sessionState
	id         string
	role       protocol.Role
	serverType string
	username   string
	pid        int
	info       protocol.Info
}

func newSession(a *Agent, conn transport.Conn) *session {
	return &session{
		agent:  a,
		conn:   conn,
		logger: a.logger.With("conn_id", conn.ID(), "remote", conn.RemoteAddr()),
		state:  sessionAwaiting,
	}
}

func (s *session) current() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) HandlePacket(topic string, payload json.RawMessage) {
	switch topic {
	case protocol.TopicRegister:
		s.onRegister(payload)
	case protocol.TopicReconnect:
		s.onReconnect(payload)
	case protocol.TopicMonitor:
		s.onMonitor(payload)
	case protocol.TopicClient:
		s.onClient(payload)
	default:
		s.logger.Warn("dropping packet on unknown topic", "topic", topic)
	}
}

func (s *session) HandleClose(err error) {
	s.mu.Lock()
	prev := s.state
	s.state = sessionClosed
	id, role, info := s.id, s.role, s.info
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("connection error", "error", err)
		s.agent.events.Publish(events.Event{
			Kind:       events.KindError,
			ServerID:   id,
			Role:       role,
			RemoteAddr: s.conn.RemoteAddr(),
			Err:        err,
		})
	}

	if n := s.agent.table.Abandon(s.conn.ID(), correlation.ErrConnectionClosed); n > 0 {
		s.logger.Debug("abandoned connection-bound requests", "count", n)
	}

	if prev != sessionRegistered {
		return
	}

	s.agent.registry.Remove(id, role, info)
	if role == protocol.RoleClient {
		s.logger.Info("=== CLIENT DISCONNECTED ===", "client_id", id, "username", s.username)
	} else {
		s.logger.Info("=== SERVER DISCONNECTED ===", "server_id", id, "server_type", s.serverType)
	}
	s.agent.events.Publish(events.Event{
		Kind:       events.KindDisconnect,
		ServerID:   id,
		Role:       role,
		ServerType: s.serverType,
		Username:   s.username,
		PID:        s.pid,
		Info:       info,
		RemoteAddr: s.conn.RemoteAddr(),
		Err:        err,
	})
}

func (s *session) onRegister(payload json.RawMessage) {
	var reg protocol.Register
	if err := json.Unmarshal(payload, &reg); err != nil {
		s.logger.Warn("dropping malformed registration", "error", err)
		return
	}
	if st := s.current(); st != sessionAwaiting {
		s.logger.Warn("received duplicate registration", "state", st.String(), "id", reg.ID)
		return
	}

	ctx := s.conn.Context()
	switch reg.Role() {
	case protocol.RoleClient:
		s.registerClient(ctx, reg)
	case protocol.RoleMonitor:
		s.registerMonitor(ctx, reg)
	default:
		s.reject(reg, protocol.AckFail("unknown auth master type %q", reg.Type))
	}
}

func (s *session) registerClient(ctx context.Context, reg protocol.Register) {
	if reg.ID == "" {
		s.reject(reg, protocol.AckFail("client should have a client id"))
		return
	}
	if reg.Username == "" {
		s.reject(reg, protocol.AckFail("client should auth with username"))
		return
	}

	user, err := s.agent.users.AuthenticateUser(ctx, reg.Username, reg.Password)
	if err != nil {
		s.logger.Warn("client auth failed", "client_id", reg.ID, "username", reg.Username, "error", err)
		s.authFailed(protocol.RoleClient, reg, err)
		s.reject(reg, protocol.AckFail("client auth failed with username or password error"))
		return
	}

	_, err = s.agent.registry.Add(registry.Params{
		ID:       reg.ID,
		Role:     protocol.RoleClient,
		Username: user.Username,
		Info:     reg.Info,
		Channel:  s.conn,
	})
	if errors.Is(err, registry.ErrClientExists) {
		s.reject(reg, protocol.AckFail("id has been registered. id: %s", reg.ID))
		return
	}
	if err != nil {
		s.reject(reg, protocol.AckFail("%v", err))
		return
	}

	s.mu.Lock()
	s.state = sessionRegistered
	s.id = reg.ID
	s.role = protocol.RoleClient
	s.username = user.Username
	s.info = reg.Info.Clone()
	s.mu.Unlock()

	s.ack(protocol.TopicRegister, protocol.AckOK())
	s.agent.metrics.Registration(protocol.TypeClient, string(events.KindRegister))
	s.logger.Info("=== CLIENT CONNECTED ===", "client_id", reg.ID, "username", user.Username)
	s.agent.events.Publish(events.Event{
		Kind:       events.KindRegister,
		ServerID:   reg.ID,
		Role:       protocol.RoleClient,
		Username:   user.Username,
		RemoteAddr: s.conn.RemoteAddr(),
	})
}

// registerMonitor replays buffered requests for the id whether or not
// authentication succeeds; a rejected connection is closed after the replay.
//
// The replay set is taken before the record becomes routable. Requests issued
// after that point are sent directly and must not be sent again.
func (s *session) registerMonitor(ctx context.Context, reg protocol.Register) {
	if reg.ID == "" {
		s.reject(reg, protocol.AckFail("server should have an id"))
		return
	}
	buffered := s.agent.table.Replay(reg.ID)

	if err := s.agent.servers.AuthenticateServer(ctx, reg); err != nil {
		s.logger.Warn("server auth failed", "server_id", reg.ID, "error", err)
		s.authFailed(protocol.RoleMonitor, reg, err)
		s.ack(protocol.TopicRegister, protocol.AckFail("server auth failed"))
		s.replay(reg.ID, buffered)
		_ = s.conn.Close()
		return
	}

	rec := s.addMonitor(reg)
	if rec == nil {
		return
	}
	s.ack(protocol.TopicRegister, protocol.AckOK())
	s.agent.metrics.Registration(protocol.TypeMonitor, string(events.KindRegister))
	s.logger.Info("=== SERVER CONNECTED ===",
		"server_id", reg.ID,
		"server_type", reg.ServerType,
		"pid", reg.PID,
		"duplicate", rec.Duplicate,
	)
	s.publishMonitor(events.KindRegister, rec)
	s.replay(reg.ID, buffered)
}

// onReconnect lets a monitor resume after a transport drop without
// re-authenticating, unless another connection already holds its id.
func (s *session) onReconnect(payload json.RawMessage) {
	var reg protocol.Register
	if err := json.Unmarshal(payload, &reg); err != nil {
		s.logger.Warn("dropping malformed reconnect", "error", err)
		return
	}
	if st := s.current(); st != sessionAwaiting {
		s.logger.Warn("received reconnect on established connection", "state", st.String(), "id", reg.ID)
		return
	}
	if reg.ID == "" {
		s.logger.Warn("dropping reconnect without id")
		return
	}

	if _, exists := s.agent.registry.Lookup(reg.ID); exists {
		s.logger.Warn("reconnect refused, id already registered", "server_id", reg.ID)
		s.ack(protocol.TopicReconnectOK, protocol.AckFail("id has been registered. id: %s", reg.ID))
		return
	}

	buffered := s.agent.table.Replay(reg.ID)
	rec := s.addMonitor(reg)
	if rec == nil {
		return
	}
	s.ack(protocol.TopicReconnectOK, protocol.AckOK())
	s.agent.metrics.Registration(protocol.TypeMonitor, string(events.KindReconnect))
	s.logger.Info("=== SERVER RECONNECTED ===", "server_id", reg.ID, "server_type", reg.ServerType, "pid", reg.PID)
	s.publishMonitor(events.KindReconnect, rec)
	s.replay(reg.ID, buffered)
}

func (s *session) addMonitor(reg protocol.Register) *registry.Record {
	rec, err := s.agent.registry.Add(registry.Params{
		ID:         reg.ID,
		Role:       protocol.RoleMonitor,
		ServerType: reg.ServerType,
		PID:        reg.PID,
		Info:       reg.Info,
		Channel:    s.conn,
	})
	if err != nil {
		s.logger.Error("adding monitor to registry", "server_id", reg.ID, "error", err)
		return nil
	}

	s.mu.Lock()
	s.state = sessionRegistered
	s.id = reg.ID
	s.role = protocol.RoleMonitor
	s.serverType = reg.ServerType
	s.pid = reg.PID
	s.info = rec.Info
	s.mu.Unlock()
	return rec
}

func (s *session) publishMonitor(kind events.Kind, rec *registry.Record) {
	s.agent.events.Publish(events.Event{
		Kind:       kind,
		ServerID:   rec.ID,
		Role:       protocol.RoleMonitor,
		ServerType: rec.ServerType,
		PID:        rec.PID,
		Info:       rec.Info,
		RemoteAddr: s.conn.RemoteAddr(),
		Duplicate:  rec.Duplicate,
	})
}

// replay resends entries, a snapshot of the buffered requests for serverID,
// on this connection.
func (s *session) replay(serverID string, entries []correlation.Entry) {
	sent := 0
	for _, e := range entries {
		frame := protocol.Frame{ID: e.ID, ModuleID: e.ModuleID, Body: e.Body}
		if err := s.conn.Send(protocol.TopicMonitor, frame); err != nil {
			s.logger.Warn("replay send failed", "server_id", serverID, "id", e.ID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info("replayed buffered requests", "server_id", serverID, "count", sent)
	}
	s.agent.metrics.RequestsReplayed(sent)
}

func (s *session) onMonitor(payload json.RawMessage) {
	if !s.admit(protocol.RoleMonitor, protocol.TopicMonitor) {
		return
	}
	frame, err := protocol.Parse(payload)
	if err != nil {
		s.logger.Warn("dropping malformed monitor frame", "error", err)
		return
	}

	if protocol.IsResponse(frame) {
		respErr := frame.Err()
		if s.agent.table.Resolve(frame.RespID, frame.Body, respErr) {
			if respErr != nil {
				s.agent.metrics.ResponseReceived(metrics.OutcomeError)
			} else {
				s.agent.metrics.ResponseReceived(metrics.OutcomeOK)
			}
		} else {
			s.agent.metrics.ResponseReceived(metrics.OutcomeUnknown)
		}
		return
	}

	result, err := s.agent.console.ExecuteMaster(s.conn.Context(), s.agent, frame.ModuleID, frame.Body)
	s.reply(protocol.TopicMonitor, frame, result, err)
}

func (s *session) onClient(payload json.RawMessage) {
	if !s.admit(protocol.RoleClient, protocol.TopicClient) {
		return
	}
	frame, err := protocol.Parse(payload)
	if err != nil {
		s.logger.Warn("dropping malformed client frame", "error", err)
		return
	}
	if protocol.IsResponse(frame) {
		s.logger.Warn("dropping unexpected response from client", "resp_id", frame.RespID)
		return
	}

	var result any
	if frame.Command != "" {
		result, err = s.agent.console.Command(frame.Command, frame.ModuleID, frame.Body)
	} else {
		result, err = s.agent.console.ExecuteClient(s.conn.Context(), s.agent, frame.ModuleID, frame.Body)
	}
	s.reply(protocol.TopicClient, frame, result, err)
}

// admit enforces registration and role before any traffic is handled.
// Unregistered traffic closes the connection; wrong-role traffic is dropped.
func (s *session) admit(role protocol.Role, topic string) bool {
	s.mu.Lock()
	state, actual, id := s.state, s.role, s.id
	s.mu.Unlock()

	if state != sessionRegistered {
		s.logger.Warn("traffic before registration, closing connection", "topic", topic)
		_ = s.conn.Close()
		return false
	}
	if actual != role {
		s.logger.Error("dropping frame on topic for another role", "topic", topic, "id", id, "role", actual.String())
		return false
	}
	return true
}

func (s *session) reply(topic string, req protocol.Frame, result any, handlerErr error) {
	resp := protocol.ComposeResponse(req, handlerErr, result)
	if resp == nil {
		if handlerErr != nil {
			s.logger.Warn("notify handler failed", "module_id", req.ModuleID, "command", req.Command, "error", handlerErr)
		} else if result != nil {
			s.logger.Warn("notify should not have a callback", "module_id", req.ModuleID)
		}
		return
	}
	if err := s.conn.Send(topic, resp); err != nil {
		s.logger.Warn("sending response failed", "resp_id", resp.RespID, "error", err)
	}
}

func (s *session) ack(topic string, ack protocol.Ack) {
	if err := s.conn.Send(topic, ack); err != nil {
		s.logger.Warn("sending ack failed", "topic", topic, "error", err)
	}
}

// reject answers a registration with FAIL and closes the connection.
func (s *session) reject(reg protocol.Register, ack protocol.Ack) {
	s.logger.Warn("registration rejected", "id", reg.ID, "type", reg.Type, "reason", ack.Msg)
	s.ack(protocol.TopicRegister, ack)
	_ = s.conn.Close()
}

func (s *session) authFailed(role protocol.Role, reg protocol.Register, err error) {
	s.agent.metrics.AuthFailed(role.String())
	s.agent.events.Publish(events.Event{
		Kind:       events.KindAuthFailed,
		ServerID:   reg.ID,
		Role:       role,
		ServerType: reg.ServerType,
		Username:   reg.Username,
		PID:        reg.PID,
		Info:       reg.Info,
		RemoteAddr: s.conn.RemoteAddr(),
		Err:        err,
	})
}
