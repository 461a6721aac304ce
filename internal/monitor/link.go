// ABOUTME: Transport callbacks for the monitor agent: acknowledgements, inbound frames, drops and close
// ABOUTME: Every callback but HandleConnect runs on the transport's receive goroutine

package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/transport"
)

// link adapts an Agent to transport.ClientHandler.
type link struct {
	a      *Agent
	client *transport.Client
}

// stale reports whether the agent has abandoned this link's client.
func (l *link) stale() bool {
	l.a.mu.Lock()
	defer l.a.mu.Unlock()
	return l.a.client != l.client
}

func (l *link) HandleConnect() {
	a := l.a
	a.mu.Lock()
	if a.state == StateInited {
		a.state = StateConnected
	}
	a.mu.Unlock()
	a.logger.Debug("transport connected")
}

// HandleReconnect resumes with a reconnect frame if the agent was ever
// registered, and with a full registration otherwise.
func (l *link) HandleReconnect() {
	if l.stale() {
		return
	}
	a := l.a
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.retries = 0
	topic := protocol.TopicRegister
	if a.registered {
		topic = protocol.TopicReconnect
	}
	a.mu.Unlock()

	a.logger.Info("transport reconnected, resuming", "topic", topic)
	if err := a.sendRegistration(a.ctx, topic); err != nil {
		a.logger.Error("resuming after reconnect", "error", err)
		a.publish(events.KindError, err)
	}
}

func (l *link) HandlePacket(topic string, payload json.RawMessage) {
	if l.stale() {
		return
	}
	switch topic {
	case protocol.TopicRegister:
		l.onRegisterAck(payload)
	case protocol.TopicReconnectOK:
		l.onReconnectAck(payload)
	case protocol.TopicMonitor:
		l.onFrame(payload)
	default:
		l.a.logger.Warn("dropping packet on unknown topic", "topic", topic)
	}
}

func (l *link) HandleDrop(err error) {
	if l.stale() {
		return
	}
	a := l.a
	a.mu.Lock()
	if a.state == StateRegistered {
		a.state = StateConnected
	}
	a.mu.Unlock()

	if n := a.table.FailAll(correlation.ErrConnectionClosed); n > 0 {
		a.logger.Debug("failed requests on dropped connection", "count", n)
	}
	a.logger.Warn("connection to master lost", "error", err)
	a.publish(events.KindError, err)
}

func (l *link) HandleClose(err error) {
	if l.stale() {
		return
	}
	a := l.a
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	rejected := a.rejected
	if !rejected {
		a.state = StateClosed
	}
	a.mu.Unlock()

	a.table.FailAll(correlation.ErrConnectionClosed)
	if rejected {
		return
	}

	a.logger.Error("connection to master closed", "error", err)
	a.cancel()
	a.finish()
	a.publish(events.KindClose, err)
	a.events.Close()
}

func (l *link) onRegisterAck(payload json.RawMessage) {
	a := l.a
	var ack protocol.Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		a.logger.Warn("dropping malformed register ack", "error", err)
		return
	}

	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	if ack.OK() {
		a.state = StateRegistered
		a.registered = true
	} else {
		a.rejected = true
	}
	acks, client := a.acks, a.client
	a.mu.Unlock()

	if ack.OK() {
		a.logger.Info("=== REGISTERED WITH MASTER ===", "server_type", a.opts.ServerType, "pid", a.opts.PID)
		a.publish(events.KindRegister, nil)
	} else {
		err := fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Msg)
		a.logger.Error("registration rejected by master", "msg", ack.Msg)
		a.publish(events.KindClose, err)
		if client != nil {
			_ = client.Close()
		}
	}

	select {
	case acks <- ack:
	default:
	}
}

// onReconnectAck restores Registered on OK. A refusal usually means the master
// has not yet noticed the old connection is gone, so the reconnect frame is
// resent a bounded number of times.
func (l *link) onReconnectAck(payload json.RawMessage) {
	a := l.a
	var ack protocol.Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		a.logger.Warn("dropping malformed reconnect ack", "error", err)
		return
	}

	if ack.OK() {
		a.mu.Lock()
		if a.state == StateConnected {
			a.state = StateRegistered
		}
		a.retries = 0
		a.mu.Unlock()
		a.logger.Info("=== RECONNECTED TO MASTER ===", "server_type", a.opts.ServerType)
		a.publish(events.KindReconnect, nil)
		return
	}

	err := fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Msg)
	a.logger.Warn("reconnect refused by master", "msg", ack.Msg)
	a.publish(events.KindError, err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateConnected || a.opts.ReconnectRetries < 0 || a.retries >= a.opts.ReconnectRetries {
		return
	}
	a.retries++
	a.retry = time.AfterFunc(a.retryInterval(), func() {
		if a.State() != StateConnected {
			return
		}
		if err := a.sendRegistration(a.ctx, protocol.TopicReconnect); err != nil {
			a.logger.Warn("resending reconnect", "error", err)
		}
	})
}

func (a *Agent) retryInterval() time.Duration {
	if d := a.opts.Transport.ReconnectInterval; d > 0 {
		return d
	}
	return time.Second
}

func (l *link) onFrame(payload json.RawMessage) {
	a := l.a
	if st := a.State(); st != StateRegistered {
		a.logger.Debug("dropping frame while not registered", "state", st.String())
		return
	}
	frame, err := protocol.Parse(payload)
	if err != nil {
		a.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if frame.Command != "" {
		if _, err := a.console.Command(frame.Command, frame.ModuleID, frame.Body); err != nil {
			a.logger.Warn("command from master failed", "command", frame.Command, "module_id", frame.ModuleID, "error", err)
		}
		return
	}

	if protocol.IsResponse(frame) {
		a.table.Resolve(frame.RespID, frame.Body, frame.Err())
		return
	}

	result, err := a.console.ExecuteMonitor(a.ctx, a, frame.ModuleID, frame.Body)
	resp := protocol.ComposeResponse(frame, err, result)
	if resp == nil {
		if err != nil {
			a.logger.Warn("notify handler failed", "module_id", frame.ModuleID, "error", err)
		} else if result != nil {
			a.logger.Warn("notify should not have a callback", "module_id", frame.ModuleID)
		}
		return
	}
	if err := a.send(protocol.TopicMonitor, resp); err != nil {
		a.logger.Warn("sending response failed", "resp_id", resp.RespID, "error", err)
	}
}

func (a *Agent) publish(kind events.Kind, err error) {
	a.events.Publish(events.Event{
		Kind:       kind,
		ServerID:   a.opts.ID,
		Role:       protocol.RoleMonitor,
		ServerType: a.opts.ServerType,
		PID:        a.opts.PID,
		Info:       a.opts.Info,
		Err:        err,
	})
}
