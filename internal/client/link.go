// ABOUTME: Transport callbacks for the operator client
// ABOUTME: Handles the register ack, responses and pushed notifies; a drop ends the session

package client

import (
	"encoding/json"

	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/protocol"
)

type link struct {
	c *Client
}

func (l *link) HandleConnect() {
	c := l.c
	c.mu.Lock()
	if c.state == StateInited {
		c.state = StateConnected
	}
	c.mu.Unlock()
}

// HandleReconnect is never called: the transport is created without reconnect.
func (l *link) HandleReconnect() {}

func (l *link) HandlePacket(topic string, payload json.RawMessage) {
	c := l.c
	switch topic {
	case protocol.TopicRegister:
		var ack protocol.Ack
		if err := json.Unmarshal(payload, &ack); err != nil {
			c.logger.Warn("dropping malformed register ack", "error", err)
			return
		}
		c.mu.Lock()
		if ack.OK() && c.state == StateConnected {
			c.state = StateRegistered
		}
		acks := c.acks
		c.mu.Unlock()
		if ack.OK() {
			c.logger.Info("=== CONNECTED TO MASTER ===", "username", c.username)
		} else {
			c.logger.Warn("registration rejected by master", "msg", ack.Msg)
		}
		select {
		case acks <- ack:
		default:
		}

	case protocol.TopicClient:
		frame, err := protocol.Parse(payload)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			return
		}
		if protocol.IsResponse(frame) {
			c.table.Resolve(frame.RespID, frame.Body, frame.Err())
			return
		}
		if protocol.IsRequest(frame) {
			c.logger.Warn("dropping request from master, clients only accept notifies", "id", frame.ID, "module_id", frame.ModuleID)
			return
		}
		c.events.Publish(events.Event{
			Kind:     events.KindNotify,
			ServerID: c.id,
			Role:     protocol.RoleClient,
			Username: c.username,
			ModuleID: frame.ModuleID,
			Body:     frame.Body,
		})

	default:
		c.logger.Warn("dropping packet on unknown topic", "topic", topic)
	}
}

func (l *link) HandleDrop(err error) {
	c := l.c
	if n := c.table.FailAll(correlation.ErrConnectionClosed); n > 0 {
		c.logger.Debug("failed requests on dropped connection", "count", n)
	}
	c.logger.Warn("connection to master lost", "error", err)
}

func (l *link) HandleClose(err error) {
	c := l.c
	c.markClosed()
	c.shutdown(err)
}
