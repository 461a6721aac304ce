// ABOUTME: Master routing API: requests with replay, exact-server requests and the notify family
// ABOUTME: Every operation is refused with ErrClosed once the agent is closed

package master

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/metrics"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/registry"
)

// Request sends a request to the primary monitor of serverID. The request is
// kept for replay until answered: if the send fails or the monitor drops, it
// is resent when a connection registers or reconnects under that id.
func (a *Agent) Request(serverID, moduleID string, body any, cb correlation.Callback) error {
	_, err := a.request(serverID, moduleID, body, cb)
	return err
}

func (a *Agent) request(serverID, moduleID string, body any, cb correlation.Callback) (uint64, error) {
	if a.closed() {
		return 0, ErrClosed
	}
	rec, ok := a.registry.Lookup(serverID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	id := a.table.NextID()
	frame, err := protocol.ComposeRequest(id, moduleID, body)
	if err != nil {
		return 0, err
	}
	entry := correlation.Entry{
		ID:       id,
		TargetID: serverID,
		ModuleID: moduleID,
		Body:     frame.Body,
		Replay:   true,
	}
	if err := a.table.Register(entry, cb); err != nil {
		return 0, err
	}

	if err := rec.Send(protocol.TopicMonitor, frame); err != nil {
		a.logger.Warn("request send failed, kept for replay",
			"server_id", serverID,
			"module_id", moduleID,
			"id", id,
			"error", err,
		)
		return id, nil
	}
	a.metrics.FrameSent(metrics.KindRequest, 1)
	return id, nil
}

type callResult struct {
	body json.RawMessage
	err  error
}

// Call is Request that waits for the response. When ctx ends first the
// request is withdrawn and ctx.Err() is returned.
func (a *Agent) Call(ctx context.Context, serverID, moduleID string, body any) (json.RawMessage, error) {
	done := make(chan callResult, 1)
	id, err := a.request(serverID, moduleID, body, func(b json.RawMessage, err error) {
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

// RequestServer sends a request to the exact connection matching serverID and
// info (the primary first, then duplicates). It is not replayed; it fails with
// correlation.ErrConnectionClosed if that connection goes away.
func (a *Agent) RequestServer(serverID string, info protocol.Info, moduleID string, body any, cb correlation.Callback) error {
	if a.closed() {
		return ErrClosed
	}
	rec, ok := a.registry.FindServer(serverID, info)
	if !ok {
		return fmt.Errorf("%w: %s at %s:%s", ErrUnknownServer, serverID, info.Host(), info.Port())
	}

	id := a.table.NextID()
	frame, err := protocol.ComposeRequest(id, moduleID, body)
	if err != nil {
		return err
	}
	entry := correlation.Entry{
		ID:       id,
		TargetID: serverID,
		ModuleID: moduleID,
		Body:     frame.Body,
		ConnID:   rec.ConnID(),
	}
	if err := a.table.Register(entry, cb); err != nil {
		return err
	}
	if err := rec.Send(protocol.TopicMonitor, frame); err != nil {
		a.table.Forget(id)
		return fmt.Errorf("sending to %s: %w", serverID, err)
	}
	a.metrics.FrameSent(metrics.KindRequest, 1)
	return nil
}

// NotifyByID sends a notify to the primary monitor of serverID.
func (a *Agent) NotifyByID(serverID, moduleID string, body any) error {
	if a.closed() {
		return ErrClosed
	}
	rec, ok := a.registry.Lookup(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	return a.notify([]*registry.Record{rec}, protocol.TopicMonitor, moduleID, body)
}

// NotifyByServer sends a notify to the exact connection matching serverID and info.
func (a *Agent) NotifyByServer(serverID string, info protocol.Info, moduleID string, body any) error {
	if a.closed() {
		return ErrClosed
	}
	rec, ok := a.registry.FindServer(serverID, info)
	if !ok {
		return fmt.Errorf("%w: %s at %s:%s", ErrUnknownServer, serverID, info.Host(), info.Port())
	}
	return a.notify([]*registry.Record{rec}, protocol.TopicMonitor, moduleID, body)
}

// NotifySlavesByID sends a notify to every duplicate of serverID, not the primary.
func (a *Agent) NotifySlavesByID(serverID, moduleID string, body any) error {
	if a.closed() {
		return ErrClosed
	}
	dups := a.registry.Duplicates(serverID)
	if len(dups) == 0 {
		return fmt.Errorf("%w: no duplicates of %s", ErrUnknownServer, serverID)
	}
	return a.notify(dups, protocol.TopicMonitor, moduleID, body)
}

// NotifyByType sends a notify to every primary monitor of serverType.
func (a *Agent) NotifyByType(serverType, moduleID string, body any) error {
	if a.closed() {
		return ErrClosed
	}
	recs := a.registry.LookupByType(serverType)
	if len(recs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownType, serverType)
	}
	return a.notify(recs, protocol.TopicMonitor, moduleID, body)
}

// NotifyAll sends a notify to every primary monitor. Zero monitors is not an error.
func (a *Agent) NotifyAll(moduleID string, body any) error {
	if a.closed() {
		return ErrClosed
	}
	return a.notify(a.registry.Primaries(), protocol.TopicMonitor, moduleID, body)
}

// NotifyClient sends a notify to a registered operator client.
func (a *Agent) NotifyClient(clientID, moduleID string, body any) error {
	if a.closed() {
		return ErrClosed
	}
	rec, ok := a.registry.LookupClient(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return a.notify([]*registry.Record{rec}, protocol.TopicClient, moduleID, body)
}

// NotifyCommand broadcasts a command frame to every primary monitor.
func (a *Agent) NotifyCommand(command, moduleID string, body any) error {
	if a.closed() {
		return ErrClosed
	}
	frame, err := protocol.ComposeCommand(0, command, moduleID, body)
	if err != nil {
		return err
	}
	sent := a.broadcast(a.registry.Primaries(), protocol.TopicMonitor, frame)
	a.metrics.FrameSent(metrics.KindCommand, sent)
	return nil
}

func (a *Agent) notify(recs []*registry.Record, topic, moduleID string, body any) error {
	frame, err := protocol.ComposeRequest(0, moduleID, body)
	if err != nil {
		return err
	}
	sent := a.broadcast(recs, topic, frame)
	a.metrics.FrameSent(metrics.KindNotify, sent)
	if len(recs) == 1 && sent == 0 {
		return fmt.Errorf("sending notify to %s: delivery failed", recs[0].ID)
	}
	return nil
}

// broadcast sends frame to each record and returns how many sends succeeded.
func (a *Agent) broadcast(recs []*registry.Record, topic string, frame protocol.Frame) int {
	sent := 0
	for _, rec := range recs {
		if err := rec.Send(topic, frame); err != nil {
			a.logger.Warn("send failed",
				"server_id", rec.ID,
				"topic", topic,
				"module_id", frame.ModuleID,
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent
}
