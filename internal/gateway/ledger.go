// ABOUTME: Connection ledger recorder appending master lifecycle events to the store
// ABOUTME: Runs until the master's event stream closes; write failures are logged, not fatal

package gateway

import (
	"context"
	"time"

	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/store"
)

const ledgerWriteTimeout = 5 * time.Second

var ledgerKinds = []events.Kind{
	events.KindRegister,
	events.KindReconnect,
	events.KindDisconnect,
	events.KindAuthFailed,
}

// subscribeLedger subscribes to the master's lifecycle events. The
// subscription outlives ctx so departures during shutdown are still recorded;
// it ends when the master closes its broadcaster.
func (g *Gateway) subscribeLedger(ctx context.Context) <-chan events.Event {
	ch, _ := g.master.Events().Subscribe(context.WithoutCancel(ctx), ledgerKinds...)
	g.ledgerDone = make(chan struct{})
	return ch
}

// recordLedger appends every event until ch closes.
func (g *Gateway) recordLedger(ch <-chan events.Event) {
	defer close(g.ledgerDone)
	for ev := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		if err := g.store.AppendConnectionEvent(ctx, ledgerEvent(ev)); err != nil {
			g.logger.Error("recording connection event", "kind", ev.Kind, "server_id", ev.ServerID, "error", err)
		}
		cancel()
	}
}

// ledgerEvent converts a lifecycle event into a ledger row.
func ledgerEvent(ev events.Event) *store.ConnectionEvent {
	e := &store.ConnectionEvent{
		Kind:       string(ev.Kind),
		ServerID:   ev.ServerID,
		Role:       ev.Role.String(),
		ServerType: ev.ServerType,
		PID:        ev.PID,
		Host:       ev.Info.Host(),
		Port:       ev.Info.Port(),
		RemoteAddr: ev.RemoteAddr,
		Timestamp:  ev.Time.UTC(),
	}

	detail := map[string]any{}
	if ev.Username != "" {
		detail["username"] = ev.Username
	}
	if ev.Duplicate {
		detail["duplicate"] = true
	}
	if ev.Err != nil {
		detail["error"] = ev.Err.Error()
	}
	if len(detail) > 0 {
		e.Detail = detail
	}
	return e
}
