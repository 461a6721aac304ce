// ABOUTME: Typed lifecycle events raised by master and agent state machines
// ABOUTME: Register, reconnect, disconnect, auth failure, error, close and pushed notifications

package events

import (
	"encoding/json"
	"time"

	"github.com/2389/pinion/internal/protocol"
)

// Kind names an event.
type Kind string

const (
	KindRegister   Kind = "register"
	KindReconnect  Kind = "reconnect"
	KindDisconnect Kind = "disconnect"
	KindAuthFailed Kind = "auth_failed"
	KindError      Kind = "error"
	KindClose      Kind = "close"
	KindNotify     Kind = "notify"
)

// Event describes one lifecycle change. Fields that do not apply to a kind are zero.
type Event struct {
	Kind       Kind
	ServerID   string
	Role       protocol.Role
	ServerType string
	Username   string
	PID        int
	Info       protocol.Info
	RemoteAddr string
	Duplicate  bool

	// ModuleID and Body carry notifications pushed to a client.
	ModuleID string
	Body     json.RawMessage

	Err  error
	Time time.Time
}
