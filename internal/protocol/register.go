// ABOUTME: Registration, reconnect and acknowledgement payloads for the register/reconnect topics
// ABOUTME: Also defines Info, the opaque server metadata compared by host and port

package protocol

import "fmt"

// Code is the status taxonomy of registration acknowledgements.
type Code int

const (
	CodeOK   Code = 1
	CodeFail Code = -1
)

// Register is sent by a peer on the register topic, and by a monitor on the reconnect topic.
type Register struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	ServerType string `json:"serverType,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Token      string `json:"token,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Info       Info   `json:"info,omitempty"`
}

// Role maps the registration type onto a Role.
func (r Register) Role() Role {
	switch r.Type {
	case TypeClient:
		return RoleClient
	case TypeMonitor:
		return RoleMonitor
	default:
		return RoleUnknown
	}
}

// Ack acknowledges a registration or reconnect.
type Ack struct {
	Code Code   `json:"code"`
	Msg  string `json:"msg"`
}

// OK reports whether the ack accepted the peer.
func (a Ack) OK() bool {
	return a.Code == CodeOK
}

// AckOK is the accepting acknowledgement.
func AckOK() Ack {
	return Ack{Code: CodeOK, Msg: "ok"}
}

// AckFail is a rejecting acknowledgement with a reason.
func AckFail(format string, args ...any) Ack {
	return Ack{Code: CodeFail, Msg: fmt.Sprintf(format, args...)}
}

// Info is opaque server metadata (host, port and anything else the peer reports).
type Info map[string]any

// Host returns the host field rendered as a string, or "" when absent.
func (i Info) Host() string {
	return i.field("host")
}

// Port returns the port field rendered as a string, or "" when absent.
func (i Info) Port() string {
	return i.field("port")
}

func (i Info) field(key string) string {
	if i == nil {
		return ""
	}
	v, ok := i[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of i.
func (i Info) Clone() Info {
	if i == nil {
		return nil
	}
	out := make(Info, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

// SameServer reports whether a and b identify the same server endpoint.
// Two infos without host and port compare equal.
func SameServer(a, b Info) bool {
	return a.Host() == b.Host() && a.Port() == b.Port()
}
