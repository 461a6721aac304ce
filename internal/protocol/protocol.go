// ABOUTME: Wire envelope for the admin control plane: request, response, notify and command frames
// ABOUTME: Pure compose/parse helpers plus the topic names and role enum shared by master and agents

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Topics multiplexed over one transport connection.
const (
	TopicRegister    = "register"
	TopicReconnect   = "reconnect"
	TopicReconnectOK = "reconnect_ok"
	TopicMonitor     = "monitor"
	TopicClient      = "client"
)

// Registration types carried in Register.Type.
const (
	TypeClient  = "client"
	TypeMonitor = "monitor"
)

// ErrMalformedFrame is returned by Parse for input that is not a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Role is the closed set of peer roles, decided once at registration.
type Role int

const (
	RoleUnknown Role = iota
	RoleClient
	RoleMonitor
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return TypeClient
	case RoleMonitor:
		return TypeMonitor
	default:
		return "unknown"
	}
}

// Frame is the envelope for every message on the monitor and client topics.
// ID is the correlation id of a request (zero for a notify); RespID marks a response.
type Frame struct {
	ID       uint64          `json:"id,omitempty"`
	RespID   uint64          `json:"respId,omitempty"`
	ModuleID string          `json:"moduleId,omitempty"`
	Command  string          `json:"command,omitempty"`
	Error    string          `json:"error,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// RemoteError is an application error returned by a handler on the other side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Err returns the frame's error field as a *RemoteError, or nil.
func (f Frame) Err() error {
	if f.Error == "" {
		return nil
	}
	return &RemoteError{Message: f.Error}
}

// ComposeRequest builds a request frame. A zero id produces a notify.
func ComposeRequest(id uint64, moduleID string, body any) (Frame, error) {
	raw, err := EncodeBody(body)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, ModuleID: moduleID, Body: raw}, nil
}

// ComposeCommand builds a command frame; id semantics match ComposeRequest.
func ComposeCommand(id uint64, command, moduleID string, body any) (Frame, error) {
	raw, err := EncodeBody(body)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, Command: command, ModuleID: moduleID, Body: raw}, nil
}

// ComposeResponse answers req. It returns nil when req is a notify: a notify is never replied to.
func ComposeResponse(req Frame, handlerErr error, body any) *Frame {
	if !IsRequest(req) {
		return nil
	}
	resp := &Frame{RespID: req.ID}
	if handlerErr != nil {
		resp.Error = handlerErr.Error()
		if resp.Error == "" {
			resp.Error = "unknown error"
		}
	}
	raw, err := EncodeBody(body)
	if err != nil {
		resp.Error = fmt.Sprintf("encoding response body: %v", err)
		return resp
	}
	resp.Body = raw
	return resp
}

// IsRequest reports whether f awaits a response.
func IsRequest(f Frame) bool {
	return f.ID != 0
}

// IsResponse reports whether f answers an earlier request.
func IsResponse(f Frame) bool {
	return f.RespID != 0
}

// Parse turns raw input into a Frame. Already-structured input is returned as is.
func Parse(raw any) (Frame, error) {
	switch v := raw.(type) {
	case Frame:
		return v, nil
	case *Frame:
		if v == nil {
			return Frame{}, ErrMalformedFrame
		}
		return *v, nil
	case json.RawMessage:
		return parseBytes(v)
	case []byte:
		return parseBytes(v)
	case string:
		return parseBytes([]byte(v))
	default:
		return Frame{}, fmt.Errorf("%w: unsupported input %T", ErrMalformedFrame, raw)
	}
}

func parseBytes(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrMalformedFrame
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// EncodeBody marshals a frame body. Nil stays nil; raw JSON passes through.
func EncodeBody(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	return data, nil
}

// IsEmptyBody reports whether a body carries no value.
func IsEmptyBody(body json.RawMessage) bool {
	return len(body) == 0 || string(body) == "null"
}
