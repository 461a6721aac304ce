// ABOUTME: Module contract for console services: handler roles, agent handles and scheduling
// ABOUTME: A module implements any subset of the monitor, master and client handler interfaces

package console

import (
	"context"
	"encoding/json"
	"time"

	"github.com/2389/pinion/internal/correlation"
)

// Agent is the handle common to master and monitor agents.
type Agent interface {
	ID() string
	Get(key string) any
	Set(key string, value any)
}

// MasterAgent is the routing surface a module sees on the master.
type MasterAgent interface {
	Agent
	Request(serverID, moduleID string, body any, cb correlation.Callback) error
	Call(ctx context.Context, serverID, moduleID string, body any) (json.RawMessage, error)
	NotifyByID(serverID, moduleID string, body any) error
	NotifyByType(serverType, moduleID string, body any) error
	NotifyAll(moduleID string, body any) error
	NotifyClient(clientID, moduleID string, body any) error
	NotifyCommand(command, moduleID string, body any) error
	ServerIDs() []string
}

// MonitorAgent is the surface a module sees on a monitored server.
type MonitorAgent interface {
	Agent
	Request(moduleID string, body any, cb correlation.Callback) error
	Call(ctx context.Context, moduleID string, body any) (json.RawMessage, error)
	Notify(moduleID string, body any) error
}

// Module is a named admin feature.
type Module interface {
	ModuleID() string
}

// MonitorHandler handles frames addressed to the module on a monitored server.
type MonitorHandler interface {
	HandleMonitor(ctx context.Context, agent MonitorAgent, body json.RawMessage) (any, error)
}

// MasterHandler handles frames a monitor sends to the module on the master.
type MasterHandler interface {
	HandleMaster(ctx context.Context, agent MasterAgent, body json.RawMessage) (any, error)
}

// ClientHandler handles operator requests for the module on the master.
type ClientHandler interface {
	HandleClient(ctx context.Context, agent MasterAgent, body json.RawMessage) (any, error)
}

// Scheduled modules have Tick invoked on the master every Interval.
type Scheduled interface {
	Interval() time.Duration
	Tick(ctx context.Context, agent MasterAgent) error
}
