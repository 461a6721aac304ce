// ABOUTME: nodeInfo module: the master periodically asks every monitor for process info and caches it
// ABOUTME: Operators read the cached per-server snapshot through the client handler

// Package modules holds the builtin console modules hosted by masters and monitors.
package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/2389/pinion/internal/console"
)

// NodeInfoID is the nodeInfo module id.
const NodeInfoID = "nodeInfo"

const defaultNodeInfoInterval = 5 * time.Minute

// ProcessInfo is what a monitor reports about its own process.
type ProcessInfo struct {
	ServerID   string  `json:"serverId"`
	PID        int     `json:"pid"`
	Hostname   string  `json:"hostname"`
	GoVersion  string  `json:"goVersion"`
	Goroutines int     `json:"goroutines"`
	HeapAlloc  uint64  `json:"heapAlloc"`
	HeapSys    uint64  `json:"heapSys"`
	NumGC      uint32  `json:"numGC"`
	CPUs       int     `json:"cpus"`
	Uptime     float64 `json:"uptimeSeconds"`
}

type nodeReport struct {
	ServerID string          `json:"serverId"`
	Body     json.RawMessage `json:"body"`
}

// NodeInfo collects process info from monitors on a schedule.
type NodeInfo struct {
	interval time.Duration
	started  time.Time

	mu sync.Mutex
}

// NewNodeInfo creates the module. A zero interval uses five minutes.
func NewNodeInfo(interval time.Duration) *NodeInfo {
	if interval <= 0 {
		interval = defaultNodeInfoInterval
	}
	return &NodeInfo{interval: interval, started: time.Now()}
}

func (m *NodeInfo) ModuleID() string        { return NodeInfoID }
func (m *NodeInfo) Interval() time.Duration { return m.interval }

// HandleMonitor reports this process to the master with a notify.
func (m *NodeInfo) HandleMonitor(_ context.Context, agent console.MonitorAgent, _ json.RawMessage) (any, error) {
	info := m.collect(agent.ID())
	if err := agent.Notify(NodeInfoID, map[string]any{"serverId": agent.ID(), "body": info}); err != nil {
		return nil, fmt.Errorf("reporting node info: %w", err)
	}
	return nil, nil
}

func (m *NodeInfo) collect(serverID string) ProcessInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()
	return ProcessInfo{
		ServerID:   serverID,
		PID:        os.Getpid(),
		Hostname:   host,
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		HeapSys:    mem.HeapSys,
		NumGC:      mem.NumGC,
		CPUs:       runtime.NumCPU(),
		Uptime:     time.Since(m.started).Seconds(),
	}
}

// Tick asks every monitor to report.
func (m *NodeInfo) Tick(_ context.Context, agent console.MasterAgent) error {
	return agent.NotifyAll(NodeInfoID, nil)
}

// HandleMaster stores a report sent back by a monitor.
func (m *NodeInfo) HandleMaster(_ context.Context, agent console.MasterAgent, body json.RawMessage) (any, error) {
	var report nodeReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decoding node report: %w", err)
	}
	if report.ServerID == "" {
		return nil, fmt.Errorf("node report without serverId")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := agent.Get(NodeInfoID).(map[string]json.RawMessage)
	if data == nil {
		data = make(map[string]json.RawMessage)
		agent.Set(NodeInfoID, data)
	}
	data[report.ServerID] = report.Body
	return nil, nil
}

// HandleClient returns the latest report of every server.
func (m *NodeInfo) HandleClient(_ context.Context, agent console.MasterAgent, _ json.RawMessage) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := agent.Get(NodeInfoID).(map[string]json.RawMessage)
	out := make(map[string]json.RawMessage, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out, nil
}
