// ABOUTME: monitorLog module: operators fetch the latest request log lines of one server
// ABOUTME: The monitor tails <root>/<logfile>-<serverId>.log and parses JSON records

package modules

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/pinion/internal/console"
)

// MonitorLogID is the monitorLog module id.
const MonitorLogID = "monitorLog"

const (
	defaultLogLines   = 100
	maxLogLines       = 10000
	defaultLogTimeout = 30 * time.Second
)

var ErrEmptyLogfile = errors.New("logfile should not be empty")

// LogQuery is the body operators send.
type LogQuery struct {
	ServerID string `json:"serverId"`
	Logfile  string `json:"logfile"`
	Number   int    `json:"number,omitempty"`
}

// LogEntry is one parsed log record.
type LogEntry struct {
	Time     json.RawMessage `json:"time,omitempty"`
	Route    string          `json:"route,omitempty"`
	ServerID string          `json:"serverId"`
	TimeUsed json.RawMessage `json:"timeUsed,omitempty"`
	Params   string          `json:"params"`
}

// LogResult is what the monitor answers.
type LogResult struct {
	ServerID string  `json:"serverId"`
	Body     LogBody `json:"body"`
}

type LogBody struct {
	Logfile   string     `json:"logfile"`
	DataArray []LogEntry `json:"dataArray"`
}

// MonitorLog serves log tails from monitors to operators.
type MonitorLog struct {
	root    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMonitorLog creates the module reading logs under root. A zero timeout
// bounds operator requests to thirty seconds.
func NewMonitorLog(root string, timeout time.Duration, logger *slog.Logger) *MonitorLog {
	if timeout <= 0 {
		timeout = defaultLogTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitorLog{root: root, timeout: timeout, logger: logger.With("component", "monitorLog")}
}

func (m *MonitorLog) ModuleID() string { return MonitorLogID }

// HandleClient forwards the query to the monitor named by serverId.
func (m *MonitorLog) HandleClient(ctx context.Context, agent console.MasterAgent, body json.RawMessage) (any, error) {
	var q LogQuery
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("decoding log query: %w", err)
	}
	if q.ServerID == "" {
		return nil, fmt.Errorf("log query without serverId")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res, err := agent.Call(ctx, q.ServerID, MonitorLogID, body)
	if err != nil {
		m.logger.Error("fetching logs", "server_id", q.ServerID, "error", err)
		return nil, err
	}
	return res, nil
}

// HandleMonitor returns the last lines of the requested log file.
func (m *MonitorLog) HandleMonitor(_ context.Context, agent console.MonitorAgent, body json.RawMessage) (any, error) {
	var q LogQuery
	if len(body) > 0 {
		if err := json.Unmarshal(body, &q); err != nil {
			return nil, fmt.Errorf("decoding log query: %w", err)
		}
	}
	if q.Logfile == "" {
		return nil, ErrEmptyLogfile
	}
	if q.ServerID == "" {
		q.ServerID = agent.ID()
	}
	if q.Number <= 0 {
		q.Number = defaultLogLines
	}
	q.Number = min(q.Number, maxLogLines)

	name := filepath.Base(q.Logfile) + "-" + filepath.Base(q.ServerID) + ".log"
	lines, err := tail(filepath.Join(m.root, name), q.Number)
	if err != nil {
		return nil, err
	}

	entries := make([]LogEntry, 0, len(lines))
	for _, line := range lines {
		entry, ok := parseLogLine(line, q.ServerID)
		if !ok {
			m.logger.Debug("skipping log line that is not json", "logfile", name)
			continue
		}
		entries = append(entries, entry)
	}
	return LogResult{ServerID: agent.ID(), Body: LogBody{Logfile: q.Logfile, DataArray: entries}}, nil
}

// tail returns the last n lines of path.
func tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[start] = line
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	return append(ring[start:], ring[:start]...), nil
}

// parseLogLine decodes the JSON object in a log line, skipping any text
// prefix the logger wrote before it.
func parseLogLine(line, serverID string) (LogEntry, bool) {
	i := strings.IndexByte(line, '{')
	if i < 0 {
		return LogEntry{}, false
	}
	raw := line[i:]

	var rec struct {
		Time     json.RawMessage `json:"time"`
		Route    string          `json:"route"`
		Service  string          `json:"service"`
		TimeUsed json.RawMessage `json:"timeUsed"`
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return LogEntry{}, false
	}
	route := rec.Route
	if route == "" {
		route = rec.Service
	}
	return LogEntry{
		Time:     rec.Time,
		Route:    route,
		ServerID: serverID,
		TimeUsed: rec.TimeUsed,
		Params:   raw,
	}, true
}
