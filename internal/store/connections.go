// ABOUTME: Connection ledger: append-only record of peer registrations and departures
// ABOUTME: Written from master lifecycle events, read back by the servers CLI and HTTP API

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendConnectionEvent appends e, generating ID and Timestamp if unset.
func (s *SQLiteStore) AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_events (event_id, kind, server_id, role, server_type, pid, host, port, remote_addr, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.ServerID, e.Role, e.ServerType, e.PID, e.Host, e.Port, e.RemoteAddr,
		e.Timestamp.UTC().Format(tsLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}

	s.logger.Debug("appended connection event", "id", e.ID, "kind", e.Kind, "server_id", e.ServerID)
	return nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const connectionEventsQuery = `
	SELECT event_id, kind, server_id, role, server_type, pid, host, port, remote_addr, ts, detail_json
	FROM connection_events
	WHERE (? IS NULL OR server_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY seq DESC
	LIMIT ?
`

// ListConnectionEvents returns matching events, newest first.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, f EventFilter) ([]ConnectionEvent, error) {
	var since *string
	if f.Since != nil {
		str := f.Since.UTC().Format(tsLayout)
		since = &str
	}

	rows, err := s.db.QueryContext(ctx, connectionEventsQuery,
		f.ServerID, f.ServerID,
		f.Kind, f.Kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	var out []ConnectionEvent
	for rows.Next() {
		e, err := scanConnectionEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanConnectionEvent(scanner interface{ Scan(dest ...any) error }) (ConnectionEvent, error) {
	var e ConnectionEvent
	var serverType, host, port, remote, detailJSON *string
	var pid *int
	var ts string

	if err := scanner.Scan(&e.ID, &e.Kind, &e.ServerID, &e.Role, &serverType, &pid, &host, &port, &remote, &ts, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning connection event: %w", err)
	}
	e.ServerType = deref(serverType)
	e.Host = deref(host)
	e.Port = deref(port)
	e.RemoteAddr = deref(remote)
	if pid != nil {
		e.PID = *pid
	}

	var err error
	e.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
