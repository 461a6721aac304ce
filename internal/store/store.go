// ABOUTME: Store interface and data types for master persistence
// ABOUTME: Operators authenticate console clients; connection events record peer lifecycle

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateOperator is returned when creating an operator whose username is taken
var ErrDuplicateOperator = errors.New("operator already exists")

// Operator is a console user allowed to register as a client.
type Operator struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ConnectionEvent is one row of the connection ledger.
type ConnectionEvent struct {
	ID         string         // UUID v4
	Kind       string         // register, reconnect, disconnect, auth_failed
	ServerID   string         // server or client id
	Role       string         // monitor or client
	ServerType string
	PID        int
	Host       string
	Port       string
	RemoteAddr string
	Timestamp  time.Time
	Detail     map[string]any
}

// EventFilter narrows ListConnectionEvents.
type EventFilter struct {
	ServerID *string
	Kind     *string
	Since    *time.Time
	Limit    int // default 100, max 1000
}

// Store is the persistence surface used by the master.
type Store interface {
	CreateOperator(ctx context.Context, username, passwordHash string) error
	GetOperator(ctx context.Context, username string) (*Operator, error)
	ListOperators(ctx context.Context) ([]*Operator, error)
	DeleteOperator(ctx context.Context, username string) error

	AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, f EventFilter) ([]ConnectionEvent, error)

	Close() error
}
