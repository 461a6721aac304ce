// Package store persists console operators and the connection ledger in
// SQLite. The schema is created on open; the database runs in WAL mode.
package store
