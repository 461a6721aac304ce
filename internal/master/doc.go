// Package master implements the central console agent.
//
// The master accepts transport connections from monitored servers and from
// operator clients. Each connection runs a small state machine (see
// session.go): it must register before any monitor or client traffic is
// accepted, monitors may re-enter with a reconnect frame that skips
// authentication, and a closed connection is removed from the registry by
// the content of its info.
//
// Requests addressed to a server id are buffered in the correlation table
// until answered and are replayed, in issue order, to whichever connection
// next registers or reconnects under that id. Requests addressed to one
// exact server (id plus info) are not replayed; they fail when that
// connection closes.
//
// Handlers run synchronously on the connection's receive goroutine so that
// frames from one peer are processed in arrival order. A handler must not
// wait for a response from the same peer that invoked it.
package master
