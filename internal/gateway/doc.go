// Package gateway runs a pinion master process.
//
// # Overview
//
// The gateway owns every long-lived component of the master: the SQLite
// store, the authenticators, the console service with the builtin modules,
// the master agent and its console stream listener, and the HTTP server.
// Run supervises them with an errgroup; the first failure or the caller's
// cancellation shuts everything down.
//
// # Authentication
//
// With auth.jwt_secret set, monitors must present a JWT minted for their
// server id and operators authenticate against the operators table. Without
// a secret every peer is admitted and a warning is logged.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 503 until at least one monitor is registered
//   - GET /api/servers - Primary monitors, duplicates and clients
//   - GET /api/modules - Console modules and their enabled flag
//   - GET /api/events - Connection ledger (server_id, kind, since, limit)
//   - GET <metrics.path> - Prometheus metrics when enabled
//
// API routes use HTTP basic auth with operator credentials whenever
// authentication is configured.
//
// # Connection Ledger
//
// A recorder subscribes to the master's register, reconnect, disconnect and
// auth_failed events and appends each one to the connection_events table.
// The ledger is an audit trail; the registry itself is never persisted.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :3005 (console stream) and :80 (HTTP) of the node instead of
// server.grpc_addr and server.http_addr.
//
// # Usage
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
package gateway
