// Package gateway assembles a runnable puppet-gateway from configuration.
//
// New builds the auth checker, the coordinator, the optional SQLite command
// ledger and the WebSocket server. Run opens the listeners (plain TCP, or a
// tsnet node when tailscale is enabled), serves until the context ends and
// then shuts down in order: stop accepting, close every peer through the
// coordinator, flush the ledger, close the database.
//
// # Endpoints
//
//	ws://host:port/          WebSocket (also /ws)
//	GET /health              {"status":"ok","agentConnected":bool,"clients":n}
//	GET /health/ready        200 with an agent, 503 without; body is the stats snapshot
//
// Health endpoints live on http.port, or on the WebSocket port when both
// ports are equal.
package gateway
