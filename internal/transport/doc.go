// Package transport carries gateway frames over WebSocket.
//
// Server is an http.Handler. Each upgraded connection becomes a Conn with
// two goroutines: readPump hands every text frame to the Hub in order, and
// writePump drains the send queue and sends pings. Conn.Send never blocks;
// a full queue returns false and the coordinator drops the peer. The agent's
// connection has its bound lifted with LiftQueueLimit, so it only goes away
// when a write misses WriteWait.
//
// Browser origins are checked against Options.AllowedOrigins. Requests
// without an Origin header come from non-browser clients and are allowed.
package transport
