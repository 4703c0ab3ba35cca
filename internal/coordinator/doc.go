// Package coordinator brokers frames between one agent and many clients.
//
// # Actor
//
// A single goroutine (Run) owns the agent slot, the client set and the
// pending command registry. Transports report activity through Connect,
// Receive and Disconnect, which only enqueue events. Command deadlines and
// identify deadlines are timers that enqueue events the same way. Nothing
// else reads or writes the state.
//
// Writes to peers go through Peer.Send, which must not block. A peer that
// cannot accept a frame is dropped as if its socket had closed.
//
// # Connection Lifecycle
//
//  1. Connect: the peer is unidentified and has IdentifyTimeout to send identify.
//  2. identify: the gate checks role and credentials and replies ready, or
//     sends an error frame and closes.
//  3. Clients send commands; the agent sends responses and events.
//  4. Disconnect: agent loss fails every pending command with
//     "Agent disconnected" and broadcasts agent-status offline. Client loss
//     discards that client's pending commands silently.
//
// # Exactly-Once Resolution
//
// A pending record is removed by whichever comes first: the matching
// response, the deadline event or an agent disconnect. Deadline events carry
// the record they were armed for and are ignored if that record is no
// longer live. Responses with no live record are dropped; ids retired
// recently are counted as late, others as unknown.
package coordinator
