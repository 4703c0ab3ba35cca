// Package agent holds the state kept about the single connected agent.
//
// # Slot
//
// Slot records which connection is the agent and the metadata it declared
// (agentId, name, version). At most one agent is live. When a second agent
// identifies, the configured ConflictPolicy decides the outcome:
//
//   - replace: the live agent is evicted and handled as a disconnect, then
//     the newcomer fills the slot
//   - reject: the newcomer is refused
//
// # Pending Commands
//
// Registry maps correlation ids to in-flight commands. Each record carries
// its owning client's connection id and its deadline timer:
//
//	p, err := reg.Add(id, clientConnID, method, time.Now())
//	p.Arm(timeout, func() { events <- deadline{p} })
//
// Resolve removes a record on a matching response and stops its timer.
// Expire removes a record only if the same record is still live, so a
// deadline that lost a race with its response is a no-op.
//
// Ids the gateway mints for commands sent without one look like gw-<n>.
//
// # Ownership
//
// Neither type is safe for concurrent use. Both are owned by the
// coordinator goroutine.
package agent
