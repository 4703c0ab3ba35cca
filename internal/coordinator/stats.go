// ABOUTME: Read-only snapshot of coordinator state for the health surface.
// ABOUTME: Built on the Run goroutine and handed out by value.

package coordinator

import (
	"time"

	"github.com/2389/puppet-gateway/internal/protocol"
)

// Counters accumulate over the coordinator's lifetime.
type Counters struct {
	CommandsForwarded uint64 `json:"commandsForwarded"`
	CommandsSucceeded uint64 `json:"commandsSucceeded"`
	CommandsFailed    uint64 `json:"commandsFailed"`
	CommandsTimedOut  uint64 `json:"commandsTimedOut"`
	CommandsRejected  uint64 `json:"commandsRejected"`
	AgentLost         uint64 `json:"agentLost"`
	ClientGone        uint64 `json:"clientGone"`
	LateResponses     uint64 `json:"lateResponses"`
	UnknownResponses  uint64 `json:"unknownResponses"`
	EventsBroadcast   uint64 `json:"eventsBroadcast"`
	SlowPeers         uint64 `json:"slowPeers"`
	AgentConnects     uint64 `json:"agentConnects"`
	AgentReplacements uint64 `json:"agentReplacements"`
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	AgentConnected bool                `json:"agentConnected"`
	Agent          *protocol.AgentInfo `json:"agent,omitempty"`
	Clients        int                 `json:"clients"`
	Unidentified   int                 `json:"unidentified"`
	Pending        int                 `json:"pending"`
	Counters       Counters            `json:"counters"`
	StartedAt      time.Time           `json:"startedAt"`
	Uptime         string              `json:"uptime"`
}

func (c *Coordinator) snapshot() Stats {
	s := Stats{
		Clients:   len(c.clients),
		Pending:   c.pending.Len(),
		Counters:  c.counters,
		StartedAt: c.startedAt,
		Uptime:    time.Since(c.startedAt).Round(time.Second).String(),
	}
	if info, ok := c.slot.Info(); ok {
		s.AgentConnected = true
		s.Agent = agentInfo(info)
	}
	for _, cn := range c.conns {
		if !cn.identified() {
			s.Unidentified++
		}
	}
	return s
}
