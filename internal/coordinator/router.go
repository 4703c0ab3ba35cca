// ABOUTME: Command routing from clients to the agent and response delivery back.
// ABOUTME: Every forwarded command resolves exactly once: answer, timeout or agent loss.

package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/puppet-gateway/internal/agent"
	"github.com/2389/puppet-gateway/internal/protocol"
	"github.com/2389/puppet-gateway/internal/store"
)

// routeCommand validates a client command and forwards it to the agent.
func (c *Coordinator) routeCommand(cn *conn, cmd protocol.Command) {
	if cmd.Method == "" {
		c.refuse(cn, cmd, protocol.ReasonMissingMethod)
		return
	}
	if !protocol.IsKnownMethod(cmd.Method) {
		c.refuse(cn, cmd, protocol.UnknownMethod(cmd.Method))
		return
	}
	if !c.slot.Occupied() {
		c.refuse(cn, cmd, protocol.ReasonNoAgent)
		return
	}

	id := string(cmd.ID)
	if id == "" {
		id = c.pending.NextID()
		cmd.ID = protocol.ID(id)
	}

	now := time.Now()
	p, err := c.pending.Add(id, cn.id(), cmd.Method, now)
	if err != nil {
		c.refuse(cn, cmd, protocol.ReasonDuplicateID)
		return
	}
	c.retired.Forget(id)

	p.RecordID = uuid.NewString()
	c.ledger.CommandStarted(store.CommandRecord{
		ID:         p.RecordID,
		CommandID:  id,
		SessionID:  cn.id(),
		ClientName: cn.name,
		Method:     cmd.Method,
		Outcome:    store.OutcomeForwarded,
		StartedAt:  now,
	})

	p.Arm(c.commandTimeout, func() {
		c.post(deadlineEvent{p: p})
	})
	c.counters.CommandsForwarded++

	c.logger.Debug("forwarding command",
		"id", id,
		"method", cmd.Method,
		"client", cn.id(),
		"pending", c.pending.Len(),
	)

	agentConn, ok := c.conns[c.slot.ConnID()]
	if !ok {
		// Slot and connection table disagree; treat as agent loss.
		c.logger.Error("agent slot has no connection", "conn_id", c.slot.ConnID())
		c.slot.Clear(c.slot.ConnID())
		c.failAll()
		return
	}
	// A failed send drops the agent, which fails this command with the rest.
	c.sendMessage(agentConn, protocol.NewCommand(cmd.ID, cmd.Method, cmd.Params))
}

// refuse answers a command locally without contacting the agent.
func (c *Coordinator) refuse(cn *conn, cmd protocol.Command, reason string) {
	c.counters.CommandsRejected++
	now := time.Now()
	c.ledger.CommandStarted(store.CommandRecord{
		ID:         uuid.NewString(),
		CommandID:  string(cmd.ID),
		SessionID:  cn.id(),
		ClientName: cn.name,
		Method:     cmd.Method,
		Outcome:    store.OutcomeRejected,
		Error:      reason,
		StartedAt:  now,
		FinishedAt: &now,
	})

	c.logger.Debug("command refused", "id", cmd.ID, "method", cmd.Method, "reason", reason)
	c.sendMessage(cn, protocol.Failure(cmd.ID, reason))
}

// deliverResponse matches an agent response to its pending command and
// forwards the agent's frame verbatim to the owning client.
func (c *Coordinator) deliverResponse(resp protocol.Response, raw []byte) {
	id := string(resp.ID)
	p, ok := c.pending.Resolve(id)
	if !ok {
		if outcome, late := c.retired.Lookup(id); late {
			c.counters.LateResponses++
			c.logger.Debug("dropping late response", "id", id, "retired_as", outcome)
		} else {
			c.counters.UnknownResponses++
			c.logger.Debug("dropping response for unknown id", "id", id)
		}
		return
	}

	outcome := store.OutcomeSucceeded
	if resp.Success {
		c.counters.CommandsSucceeded++
	} else {
		outcome = store.OutcomeFailed
		c.counters.CommandsFailed++
	}
	c.retire(p, outcome, resp.Error, time.Now())

	owner, ok := c.clients[p.Owner]
	if !ok {
		return
	}
	c.send(owner, raw)
}

// handleDeadline fails a command whose deadline fired, unless it already resolved.
func (c *Coordinator) handleDeadline(p *agent.Pending) {
	if !c.pending.Expire(p) {
		return
	}
	c.counters.CommandsTimedOut++
	c.retire(p, store.OutcomeTimeout, protocol.ReasonTimeout, time.Now())

	c.logger.Warn("command timed out",
		"id", p.ID,
		"method", p.Method,
		"client", p.Owner,
		"after", c.commandTimeout,
	)

	if owner, ok := c.clients[p.Owner]; ok {
		c.sendMessage(owner, protocol.Failure(protocol.ID(p.ID), protocol.ReasonTimeout))
	}
}

// failAll fails every pending command as if the agent had disconnected.
func (c *Coordinator) failAll() {
	now := time.Now()
	drained := c.pending.Drain()
	for _, p := range drained {
		c.retire(p, store.OutcomeAgentLost, protocol.ReasonAgentDisconnected, now)
		if owner, ok := c.clients[p.Owner]; ok {
			c.sendMessage(owner, protocol.Failure(protocol.ID(p.ID), protocol.ReasonAgentDisconnected))
		}
	}
	c.counters.AgentLost += uint64(len(drained))
	c.broadcastMessage(protocol.NewAgentStatus(false, nil))
}

// retire remembers a finished command's id and records its outcome.
func (c *Coordinator) retire(p *agent.Pending, outcome store.Outcome, errText string, at time.Time) {
	c.retired.Retire(p.ID, string(outcome))
	if p.RecordID != "" {
		c.ledger.CommandFinished(p.RecordID, outcome, errText, at)
	}
}
