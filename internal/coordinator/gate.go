// ABOUTME: Identification and authorization of new connections.
// ABOUTME: Admits the agent under the conflict policy and adds clients to the client set.

package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/puppet-gateway/internal/agent"
	"github.com/2389/puppet-gateway/internal/protocol"
	"github.com/2389/puppet-gateway/internal/store"
)

func (c *Coordinator) identify(cn *conn, id protocol.Identify) {
	switch id.Role {
	case protocol.RoleAgent:
		c.identifyAgent(cn, id)
	case protocol.RoleClient:
		c.identifyClient(cn, id)
	default:
		c.logger.Debug("identify with invalid role", "conn_id", cn.id(), "role", id.Role)
		c.reject(cn, protocol.ReasonInvalidRole)
	}
}

func (c *Coordinator) identifyAgent(cn *conn, id protocol.Identify) {
	if _, err := c.auth.AuthorizeAgent(id.Secret); err != nil {
		c.logger.Warn("agent auth failed", "conn_id", cn.id(), "remote", cn.peer.RemoteAddr(), "error", err)
		c.reject(cn, protocol.ReasonInvalidSecret)
		return
	}

	if c.slot.Occupied() {
		switch c.policy {
		case agent.PolicyReject:
			c.logger.Warn("rejecting second agent", "conn_id", cn.id(), "live_conn_id", c.slot.ConnID())
			c.reject(cn, protocol.ReasonAgentAlreadyOnline)
			return
		default:
			if old, ok := c.conns[c.slot.ConnID()]; ok {
				c.logger.Warn("replacing live agent", "old_conn_id", old.id(), "new_conn_id", cn.id())
				c.counters.AgentReplacements++
				c.reject(old, protocol.ReasonAgentReplaced)
			}
		}
	}

	// The eviction above may have dropped this connection if it could not
	// take a frame; only a live connection may fill the slot.
	if c.conns[cn.id()] != cn {
		return
	}

	agentID := id.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	info := agent.Info{
		ID:          agentID,
		Name:        id.Name,
		Version:     id.Version,
		ConnectedAt: time.Now(),
	}
	if err := c.slot.Fill(cn.id(), info); err != nil {
		// Unreachable after eviction, but never admit two agents.
		c.reject(cn, protocol.ReasonAgentAlreadyOnline)
		return
	}

	cn.role = protocol.RoleAgent
	cn.name = id.Name
	if up, ok := cn.peer.(UnboundedPeer); ok {
		up.LiftQueueLimit()
	}
	cn.idTimer.Stop()
	c.counters.AgentConnects++

	c.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", agentID,
		"name", id.Name,
		"version", id.Version,
		"conn_id", cn.id(),
		"remote", cn.peer.RemoteAddr(),
		"clients", len(c.clients),
	)

	c.ledger.SessionOpened(store.Session{
		ID:          cn.id(),
		Role:        string(protocol.RoleAgent),
		Name:        id.Name,
		AgentID:     agentID,
		RemoteAddr:  cn.peer.RemoteAddr(),
		ConnectedAt: info.ConnectedAt,
	})

	if !c.sendMessage(cn, protocol.NewReady(protocol.RoleAgent, agentID)) {
		return
	}
	c.broadcastMessage(protocol.NewAgentStatus(true, agentInfo(info)))
}

func (c *Coordinator) identifyClient(cn *conn, id protocol.Identify) {
	grant, err := c.auth.AuthorizeClient(id.APIKey)
	if err != nil {
		c.logger.Warn("client auth failed", "conn_id", cn.id(), "remote", cn.peer.RemoteAddr(), "error", err)
		c.reject(cn, protocol.ReasonInvalidAPIKey)
		return
	}

	name := id.Name
	if grant.Subject != "" {
		name = grant.Subject
	}

	cn.role = protocol.RoleClient
	cn.name = name
	cn.idTimer.Stop()
	c.clients[cn.id()] = cn

	c.logger.Info("client connected",
		"conn_id", cn.id(),
		"name", name,
		"auth", grant.Method,
		"remote", cn.peer.RemoteAddr(),
		"total_clients", len(c.clients),
	)

	c.ledger.SessionOpened(store.Session{
		ID:          cn.id(),
		Role:        string(protocol.RoleClient),
		Name:        name,
		RemoteAddr:  cn.peer.RemoteAddr(),
		ConnectedAt: time.Now(),
	})

	if !c.sendMessage(cn, protocol.NewReady(protocol.RoleClient, "")) {
		return
	}
	c.sendMessage(cn, c.currentStatus())
}

func (c *Coordinator) currentStatus() protocol.AgentStatus {
	info, ok := c.slot.Info()
	if !ok {
		return protocol.NewAgentStatus(false, nil)
	}
	return protocol.NewAgentStatus(true, agentInfo(info))
}

func agentInfo(info agent.Info) *protocol.AgentInfo {
	return &protocol.AgentInfo{
		AgentID:     info.ID,
		Name:        info.Name,
		Version:     info.Version,
		ConnectedAt: info.ConnectedAt,
	}
}
