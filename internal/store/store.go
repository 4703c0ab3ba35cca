// ABOUTME: Store interface and data types for the puppet-gateway ledger
// ABOUTME: Defines command and session records kept for history and auditing

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Outcome is how a command ended, or "forwarded" while it is in flight
type Outcome string

const (
	OutcomeForwarded  Outcome = "forwarded"   // sent to the agent, no answer yet
	OutcomeSucceeded  Outcome = "succeeded"   // agent answered success:true
	OutcomeFailed     Outcome = "failed"      // agent answered success:false
	OutcomeTimeout    Outcome = "timeout"     // deadline elapsed
	OutcomeAgentLost  Outcome = "agent_lost"  // agent disconnected first
	OutcomeClientGone Outcome = "client_gone" // owning client disconnected first
	OutcomeRejected   Outcome = "rejected"    // refused by the gateway, never forwarded
)

// IsTerminal reports whether the outcome is final.
func (o Outcome) IsTerminal() bool {
	return o != OutcomeForwarded
}

// CommandRecord is one command as seen by the gateway
type CommandRecord struct {
	ID         string // ledger row id (uuid)
	CommandID  string // correlation id on the wire
	SessionID  string // owning client's connection id
	ClientName string
	Method     string
	Outcome    Outcome
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Duration returns how long the command took, or zero while in flight.
func (c *CommandRecord) Duration() time.Duration {
	if c.FinishedAt == nil {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// Session is one WebSocket connection that identified
type Session struct {
	ID             string // connection id
	Role           string // "agent" or "client"
	Name           string
	AgentID        string // set for agents
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	CloseReason    string
}

// CommandFilter narrows ListCommands results
type CommandFilter struct {
	SessionID string  // only commands from this client connection
	Method    string  // only this method
	Outcome   Outcome // only this outcome
	Limit     int     // default 50, max 1000
}

// Store persists the ledger
type Store interface {
	InsertCommand(ctx context.Context, rec *CommandRecord) error
	FinishCommand(ctx context.Context, id string, outcome Outcome, errText string, at time.Time) error
	GetCommand(ctx context.Context, id string) (*CommandRecord, error)
	ListCommands(ctx context.Context, f CommandFilter) ([]*CommandRecord, error)

	OpenSession(ctx context.Context, s *Session) error
	CloseSession(ctx context.Context, id string, reason string, at time.Time) error
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	Close() error
}
