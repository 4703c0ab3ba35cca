// ABOUTME: Actor that owns the agent slot, the client set and the pending command registry.
// ABOUTME: Connection pumps and timers post events; one goroutine applies them in order.

package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/puppet-gateway/internal/agent"
	"github.com/2389/puppet-gateway/internal/auth"
	"github.com/2389/puppet-gateway/internal/dedupe"
	"github.com/2389/puppet-gateway/internal/protocol"
	"github.com/2389/puppet-gateway/internal/store"
)

// Defaults for Options fields left zero.
const (
	DefaultCommandTimeout  = 30 * time.Second
	DefaultIdentifyTimeout = 10 * time.Second

	eventQueueSize = 256
)

// ErrStopped is returned by Stats once Run has exited.
var ErrStopped = errors.New("coordinator stopped")

// Peer is one duplex connection as seen by the coordinator.
type Peer interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	RemoteAddr() string
	// Send enqueues a frame without blocking. False means the peer cannot
	// take it (queue full or already closed) and should be treated as gone.
	Send(frame []byte) bool
	// Close flushes frames already queued, then closes the connection.
	// It must be safe to call more than once.
	Close(reason string)
}

// UnboundedPeer is implemented by peers whose send queue bound can be lifted.
// The agent's peer is lifted on admission: forwarding never fails because the
// agent is behind, and a stalled agent is left to its transport's write deadline.
type UnboundedPeer interface {
	Peer
	LiftQueueLimit()
}

// Authorizer checks identify credentials.
type Authorizer interface {
	AuthorizeClient(apiKey string) (auth.Grant, error)
	AuthorizeAgent(secret string) (auth.Grant, error)
}

// Ledger receives command and session records. Calls must not block.
type Ledger interface {
	CommandStarted(rec store.CommandRecord)
	CommandFinished(id string, outcome store.Outcome, errText string, at time.Time)
	SessionOpened(sess store.Session)
	SessionClosed(id, reason string, at time.Time)
}

// Options configures a Coordinator.
type Options struct {
	Auth            Authorizer
	Policy          agent.ConflictPolicy
	CommandTimeout  time.Duration
	IdentifyTimeout time.Duration
	Ledger          Ledger
	Logger          *slog.Logger
}

// Coordinator brokers frames between the agent and clients.
type Coordinator struct {
	auth            Authorizer
	policy          agent.ConflictPolicy
	commandTimeout  time.Duration
	identifyTimeout time.Duration
	ledger          Ledger
	logger          *slog.Logger

	events  chan event
	stopped chan struct{}

	// Everything below is owned by the Run goroutine.
	conns     map[string]*conn
	clients   map[string]*conn
	slot      agent.Slot
	pending   *agent.Registry
	retired   *dedupe.Retired
	counters  Counters
	startedAt time.Time
}

// conn is the coordinator's view of one Peer.
type conn struct {
	peer        Peer
	role        protocol.Role // empty until identified
	name        string
	connectedAt time.Time
	idTimer     *time.Timer
}

func (c *conn) id() string { return c.peer.ID() }

func (c *conn) identified() bool { return c.role != "" }

// New creates a Coordinator. Call Run to start it.
func New(opts Options) *Coordinator {
	if opts.Auth == nil {
		opts.Auth = openAuth{}
	}
	if opts.Policy == "" {
		opts.Policy = agent.PolicyReplace
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.IdentifyTimeout <= 0 {
		opts.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if opts.Ledger == nil {
		opts.Ledger = noopLedger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Coordinator{
		auth:            opts.Auth,
		policy:          opts.Policy,
		commandTimeout:  opts.CommandTimeout,
		identifyTimeout: opts.IdentifyTimeout,
		ledger:          opts.Ledger,
		logger:          opts.Logger.With("component", "coordinator"),
		events:          make(chan event, eventQueueSize),
		stopped:         make(chan struct{}),
		conns:           make(map[string]*conn),
		clients:         make(map[string]*conn),
		pending:         agent.NewRegistry(),
		retired:         dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		startedAt:       time.Now(),
	}
}

// event is anything the Run loop applies.
type event interface{}

type connectEvent struct{ peer Peer }

type frameEvent struct {
	connID string
	data   []byte
}

type closeEvent struct {
	connID string
	reason string
}

type deadlineEvent struct{ p *agent.Pending }

type identifyDeadlineEvent struct{ c *conn }

type statsEvent struct{ reply chan Stats }

// Connect registers a new unidentified connection.
func (c *Coordinator) Connect(p Peer) {
	c.post(connectEvent{peer: p})
}

// Receive hands the coordinator one frame read from connID.
// Frames from one connection are applied in the order they are received.
func (c *Coordinator) Receive(connID string, data []byte) {
	c.post(frameEvent{connID: connID, data: data})
}

// Disconnect reports that connID's socket closed.
func (c *Coordinator) Disconnect(connID, reason string) {
	c.post(closeEvent{connID: connID, reason: reason})
}

// Stats returns a snapshot of the coordinator's state.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case c.events <- statsEvent{reply: reply}:
	case <-c.stopped:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-c.stopped:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// post delivers an event to the Run loop, or discards it once Run has exited.
func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// Run applies events until ctx is cancelled, then closes every connection.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.retired.Close()

	c.logger.Info("coordinator started",
		"policy", c.policy,
		"command_timeout", c.commandTimeout,
		"identify_timeout", c.identifyTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.apply(ev)
		}
	}
}

func (c *Coordinator) apply(ev event) {
	switch ev := ev.(type) {
	case connectEvent:
		c.handleConnect(ev.peer)
	case frameEvent:
		cn, ok := c.conns[ev.connID]
		if !ok {
			return
		}
		c.handleFrame(cn, ev.data)
	case closeEvent:
		if cn, ok := c.conns[ev.connID]; ok {
			c.drop(cn, ev.reason)
		}
	case deadlineEvent:
		c.handleDeadline(ev.p)
	case identifyDeadlineEvent:
		if c.conns[ev.c.id()] == ev.c && !ev.c.identified() {
			c.reject(ev.c, protocol.ReasonIdentifyTimeout)
		}
	case statsEvent:
		ev.reply <- c.snapshot()
	}
}

func (c *Coordinator) handleConnect(p Peer) {
	if _, exists := c.conns[p.ID()]; exists {
		c.logger.Warn("duplicate connection id", "conn_id", p.ID())
		p.Close("duplicate connection id")
		return
	}

	cn := &conn{peer: p, connectedAt: time.Now()}
	cn.idTimer = time.AfterFunc(c.identifyTimeout, func() {
		c.post(identifyDeadlineEvent{c: cn})
	})
	c.conns[p.ID()] = cn

	c.logger.Debug("connection opened", "conn_id", p.ID(), "remote", p.RemoteAddr())
}

// handleFrame decodes once and dispatches by connection state and role.
func (c *Coordinator) handleFrame(cn *conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("undecodable frame", "conn_id", cn.id(), "role", cn.role, "error", err)
		c.reject(cn, protocol.ReasonInvalidMessage)
		return
	}

	if !cn.identified() {
		id, ok := msg.(protocol.Identify)
		if !ok {
			c.reject(cn, protocol.ReasonMustIdentify)
			return
		}
		c.identify(cn, id)
		return
	}

	if _, ok := msg.(protocol.Identify); ok {
		c.sendMessage(cn, protocol.NewError(protocol.ReasonAlreadyIdentified))
		return
	}

	switch cn.role {
	case protocol.RoleClient:
		cmd, ok := msg.(protocol.Command)
		if !ok {
			c.sendMessage(cn, protocol.NewError(protocol.ReasonNotAllowedForClient))
			return
		}
		c.routeCommand(cn, cmd)

	case protocol.RoleAgent:
		switch m := msg.(type) {
		case protocol.Response:
			c.deliverResponse(m, data)
		case protocol.Event:
			c.broadcast(data)
			c.counters.EventsBroadcast++
		default:
			c.logger.Warn("ignoring message from agent", "type", msg.MessageType())
		}
	}
}

// reject sends a final error frame and closes the connection.
func (c *Coordinator) reject(cn *conn, reason string) {
	c.sendMessage(cn, protocol.NewError(reason))
	c.drop(cn, reason)
}

// drop removes a connection and applies the disconnect rules for its role.
// Dropping a connection that is already gone does nothing.
func (c *Coordinator) drop(cn *conn, reason string) {
	if c.conns[cn.id()] != cn {
		return
	}
	delete(c.conns, cn.id())
	if cn.idTimer != nil {
		cn.idTimer.Stop()
	}
	cn.peer.Close(reason)

	switch cn.role {
	case protocol.RoleAgent:
		c.agentGone(cn, reason)
	case protocol.RoleClient:
		c.clientGone(cn, reason)
	default:
		c.logger.Debug("unidentified connection closed", "conn_id", cn.id(), "reason", reason)
		return
	}
	c.ledger.SessionClosed(cn.id(), reason, time.Now())
}

// agentGone fails every pending command and tells clients the agent is offline.
func (c *Coordinator) agentGone(cn *conn, reason string) {
	info, ok := c.slot.Clear(cn.id())
	if !ok {
		return
	}

	failed := c.pending.Len()
	c.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", info.ID,
		"name", info.Name,
		"reason", reason,
		"failed_commands", failed,
		"connected_for", time.Since(info.ConnectedAt).Round(time.Second),
	)

	c.failAll()
}

// clientGone discards the client's pending commands without sending anything.
func (c *Coordinator) clientGone(cn *conn, reason string) {
	delete(c.clients, cn.id())

	now := time.Now()
	dropped := c.pending.DropOwner(cn.id())
	for _, p := range dropped {
		c.retire(p, store.OutcomeClientGone, "", now)
	}
	c.counters.ClientGone += uint64(len(dropped))

	c.logger.Info("client disconnected",
		"conn_id", cn.id(),
		"name", cn.name,
		"reason", reason,
		"discarded_commands", len(dropped),
		"total_clients", len(c.clients),
	)
}

// shutdown closes every connection when Run exits.
func (c *Coordinator) shutdown() {
	for _, p := range c.pending.Drain() {
		c.retire(p, store.OutcomeAgentLost, "gateway shutting down", time.Now())
	}
	for _, cn := range c.conns {
		if cn.idTimer != nil {
			cn.idTimer.Stop()
		}
		cn.peer.Close("gateway shutting down")
		if cn.identified() {
			c.ledger.SessionClosed(cn.id(), "gateway shutting down", time.Now())
		}
	}
	clear(c.conns)
	clear(c.clients)
	c.logger.Info("coordinator stopped")
}

// send enqueues a frame. A peer that cannot take it is dropped.
func (c *Coordinator) send(cn *conn, frame []byte) bool {
	if cn.peer.Send(frame) {
		return true
	}
	c.counters.SlowPeers++
	c.logger.Warn("send queue full, dropping connection", "conn_id", cn.id(), "role", cn.role)
	c.drop(cn, "send queue full")
	return false
}

func (c *Coordinator) sendMessage(cn *conn, m protocol.Message) bool {
	frame, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error("encoding frame", "type", m.MessageType(), "error", err)
		return false
	}
	return c.send(cn, frame)
}

// broadcast sends frame to every identified client, skipping ones that cannot take it.
func (c *Coordinator) broadcast(frame []byte) {
	for _, cl := range c.clients {
		c.send(cl, frame)
	}
}

func (c *Coordinator) broadcastMessage(m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error("encoding frame", "type", m.MessageType(), "error", err)
		return
	}
	c.broadcast(frame)
}

type openAuth struct{}

func (openAuth) AuthorizeClient(string) (auth.Grant, error) {
	return auth.Grant{Method: auth.MethodOpen}, nil
}

func (openAuth) AuthorizeAgent(string) (auth.Grant, error) {
	return auth.Grant{Method: auth.MethodOpen}, nil
}

type noopLedger struct{}

func (noopLedger) CommandStarted(store.CommandRecord) {}
func (noopLedger) CommandFinished(string, store.Outcome, string, time.Time) {}
func (noopLedger) SessionOpened(store.Session) {}
func (noopLedger) SessionClosed(string, string, time.Time) {}
