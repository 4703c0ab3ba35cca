// ABOUTME: Tests for identification, authorization and role filtering.
// ABOUTME: Covers identify-first, credentials, deadlines and the agent conflict policy.

package coordinator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/puppet-gateway/internal/agent"
	"github.com/2389/puppet-gateway/internal/auth"
)

const testJWTSecret = "coordinator-test-secret-0123456789abcdef"

func newChecker(t *testing.T, s auth.Settings) *auth.Checker {
	t.Helper()
	ch, err := auth.NewChecker(s)
	require.NoError(t, err)
	return ch
}

func TestGate_ClientOpenWhenNoKeyConfigured(t *testing.T) {
	c := startCoordinator(t, Options{})
	p := newFakePeer()
	c.Connect(p)
	send(c, p, `{"type":"identify","role":"client","name":"cli"}`)

	assert.JSONEq(t, `{"type":"ready","role":"client"}`, string(p.nextRaw(t)))
	assert.JSONEq(t, `{"type":"agent-status","status":"offline"}`, string(p.nextRaw(t)))

	stats := settle(t, c)
	assert.Equal(t, 1, stats.Clients)
	assert.Zero(t, stats.Unidentified)
}

func TestGate_ClientSeesLiveAgentInfo(t *testing.T) {
	c := startCoordinator(t, Options{})
	connectAgent(t, c, "ext-1")

	p := newFakePeer()
	c.Connect(p)
	send(c, p, `{"type":"identify","role":"client"}`)
	p.expect(t, "ready")

	status := p.expect(t, "agent-status")
	assert.Equal(t, "online", status["status"])
	info, ok := status["info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ext-1", info["agentId"])
	assert.Equal(t, "Chrome", info["name"])
	assert.Equal(t, "1.0.0", info["version"])
}

func TestGate_AgentBroadcastsOnline(t *testing.T) {
	c := startCoordinator(t, Options{})
	client := connectClient(t, c)

	agentPeer := newFakePeer()
	c.Connect(agentPeer)
	send(c, agentPeer, `{"type":"identify","role":"agent","name":"Chrome"}`)

	ready := agentPeer.expect(t, "ready")
	agentID, _ := ready["agentId"].(string)
	assert.NotEmpty(t, agentID, "an agentId is minted when none is declared")

	status := client.expect(t, "agent-status")
	assert.Equal(t, "online", status["status"])
	assert.Equal(t, agentID, status["info"].(map[string]any)["agentId"])
}

func TestGate_Credentials(t *testing.T) {
	checker := newChecker(t, auth.Settings{APIKey: "client-key", AgentSecret: "agent-secret"})

	tests := []struct {
		name      string
		frame     string
		wantReady bool
		wantError string
	}{
		{
			name:      "client good key",
			frame:     `{"type":"identify","role":"client","apiKey":"client-key"}`,
			wantReady: true,
		},
		{
			name:      "client bad key",
			frame:     `{"type":"identify","role":"client","apiKey":"nope"}`,
			wantError: "Invalid API key",
		},
		{
			name:      "client missing key",
			frame:     `{"type":"identify","role":"client"}`,
			wantError: "Invalid API key",
		},
		{
			name:      "agent good secret",
			frame:     `{"type":"identify","role":"agent","secret":"agent-secret"}`,
			wantReady: true,
		},
		{
			name:      "agent bad secret",
			frame:     `{"type":"identify","role":"agent","secret":"client-key"}`,
			wantError: "Invalid agent secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startCoordinator(t, Options{Auth: checker})
			p := newFakePeer()
			c.Connect(p)
			send(c, p, tt.frame)

			m := p.next(t)
			if tt.wantReady {
				assert.Equal(t, "ready", m["type"])
				assert.False(t, p.isClosed())
				return
			}
			assert.Equal(t, "error", m["type"])
			assert.Equal(t, tt.wantError, m["error"])
			p.waitClosed(t)
			assert.Zero(t, settle(t, c).Clients)
		})
	}
}

func TestGate_ClientToken(t *testing.T) {
	checker := newChecker(t, auth.Settings{JWTSecret: testJWTSecret})
	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ci-runner", time.Hour)
	require.NoError(t, err)

	ledger := &fakeLedger{}
	c := startCoordinator(t, Options{Auth: checker, Ledger: ledger})
	p := newFakePeer()
	c.Connect(p)
	send(c, p, `{"type":"identify","role":"client","name":"ignored","apiKey":"`+token+`"}`)
	p.expect(t, "ready")
	settle(t, c)

	_, _, opened, _ := ledger.snapshot()
	require.Len(t, opened, 1)
	assert.Equal(t, "ci-runner", opened[0].Name, "token subject names the client")
}

func TestGate_ProtocolErrorsClose(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantError string
	}{
		{name: "command before identify", frame: `{"type":"command","id":"1","method":"navigate"}`, wantError: "Must identify first"},
		{name: "malformed json", frame: `{"type":`, wantError: "Invalid message"},
		{name: "unknown type", frame: `{"type":"subscribe"}`, wantError: "Invalid message"},
		{name: "missing type", frame: `{"role":"client"}`, wantError: "Invalid message"},
		{name: "invalid role", frame: `{"type":"identify","role":"admin"}`, wantError: "Invalid role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startCoordinator(t, Options{})
			p := newFakePeer()
			c.Connect(p)
			send(c, p, tt.frame)

			m := p.expect(t, "error")
			assert.Equal(t, tt.wantError, m["error"])
			p.waitClosed(t)

			stats := settle(t, c)
			assert.Zero(t, stats.Unidentified)
			assert.Zero(t, stats.Clients)
		})
	}
}

func TestGate_MalformedFrameFromIdentifiedClientCloses(t *testing.T) {
	c := startCoordinator(t, Options{})
	client := connectClient(t, c)

	send(c, client, `not json`)
	m := client.expect(t, "error")
	assert.Equal(t, "Invalid message", m["error"])
	client.waitClosed(t)
	assert.Zero(t, settle(t, c).Clients)
}

func TestGate_IdentifyTimeout(t *testing.T) {
	c := startCoordinator(t, Options{IdentifyTimeout: 30 * time.Millisecond})
	p := newFakePeer()
	c.Connect(p)

	m := p.expect(t, "error")
	assert.Equal(t, "Identification timeout", m["error"])
	p.waitClosed(t)
	assert.Zero(t, settle(t, c).Unidentified)
}

func TestGate_IdentifiedConnectionsSurviveDeadline(t *testing.T) {
	c := startCoordinator(t, Options{IdentifyTimeout: 30 * time.Millisecond})
	client := connectClient(t, c)

	time.Sleep(80 * time.Millisecond)
	client.expectNone(t, c)
	assert.False(t, client.isClosed())
}

func TestGate_SecondIdentifyRejectedButOpen(t *testing.T) {
	c := startCoordinator(t, Options{})
	client := connectClient(t, c)

	send(c, client, `{"type":"identify","role":"agent"}`)
	m := client.expect(t, "error")
	assert.Equal(t, "Already identified", m["error"])

	stats := settle(t, c)
	assert.False(t, client.isClosed())
	assert.False(t, stats.AgentConnected, "a client cannot become the agent")
	assert.Equal(t, 1, stats.Clients)
}

func TestGate_RoleFiltering(t *testing.T) {
	c := startCoordinator(t, Options{})
	client := connectClient(t, c)
	agentPeer := connectAgent(t, c, "ext-1")
	client.expect(t, "agent-status")

	t.Run("client may not send events", func(t *testing.T) {
		send(c, client, `{"type":"event","event":"spoof"}`)
		m := client.expect(t, "error")
		assert.True(t, strings.Contains(m["error"].(string), "not allowed"))
		assert.False(t, client.isClosed())
		agentPeer.expectNone(t, c)
	})

	t.Run("agent commands are ignored", func(t *testing.T) {
		send(c, agentPeer, `{"type":"command","id":"1","method":"navigate"}`)
		agentPeer.expectNone(t, c)
		client.expectNone(t, c)
		assert.False(t, agentPeer.isClosed())
		assert.True(t, settle(t, c).AgentConnected)
	})
}

func TestGate_ReplacePolicyEvictsLiveAgent(t *testing.T) {
	c := startCoordinator(t, Options{Policy: agent.PolicyReplace})
	client := connectClient(t, c)
	first := connectAgent(t, c, "ext-1")
	client.expect(t, "agent-status")

	send(c, client, `{"type":"command","id":"p1","method":"getDOM"}`)
	first.expect(t, "command")

	second := connectAgent(t, c, "ext-2")

	m := first.expect(t, "error")
	assert.Equal(t, "Replaced by a new agent connection", m["error"])
	first.waitClosed(t)

	r := client.expect(t, "response")
	assert.Equal(t, "p1", r["id"])
	assert.Equal(t, "Agent disconnected", r["error"])
	assert.Equal(t, "offline", client.expect(t, "agent-status")["status"])
	online := client.expect(t, "agent-status")
	assert.Equal(t, "online", online["status"])
	assert.Equal(t, "ext-2", online["info"].(map[string]any)["agentId"])

	stats := settle(t, c)
	require.NotNil(t, stats.Agent)
	assert.Equal(t, "ext-2", stats.Agent.AgentID)
	assert.Equal(t, uint64(1), stats.Counters.AgentReplacements)

	send(c, client, `{"type":"command","id":"p2","method":"getDOM"}`)
	assert.Equal(t, "p2", second.expect(t, "command")["id"])
}

func TestGate_RejectPolicyKeepsLiveAgent(t *testing.T) {
	c := startCoordinator(t, Options{Policy: agent.PolicyReject})
	client := connectClient(t, c)
	first := connectAgent(t, c, "ext-1")
	client.expect(t, "agent-status")

	second := newFakePeer()
	c.Connect(second)
	send(c, second, `{"type":"identify","role":"agent","agentId":"ext-2"}`)

	m := second.expect(t, "error")
	assert.Equal(t, "Agent already connected", m["error"])
	second.waitClosed(t)

	first.expectNone(t, c)
	client.expectNone(t, c)
	stats := settle(t, c)
	assert.Equal(t, "ext-1", stats.Agent.AgentID)
}

func TestGate_UnidentifiedCloseReleasesOnly(t *testing.T) {
	ledger := &fakeLedger{}
	c := startCoordinator(t, Options{Ledger: ledger})
	client := connectClient(t, c)

	p := newFakePeer()
	c.Connect(p)
	require.Equal(t, 1, settle(t, c).Unidentified)

	c.Disconnect(p.ID(), "socket closed")
	stats := settle(t, c)
	assert.Zero(t, stats.Unidentified)
	client.expectNone(t, c)

	_, _, _, closed := ledger.snapshot()
	assert.Empty(t, closed, "no session was opened for the unidentified connection")
}

func TestRun_ShutdownClosesPeers(t *testing.T) {
	c := New(Options{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	client := connectClient(t, c)
	lurker := newFakePeer()
	c.Connect(lurker)
	settle(t, c)

	cancel()
	<-done

	client.waitClosed(t)
	lurker.waitClosed(t)

	_, err := c.Stats(t.Context())
	assert.ErrorIs(t, err, ErrStopped)

	// Events posted after shutdown are discarded instead of blocking.
	c.Receive(client.ID(), []byte(`{"type":"command"}`))
	c.Disconnect(client.ID(), "late")
}
