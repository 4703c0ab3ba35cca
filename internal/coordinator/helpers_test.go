// ABOUTME: Fake peers and helpers shared by coordinator tests.
// ABOUTME: Peers capture frames on a channel so tests can wait on them.

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/puppet-gateway/internal/store"
)

const waitTimeout = 2 * time.Second

var peerSeq atomic.Int64

type fakePeer struct {
	id     string
	frames chan []byte

	mu       sync.Mutex
	closed   bool
	reason   string
	closedCh chan struct{}

	refuse atomic.Bool
	// limit caps queued frames until lifted; zero means the channel capacity.
	limit  int
	lifted atomic.Bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		id:       fmt.Sprintf("conn-%d", peerSeq.Add(1)),
		frames:   make(chan []byte, 128),
		closedCh: make(chan struct{}),
	}
}

func (p *fakePeer) ID() string         { return p.id }
func (p *fakePeer) RemoteAddr() string { return "127.0.0.1:0" }

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.refuse.Load() {
		return false
	}
	if p.limit > 0 && !p.lifted.Load() && len(p.frames) >= p.limit {
		return false
	}
	select {
	case p.frames <- frame:
		return true
	default:
		return false
	}
}

func (p *fakePeer) LiftQueueLimit() { p.lifted.Store(true) }

func (p *fakePeer) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		p.reason = reason
		close(p.closedCh)
	}
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// nextRaw waits for the next frame sent to the peer.
func (p *fakePeer) nextRaw(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatalf("%s: timed out waiting for a frame", p.id)
		return nil
	}
}

// next waits for the next frame and decodes it.
func (p *fakePeer) next(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(p.nextRaw(t), &m))
	return m
}

// expect waits for the next frame and checks its type.
func (p *fakePeer) expect(t *testing.T, typ string) map[string]any {
	t.Helper()
	m := p.next(t)
	require.Equal(t, typ, m["type"], "unexpected frame: %v", m)
	return m
}

func (p *fakePeer) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-p.closedCh:
	case <-time.After(waitTimeout):
		t.Fatalf("%s: timed out waiting for close", p.id)
	}
}

// expectNone checks that nothing was sent once the coordinator has caught up.
func (p *fakePeer) expectNone(t *testing.T, c *Coordinator) {
	t.Helper()
	settle(t, c)
	select {
	case f := <-p.frames:
		t.Fatalf("%s: unexpected frame %s", p.id, f)
	default:
	}
}

// settle waits until every event posted so far has been applied.
func settle(t *testing.T, c *Coordinator) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := c.Stats(ctx)
	require.NoError(t, err)
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startCoordinator runs a coordinator until the test ends.
func startCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	c := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func send(c *Coordinator, p *fakePeer, frame string) {
	c.Receive(p.ID(), []byte(frame))
}

// connectClient identifies a client and consumes ready and agent-status.
func connectClient(t *testing.T, c *Coordinator) *fakePeer {
	t.Helper()
	p := newFakePeer()
	c.Connect(p)
	send(c, p, `{"type":"identify","role":"client"}`)
	p.expect(t, "ready")
	p.expect(t, "agent-status")
	return p
}

// connectAgent identifies an agent and consumes its ready frame.
// Connected clients receive agent-status online, which callers must consume.
func connectAgent(t *testing.T, c *Coordinator, agentID string) *fakePeer {
	t.Helper()
	p := newFakePeer()
	c.Connect(p)
	send(c, p, fmt.Sprintf(`{"type":"identify","role":"agent","agentId":%q,"name":"Chrome","version":"1.0.0"}`, agentID))
	ready := p.expect(t, "ready")
	require.Equal(t, "agent", ready["role"])
	return p
}

type finish struct {
	id      string
	outcome store.Outcome
	errText string
}

// fakeLedger records calls from the coordinator goroutine.
type fakeLedger struct {
	mu       sync.Mutex
	started  []store.CommandRecord
	finished []finish
	opened   []store.Session
	closed   []string
}

func (l *fakeLedger) CommandStarted(rec store.CommandRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, rec)
}

func (l *fakeLedger) CommandFinished(id string, outcome store.Outcome, errText string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, finish{id: id, outcome: outcome, errText: errText})
}

func (l *fakeLedger) SessionOpened(sess store.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, sess)
}

func (l *fakeLedger) SessionClosed(id, reason string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, id)
}

func (l *fakeLedger) snapshot() ([]store.CommandRecord, []finish, []store.Session, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.CommandRecord(nil), l.started...),
		append([]finish(nil), l.finished...),
		append([]store.Session(nil), l.opened...),
		append([]string(nil), l.closed...)
}
