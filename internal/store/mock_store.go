// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	commands map[string]*CommandRecord
	sessions map[string]*Session
	seq      map[string]int // insertion order, for stable sorting

	// FailWrites makes every write return an error.
	FailWrites bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		commands: make(map[string]*CommandRecord),
		sessions: make(map[string]*Session),
		seq:      make(map[string]int),
	}
}

var errMockWrite = errors.New("mock store: writes disabled")

// InsertCommand stores a copy of rec.
func (m *MockStore) InsertCommand(ctx context.Context, rec *CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errMockWrite
	}
	c := *rec
	m.commands[c.ID] = &c
	m.seq[c.ID] = len(m.seq)
	return nil
}

// FinishCommand sets a command's terminal outcome.
func (m *MockStore) FinishCommand(ctx context.Context, id string, outcome Outcome, errText string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errMockWrite
	}
	c, ok := m.commands[id]
	if !ok {
		return ErrNotFound
	}
	c.Outcome = outcome
	c.Error = errText
	c.FinishedAt = &at
	return nil
}

// GetCommand returns a copy of the command with id.
func (m *MockStore) GetCommand(ctx context.Context, id string) (*CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCommands returns matching commands newest first.
func (m *MockStore) ListCommands(ctx context.Context, f CommandFilter) ([]*CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CommandRecord
	for _, c := range m.commands {
		if f.SessionID != "" && c.SessionID != f.SessionID {
			continue
		}
		if f.Method != "" && c.Method != f.Method {
			continue
		}
		if f.Outcome != "" && c.Outcome != f.Outcome {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})

	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OpenSession stores a copy of sess.
func (m *MockStore) OpenSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errMockWrite
	}
	s := *sess
	m.sessions[s.ID] = &s
	m.seq[s.ID] = len(m.seq)
	return nil
}

// CloseSession marks a session disconnected.
func (m *MockStore) CloseSession(ctx context.Context, id string, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errMockWrite
	}
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.DisconnectedAt = &at
	s.CloseReason = reason
	return nil
}

// ListSessions returns sessions newest first.
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.After(out[j].ConnectedAt)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})

	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
