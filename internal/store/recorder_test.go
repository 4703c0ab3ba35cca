// ABOUTME: Tests for the asynchronous ledger recorder
// ABOUTME: Verifies writes land in the store, overflow is counted and Close drains

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_AppliesWrites(t *testing.T) {
	mock := NewMockStore()
	rec := NewRecorder(mock, 16, nil)

	now := time.Now()
	rec.SessionOpened(Session{ID: "conn-c", Role: "client", ConnectedAt: now})
	rec.CommandStarted(CommandRecord{ID: "row-1", CommandID: "1", SessionID: "conn-c", Method: "navigate", Outcome: OutcomeForwarded, StartedAt: now})
	rec.CommandFinished("row-1", OutcomeSucceeded, "", now.Add(time.Second))
	rec.SessionClosed("conn-c", "closed", now.Add(2*time.Second))

	require.NoError(t, rec.Close(t.Context()))

	got, err := mock.GetCommand(context.Background(), "row-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, got.Outcome)
	assert.Equal(t, time.Second, got.Duration())

	sessions, err := mock.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "closed", sessions[0].CloseReason)
	assert.Zero(t, rec.Dropped())
	assert.Zero(t, rec.Failed())
}

func TestRecorder_CountsFailures(t *testing.T) {
	mock := NewMockStore()
	mock.FailWrites = true
	rec := NewRecorder(mock, 4, nil)

	rec.CommandStarted(CommandRecord{ID: "row-1", Outcome: OutcomeRejected, StartedAt: time.Now()})
	require.NoError(t, rec.Close(t.Context()))

	assert.Equal(t, uint64(1), rec.Failed())
}

// blockingStore stalls every write until release is closed.
type blockingStore struct {
	*MockStore
	release chan struct{}
}

func (b *blockingStore) InsertCommand(ctx context.Context, rec *CommandRecord) error {
	<-b.release
	return b.MockStore.InsertCommand(ctx, rec)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	bs := &blockingStore{MockStore: NewMockStore(), release: make(chan struct{})}
	rec := NewRecorder(bs, 1, nil)

	// One write is taken by the worker and blocks, one fills the queue,
	// the rest overflow.
	for i := 0; i < 10; i++ {
		rec.CommandStarted(CommandRecord{ID: time.Now().String(), StartedAt: time.Now()})
	}
	assert.GreaterOrEqual(t, rec.Dropped(), uint64(8))

	close(bs.release)
	require.NoError(t, rec.Close(t.Context()))
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	rec := NewRecorder(NewMockStore(), 0, nil)
	require.NoError(t, rec.Close(t.Context()))
	require.NoError(t, rec.Close(t.Context()))

	rec.CommandFinished("row-1", OutcomeTimeout, "", time.Now())
	assert.Equal(t, uint64(1), rec.Dropped(), "writes after close are dropped")
}

func TestRecorder_CloseHonoursContext(t *testing.T) {
	bs := &blockingStore{MockStore: NewMockStore(), release: make(chan struct{})}
	defer close(bs.release)
	rec := NewRecorder(bs, 4, nil)
	rec.CommandStarted(CommandRecord{ID: "row-1", StartedAt: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rec.Close(ctx), context.DeadlineExceeded)
}
