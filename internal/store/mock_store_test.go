// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Keeps the mock's behavior in line with SQLiteStore

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_MatchesSQLiteSemantics(t *testing.T) {
	ctx := context.Background()
	base := time.Now()

	for name, s := range map[string]Store{
		"mock":   NewMockStore(),
		"sqlite": newTestStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			require.NoError(t, s.InsertCommand(ctx, &CommandRecord{ID: "a", CommandID: "1", SessionID: "c1", Method: "navigate", Outcome: OutcomeForwarded, StartedAt: base}))
			require.NoError(t, s.InsertCommand(ctx, &CommandRecord{ID: "b", CommandID: "2", SessionID: "c2", Method: "getDOM", Outcome: OutcomeForwarded, StartedAt: base.Add(time.Millisecond)}))
			require.NoError(t, s.FinishCommand(ctx, "a", OutcomeAgentLost, "Agent disconnected", base.Add(time.Second)))
			assert.ErrorIs(t, s.FinishCommand(ctx, "zzz", OutcomeFailed, "", base), ErrNotFound)

			list, err := s.ListCommands(ctx, CommandFilter{})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "b", list[0].ID)
			assert.Equal(t, OutcomeAgentLost, list[1].Outcome)

			lost, err := s.ListCommands(ctx, CommandFilter{Outcome: OutcomeAgentLost})
			require.NoError(t, err)
			require.Len(t, lost, 1)
			assert.Equal(t, "a", lost[0].ID)

			_, err = s.GetCommand(ctx, "zzz")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOutcome_IsTerminal(t *testing.T) {
	assert.False(t, OutcomeForwarded.IsTerminal())
	for _, o := range []Outcome{OutcomeSucceeded, OutcomeFailed, OutcomeTimeout, OutcomeAgentLost, OutcomeClientGone, OutcomeRejected} {
		assert.True(t, o.IsTerminal(), o)
	}
}
