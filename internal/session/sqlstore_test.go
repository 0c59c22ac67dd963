package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStoreRoundTrip(t *testing.T) {
	store, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sess := New("ROM-1", "r1", 1)
	sess.CommitSHA = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	sess.CompletionReason = "completed"
	sess.Transition(StateDone)
	require.NoError(t, store.Record(ctx, sess))

	rows, err := store.ByIssue(ctx, "ROM-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(StateDone), rows[0].State)
	require.NotNil(t, rows[0].CommitSHA)
	assert.Equal(t, sess.CommitSHA, *rows[0].CommitSHA)

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestHistoryStoreRecordIsIdempotent(t *testing.T) {
	store, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sess := New("ROM-2", "r1", 1)
	sess.Transition(StateError)
	require.NoError(t, store.Record(ctx, sess))
	require.NoError(t, store.Record(ctx, sess))

	rows, err := store.ByIssue(ctx, "ROM-2")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
