package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteBackend(t *testing.T, workspace string) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"), workspace)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackend_CommitAndLoad(t *testing.T) {
	b := newTestSQLiteBackend(t, DefaultWorkspace)
	ctx := context.Background()

	snap, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Serial)

	require.NoError(t, b.Commit(ctx, sampleSnapshot(1)))
	second := sampleSnapshot(2)
	delete(second.IDMapping, "sg")
	second.Nodes = second.Nodes[:1]
	require.NoError(t, b.Commit(ctx, second))

	snap, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Serial)
	assert.Len(t, snap.Nodes, 1)

	old, err := b.Revision(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, old.Nodes, 2)

	_, err = b.Revision(ctx, 9)
	require.Error(t, err)

	history, err := b.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Serial)
	assert.Equal(t, "test-lineage", history[1].Lineage)
	assert.False(t, history[0].CreatedAt.IsZero())
}

func TestSQLiteBackend_RejectsOldSerial(t *testing.T) {
	b := newTestSQLiteBackend(t, DefaultWorkspace)
	ctx := context.Background()

	require.NoError(t, b.Commit(ctx, sampleSnapshot(3)))
	err := b.Commit(ctx, sampleSnapshot(3))
	require.ErrorIs(t, err, ErrSerialConflict)

	snap, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Serial)
}

func TestSQLiteBackend_WorkspacesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	dev, err := NewSQLiteBackend(path, "dev")
	require.NoError(t, err)
	require.NoError(t, dev.Commit(ctx, sampleSnapshot(1)))
	require.NoError(t, dev.Close())

	prod, err := NewSQLiteBackend(path, "prod")
	require.NoError(t, err)
	defer prod.Close()
	snap, err := prod.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
}

func TestSQLiteBackend_Lock(t *testing.T) {
	b := newTestSQLiteBackend(t, DefaultWorkspace)

	require.NoError(t, b.Lock())
	err := b.Lock()
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, b.Unlock())
	require.NoError(t, b.Lock())
	require.NoError(t, b.Unlock())
}

func TestSQLiteBackend_RefreshLock(t *testing.T) {
	b := newTestSQLiteBackend(t, DefaultWorkspace)
	ctx := context.Background()
	require.ErrorIs(t, b.RefreshLock(), ErrLockLost)

	require.NoError(t, b.Lock())
	// Pretend the lock is about to expire.
	soon := time.Now().UTC().Add(time.Second).Format(time.RFC3339)
	_, err := b.db.ExecContext(ctx, `UPDATE state_locks SET expires_at = ?`, soon)
	require.NoError(t, err)

	require.NoError(t, b.RefreshLock())
	var expires string
	require.NoError(t, b.db.QueryRowContext(ctx, `SELECT expires_at FROM state_locks WHERE workspace = ?`, DefaultWorkspace).Scan(&expires))
	at, err := time.Parse(time.RFC3339, expires)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(StaleLockAge), at, time.Minute)

	// Another run expired and replaced the lock.
	_, err = b.db.ExecContext(ctx, `UPDATE state_locks SET holder = 'other'`)
	require.NoError(t, err)
	require.ErrorIs(t, b.RefreshLock(), ErrLockLost)
}

func TestSQLiteBackend_InMemory(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:", "")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Commit(context.Background(), sampleSnapshot(1)))
	snap, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vpc-0abc", snap.IDMapping["vpc"])
}
