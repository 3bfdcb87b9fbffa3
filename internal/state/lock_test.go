package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Lock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	first := NewManager(path)
	second := NewManager(path)

	require.NoError(t, first.Lock())
	err := second.Lock()
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid ")

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock())
	require.NoError(t, second.Unlock())

	// Unlocking twice is fine.
	require.NoError(t, second.Unlock())
}

func TestManager_StaleLockIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	mgr := NewManager(path)

	require.NoError(t, os.WriteFile(path+".lock", []byte("pid=1\n"), 0644))
	old := time.Now().Add(-StaleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(path+".lock", old, old))

	require.NoError(t, mgr.Lock())
	require.NoError(t, mgr.Unlock())
}

func TestManager_RefreshLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	mgr := NewManager(path)

	require.ErrorIs(t, mgr.RefreshLock(), ErrLockLost, "nothing held yet")

	require.NoError(t, mgr.Lock())
	old := time.Now().Add(-StaleLockAge + time.Minute)
	require.NoError(t, os.Chtimes(path+".lock", old, old))
	require.NoError(t, mgr.RefreshLock())

	info, err := os.Stat(path + ".lock")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)

	// Another process took the lock over.
	require.NoError(t, os.WriteFile(path+".lock", []byte("pid=1\n"), 0644))
	require.ErrorIs(t, mgr.RefreshLock(), ErrLockLost)
}

func TestKeepLock_HeldLockIsNeverStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	holder := NewManager(path)
	require.NoError(t, holder.Lock())

	// Age the lock past the takeover threshold; the keeper must renew it
	// before a second run looks at it.
	old := time.Now().Add(-StaleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(path+".lock", old, old))

	stop := KeepLock(context.Background(), holder, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		info, err := os.Stat(path + ".lock")
		return err == nil && time.Since(info.ModTime()) < StaleLockAge
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, NewManager(path).Lock(), ErrLocked)
	stop()
	require.NoError(t, holder.Unlock())
}
