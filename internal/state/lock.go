package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackr-io/stackr/internal/logging"
)

// StaleLockAge is how long a lock may go unrefreshed before another run
// takes it over. Holders refresh it every LockRefreshInterval.
const (
	StaleLockAge        = 10 * time.Minute
	LockRefreshInterval = StaleLockAge / 5
)

// Lock acquires a file lock on the state to prevent concurrent modifications.
func (m *Manager) Lock() error {
	lockPath := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > StaleLockAge {
		logging.Warn("removing stale state lock", "path", lockPath, "age", time.Since(info.ModTime()).Round(time.Second))
		os.Remove(lockPath)
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return &LockedError{Location: lockPath, Holder: lockHolder(lockPath)}
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// RefreshLock bumps the lock file's mtime. It fails with ErrLockLost when the
// file is gone or was taken over by another process.
func (m *Manager) RefreshLock() error {
	lockPath := m.lockPath()
	holder := lockHolder(lockPath)
	if holder != fmt.Sprintf("pid %d", os.Getpid()) {
		return fmt.Errorf("%w: %s (held by %q)", ErrLockLost, lockPath, holder)
	}
	now := time.Now()
	if err := os.Chtimes(lockPath, now, now); err != nil {
		return fmt.Errorf("failed to refresh lock file: %w", err)
	}
	return nil
}

// KeepLock refreshes b's lock every interval until the returned stop
// function is called. Failures are logged; the run carries on.
func KeepLock(ctx context.Context, b Backend, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.RefreshLock(); err != nil {
					logging.Warn("failed to refresh state lock", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Unlock releases the state lock.
func (m *Manager) Unlock() error {
	if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}

func lockHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if pid, ok := strings.CutPrefix(line, "pid="); ok {
			return "pid " + pid
		}
	}
	return ""
}
