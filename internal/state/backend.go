package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stackr-io/stackr/internal/ir"
)

// DefaultWorkspace is the workspace used when none has been selected.
const DefaultWorkspace = "default"

// Backend is a durable store for snapshots. Commit must be atomic: a reader
// sees either the previous snapshot or the new one, never a mix.
type Backend interface {
	Load(ctx context.Context) (*ir.Snapshot, error)
	Commit(ctx context.Context, snap *ir.Snapshot) error

	// Lock acquires an exclusive lock on the state.
	Lock() error
	// RefreshLock keeps a held lock from being considered stale.
	RefreshLock() error
	Unlock() error

	Close() error
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type" yaml:"type"` // "local", "s3", "sqlite"
	Config map[string]string `json:"config" yaml:"config"`
}

// ParseBackendConfig builds a BackendConfig from a type name and key=value
// pairs as given on the command line.
func ParseBackendConfig(typ string, pairs []string) (*BackendConfig, error) {
	cfg := &BackendConfig{Type: typ, Config: map[string]string{}}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid backend config %q, expected key=value", p)
		}
		cfg.Config[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return cfg, nil
}

// NewBackend creates a state backend rooted at dir for the given workspace.
func NewBackend(cfg *BackendConfig, dir, workspace string) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}
	if workspace == "" {
		workspace = DefaultWorkspace
	}

	switch cfg.Type {
	case "local", "":
		path := cfg.Config["path"]
		if path == "" {
			path = LocalStatePath(dir, workspace)
		}
		return NewManager(path), nil
	case "s3":
		return newS3Backend(cfg.Config, workspace)
	case "sqlite":
		path := cfg.Config["path"]
		if path == "" {
			path = filepath.Join(dir, "state.db")
		}
		return NewSQLiteBackend(path, workspace)
	default:
		return nil, fmt.Errorf("unknown backend type: %s (want one of %s)", cfg.Type, strings.Join(BackendTypes(), ", "))
	}
}

func BackendTypes() []string {
	types := []string{"local", "s3", "sqlite"}
	sort.Strings(types)
	return types
}

// LocalStatePath returns the state file for a workspace inside dir.
func LocalStatePath(dir, workspace string) string {
	if workspace == "" || workspace == DefaultWorkspace {
		return filepath.Join(dir, "state.json")
	}
	return filepath.Join(dir, fmt.Sprintf("state.%s.json", workspace))
}

// Close is a no-op for the local file store.
func (m *Manager) Close() error { return nil }
