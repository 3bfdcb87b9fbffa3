package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackendRejectsNilConfig(t *testing.T) {
	_, err := NewBackend(nil, t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil")
}

func TestNewBackendRejectsUnknownType(t *testing.T) {
	_, err := NewBackend(&BackendConfig{Type: "redis"}, t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}

func TestNewBackendLocal(t *testing.T) {
	dir := t.TempDir()

	b, err := NewBackend(&BackendConfig{Type: "local"}, dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state.json"), b.(*Manager).Path())

	b, err = NewBackend(&BackendConfig{}, dir, "staging")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state.staging.json"), b.(*Manager).Path())

	b, err = NewBackend(&BackendConfig{Type: "local", Config: map[string]string{"path": "/tmp/x.json"}}, dir, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.json", b.(*Manager).Path())
}

func TestNewBackendSQLite(t *testing.T) {
	b, err := NewBackend(&BackendConfig{Type: "sqlite"}, t.TempDir(), "dev")
	require.NoError(t, err)
	defer b.Close()

	sb, ok := b.(*SQLiteBackend)
	require.True(t, ok)
	assert.Equal(t, "dev", sb.workspace)
}

func TestParseBackendConfig(t *testing.T) {
	cfg, err := ParseBackendConfig("s3", []string{"bucket=state", " region = eu-west-1 "})
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Type)
	assert.Equal(t, map[string]string{"bucket": "state", "region": "eu-west-1"}, cfg.Config)

	_, err = ParseBackendConfig("s3", []string{"bucket"})
	require.Error(t, err)
}
