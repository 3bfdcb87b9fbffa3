package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot(serial int) *ir.Snapshot {
	snap := ir.NewSnapshot()
	snap.Serial = serial
	snap.Lineage = "test-lineage"
	snap.Nodes = []*ir.ResourceNode{
		{ID: "vpc", Kind: ir.KindNetwork, Provider: "aws", Spec: map[string]any{"cidr": "10.0.0.0/16"}},
		{ID: "sg", Kind: ir.KindSecurityGroup, Provider: "aws", Spec: map[string]any{"vpcId": "ref://vpc"}},
	}
	snap.IDMapping = map[string]string{"vpc": "vpc-0abc", "sg": "sg-0def"}
	return snap
}

func TestManager_LoadMissing(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))

	snap, err := mgr.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ir.SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, 0, snap.Serial)
	assert.Empty(t, snap.Nodes)
}

func TestManager_CommitAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	mgr := NewManager(path)
	ctx := context.Background()

	require.NoError(t, mgr.Commit(ctx, sampleSnapshot(1)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	snap, err := mgr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Serial)
	assert.Equal(t, "test-lineage", snap.Lineage)
	assert.Equal(t, "vpc-0abc", snap.IDMapping["vpc"])
	assert.Equal(t, "ref://vpc", snap.Node("sg").Spec["vpcId"])

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"schemaVersion": 1`)
	assert.Contains(t, string(content), `"idMapping"`)
}

func TestManager_FailedCommitKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	mgr := NewManager(path)
	ctx := context.Background()

	require.NoError(t, mgr.Commit(ctx, sampleSnapshot(1)))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := sampleSnapshot(2)
	bad.Nodes[0].Spec["handler"] = func() {}
	require.Error(t, mgr.Commit(ctx, bad))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestManager_CorruptFileIsNotOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion": 1, "nodes": [`), 0600))

	_, err := NewManager(path).Load(context.Background())
	require.ErrorIs(t, err, ErrCorrupt)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"schemaVersion": 1, "nodes": [`, string(content))
}

func TestManager_Encrypted(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "state-secret")
	path := filepath.Join(t.TempDir(), "state.json")
	mgr := NewManager(path)
	ctx := context.Background()

	require.NoError(t, mgr.Commit(ctx, sampleSnapshot(4)))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))

	snap, err := mgr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Serial)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = mgr.Load(ctx)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestManager_LoadHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewManager(filepath.Join(t.TempDir(), "state.json")).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
