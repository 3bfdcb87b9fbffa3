package state

import (
	"testing"

	"github.com/stackr-io/stackr/internal/engine"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	data := []byte(`{
		"schemaVersion": 2,
		"serial": 7,
		"lineage": "abc",
		"writer": "stackr 9.9",
		"nodes": [{"id": "vpc", "kind": "Network", "spec": {"cidr": "10.0.0.0/16"}, "color": "blue"}],
		"idMapping": {"vpc": "vpc-123"}
	}`)

	snap, err := Decode(data, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.SchemaVersion)
	assert.Equal(t, 7, snap.Serial)
	assert.Equal(t, "vpc-123", snap.IDMapping["vpc"])
	require.NotNil(t, snap.Node("vpc"))
	assert.Equal(t, ir.KindNetwork, snap.Node("vpc").Kind)
}

func TestDecode_NormalizesMissingCollections(t *testing.T) {
	snap, err := Decode([]byte(`{"schemaVersion": 1, "serial": 0}`), "test")
	require.NoError(t, err)
	assert.NotNil(t, snap.Nodes)
	assert.NotNil(t, snap.IDMapping)
}

func TestDecode_Corrupt(t *testing.T) {
	cases := map[string]struct {
		data   string
		reason string
	}{
		"empty":          {``, "empty document"},
		"truncated":      {`{"schemaVersion": 1, "nodes": [`, "malformed JSON"},
		"wrong type":     {`{"schemaVersion": "one"}`, "malformed JSON"},
		"no version":     {`{"serial": 1}`, "unsupported schemaVersion 0"},
		"negative":       {`{"schemaVersion": 1, "serial": -1}`, "negative serial"},
		"missing id":     {`{"schemaVersion": 1, "nodes": [{"kind": "Network"}]}`, "has no id"},
		"duplicate":      {`{"schemaVersion": 1, "nodes": [{"id": "a", "kind": "Network"}, {"id": "a", "kind": "Volume"}]}`, `duplicate node id "a"`},
		"unknown kind":   {`{"schemaVersion": 1, "nodes": [{"id": "a", "kind": "Bucket"}]}`, "unknown kind"},
		"dangling dep":   {`{"schemaVersion": 1, "nodes": [{"id": "a", "kind": "Network", "dependsOn": ["b"]}]}`, `unknown node "b"`},
		"orphan mapping": {`{"schemaVersion": 1, "nodes": [], "idMapping": {"a": "x"}}`, `unknown node "a"`},
		"null node":      {`{"schemaVersion": 1, "nodes": [null]}`, "is null"},
		"dangling ref":   {`{"schemaVersion": 1, "nodes": [{"id": "sg", "kind": "SecurityGroup", "spec": {"vpcId": "ref://vpc"}}]}`, `"sg" depends on unknown resource "vpc"`},
		"cycle": {`{"schemaVersion": 1, "nodes": [
			{"id": "a", "kind": "SecurityGroup", "spec": {"peer": "ref://b"}},
			{"id": "b", "kind": "SecurityGroup", "dependsOn": ["a"]}]}`, "dependency cycle detected"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data), "state.json")
			require.ErrorIs(t, err, ErrCorrupt)
			var ce *CorruptError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "state.json", ce.Location)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestEncode_Layout(t *testing.T) {
	snap := ir.NewSnapshot()
	snap.SchemaVersion = 0
	snap.Serial = 3
	snap.Lineage = "lin"
	snap.Nodes = append(snap.Nodes, &ir.ResourceNode{ID: "vpc", Kind: ir.KindNetwork, Provider: "memory"})
	snap.IDMapping["vpc"] = "vpc-1"

	data, err := Encode(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"schemaVersion": 1,
		"serial": 3,
		"lineage": "lin",
		"nodes": [{"id": "vpc", "kind": "Network", "provider": "memory"}],
		"idMapping": {"vpc": "vpc-1"}
	}`, string(data))
	assert.Equal(t, 0, snap.SchemaVersion, "input is not modified")

	back, err := Decode(data, "test")
	require.NoError(t, err)
	assert.Equal(t, snap.IDMapping, back.IDMapping)
}

func TestDecode_GraphErrorsAreCorrupt(t *testing.T) {
	_, err := Decode([]byte(`{"schemaVersion": 1, "nodes": [
		{"id": "a", "kind": "SecurityGroup", "spec": {"peer": "ref://b"}},
		{"id": "b", "kind": "SecurityGroup", "spec": {"peer": "ref://a"}}]}`), "state.json")
	require.ErrorIs(t, err, ErrCorrupt)
	require.ErrorIs(t, err, engine.ErrCycleDetected)
}
