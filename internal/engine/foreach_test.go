package engine

import (
	"testing"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandForEach_NoIteration(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{ID: "a", Kind: ir.KindVolume, Spec: map[string]any{"key": "val"}},
	}
	expanded := ExpandForEach(nodes)
	require.Len(t, expanded, 1)
	assert.Same(t, nodes[0], expanded[0])
}

func TestExpandForEach_Count(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{
			ID:    "search",
			Kind:  ir.KindService,
			Count: 3,
			Spec: map[string]any{
				"name": "search-${count.index}",
			},
		},
	}
	expanded := ExpandForEach(nodes)
	require.Len(t, expanded, 3)

	for i, n := range expanded {
		assert.Equal(t, []string{"search[0]", "search[1]", "search[2]"}[i], n.ID)
		assert.Equal(t, []string{"search-0", "search-1", "search-2"}[i], n.Spec["name"])
		assert.Equal(t, ir.KindService, n.Kind)
	}
}

func TestExpandForEach_ForEachSortedByKey(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{
			ID:   "logs",
			Kind: ir.KindLogGroup,
			ForEach: map[string]any{
				"search":    "/od4e/search",
				"dashboard": "/od4e/dashboard",
			},
			Spec: map[string]any{
				"name": "${each.value}",
				"tags": map[string]any{"component": "${each.key}"},
			},
		},
	}
	expanded := ExpandForEach(nodes)
	require.Len(t, expanded, 2)

	assert.Equal(t, `logs["dashboard"]`, expanded[0].ID)
	assert.Equal(t, "/od4e/dashboard", expanded[0].Spec["name"])
	assert.Equal(t, map[string]any{"component": "dashboard"}, expanded[0].Spec["tags"])
	assert.Equal(t, `logs["search"]`, expanded[1].ID)
}

func TestExpandForEach_RewritesDependsOn(t *testing.T) {
	volume := &ir.ResourceNode{ID: "volume", Kind: ir.KindVolume, Count: 2}
	service := &ir.ResourceNode{ID: "service", Kind: ir.KindService, DependsOn: []string{"volume", "cluster"}}
	cluster := &ir.ResourceNode{ID: "cluster", Kind: ir.KindCluster}

	expanded := ExpandForEach([]*ir.ResourceNode{volume, service, cluster})
	require.Len(t, expanded, 4)

	var got *ir.ResourceNode
	for _, n := range expanded {
		if n.ID == "service" {
			got = n
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, []string{"volume[0]", "volume[1]", "cluster"}, got.DependsOn)
	// The input node is left untouched.
	assert.Equal(t, []string{"volume", "cluster"}, service.DependsOn)

	g, err := BuildGraph(expanded)
	require.NoError(t, err)
	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, "service", order[len(order)-1])
}

func TestExpandForEach_PreservesLifecycle(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{
			ID:    "server",
			Kind:  ir.KindService,
			Count: 2,
			Lifecycle: &ir.Lifecycle{
				PreventDestroy: true,
				IgnoreChanges:  []string{"tags"},
			},
			Spec: map[string]any{"nested": map[string]any{"a": []any{"b"}}},
		},
	}
	expanded := ExpandForEach(nodes)
	require.Len(t, expanded, 2)

	for _, n := range expanded {
		require.NotNil(t, n.Lifecycle)
		assert.True(t, n.Lifecycle.PreventDestroy)
		assert.Equal(t, []string{"tags"}, n.Lifecycle.IgnoreChanges)
	}

	// Specs are deep copies.
	expanded[0].Spec["nested"].(map[string]any)["a"] = "changed"
	assert.Equal(t, []any{"b"}, expanded[1].Spec["nested"].(map[string]any)["a"])
	assert.Equal(t, []any{"b"}, nodes[0].Spec["nested"].(map[string]any)["a"])
}
