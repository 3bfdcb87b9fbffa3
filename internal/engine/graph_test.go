package engine

import (
	"errors"
	"testing"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, kind ir.Kind, deps ...string) *ir.ResourceNode {
	return &ir.ResourceNode{ID: id, Kind: kind, Provider: "memory", DependsOn: deps, Spec: map[string]any{"name": id}}
}

func TestBuildGraph_NoDependencies(t *testing.T) {
	g, err := BuildGraph([]*ir.ResourceNode{
		node("c", ir.KindVolume),
		node("a", ir.KindVolume),
		node("b", ir.KindVolume),
	})
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order, "ties break by ascending id")
}

func TestGraph_OrderExplicitDependsOn(t *testing.T) {
	g, err := BuildGraph([]*ir.ResourceNode{
		node("a", ir.KindService, "b"),
		node("b", ir.KindNetwork),
		node("c", ir.KindService, "a"),
	})
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, order)

	rev, err := g.ReverseOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, rev)
}

func TestGraph_OrderIsDeterministic(t *testing.T) {
	nodes := []*ir.ResourceNode{
		node("vpc", ir.KindNetwork),
		node("sg-search", ir.KindSecurityGroup, "vpc"),
		node("sg-dashboard", ir.KindSecurityGroup, "vpc"),
		node("efs", ir.KindVolume, "vpc"),
		node("search", ir.KindService, "sg-search", "efs"),
		node("dashboard", ir.KindService, "sg-dashboard", "search"),
	}
	want := []string{"vpc", "efs", "sg-dashboard", "sg-search", "search", "dashboard"}
	for range 20 {
		g, err := BuildGraph(nodes)
		require.NoError(t, err)
		order, err := g.Order()
		require.NoError(t, err)
		assert.Equal(t, want, order)
	}
}

func TestGraph_ImplicitRefDependency(t *testing.T) {
	subnet := &ir.ResourceNode{
		ID:   "sg",
		Kind: ir.KindSecurityGroup,
		Spec: map[string]any{
			"vpcId": "ref://vpc",
			"ingress": []any{
				map[string]any{"port": 9200, "sourceGroup": "ref://peer"},
			},
		},
	}
	g, err := BuildGraph([]*ir.ResourceNode{subnet, node("vpc", ir.KindNetwork), node("peer", ir.KindSecurityGroup)})
	require.NoError(t, err)

	assert.Equal(t, []string{"peer", "vpc"}, g.Dependencies("sg"))
	assert.Equal(t, []string{"sg"}, g.Dependents("vpc"))

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"peer", "vpc", "sg"}, order)
}

func TestGraph_DuplicateID(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(node("a", ir.KindVolume)))

	err := g.AddNode(node("a", ir.KindNetwork))
	require.ErrorIs(t, err, ErrDuplicateID)

	var dup *DuplicateIDError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a", dup.ID)
}

func TestGraph_ForwardReferenceThenValidate(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode(node("service", ir.KindService, "cluster")))
	assert.ErrorIs(t, g.Validate(), ErrDanglingDependency)

	require.NoError(t, g.AddNode(node("cluster", ir.KindCluster)))
	assert.NoError(t, g.Validate())
}

func TestGraph_DanglingDependency(t *testing.T) {
	_, err := BuildGraph([]*ir.ResourceNode{node("a", ir.KindService, "missing")})
	require.ErrorIs(t, err, ErrDanglingDependency)

	var dangling *DanglingDependencyError
	require.True(t, errors.As(err, &dangling))
	assert.Equal(t, "a", dangling.Node)
	assert.Equal(t, "missing", dangling.Missing)
}

func TestGraph_CycleDetection(t *testing.T) {
	_, err := BuildGraph([]*ir.ResourceNode{
		node("a", ir.KindService, "b"),
		node("b", ir.KindService, "c"),
		node("c", ir.KindService, "a"),
		node("d", ir.KindService),
	})
	require.ErrorIs(t, err, ErrCycleDetected)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestGraph_SelfCycle(t *testing.T) {
	_, err := BuildGraph([]*ir.ResourceNode{node("a", ir.KindService, "a")})
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "a"}, cycle.Path)
}

func TestGraph_TransitiveDeps(t *testing.T) {
	g, err := BuildGraph([]*ir.ResourceNode{
		node("a", ir.KindService, "b"),
		node("b", ir.KindService, "c"),
		node("c", ir.KindVolume),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.TransitiveDeps("a"))
	assert.Equal(t, []string{"c"}, g.TransitiveDeps("b"))
	assert.Empty(t, g.TransitiveDeps("c"))
}

func TestGraph_Levels(t *testing.T) {
	g, err := BuildGraph([]*ir.ResourceNode{
		node("vpc", ir.KindNetwork),
		node("logs", ir.KindLogGroup),
		node("sg", ir.KindSecurityGroup, "vpc"),
		node("efs", ir.KindVolume, "vpc"),
		node("svc", ir.KindService, "sg", "efs", "logs"),
	})
	require.NoError(t, err)

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"logs", "vpc"}, {"efs", "sg"}, {"svc"}}, levels)
}

func TestGraph_DOT(t *testing.T) {
	g, err := BuildGraph([]*ir.ResourceNode{
		node("vpc", ir.KindNetwork),
		node("sg", ir.KindSecurityGroup, "vpc"),
	})
	require.NoError(t, err)

	dot := g.DOT()
	assert.Contains(t, dot, "digraph stackr {")
	assert.Contains(t, dot, `"vpc" [label = "vpc (Network)"];`)
	assert.Contains(t, dot, `"sg" -> "vpc";`)
}

func TestGraphFromSnapshot(t *testing.T) {
	snap := ir.NewSnapshot()
	snap.Nodes = []*ir.ResourceNode{node("a", ir.KindVolume, "b")}
	_, err := GraphFromSnapshot(snap)
	require.ErrorIs(t, err, ErrDanglingDependency)
	assert.Contains(t, err.Error(), "snapshot graph")
}
