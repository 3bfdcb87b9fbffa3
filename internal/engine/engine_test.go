package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
	"github.com/stackr-io/stackr/providers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]provider.Provider

func (r staticResolver) Get(name string) (provider.Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// memStore keeps the committed snapshot in memory. Like the file store it
// refuses to commit under a cancelled context; failCommits makes that many
// commits fail first.
type memStore struct {
	mu          sync.Mutex
	snap        *ir.Snapshot
	commits     int
	failCommits int
}

func (s *memStore) Load(context.Context) (*ir.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return ir.NewSnapshot(), nil
	}
	return s.snap.Clone(), nil
}

func (s *memStore) Commit(ctx context.Context, snap *ir.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits > 0 {
		s.failCommits--
		return errors.New("disk full")
	}
	if _, err := GraphFromSnapshot(snap); err != nil {
		return fmt.Errorf("unloadable snapshot: %w", err)
	}
	s.snap = snap.Clone()
	s.commits++
	return nil
}

func (s *memStore) current() *ir.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func newTestEngine(t *testing.T) (*Engine, *memory.Provider, *memStore) {
	t.Helper()
	prov := memory.New()
	store := &memStore{}
	eng := NewEngine(staticResolver{"memory": prov}, store)
	eng.Retry = &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	eng.CallTimeout = time.Second
	return eng, prov, store
}

// od4eGraph is a cut-down cluster: network, a security group referencing it,
// shared storage and a service using both.
func od4eGraph(t *testing.T) *Graph {
	t.Helper()
	return mustGraph(t,
		node("vpc", ir.KindNetwork),
		&ir.ResourceNode{ID: "sg", Kind: ir.KindSecurityGroup, Provider: "memory", Spec: map[string]any{
			"name":  "sg",
			"vpcId": "ref://vpc",
			"port":  9200,
		}},
		&ir.ResourceNode{ID: "efs", Kind: ir.KindVolume, Provider: "memory", DependsOn: []string{"vpc"}, Spec: map[string]any{
			"name": "efs",
		}},
		&ir.ResourceNode{ID: "search", Kind: ir.KindService, Provider: "memory", Spec: map[string]any{
			"name":           "search",
			"securityGroups": []any{"ref://sg"},
			"volume":         "ref://efs",
		}},
	)
}

func TestEngine_ApplyCreatesInDependencyOrder(t *testing.T) {
	eng, prov, store := newTestEngine(t)

	result, err := eng.Apply(context.Background(), od4eGraph(t), PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.RunApplied, result.Status)
	assert.True(t, result.Committed)

	assert.Equal(t, []string{
		"create Network vpc",
		"create Volume efs",
		"create SecurityGroup sg",
		"create Service search",
	}, prov.Calls(), "ready nodes start in ascending id order")

	snap := store.current()
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Serial)
	assert.NotEmpty(t, snap.Lineage)
	assert.Len(t, snap.Nodes, 4)
	assert.Equal(t, ir.SchemaVersion, snap.SchemaVersion)

	vpcID := snap.IDMapping["vpc"]
	sg, ok := prov.Get(snap.IDMapping["sg"])
	require.True(t, ok)
	assert.Equal(t, vpcID, sg.Spec["vpcId"], "ref:// resolved to the externalId")

	search, _ := prov.Get(snap.IDMapping["search"])
	assert.Equal(t, []any{snap.IDMapping["sg"]}, search.Spec["securityGroups"])

	// The stored node keeps the unresolved reference.
	assert.Equal(t, "ref://vpc", snap.Node("sg").Spec["vpcId"])

	for _, rec := range result.Records {
		assert.Equal(t, ir.StepSucceeded, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
		assert.Equal(t, snap.IDMapping[rec.Step.ID()], rec.ExternalID)
	}
}

func TestEngine_ApplyIsIdempotent(t *testing.T) {
	eng, prov, store := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Apply(ctx, od4eGraph(t), PlanOptions{})
	require.NoError(t, err)
	calls := len(prov.Journal())

	plan, _, err := eng.Plan(ctx, od4eGraph(t), PlanOptions{})
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	result, err := eng.Apply(ctx, od4eGraph(t), PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.RunApplied, result.Status)
	assert.Len(t, prov.Journal(), calls, "no provider calls on a no-op run")
	assert.Equal(t, 2, store.current().Serial)
}

func TestEngine_ApplyUpdateAndDelete(t *testing.T) {
	eng, prov, store := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Apply(ctx, od4eGraph(t), PlanOptions{})
	require.NoError(t, err)
	before := store.current().Clone()

	desired := mustGraph(t,
		node("vpc", ir.KindNetwork),
		&ir.ResourceNode{ID: "sg", Kind: ir.KindSecurityGroup, Provider: "memory", Spec: map[string]any{
			"name":  "sg",
			"vpcId": "ref://vpc",
			"port":  9300,
		}},
	)
	result, err := eng.Apply(ctx, desired, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.RunApplied, result.Status)

	snap := store.current()
	assert.Len(t, snap.Nodes, 2)
	assert.NotContains(t, snap.IDMapping, "search")
	assert.NotContains(t, snap.IDMapping, "efs")
	assert.Equal(t, before.IDMapping["sg"], snap.IDMapping["sg"])

	sg, _ := prov.Get(snap.IDMapping["sg"])
	assert.Equal(t, 9300, sg.Spec["port"])
	assert.ElementsMatch(t, []string{snap.IDMapping["vpc"], snap.IDMapping["sg"]}, prov.IDs())

	require.NotNil(t, result.Record("search", ir.ActionDelete))
	require.NotNil(t, result.Record("sg", ir.ActionUpdate))
}

func TestEngine_Destroy(t *testing.T) {
	eng, prov, store := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Apply(ctx, od4eGraph(t), PlanOptions{})
	require.NoError(t, err)
	ids := store.current().IDMapping

	result, err := eng.Destroy(ctx, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.RunApplied, result.Status)

	assert.Empty(t, prov.IDs())
	snap := store.current()
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.IDMapping)

	calls := prov.Calls()
	assert.Equal(t, []string{
		"delete Service " + ids["search"],
		"delete SecurityGroup " + ids["sg"],
		"delete Volume " + ids["efs"],
		"delete Network " + ids["vpc"],
	}, calls[len(calls)-4:])
}

func TestEngine_ApplySaved(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	plan, _, err := eng.Plan(ctx, od4eGraph(t), PlanOptions{})
	require.NoError(t, err)

	result, err := eng.ApplySaved(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, ir.RunApplied, result.Status)

	// Applying the same plan again is refused: the store has moved on.
	_, err = eng.ApplySaved(ctx, plan)
	require.ErrorIs(t, err, ErrStalePlan)
}

func TestEngine_UnknownProvider(t *testing.T) {
	eng, _, store := newTestEngine(t)
	n := node("vpc", ir.KindNetwork)
	n.Provider = "gcp"

	result, err := eng.Apply(context.Background(), mustGraph(t, n), PlanOptions{})
	require.ErrorIs(t, err, ErrPartialFailure)
	assert.Contains(t, err.Error(), `provider "gcp"`)
	assert.Equal(t, ir.RunRolledBack, result.Status)
	assert.Nil(t, store.current())
}

func TestEngine_DefaultProvider(t *testing.T) {
	eng, prov, _ := newTestEngine(t)
	eng.DefaultProvider = "memory"
	n := node("vpc", ir.KindNetwork)
	n.Provider = ""

	_, err := eng.Apply(context.Background(), mustGraph(t, n), PlanOptions{})
	require.NoError(t, err)
	assert.Len(t, prov.IDs(), 1)
}

func TestEngine_Outputs(t *testing.T) {
	eng, _, store := newTestEngine(t)
	outputs := map[string]string{"vpc_id": "ref://vpc", "region": "eu-west-1", "gone": "ref://missing"}

	result, err := eng.Apply(context.Background(), od4eGraph(t), PlanOptions{Outputs: outputs})
	require.NoError(t, err)

	snap := store.current()
	assert.Equal(t, map[string]string{
		"vpc_id": snap.IDMapping["vpc"],
		"region": "eu-west-1",
	}, snap.Outputs)
	assert.Equal(t, snap.Outputs, result.Snapshot.Outputs)
}

// threeTier is Network a, Volume b on a, Service c on a and b.
func threeTier() []*ir.ResourceNode {
	return []*ir.ResourceNode{
		node("a", ir.KindNetwork),
		node("b", ir.KindVolume, "a"),
		node("c", ir.KindService, "a", "b"),
	}
}

func TestEngine_DanglingDependencyMakesNoCalls(t *testing.T) {
	eng, prov, store := newTestEngine(t)
	ctx := context.Background()

	plan, _, err := eng.Plan(ctx, mustGraph(t, threeTier()...), PlanOptions{})
	require.NoError(t, err)
	var ids []string
	for _, step := range plan.Steps {
		ids = append(ids, step.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	// Drop b while c still depends on it.
	nodes := threeTier()
	g := NewGraph()
	require.NoError(t, g.AddNode(nodes[0]))
	require.NoError(t, g.AddNode(nodes[2]))

	result, err := eng.Apply(ctx, g, PlanOptions{})
	require.ErrorIs(t, err, ErrDanglingDependency)
	var de *DanglingDependencyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "c", de.Node)
	assert.Equal(t, "b", de.Missing)
	assert.Nil(t, result)
	assert.Empty(t, prov.Journal())
	assert.Nil(t, store.current())
}

func TestEngine_SecondCreateFailsAndRollsBack(t *testing.T) {
	eng, prov, store := newTestEngine(t)
	prov.Inject(memory.Fault{Op: provider.OpCreate, Name: "b", Class: provider.ClassPermanent})

	result, err := eng.Apply(context.Background(), mustGraph(t, threeTier()...), PlanOptions{})
	require.ErrorIs(t, err, ErrPartialFailure)
	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 1, pf.Step.Index)
	assert.Equal(t, "b", pf.Step.NodeID)

	assert.Equal(t, ir.RunRolledBack, result.Status)
	assert.Equal(t, ir.StepRolledBack, result.Record("a", ir.ActionCreate).Status)
	assert.Equal(t, ir.StepFailed, result.Record("b", ir.ActionCreate).Status)
	assert.Equal(t, ir.StepPending, result.Record("c", ir.ActionCreate).Status)
	assert.Equal(t, []string{
		"create Network a",
		"delete Network mem-network-1",
	}, prov.Calls())
	assert.Empty(t, prov.IDs())
	assert.False(t, result.Committed)
	assert.Equal(t, 0, store.commits)
	assert.Nil(t, store.current())
}
