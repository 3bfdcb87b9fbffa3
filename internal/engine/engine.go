package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/internal/telemetry"
	"github.com/stackr-io/stackr/pkg/provider"
)

// Resolver returns the provider adapter registered under a name.
type Resolver interface {
	Get(name string) (provider.Provider, error)
}

// SnapshotStore is the durable home of the last committed snapshot.
type SnapshotStore interface {
	Load(ctx context.Context) (*ir.Snapshot, error)
	Commit(ctx context.Context, snap *ir.Snapshot) error
}

// Engine plans and reconciles topologies against provider adapters.
type Engine struct {
	resolver Resolver
	store    SnapshotStore

	// Parallelism above 1 runs independent steps concurrently.
	Parallelism int
	// CallTimeout bounds each provider call. Zero means DefaultTimeout.
	CallTimeout time.Duration
	// Retry is the policy for transient provider errors.
	Retry *RetryPolicy
	// DisableRollback keeps the changes of a failed run and commits them.
	DisableRollback bool
	// DefaultProvider is used for nodes that name no provider.
	DefaultProvider string

	Callback ApplyCallback
	Metrics  *telemetry.Metrics
}

func NewEngine(resolver Resolver, store SnapshotStore) *Engine {
	return &Engine{
		resolver:    resolver,
		store:       store,
		Parallelism: 1,
		Retry:       DefaultRetryPolicy(),
	}
}

// Plan loads the current snapshot and diffs desired against it.
func (e *Engine) Plan(ctx context.Context, desired *Graph, opts PlanOptions) (*ir.Plan, *ir.Snapshot, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load state: %w", err)
	}
	plan, err := CreatePlan(desired, snap, opts)
	if err != nil {
		return nil, nil, err
	}
	return plan, snap, nil
}

// Apply plans desired against the stored snapshot and reconciles the result.
func (e *Engine) Apply(ctx context.Context, desired *Graph, opts PlanOptions) (*ir.RunResult, error) {
	plan, snap, err := e.Plan(ctx, desired, opts)
	if err != nil {
		return nil, err
	}
	return e.ApplyPlan(ctx, plan, snap)
}

// Destroy deletes everything in the stored snapshot, or only the targets and
// their dependents.
func (e *Engine) Destroy(ctx context.Context, opts PlanOptions) (*ir.RunResult, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	plan, err := PlanDestroy(snap, opts)
	if err != nil {
		return nil, err
	}
	return e.ApplyPlan(ctx, plan, snap)
}

// ApplySaved reconciles a plan computed earlier, refusing it when the store
// has moved on since.
func (e *Engine) ApplySaved(ctx context.Context, plan *ir.Plan) (*ir.RunResult, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if md := plan.Metadata; md != nil {
		if md.PriorSerial != snap.Serial || (md.PriorLineage != "" && md.PriorLineage != snap.Lineage) {
			return nil, &StalePlanError{
				PlanSerial:   md.PriorSerial,
				PlanLineage:  md.PriorLineage,
				StateSerial:  snap.Serial,
				StateLineage: snap.Lineage,
			}
		}
	}
	logging.Debug("applying saved plan", "steps", len(plan.Steps), "serial", snap.Serial)
	return e.ApplyPlan(ctx, plan, snap)
}

func (e *Engine) providerFor(step *ir.PlanStep) (string, provider.Provider, error) {
	name := step.ProviderName()
	if name == "" {
		name = e.DefaultProvider
	}
	if name == "" {
		return "", nil, provider.Permanentf("resource %q names no provider and no default is set", step.ID())
	}
	p, err := e.resolver.Get(name)
	if err != nil {
		return name, nil, provider.Permanent(fmt.Errorf("provider %q: %w", name, err))
	}
	return name, p, nil
}

func (e *Engine) retryPolicy() *RetryPolicy {
	if e.Retry == nil {
		return DefaultRetryPolicy()
	}
	return e.Retry
}
