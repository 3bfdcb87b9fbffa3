package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/internal/telemetry"
	"github.com/stackr-io/stackr/pkg/provider"
)

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	RunID    string
	ID       string
	Action   ir.Action
	Status   string // "started", "completed", "failed", "rolledback", "rollback_failed"
	Attempts int
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// run is the mutable state of one ApplyPlan call. mu guards records and ids.
type run struct {
	e     *Engine
	id    string
	plan  *ir.Plan
	prior *ir.Snapshot

	mu      sync.Mutex
	records []*ir.ExecutionRecord
	ids     map[string]string
	// recreated holds nodes whose deletion was undone under a new externalId.
	recreated map[string]string
}

// ApplyPlan executes plan against the providers and commits the outcome.
// prior must be the snapshot the plan was computed from.
//
// On success the new snapshot is committed once; if that commit fails the
// run is rolled back. When a step fails the succeeded steps are reversed in
// reverse plan order, unless rollback is disabled, in which case the partial
// result is committed. If rollback itself fails nothing is committed and the
// unreversed steps are reported. The returned RunResult is never nil; the
// error is a *PartialFailureError for failed runs.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, prior *ir.Snapshot) (*ir.RunResult, error) {
	if prior == nil {
		prior = ir.NewSnapshot()
	}
	r := &run{
		e:         e,
		id:        uuid.NewString(),
		plan:      plan,
		prior:     prior,
		records:   make([]*ir.ExecutionRecord, len(plan.Steps)),
		ids:       make(map[string]string, len(prior.IDMapping)),
		recreated: make(map[string]string),
	}
	for i, step := range plan.Steps {
		r.records[i] = &ir.ExecutionRecord{Step: step, Status: ir.StepPending}
	}
	for id, ext := range prior.IDMapping {
		r.ids[id] = ext
	}

	ctx, span := telemetry.Tracer().Start(ctx, "apply", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.Int("plan.steps", len(plan.Steps)),
		attribute.Bool("plan.destroy", plan.Metadata != nil && plan.Metadata.Destroy),
	))
	defer span.End()

	result := &ir.RunResult{RunID: r.id, Status: ir.RunApplying, Records: r.records}
	logging.Info("applying plan", "run", r.id, "steps", len(plan.Steps), "parallelism", e.Parallelism)

	var stepErr *StepError
	var cause error
	if e.Parallelism > 1 {
		stepErr, cause = r.executeParallel(ctx)
	} else {
		stepErr, cause = r.executeSequential(ctx)
	}

	if stepErr == nil && cause == nil {
		// The run is past the point of no return: commit even if ctx was
		// cancelled after the last step.
		snap, err := r.snapshot()
		if err == nil {
			err = e.store.Commit(context.WithoutCancel(ctx), snap)
		}
		if err == nil {
			result.Status = ir.RunApplied
			result.Snapshot = snap
			result.Committed = true
			e.Metrics.ObserveRun(string(result.Status))
			telemetry.RecordSuccess(span)
			logging.Info("apply complete", "run", r.id, "serial", snap.Serial)
			return result, nil
		}
		// Nothing records the resources this run touched, so undo them.
		logging.Error("failed to commit state", "run", r.id, "error", err)
		cause = fmt.Errorf("failed to commit state: %w", err)
	}

	failure := &PartialFailureError{RunID: r.id, Step: stepErr, Cause: cause}
	if e.DisableRollback {
		result.Status = ir.RunFailed
	} else {
		result.Status = ir.RunRolledBack
		failure.RollbackErrors = r.rollback(ctx)
		for _, err := range failure.RollbackErrors {
			result.RollbackErrors = append(result.RollbackErrors, err.Error())
		}
	}
	failure.Status = result.Status

	switch {
	case len(failure.RollbackErrors) > 0:
		// The store keeps the pre-run snapshot; the operator reconciles the
		// unreversed resources by hand.
		failure.Unreversed = r.unreversed()
		result.Unreversed = failure.Unreversed
		logging.Error("state left uncommitted after failed rollback", "run", r.id, "unreversed", len(failure.Unreversed))

	case r.changed():
		// Partial progress without rollback, or a deletion undone under a
		// new externalId.
		snap, err := r.snapshot()
		if err == nil {
			err = e.store.Commit(context.WithoutCancel(ctx), snap)
		}
		if err != nil {
			logging.Error("failed to commit partial state", "run", r.id, "error", err)
			failure.RollbackErrors = append(failure.RollbackErrors, fmt.Errorf("failed to commit state: %w", err))
			result.RollbackErrors = append(result.RollbackErrors, err.Error())
			failure.Unreversed = r.unreversed()
			result.Unreversed = failure.Unreversed
		} else {
			result.Snapshot = snap
			result.Committed = true
		}
	}

	e.Metrics.ObserveRun(string(result.Status))
	telemetry.RecordError(span, failure)
	logging.Error("apply failed", "run", r.id, "status", result.Status, "error", failure)
	return result, failure
}

func (r *run) executeSequential(ctx context.Context) (*StepError, error) {
	for _, rec := range r.records {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if err := r.execute(ctx, rec); err != nil {
			return err, nil
		}
	}
	return nil, nil
}

// executeParallel runs deletions then everything else. Within a phase a step
// starts once every step it is ordered after has succeeded.
func (r *run) executeParallel(ctx context.Context) (*StepError, error) {
	var deletes, forward []*ir.ExecutionRecord
	for _, rec := range r.records {
		if rec.Step.Action == ir.ActionDelete {
			deletes = append(deletes, rec)
		} else {
			forward = append(forward, rec)
		}
	}
	sem := semaphore.NewWeighted(int64(r.e.Parallelism))
	for _, phase := range [][]*ir.ExecutionRecord{deletes, forward} {
		if stepErr, cause := r.executePhase(ctx, sem, phase); stepErr != nil || cause != nil {
			return stepErr, cause
		}
	}
	return nil, nil
}

func (r *run) executePhase(ctx context.Context, sem *semaphore.Weighted, recs []*ir.ExecutionRecord) (*StepError, error) {
	inPhase := make(map[string]bool, len(recs))
	for _, rec := range recs {
		inPhase[rec.Step.ID()] = true
	}

	var (
		mu       sync.Mutex
		cond     = sync.NewCond(&mu)
		done     = make(map[string]bool)
		stopped  bool
		firstErr *StepError
		cause    error
		wg       sync.WaitGroup
	)
	stop := func(stepErr *StepError, err error) {
		if firstErr == nil && cause == nil {
			firstErr, cause = stepErr, err
		}
		stopped = true
	}

	for _, rec := range recs {
		wg.Add(1)
		go func(rec *ir.ExecutionRecord) {
			defer wg.Done()
			defer cond.Broadcast()

			mu.Lock()
			for {
				if stopped {
					mu.Unlock()
					return
				}
				ready := true
				for _, dep := range rec.Step.After {
					if inPhase[dep] && !done[dep] {
						ready = false
						break
					}
				}
				if ready {
					break
				}
				cond.Wait()
			}
			mu.Unlock()

			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				stop(nil, fmt.Errorf("%w: %w", ErrCancelled, err))
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			mu.Lock()
			if !stopped {
				if err := ctx.Err(); err != nil {
					stop(nil, fmt.Errorf("%w: %w", ErrCancelled, err))
				}
			}
			if stopped {
				mu.Unlock()
				return
			}
			mu.Unlock()

			stepErr := r.execute(ctx, rec)

			mu.Lock()
			if stepErr != nil {
				stop(stepErr, nil)
			} else {
				done[rec.Step.ID()] = true
			}
			mu.Unlock()
		}(rec)
	}
	wg.Wait()
	return firstErr, cause
}

// execute performs one step, retrying transient provider errors.
func (r *run) execute(ctx context.Context, rec *ir.ExecutionRecord) *StepError {
	step := rec.Step
	id := step.ID()

	if step.Action == ir.ActionNoOp {
		r.mu.Lock()
		rec.Status = ir.StepSucceeded
		rec.ExternalID = r.ids[id]
		r.mu.Unlock()
		return nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "step", trace.WithAttributes(
		attribute.String("resource.id", id),
		attribute.String("resource.kind", string(step.Kind())),
		attribute.String("step.action", string(step.Action)),
		attribute.Int("step.index", step.Index),
	))
	defer span.End()

	start := time.Now()
	r.mu.Lock()
	rec.Status = ir.StepInProgress
	rec.StartedAt = start
	r.mu.Unlock()
	r.emit(ApplyEvent{ID: id, Action: step.Action, Status: "started"})
	logging.Debug("applying step", "run", r.id, "index", step.Index, "id", id, "action", step.Action)

	extID, err := r.perform(ctx, rec)

	r.mu.Lock()
	rec.FinishedAt = time.Now()
	attempts := rec.Attempts
	if err != nil {
		rec.Status = ir.StepFailed
		rec.Err = err
		rec.Error = err.Error()
	} else {
		rec.Status = ir.StepSucceeded
		rec.ExternalID = extID
		switch step.Action {
		case ir.ActionDelete:
			delete(r.ids, id)
		default:
			r.ids[id] = extID
		}
	}
	r.mu.Unlock()

	elapsed := time.Since(start)
	if err != nil {
		r.e.Metrics.ObserveStep(string(step.Action), string(step.Kind()), string(ir.StepFailed), elapsed)
		telemetry.RecordError(span, err)
		r.emit(ApplyEvent{ID: id, Action: step.Action, Status: "failed", Attempts: attempts, Duration: elapsed, Error: err})
		return &StepError{Index: step.Index, NodeID: id, Action: step.Action, Err: err}
	}
	r.e.Metrics.ObserveStep(string(step.Action), string(step.Kind()), string(ir.StepSucceeded), elapsed)
	telemetry.RecordSuccess(span)
	r.emit(ApplyEvent{ID: id, Action: step.Action, Status: "completed", Attempts: attempts, Duration: elapsed})
	return nil
}

// perform issues the provider call for a step and returns the resulting
// externalId.
func (r *run) perform(ctx context.Context, rec *ir.ExecutionRecord) (string, error) {
	step := rec.Step
	name, prov, err := r.e.providerFor(step)
	if err != nil {
		return "", err
	}

	switch step.Action {
	case ir.ActionCreate:
		spec, err := resolveRefs(step.Node.Spec, r.lookup)
		if err != nil {
			return "", provider.Permanent(err)
		}
		var extID string
		err = r.call(ctx, rec, name, provider.OpCreate, func(ctx context.Context) error {
			var createErr error
			extID, createErr = prov.Create(ctx, step.Kind(), spec)
			return createErr
		})
		return extID, err

	case ir.ActionUpdate:
		spec, err := resolveRefs(step.Node.Spec, r.lookup)
		if err != nil {
			return "", provider.Permanent(err)
		}
		extID := step.ExternalID
		if extID == "" {
			extID, _ = r.lookup(step.ID())
		}
		if extID == "" {
			return "", provider.Permanentf("resource %q has no external id to update", step.ID())
		}
		err = r.call(ctx, rec, name, provider.OpUpdate, func(ctx context.Context) error {
			return prov.Update(ctx, step.Kind(), extID, spec)
		})
		return extID, err

	case ir.ActionDelete:
		if step.ExternalID == "" {
			logging.Warn("skipping delete of resource without external id", "id", step.ID())
			return "", nil
		}
		err := r.call(ctx, rec, name, provider.OpDelete, func(ctx context.Context) error {
			return prov.Delete(ctx, step.Kind(), step.ExternalID)
		})
		return step.ExternalID, err
	}
	return "", provider.Permanentf("unknown action %q", step.Action)
}

// call runs fn under the engine's retry policy and records the attempts.
func (r *run) call(ctx context.Context, rec *ir.ExecutionRecord, providerName string, op provider.Op, fn func(ctx context.Context) error) error {
	err := CallWithRetry(ctx, r.e.retryPolicy(), r.e.CallTimeout, func(ctx context.Context, attempt int) error {
		if rec != nil {
			r.mu.Lock()
			rec.Attempts = attempt
			r.mu.Unlock()
		}
		if attempt > 1 {
			r.e.Metrics.IncRetry(providerName, string(op))
			logging.Debug("retrying provider call", "provider", providerName, "op", op, "attempt", attempt)
		}
		return fn(ctx)
	})
	return err
}

// rollback reverses every succeeded step in reverse plan order and returns
// the inverse actions that failed.
func (r *run) rollback(ctx context.Context) []error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.Status != ir.StepSucceeded || rec.Step.Action == ir.ActionNoOp {
			continue
		}
		// A delete that was skipped for lack of an id has nothing to undo.
		if rec.Step.Action == ir.ActionDelete && rec.Step.ExternalID == "" {
			rec.Status = ir.StepRolledBack
			continue
		}

		start := time.Now()
		id := rec.Step.ID()
		if err := r.invert(ctx, rec); err != nil {
			stepErr := &StepError{Index: rec.Step.Index, NodeID: id, Action: rec.Step.Action, Err: err}
			errs = append(errs, stepErr)
			r.e.Metrics.ObserveRollback(false)
			r.emit(ApplyEvent{ID: id, Action: rec.Step.Action, Status: "rollback_failed", Duration: time.Since(start), Error: err})
			logging.Error("rollback step failed", "run", r.id, "id", id, "action", rec.Step.Action, "error", err)
			continue
		}
		r.mu.Lock()
		rec.Status = ir.StepRolledBack
		r.mu.Unlock()
		r.e.Metrics.ObserveRollback(true)
		r.emit(ApplyEvent{ID: id, Action: rec.Step.Action, Status: "rolledback", Duration: time.Since(start)})
		logging.Info("rolled back step", "run", r.id, "id", id, "action", rec.Step.Action)
	}
	return errs
}

// invert issues the inverse of a succeeded step: Create is deleted, Update
// re-applies the prior spec and Delete re-creates the prior node.
func (r *run) invert(ctx context.Context, rec *ir.ExecutionRecord) error {
	step := rec.Step
	id := step.ID()
	name, prov, err := r.e.providerFor(step)
	if err != nil {
		return err
	}

	switch step.Action {
	case ir.ActionCreate:
		err := r.call(ctx, nil, name, provider.OpDelete, func(ctx context.Context) error {
			return prov.Delete(ctx, step.Kind(), rec.ExternalID)
		})
		if err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.ids, id)
		r.mu.Unlock()
		return nil

	case ir.ActionUpdate:
		if step.Prior == nil {
			return provider.Permanentf("no prior spec recorded for %q", id)
		}
		spec, err := resolveRefs(step.Prior.Spec, r.lookup)
		if err != nil {
			return provider.Permanent(err)
		}
		return r.call(ctx, nil, name, provider.OpUpdate, func(ctx context.Context) error {
			return prov.Update(ctx, step.Prior.Kind, rec.ExternalID, spec)
		})

	case ir.ActionDelete:
		spec, err := resolveRefs(step.Prior.Spec, r.lookup)
		if err != nil {
			return provider.Permanent(err)
		}
		var extID string
		err = r.call(ctx, nil, name, provider.OpCreate, func(ctx context.Context) error {
			var createErr error
			extID, createErr = prov.Create(ctx, step.Prior.Kind, spec)
			return createErr
		})
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.ids[id] = extID
		r.recreated[id] = extID
		rec.ExternalID = extID
		r.mu.Unlock()
		return nil
	}
	return nil
}

func (r *run) lookup(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext, ok := r.ids[id]
	return ext, ok
}

// changed reports whether any provider-side effect of the run survives.
func (r *run) changed() bool {
	if len(r.recreated) > 0 {
		return true
	}
	for _, rec := range r.records {
		if rec.Status == ir.StepSucceeded && rec.Step.Action != ir.ActionNoOp {
			return true
		}
	}
	return false
}

// unreversed lists the effects of this run that still exist: succeeded steps
// and deletions re-created under a new externalId.
func (r *run) unreversed() []ir.UnreversedStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ir.UnreversedStep
	for _, rec := range r.records {
		if rec.Status != ir.StepSucceeded || rec.Step.Action == ir.ActionNoOp {
			continue
		}
		out = append(out, ir.UnreversedStep{ID: rec.Step.ID(), Action: rec.Step.Action, ExternalID: rec.ExternalID})
	}
	ids := make([]string, 0, len(r.recreated))
	for id := range r.recreated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, ir.UnreversedStep{ID: id, Action: ir.ActionCreate, ExternalID: r.recreated[id]})
	}
	return out
}

// succeeded reports whether the step acting on id with action succeeded.
func (r *run) succeeded(id string, action ir.Action) bool {
	for _, rec := range r.records {
		if rec.Step.ID() == id && rec.Step.Action == action {
			return rec.Status == ir.StepSucceeded
		}
	}
	return false
}

// snapshot folds the surviving step outcomes into the prior snapshot. A node
// whose resource is gone but which something still depends on is kept
// tainted and without an externalId, so the next plan re-creates it. The
// result always passes the same graph checks a load does.
func (r *run) snapshot() (*ir.Snapshot, error) {
	snap := r.prior.Clone()
	snap.SchemaVersion = ir.SchemaVersion
	if snap.Lineage == "" {
		snap.Lineage = uuid.NewString()
	}
	snap.Serial++

	nodes := make(map[string]*ir.ResourceNode, len(snap.Nodes))
	var order []string
	for _, n := range snap.Nodes {
		nodes[n.ID] = n
		order = append(order, n.ID)
	}
	put := func(n *ir.ResourceNode) {
		if _, ok := nodes[n.ID]; !ok {
			order = append(order, n.ID)
		}
		nodes[n.ID] = n
	}
	gone := func(n *ir.ResourceNode) {
		put(n)
		delete(snap.IDMapping, n.ID)
		snap.SetTainted(n.ID, true)
	}

	for _, rec := range r.records {
		if rec.Status != ir.StepSucceeded {
			continue
		}
		step := rec.Step
		id := step.ID()
		switch step.Action {
		case ir.ActionDelete:
			if step.Replace && !r.succeeded(id, ir.ActionCreate) {
				gone(step.Prior)
				continue
			}
			delete(nodes, id)
			delete(snap.IDMapping, id)
			snap.SetTainted(id, false)
		case ir.ActionCreate:
			put(step.Node)
			snap.IDMapping[id] = rec.ExternalID
			snap.SetTainted(id, false)
		case ir.ActionUpdate:
			put(step.Node)
			if rec.ExternalID != "" {
				snap.IDMapping[id] = rec.ExternalID
			}
		case ir.ActionNoOp:
			if !step.Skipped && step.Node != nil {
				put(step.Node)
			}
		}
	}
	for id, ext := range r.recreated {
		if n := r.prior.Node(id); n != nil {
			put(n)
			snap.IDMapping[id] = ext
			snap.SetTainted(id, false)
		}
	}

	// Restore deleted nodes that surviving nodes still depend on.
	for restored := true; restored; {
		restored = false
		for _, id := range order {
			n, ok := nodes[id]
			if !ok {
				continue
			}
			for _, dep := range nodeDependencies(n) {
				if _, ok := nodes[dep]; ok {
					continue
				}
				if prior := r.prior.Node(dep); prior != nil {
					gone(prior)
					restored = true
				}
			}
		}
	}

	snap.Nodes = snap.Nodes[:0]
	for _, id := range order {
		if n, ok := nodes[id]; ok {
			snap.Nodes = append(snap.Nodes, n)
			delete(nodes, id)
		}
	}
	for id := range snap.IDMapping {
		if snap.Node(id) == nil {
			delete(snap.IDMapping, id)
		}
	}
	snap.Outputs = resolveOutputs(r.plan.Outputs, snap.IDMapping, r.prior.Outputs)

	if _, err := GraphFromSnapshot(snap); err != nil {
		return nil, fmt.Errorf("refusing to commit inconsistent state: %w", err)
	}
	return snap, nil
}

// resolveOutputs replaces ref:// outputs with externalIds. Outputs that cannot
// be resolved keep their previous value, if any.
func resolveOutputs(outputs map[string]string, ids map[string]string, previous map[string]string) map[string]string {
	if len(outputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(outputs))
	for name, value := range outputs {
		id := refID(value)
		if id == "" {
			out[name] = value
			continue
		}
		if ext, ok := ids[id]; ok && ext != "" {
			out[name] = ext
			continue
		}
		if prev, ok := previous[name]; ok {
			out[name] = prev
		}
		logging.Warn("output references a resource without an external id", "output", name, "ref", value)
	}
	return out
}

func (r *run) emit(event ApplyEvent) {
	if r.e.Callback == nil {
		return
	}
	event.RunID = r.id
	r.e.Callback(event)
}
