package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
)

// PlanOptions narrows or annotates a plan.
type PlanOptions struct {
	// Targets limits the plan to these ids and their transitive dependencies.
	Targets []string
	// Outputs maps output names to ref:// values resolved after apply.
	Outputs map[string]string
}

// CreatePlan diffs the desired graph against the last committed snapshot.
// Deletions come first in reverse dependency order of the snapshot graph,
// followed by creations, updates and no-ops in dependency order of the
// desired graph.
func CreatePlan(desired *Graph, snap *ir.Snapshot, opts PlanOptions) (*ir.Plan, error) {
	if snap == nil {
		snap = ir.NewSnapshot()
	}
	if err := desired.Validate(); err != nil {
		return nil, err
	}
	prior, err := GraphFromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	logging.Debug("creating plan", "desired", desired.Len(), "prior", prior.Len(), "targets", len(opts.Targets))

	targetSet, err := buildTargetSet(desired, prior, opts.Targets)
	if err != nil {
		return nil, err
	}
	inScope := func(id string) bool { return targetSet == nil || targetSet[id] }

	// Classify every id first so dependents of replaced nodes can be updated.
	actions := make(map[string]ir.Action)
	replaced := make(map[string]bool)
	for _, id := range desired.IDs() {
		if !inScope(id) {
			continue
		}
		want, _ := desired.Node(id)
		have, ok := prior.Node(id)
		switch {
		case !ok:
			actions[id] = ir.ActionCreate
		case requiresReplace(want, have, snap):
			if want.PreventsDestroy() || have.PreventsDestroy() {
				return nil, &PreventDestroyError{ID: id, Action: "replacement"}
			}
			replaced[id] = true
			actions[id] = ir.ActionCreate
		case specDigest(want.Spec, want) != specDigest(have.Spec, want):
			actions[id] = ir.ActionUpdate
		default:
			actions[id] = ir.ActionNoOp
		}
	}
	for _, id := range prior.IDs() {
		if _, ok := desired.Node(id); ok || !inScope(id) {
			continue
		}
		have, _ := prior.Node(id)
		if have.PreventsDestroy() {
			return nil, &PreventDestroyError{ID: id, Action: "deletion"}
		}
		actions[id] = ir.ActionDelete
	}
	for _, id := range desired.IDs() {
		if actions[id] != ir.ActionNoOp {
			continue
		}
		for _, dep := range desired.Dependencies(id) {
			if replaced[dep] {
				actions[id] = ir.ActionUpdate
				break
			}
		}
	}

	plan := newPlan(snap, opts)
	plan.Metadata.Targets = opts.Targets

	deleting := make(map[string]bool)
	for id, action := range actions {
		if action == ir.ActionDelete || replaced[id] {
			deleting[id] = true
		}
	}

	revOrder, err := prior.ReverseOrder()
	if err != nil {
		return nil, err
	}
	for _, id := range revOrder {
		if !deleting[id] {
			continue
		}
		have, _ := prior.Node(id)
		step := &ir.PlanStep{
			Action:     ir.ActionDelete,
			Prior:      have,
			ExternalID: snap.IDMapping[id],
			Replace:    replaced[id],
			Diff:       buildDeleteDiff(have.Spec),
		}
		for _, dependent := range prior.Dependents(id) {
			if deleting[dependent] {
				step.After = append(step.After, dependent)
			}
		}
		addStep(plan, step)
	}

	order, err := desired.Order()
	if err != nil {
		return nil, err
	}
	for _, id := range order {
		want, _ := desired.Node(id)
		have, _ := prior.Node(id)
		step := &ir.PlanStep{
			Node:    want,
			Prior:   have,
			After:   desired.Dependencies(id),
			Replace: replaced[id],
		}
		action, scoped := actions[id]
		if !scoped {
			action = ir.ActionNoOp
			step.Skipped = true
		}
		step.Action = action
		if have != nil && !replaced[id] {
			step.ExternalID = snap.IDMapping[id]
		}
		switch action {
		case ir.ActionCreate:
			step.Diff = buildCreateDiff(want.Spec)
		case ir.ActionUpdate:
			step.Diff = buildPropertyDiff(have.Spec, want.Spec, want)
		}
		addStep(plan, step)
	}

	return plan, nil
}

// PlanDestroy schedules every node in the snapshot for deletion, dependents
// first. With targets only those nodes and everything depending on them are
// deleted.
func PlanDestroy(snap *ir.Snapshot, opts PlanOptions) (*ir.Plan, error) {
	if snap == nil {
		snap = ir.NewSnapshot()
	}
	prior, err := GraphFromSnapshot(snap)
	if err != nil {
		return nil, err
	}

	var scope map[string]bool
	if len(opts.Targets) > 0 {
		scope = make(map[string]bool)
		var mark func(string)
		mark = func(id string) {
			if scope[id] {
				return
			}
			scope[id] = true
			for _, dependent := range prior.Dependents(id) {
				mark(dependent)
			}
		}
		for _, t := range opts.Targets {
			if _, ok := prior.Node(t); !ok {
				return nil, fmt.Errorf("target %q not found in state", t)
			}
			mark(t)
		}
	}

	plan := newPlan(snap, opts)
	plan.Metadata.Destroy = true
	plan.Metadata.Targets = opts.Targets

	revOrder, err := prior.ReverseOrder()
	if err != nil {
		return nil, err
	}
	for _, id := range revOrder {
		if scope != nil && !scope[id] {
			continue
		}
		have, _ := prior.Node(id)
		if have.PreventsDestroy() {
			return nil, &PreventDestroyError{ID: id, Action: "deletion"}
		}
		step := &ir.PlanStep{
			Action:     ir.ActionDelete,
			Prior:      have,
			ExternalID: snap.IDMapping[id],
			Diff:       buildDeleteDiff(have.Spec),
		}
		for _, dependent := range prior.Dependents(id) {
			if scope == nil || scope[dependent] {
				step.After = append(step.After, dependent)
			}
		}
		addStep(plan, step)
	}
	return plan, nil
}

func newPlan(snap *ir.Snapshot, opts PlanOptions) *ir.Plan {
	return &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			PriorSerial:  snap.Serial,
			PriorLineage: snap.Lineage,
		},
		Steps:   []*ir.PlanStep{},
		Summary: &ir.PlanSummary{},
		Outputs: opts.Outputs,
	}
}

// addStep appends a step, numbers it and counts it in the summary. A replaced
// node counts once, on its Delete half.
func addStep(plan *ir.Plan, step *ir.PlanStep) {
	step.Index = len(plan.Steps)
	plan.Steps = append(plan.Steps, step)
	switch {
	case step.Replace && step.Action == ir.ActionDelete:
		plan.Summary.Replace++
	case step.Replace:
	case step.Action == ir.ActionCreate:
		plan.Summary.Create++
	case step.Action == ir.ActionUpdate:
		plan.Summary.Update++
	case step.Action == ir.ActionDelete:
		plan.Summary.Delete++
	default:
		plan.Summary.NoOp++
	}
}

func buildTargetSet(desired, prior *Graph, targets []string) (map[string]bool, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	set := make(map[string]bool)
	for _, t := range targets {
		_, inDesired := desired.Node(t)
		_, inPrior := prior.Node(t)
		if !inDesired && !inPrior {
			return nil, fmt.Errorf("target %q not found in topology or state", t)
		}
		set[t] = true
		if inDesired {
			for _, dep := range desired.TransitiveDeps(t) {
				set[dep] = true
			}
		}
	}
	return set, nil
}

func requiresReplace(want, have *ir.ResourceNode, snap *ir.Snapshot) bool {
	return want.Kind != have.Kind || want.Provider != have.Provider || snap.IsTainted(want.ID)
}

// specDigest returns a canonical encoding of spec without the keys the
// desired node ignores. encoding/json sorts map keys, and numbers decoded
// from JSON and YAML encode identically.
func specDigest(spec map[string]any, want *ir.ResourceNode) string {
	filtered := make(map[string]any, len(spec))
	for k, v := range spec {
		if !want.IgnoresChange(k) {
			filtered[k] = v
		}
	}
	return canonical(filtered)
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}

// buildPropertyDiff compares prior and desired specs key by key.
func buildPropertyDiff(prior, desired map[string]any, want *ir.ResourceNode) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	keys := make(map[string]bool)
	for k := range prior {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}

	for k := range keys {
		if want.IgnoresChange(k) {
			continue
		}
		before, inPrior := prior[k]
		after, inDesired := desired[k]
		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{After: after, Action: "create"}
		case !inDesired:
			diff[k] = &ir.PropertyDiff{Before: before, Action: "delete"}
		case canonical(before) != canonical(after):
			diff[k] = &ir.PropertyDiff{Before: before, After: after, Action: "update"}
		}
	}
	return diff
}

func buildCreateDiff(spec map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range spec {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(spec map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range spec {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}

// SortedDiffKeys returns the keys of a step diff in display order.
func SortedDiffKeys(diff map[string]*ir.PropertyDiff) []string {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
