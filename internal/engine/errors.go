package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stackr-io/stackr/internal/ir"
)

var (
	ErrDuplicateID        = errors.New("duplicate resource id")
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrCycleDetected      = errors.New("dependency cycle detected")
	ErrPreventDestroy     = errors.New("prevent_destroy violated")
	ErrPartialFailure     = errors.New("partial failure")
	ErrCancelled          = errors.New("apply cancelled")
)

type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("%v: %q", ErrDuplicateID, e.ID)
}

func (e *DuplicateIDError) Is(target error) bool { return target == ErrDuplicateID }

type DanglingDependencyError struct {
	Node    string
	Missing string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("%v: %q depends on unknown resource %q", ErrDanglingDependency, e.Node, e.Missing)
}

func (e *DanglingDependencyError) Is(target error) bool { return target == ErrDanglingDependency }

// CycleError lists the ids forming a cycle; the first id is repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

type PreventDestroyError struct {
	ID     string
	Action string
}

func (e *PreventDestroyError) Error() string {
	return fmt.Sprintf("resource %q has prevent_destroy set but plan requires %s", e.ID, e.Action)
}

func (e *PreventDestroyError) Is(target error) bool { return target == ErrPreventDestroy }

// StepError is the failure of a single plan step.
type StepError struct {
	Index  int
	NodeID string
	Action ir.Action
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s %s): %v", e.Index, e.Action, e.NodeID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PartialFailureError is returned when a run failed after some steps had
// already changed the world.
type PartialFailureError struct {
	RunID          string
	Status         ir.RunStatus
	Step           *StepError
	Cause          error
	RollbackErrors []error
	// Unreversed is set when rollback failed and the store was left as it
	// was before the run.
	Unreversed []ir.UnreversedStep
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v (run %s, status %s)", ErrPartialFailure, e.RunID, e.Status)
	if e.Step != nil {
		fmt.Fprintf(&b, ": %v", e.Step)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.RollbackErrors) > 0 {
		fmt.Fprintf(&b, "; rollback failed: %v", errors.Join(e.RollbackErrors...))
	}
	if len(e.Unreversed) > 0 {
		parts := make([]string, len(e.Unreversed))
		for i, u := range e.Unreversed {
			parts[i] = u.String()
		}
		fmt.Fprintf(&b, "; state not committed, unreversed: %s", strings.Join(parts, ", "))
	}
	return b.String()
}

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

func (e *PartialFailureError) Unwrap() []error {
	var errs []error
	if e.Step != nil {
		errs = append(errs, e.Step)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return append(errs, e.RollbackErrors...)
}

// ErrStalePlan is returned when a saved plan was computed against a snapshot
// other than the one currently in the store.
var ErrStalePlan = errors.New("plan is stale")

type StalePlanError struct {
	PlanSerial, StateSerial   int
	PlanLineage, StateLineage string
}

func (e *StalePlanError) Error() string {
	return fmt.Sprintf("%v: planned against serial %d (lineage %q), state is at serial %d (lineage %q)",
		ErrStalePlan, e.PlanSerial, e.PlanLineage, e.StateSerial, e.StateLineage)
}

func (e *StalePlanError) Is(target error) bool { return target == ErrStalePlan }
