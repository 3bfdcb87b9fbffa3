package ir

import "time"

// StepStatus is the lifecycle of a single plan step during a run.
type StepStatus string

const (
	StepPending    StepStatus = "Pending"
	StepInProgress StepStatus = "InProgress"
	StepSucceeded  StepStatus = "Succeeded"
	StepFailed     StepStatus = "Failed"
	StepRolledBack StepStatus = "RolledBack"
)

// RunStatus is the lifecycle of a whole apply run.
type RunStatus string

const (
	RunPlanning   RunStatus = "Planning"
	RunApplying   RunStatus = "Applying"
	RunApplied    RunStatus = "Applied"
	RunFailed     RunStatus = "Failed"
	RunRolledBack RunStatus = "RolledBack"
)

// ExecutionRecord tracks what happened to one plan step.
type ExecutionRecord struct {
	Step       *PlanStep  `json:"step"`
	Status     StepStatus `json:"status"`
	ExternalID string     `json:"externalId,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt,omitzero"`
	FinishedAt time.Time  `json:"finishedAt,omitzero"`

	Err error `json:"-"`
}

// RunResult is returned by the reconciler at the end of a run.
type RunResult struct {
	RunID     string             `json:"runId"`
	Status    RunStatus          `json:"status"`
	Records   []*ExecutionRecord `json:"records"`
	Snapshot  *Snapshot          `json:"snapshot,omitempty"`
	Committed bool               `json:"committed"`

	// RollbackErrors is non-empty when rollback itself failed.
	RollbackErrors []string `json:"rollbackErrors,omitempty"`
	// Unreversed lists the steps whose effects still exist in the world but
	// are not recorded in the store. Set only when rollback failed.
	Unreversed []UnreversedStep `json:"unreversed,omitempty"`
}

// UnreversedStep is a step rollback could not undo.
type UnreversedStep struct {
	ID         string `json:"id"`
	Action     Action `json:"action"`
	ExternalID string `json:"externalId,omitempty"`
}

func (u UnreversedStep) String() string {
	if u.ExternalID == "" {
		return string(u.Action) + " " + u.ID
	}
	return string(u.Action) + " " + u.ID + " (" + u.ExternalID + ")"
}

// Record returns the record for the step acting on id with the given action.
func (r *RunResult) Record(id string, action Action) *ExecutionRecord {
	for _, rec := range r.Records {
		if rec.Step.ID() == id && rec.Step.Action == action {
			return rec
		}
	}
	return nil
}
