package ir

// Action is what the reconciler does for a plan step.
type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
	ActionNoOp   Action = "NoOp"
)

// Plan is an ordered list of steps: all deletions first, then creations,
// updates and no-ops in dependency order.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Steps    []*PlanStep       `json:"steps"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	Timestamp     string   `json:"timestamp"`
	PriorSerial   int      `json:"priorSerial"`
	PriorLineage  string   `json:"priorLineage,omitempty"`
	Targets       []string `json:"targets,omitempty"`
	Destroy       bool     `json:"destroy,omitempty"`
	DesiredDigest string   `json:"desiredDigest,omitempty"`
}

type PlanStep struct {
	Index  int    `json:"index"`
	Action Action `json:"action"`

	// Node is the desired node. It is nil for deletions.
	Node *ResourceNode `json:"node,omitempty"`
	// Prior is the node as recorded in the snapshot. It is nil for new nodes.
	Prior      *ResourceNode `json:"prior,omitempty"`
	ExternalID string        `json:"externalId,omitempty"`

	// Replace marks the Delete/Create pair emitted for a replaced node.
	Replace bool `json:"replace,omitempty"`
	// Skipped marks a NoOp carried only because the node is outside the targets.
	Skipped bool `json:"skipped,omitempty"`
	// After lists ids of steps in the same phase that must finish first.
	After []string `json:"after,omitempty"`

	Diff map[string]*PropertyDiff `json:"diff,omitempty"`
}

// ID returns the id of the node this step acts on.
func (s *PlanStep) ID() string {
	if s.Node != nil {
		return s.Node.ID
	}
	if s.Prior != nil {
		return s.Prior.ID
	}
	return ""
}

// Kind returns the kind of the node this step acts on.
func (s *PlanStep) Kind() Kind {
	if s.Node != nil {
		return s.Node.Kind
	}
	if s.Prior != nil {
		return s.Prior.Kind
	}
	return ""
}

// ProviderName returns the adapter responsible for the step.
func (s *PlanStep) ProviderName() string {
	if s.Action == ActionDelete && s.Prior != nil {
		return s.Prior.Provider
	}
	if s.Node != nil {
		return s.Node.Provider
	}
	if s.Prior != nil {
		return s.Prior.Provider
	}
	return ""
}

type PropertyDiff struct {
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
	Action string `json:"action"` // "create", "update", "delete"
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// Changes returns the number of steps that touch a provider.
func (s *PlanSummary) Changes() int {
	return s.Create + s.Update + s.Delete + 2*s.Replace
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	for _, s := range p.Steps {
		if s.Action != ActionNoOp {
			return false
		}
	}
	return true
}
