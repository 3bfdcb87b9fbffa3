package ir

import "sort"

// SchemaVersion is the snapshot layout written by this build. Readers accept
// any version >= 1 and ignore fields they do not know.
const SchemaVersion = 1

// Snapshot is the durable record of the last committed graph and the
// provider-assigned identifiers of its nodes.
type Snapshot struct {
	SchemaVersion int               `json:"schemaVersion"`
	Serial        int               `json:"serial"`
	Lineage       string            `json:"lineage,omitempty"`
	Nodes         []*ResourceNode   `json:"nodes"`
	IDMapping     map[string]string `json:"idMapping"`
	Tainted       []string          `json:"tainted,omitempty"`
	Outputs       map[string]string `json:"outputs,omitempty"`
}

// NewSnapshot returns the empty snapshot used on first run.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Nodes:         []*ResourceNode{},
		IDMapping:     map[string]string{},
	}
}

// Node returns the node with the given id, or nil.
func (s *Snapshot) Node(id string) *ResourceNode {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// IsTainted reports whether id is marked for forced replacement.
func (s *Snapshot) IsTainted(id string) bool {
	for _, t := range s.Tainted {
		if t == id {
			return true
		}
	}
	return false
}

// SetTainted marks or unmarks id for forced replacement.
func (s *Snapshot) SetTainted(id string, tainted bool) {
	out := s.Tainted[:0:0]
	for _, t := range s.Tainted {
		if t != id {
			out = append(out, t)
		}
	}
	if tainted {
		out = append(out, id)
		sort.Strings(out)
	}
	s.Tainted = out
}

// Clone returns a copy that can be mutated without affecting s. Nodes are
// shared; they are treated as immutable once built.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		SchemaVersion: s.SchemaVersion,
		Serial:        s.Serial,
		Lineage:       s.Lineage,
		Nodes:         append([]*ResourceNode{}, s.Nodes...),
		IDMapping:     make(map[string]string, len(s.IDMapping)),
	}
	for k, v := range s.IDMapping {
		c.IDMapping[k] = v
	}
	if len(s.Tainted) > 0 {
		c.Tainted = append([]string{}, s.Tainted...)
	}
	if len(s.Outputs) > 0 {
		c.Outputs = make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			c.Outputs[k] = v
		}
	}
	return c
}
