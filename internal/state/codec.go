package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/stackr-io/stackr/internal/engine"
	"github.com/stackr-io/stackr/internal/ir"
)

// Encode renders a snapshot as indented JSON followed by a newline.
func Encode(snap *ir.Snapshot) ([]byte, error) {
	out := snap.Clone()
	if out.SchemaVersion == 0 {
		out.SchemaVersion = ir.SchemaVersion
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses and validates a stored snapshot. Unknown fields are ignored
// so that newer writers stay readable. location names the source in errors.
func Decode(data []byte, location string) (*ir.Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &CorruptError{Location: location, Reason: "empty document"}
	}

	var snap ir.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &CorruptError{Location: location, Reason: "malformed JSON", Err: err}
	}
	if snap.Nodes == nil {
		snap.Nodes = []*ir.ResourceNode{}
	}
	if snap.IDMapping == nil {
		snap.IDMapping = map[string]string{}
	}
	if reason := validate(&snap); reason != "" {
		return nil, &CorruptError{Location: location, Reason: reason}
	}
	// ref:// edges and cycles are checked the same way the planner will.
	if _, err := engine.GraphFromSnapshot(&snap); err != nil {
		return nil, &CorruptError{Location: location, Reason: "invalid dependency graph", Err: err}
	}
	return &snap, nil
}

func validate(snap *ir.Snapshot) string {
	if snap.SchemaVersion < 1 {
		return fmt.Sprintf("unsupported schemaVersion %d", snap.SchemaVersion)
	}
	if snap.Serial < 0 {
		return fmt.Sprintf("negative serial %d", snap.Serial)
	}

	seen := make(map[string]bool, len(snap.Nodes))
	for i, n := range snap.Nodes {
		if n == nil {
			return fmt.Sprintf("nodes[%d] is null", i)
		}
		if n.ID == "" {
			return fmt.Sprintf("nodes[%d] has no id", i)
		}
		if seen[n.ID] {
			return fmt.Sprintf("duplicate node id %q", n.ID)
		}
		if !n.Kind.Valid() {
			return fmt.Sprintf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		seen[n.ID] = true
	}
	for _, n := range snap.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep)
			}
		}
	}
	for id := range snap.IDMapping {
		if !seen[id] {
			return fmt.Sprintf("idMapping entry for unknown node %q", id)
		}
	}
	return ""
}
