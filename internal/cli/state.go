package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/engine"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/internal/state"
)

var (
	stateShowJSON     bool
	stateHistoryLimit int
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and edit state",
	Long:  `Commands for inspecting and modifying the committed state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List committed revisions (sqlite backend)",
	Args:  cobra.NoArgs,
	RunE:  runStateHistory,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Rename a resource id in state",
	Long: `Renames a resource in state without touching the real resource.
Dependencies and ref:// values of other resources are rewritten too.`,
	Args: cobra.ExactArgs(2),
	RunE: runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Forget a resource (does not destroy it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateShowCmd.Flags().BoolVar(&stateShowJSON, "json", false, "Output in JSON format")
	stateHistoryCmd.Flags().IntVarP(&stateHistoryLimit, "limit", "n", 0, "Show at most this many revisions")

	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateHistoryCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

// loadSnapshot opens the backend and reads the current snapshot.
func loadSnapshot(ctx context.Context) (*ir.Snapshot, error) {
	b, err := openBackend()
	if err != nil {
		return nil, err
	}
	defer b.Close()
	snap, err := b.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return snap, nil
}

// editState applies fn to the snapshot under the lock and commits the
// result as the next serial.
func editState(ctx context.Context, op string, fn func(snap *ir.Snapshot) error) (*ir.Snapshot, error) {
	b, err := openBackend()
	if err != nil {
		return nil, err
	}
	defer b.Close()

	var committed *ir.Snapshot
	err = withLock(b, func() error {
		snap, err := b.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		next := snap.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.Serial = snap.Serial + 1
		if next.Lineage == "" {
			next.Lineage = uuid.NewString()
		}
		if err := b.Commit(ctx, next); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
		committed = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := appendAudit(AuditEntry{Operation: op, Serial: committed.Serial}); err != nil {
		logging.Warn("failed to write audit log", "error", err)
	}
	return committed, nil
}

func runStateList(cmd *cobra.Command, args []string) error {
	s, err := loadSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(s.Nodes) == 0 {
		fmt.Fprintln(out, "No resources in state.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPROVIDER\tEXTERNAL ID")
	for _, n := range sortedNodes(s) {
		id := n.ID
		if s.IsTainted(id) {
			id += " (tainted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, n.Kind, n.Provider, s.IDMapping[n.ID])
	}
	return tw.Flush()
}

func sortedNodes(s *ir.Snapshot) []*ir.ResourceNode {
	nodes := append([]*ir.ResourceNode{}, s.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func runStateShow(cmd *cobra.Command, args []string) error {
	s, err := loadSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	n := s.Node(args[0])
	if n == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	out := cmd.OutOrStdout()
	if stateShowJSON {
		return writeJSON(out, struct {
			*ir.ResourceNode
			ExternalID string `json:"externalId"`
			Tainted    bool   `json:"tainted,omitempty"`
		}{n, s.IDMapping[n.ID], s.IsTainted(n.ID)})
	}

	fmt.Fprintf(out, "# %s\n", n.ID)
	fmt.Fprintf(out, "  kind        = %s\n", n.Kind)
	fmt.Fprintf(out, "  provider    = %s\n", n.Provider)
	fmt.Fprintf(out, "  external id = %s\n", s.IDMapping[n.ID])
	if s.IsTainted(n.ID) {
		fmt.Fprintln(out, "  tainted     = true")
	}
	if len(n.DependsOn) > 0 {
		fmt.Fprintf(out, "  depends on  = %s\n", strings.Join(n.DependsOn, ", "))
	}
	keys := make([]string, 0, len(n.Spec))
	for k := range n.Spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  spec.%s = %s\n", k, formatValue(n.Spec[k]))
	}
	return nil
}

func runStateHistory(cmd *cobra.Command, args []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	sq, ok := b.(*state.SQLiteBackend)
	if !ok {
		return errors.New("state history needs the sqlite backend (--backend sqlite)")
	}
	revs, err := sq.History(cmd.Context())
	if err != nil {
		return err
	}
	if stateHistoryLimit > 0 && len(revs) > stateHistoryLimit {
		revs = revs[:stateHistoryLimit]
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tLINEAGE\tCOMMITTED")
	for _, r := range revs {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Serial, r.Lineage, r.CreatedAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func runStateRm(cmd *cobra.Command, args []string) error {
	id := args[0]
	_, err := editState(cmd.Context(), "state.rm", func(s *ir.Snapshot) error {
		if s.Node(id) == nil {
			return fmt.Errorf("resource %s not found in state", id)
		}
		var dependents []string
		for _, n := range s.Nodes {
			if n.ID != id && dependsOn(n, id) {
				dependents = append(dependents, n.ID)
			}
		}
		if len(dependents) > 0 {
			return fmt.Errorf("cannot remove %s: %s still depend on it", id, strings.Join(dependents, ", "))
		}

		nodes := s.Nodes[:0:0]
		for _, n := range s.Nodes {
			if n.ID != id {
				nodes = append(nodes, n)
			}
		}
		s.Nodes = nodes
		delete(s.IDMapping, id)
		s.SetTainted(id, false)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state. The resource itself was not destroyed.\n", id)
	return nil
}

func dependsOn(n *ir.ResourceNode, id string) bool {
	for _, dep := range n.DependsOn {
		if dep == id {
			return true
		}
	}
	for _, ref := range engine.ReferencedIDs(n.Spec) {
		if ref == id {
			return true
		}
	}
	return false
}

func runStateMv(cmd *cobra.Command, args []string) error {
	from, to := args[0], args[1]
	_, err := editState(cmd.Context(), "state.mv", func(s *ir.Snapshot) error {
		if s.Node(from) == nil {
			return fmt.Errorf("resource %s not found in state", from)
		}
		if s.Node(to) != nil {
			return fmt.Errorf("resource %s already exists in state", to)
		}
		for i, n := range s.Nodes {
			s.Nodes[i] = renameNode(n, from, to)
		}
		if ext, ok := s.IDMapping[from]; ok {
			delete(s.IDMapping, from)
			s.IDMapping[to] = ext
		}
		if s.IsTainted(from) {
			s.SetTainted(from, false)
			s.SetTainted(to, true)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s.\n", from, to)
	return nil
}

// renameNode returns n with every mention of from replaced by to. Nodes are
// shared with the loaded snapshot, so a changed node is copied.
func renameNode(n *ir.ResourceNode, from, to string) *ir.ResourceNode {
	c := *n
	if c.ID == from {
		c.ID = to
	}
	if len(n.DependsOn) > 0 {
		c.DependsOn = make([]string, len(n.DependsOn))
		for i, dep := range n.DependsOn {
			if dep == from {
				dep = to
			}
			c.DependsOn[i] = dep
		}
	}
	if n.Spec != nil {
		c.Spec = renameRefs(n.Spec, from, to).(map[string]any)
	}
	return &c
}

func renameRefs(v any, from, to string) any {
	switch val := v.(type) {
	case string:
		if val == engine.RefScheme+from {
			return engine.RefScheme + to
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = renameRefs(item, from, to)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = renameRefs(item, from, to)
		}
		return out
	default:
		return v
	}
}
