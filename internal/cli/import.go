package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/ir"
)

var importFlags topologyFlags

var importCmd = &cobra.Command{
	Use:   "import <id> <external-id>",
	Short: "Adopt an existing resource into state",
	Long: `Adds an existing resource to state under a resource id declared in the
topology. The resource is not read or changed; the next plan compares the
declared spec against it and schedules an update if they differ.

Example:
  stackr import search-efs fs-0a1b2c3d`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	addTopologyFlags(importCmd, &importFlags)
}

func runImport(cmd *cobra.Command, args []string) error {
	id, externalID := args[0], args[1]
	ctx := cmd.Context()

	res, g, err := loadTopology(ctx, importFlags.file, importFlags.vars)
	if err != nil {
		return err
	}
	n, ok := g.Node(id)
	if !ok {
		return fmt.Errorf("resource %s is not declared in %s", id, res.Path)
	}

	_, err = editState(ctx, "import", func(s *ir.Snapshot) error {
		if s.Node(id) != nil {
			return fmt.Errorf("resource %s is already managed (external id %s)", id, s.IDMapping[id])
		}
		for owner, ext := range s.IDMapping {
			if ext == externalID {
				return fmt.Errorf("external id %s is already managed as %s", externalID, owner)
			}
		}
		// The imported spec is unknown, so it is recorded empty and the next
		// plan brings the resource in line with the declaration.
		s.Nodes = append(s.Nodes, &ir.ResourceNode{
			ID:        n.ID,
			Kind:      n.Kind,
			Provider:  n.Provider,
			DependsOn: n.DependsOn,
			Spec:      map[string]any{},
			Lifecycle: n.Lifecycle,
		})
		s.IDMapping[id] = externalID
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%sImported %s (%s) as %s.%s\n", colorize(colorGreen), id, n.Kind, externalID, colorize(colorReset))
	return nil
}
