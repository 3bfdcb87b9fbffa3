package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/engine"
)

var (
	graphFlags     topologyFlags
	graphFromState bool
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  stackr graph | dot -Tpng > graph.png`,
	Args: cobra.NoArgs,
	RunE: runGraph,
}

func init() {
	addTopologyFlags(graphCmd, &graphFlags)
	graphCmd.Flags().BoolVar(&graphFromState, "from-state", false, "Graph the committed state instead of the topology")
}

func runGraph(cmd *cobra.Command, args []string) error {
	var g *engine.Graph
	if graphFromState {
		s, err := loadSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		if g, err = engine.GraphFromSnapshot(s); err != nil {
			return fmt.Errorf("failed to build graph: %w", err)
		}
	} else {
		var err error
		if _, g, err = loadTopology(cmd.Context(), graphFlags.file, graphFlags.vars); err != nil {
			return err
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), g.DOT())
	return nil
}
