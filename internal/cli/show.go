package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show [plan-file]",
	Short: "Show the current state or a saved plan",
	Long: `Displays a human-readable view of the committed state. Given a plan
file written by 'stackr plan --out', displays that plan instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
}

func runShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		plan, err := readPlan(args[0])
		if err != nil {
			return err
		}
		if showJSON {
			return writeJSON(out, plan)
		}
		renderPlan(out, plan)
		return nil
	}

	s, err := loadSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	if showJSON {
		return writeJSON(out, s)
	}

	if len(s.Nodes) == 0 {
		fmt.Fprintln(out, "No resources in state.")
		return nil
	}

	fmt.Fprintf(out, "%sState%s serial %d, lineage %s\n\n", colorize(colorBold), colorize(colorReset), s.Serial, s.Lineage)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, n := range sortedNodes(s) {
		mark := ""
		if s.IsTainted(n.ID) {
			mark = colorize(colorRed) + " (tainted)" + colorize(colorReset)
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\n", n.ID, mark, n.Kind, s.IDMapping[n.ID])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal: %d resource(s)\n", len(s.Nodes))

	if len(s.Outputs) > 0 {
		fmt.Fprintln(out)
		renderOutputs(out, s.Outputs)
	}
	return nil
}
