package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var validateFlags topologyFlags

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the topology",
	Long: `Loads the topology, checks every declaration and builds the dependency
graph. Unknown kinds, missing dependencies and cycles are reported without
contacting any provider or reading state.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	addTopologyFlags(validateCmd, &validateFlags)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	res, g, err := loadTopology(cmd.Context(), validateFlags.file, validateFlags.vars)
	if err != nil {
		fmt.Fprintf(out, "%sInvalid%s\n", colorize(colorRed), colorize(colorReset))
		return err
	}
	if _, err := g.Order(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d resource(s)", res.Path, g.Len())
	if len(res.Skipped) > 0 {
		skipped := append([]string{}, res.Skipped...)
		sort.Strings(skipped)
		fmt.Fprintf(out, ", %d disabled (%v)", len(skipped), skipped)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%sThe topology is valid.%s\n", colorize(colorGreen), colorize(colorReset))
	return nil
}
