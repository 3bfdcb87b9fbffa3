package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show output values from state",
	Long: `Reads output values from the committed state.

If no name is given, all outputs are displayed. If a name is given,
only that output's value is printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	s, err := loadSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) > 0 {
		val, ok := s.Outputs[args[0]]
		if !ok {
			return fmt.Errorf("output %q not found", args[0])
		}
		if outputJSON {
			return writeJSON(out, val)
		}
		fmt.Fprintln(out, val)
		return nil
	}

	if outputJSON {
		outputs := s.Outputs
		if outputs == nil {
			outputs = map[string]string{}
		}
		return writeJSON(out, outputs)
	}
	if len(s.Outputs) == 0 {
		fmt.Fprintln(out, "No outputs found.")
		return nil
	}
	renderOutputs(out, s.Outputs)
	return nil
}
