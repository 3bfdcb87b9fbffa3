package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/ir"
)

var taintCmd = &cobra.Command{
	Use:   "taint <id>",
	Short: "Mark a resource for recreation",
	Long: `Marks a resource as tainted, forcing it to be destroyed and recreated
on the next apply. Use it for resources that cannot be changed in place,
such as task definitions.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaint(cmd, args[0], true)
	},
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <id>",
	Short: "Remove taint from a resource",
	Long:  `Removes the taint mark from a resource, preventing forced recreation.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaint(cmd, args[0], false)
	},
}

func setTaint(cmd *cobra.Command, id string, tainted bool) error {
	op := "taint"
	if !tainted {
		op = "untaint"
	}
	_, err := editState(cmd.Context(), op, func(s *ir.Snapshot) error {
		if s.Node(id) == nil {
			return fmt.Errorf("resource %s not found in state", id)
		}
		s.SetTainted(id, tainted)
		return nil
	})
	if err != nil {
		return err
	}

	if tainted {
		fmt.Fprintf(cmd.OutOrStdout(), "Resource %s has been tainted. It will be recreated on next apply.\n", id)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Resource %s has been untainted.\n", id)
	}
	return nil
}
