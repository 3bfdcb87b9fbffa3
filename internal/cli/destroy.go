package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/engine"
)

var (
	destroyTopology    topologyFlags
	destroyEngine      engineFlags
	destroyAutoApprove bool
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy all managed infrastructure",
	Long: `Destroys all resources tracked in state, dependents before the
resources they depend on.

With --target only the named resources and everything that depends on
them are destroyed. Resources with lifecycle.preventDestroy are refused.`,
	Args: cobra.NoArgs,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().StringSliceVar(&destroyTopology.targets, "target", nil, "Destroy only these resource ids and their dependents")
	addEngineFlags(destroyCmd, &destroyEngine)
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	stopTracing, err := startTracing(&destroyEngine, out)
	if err != nil {
		return err
	}
	defer stopTracing()

	registry := newRegistry(&destroyEngine)
	defer registry.Close()

	return withLock(b, func() error {
		snap, err := b.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load state: %w", err)
		}
		plan, err := engine.PlanDestroy(snap, engine.PlanOptions{Targets: destroyTopology.targets})
		if err != nil {
			return fmt.Errorf("plan generation failed: %w", err)
		}

		renderPlan(out, plan)
		if plan.Empty() {
			return nil
		}
		if !destroyAutoApprove && !confirm(cmd.InOrStdin(), out, "Do you really want to destroy these resources?") {
			fmt.Fprintln(out, "Destroy cancelled.")
			return nil
		}

		eng := newEngine(&destroyEngine, registry, b, "")
		eng.Callback = progressPrinter(out)
		result, err := eng.ApplyPlan(ctx, plan, snap)
		writeMetrics(&destroyEngine, eng)
		writeAudit("destroy", plan, result, err)
		if result == nil {
			return err
		}

		fmt.Fprintln(out)
		renderResult(out, result)
		return runExitError(result, err)
	})
}
