package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/engine"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
)

var (
	applyTopology    topologyFlags
	applyEngine      engineFlags
	applyAutoApprove bool
	applyPlanFile    string
	applyPolicy      string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update infrastructure",
	Long: `Plans the topology against the last committed state and applies the
changes through the providers.

Transient provider failures are retried with exponential backoff. When a
step fails for good, every change the run already made is undone in
reverse order and the previous state is kept.

Exit status: 0 when applied, 1 when the run failed without rollback,
2 when it was rolled back, 3 when the rollback itself failed.`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

func init() {
	addTopologyFlags(applyCmd, &applyTopology)
	addEngineFlags(applyCmd, &applyEngine)
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	applyCmd.Flags().StringVar(&applyPlanFile, "plan", "", "Apply a plan saved with 'stackr plan --out'")
	applyCmd.Flags().StringVar(&applyPolicy, "policy", "", "Refuse to apply when the plan violates this policy file")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	stopTracing, err := startTracing(&applyEngine, out)
	if err != nil {
		return err
	}
	defer stopTracing()

	registry := newRegistry(&applyEngine)
	defer registry.Close()

	return withLock(b, func() error {
		var (
			plan *ir.Plan
			snap *ir.Snapshot
			eng  *engine.Engine
		)
		if applyPlanFile != "" {
			saved, err := readPlan(applyPlanFile)
			if err != nil {
				return err
			}
			plan = saved
			eng = newEngine(&applyEngine, registry, b, "")
		} else {
			res, g, err := loadTopology(ctx, applyTopology.file, applyTopology.vars)
			if err != nil {
				return err
			}
			eng = newEngine(&applyEngine, registry, b, res.DefaultProvider)
			plan, snap, err = eng.Plan(ctx, g, engine.PlanOptions{Targets: applyTopology.targets, Outputs: res.Outputs})
			if err != nil {
				return fmt.Errorf("plan generation failed: %w", err)
			}
		}

		renderPlan(out, plan)
		if applyPolicy != "" {
			if err := checkPolicyFile(out, plan, applyPolicy); err != nil {
				return err
			}
		}
		if !plan.Empty() && !applyAutoApprove && applyPlanFile == "" {
			if !confirm(cmd.InOrStdin(), out, "Do you want to perform these actions?") {
				fmt.Fprintln(out, "Apply cancelled.")
				return nil
			}
		}

		eng.Callback = progressPrinter(out)
		start := time.Now()
		var (
			result *ir.RunResult
			err    error
		)
		if snap != nil {
			result, err = eng.ApplyPlan(ctx, plan, snap)
		} else {
			// A saved plan is checked against the current state first.
			result, err = eng.ApplySaved(ctx, plan)
		}
		writeMetrics(&applyEngine, eng)
		writeAudit("apply", plan, result, err)
		if result == nil {
			return err
		}
		logging.Info("apply finished", "run", result.RunID, "status", result.Status, "duration", time.Since(start).Round(time.Millisecond))

		fmt.Fprintln(out)
		renderResult(out, result)
		return runExitError(result, err)
	})
}

// progressPrinter reports step transitions as they happen. Events arrive
// concurrently in parallel mode.
func progressPrinter(w io.Writer) engine.ApplyCallback {
	var mu sync.Mutex
	return func(ev engine.ApplyEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Status {
		case "started":
			fmt.Fprintf(w, "%s: %s...\n", ev.ID, progressVerb(ev.Action))
		case "completed":
			fmt.Fprintf(w, "%s: %s complete after %s\n", ev.ID, ev.Action, ev.Duration.Round(time.Millisecond))
		case "failed":
			fmt.Fprintf(w, "%s%s: %s failed: %v%s\n", colorize(colorRed), ev.ID, ev.Action, ev.Error, colorize(colorReset))
		case "rolledback":
			fmt.Fprintf(w, "%s%s: rolled back%s\n", colorize(colorYellow), ev.ID, colorize(colorReset))
		case "rollback_failed":
			fmt.Fprintf(w, "%s%s: rollback failed: %v%s\n", colorize(colorRed), ev.ID, ev.Error, colorize(colorReset))
		}
	}
}

func progressVerb(a ir.Action) string {
	switch a {
	case ir.ActionCreate:
		return "Creating"
	case ir.ActionUpdate:
		return "Modifying"
	case ir.ActionDelete:
		return "Destroying"
	default:
		return string(a)
	}
}
