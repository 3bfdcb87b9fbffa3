package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/engine"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
)

var (
	planTopology topologyFlags
	planEngine   engineFlags
	planOutFile  string
	planJSON     bool
	planWatch    bool
	planDestroy  bool
	planPolicy   string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the changes an apply would make",
	Long: `Generates an execution plan showing what actions Stackr will take
to reach the topology from the last committed state.

Deletions come first, in reverse dependency order, followed by creations
and updates in dependency order. Ties are broken by resource id so the
same inputs always give the same plan.

Use --out to save the plan and apply it later with 'stackr apply --plan'.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	addTopologyFlags(planCmd, &planTopology)
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan to this file")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
	planCmd.Flags().BoolVar(&planWatch, "watch", false, "Re-plan whenever the topology file changes")
	planCmd.Flags().BoolVar(&planDestroy, "destroy", false, "Plan the destruction of everything in state")
	planCmd.Flags().StringVar(&planPolicy, "policy", "", "Check the plan against this policy file")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	if !planWatch {
		_, err := planOnce(ctx, out, b)
		return err
	}
	return watchTopology(ctx, out, func() {
		if _, err := planOnce(ctx, out, b); err != nil {
			fmt.Fprintf(out, "%sError:%s %v\n", colorize(colorRed), colorize(colorReset), err)
		}
	})
}

func planOnce(ctx context.Context, out io.Writer, store engine.SnapshotStore) (*ir.Plan, error) {
	var (
		plan *ir.Plan
		err  error
	)
	if planDestroy {
		snap, loadErr := store.Load(ctx)
		if loadErr != nil {
			return nil, fmt.Errorf("failed to load state: %w", loadErr)
		}
		plan, err = engine.PlanDestroy(snap, engine.PlanOptions{Targets: planTopology.targets})
	} else {
		res, g, loadErr := loadTopology(ctx, planTopology.file, planTopology.vars)
		if loadErr != nil {
			return nil, loadErr
		}
		eng := newEngine(&planEngine, newRegistry(&planEngine), store, res.DefaultProvider)
		plan, _, err = eng.Plan(ctx, g, engine.PlanOptions{Targets: planTopology.targets, Outputs: res.Outputs})
	}
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	if planJSON {
		if err := writeJSON(out, plan); err != nil {
			return nil, err
		}
	} else {
		renderPlan(out, plan)
	}

	if planPolicy != "" {
		if err := checkPolicyFile(out, plan, planPolicy); err != nil {
			return plan, err
		}
	}

	if planOutFile != "" {
		if err := savePlan(planOutFile, plan); err != nil {
			return nil, err
		}
		if !planJSON {
			fmt.Fprintf(out, "\nSaved the plan to %s. Run 'stackr apply --plan %s' to apply it.\n", planOutFile, planOutFile)
		}
	}
	return plan, nil
}

func savePlan(path string, plan *ir.Plan) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	defer f.Close()
	if err := writeJSON(f, plan); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return f.Sync()
}

const watchDebounce = 300 * time.Millisecond

// watchTopology calls fn once and then after every change to the project
// directory until ctx is done.
func watchTopology(ctx context.Context, out io.Writer, fn func()) error {
	dir, err := projectDir()
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so atomic saves (rename-over) are seen.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if planTopology.file != "" {
		if fdir := filepath.Dir(planTopology.file); filepath.IsAbs(fdir) && fdir != dir {
			if err := w.Add(fdir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", fdir, err)
			}
		}
	}

	fn()
	fmt.Fprintf(out, "\nWatching %s for changes. Press Ctrl-C to stop.\n", dir)

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isTopologyChange(event) {
				continue
			}
			logging.Debug("topology changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warn("watcher error", "error", err)
		case <-timer.C:
			fmt.Fprintf(out, "\n%s--- %s ---%s\n", colorize(colorBold), time.Now().Format(time.TimeOnly), colorize(colorReset))
			fn()
		}
	}
}

func isTopologyChange(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	switch filepath.Ext(event.Name) {
	case ".yaml", ".yml", ".json", ".hcl", ".pkl":
		return true
	default:
		return false
	}
}
