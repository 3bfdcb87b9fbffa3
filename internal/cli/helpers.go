package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/engine"
	"github.com/stackr-io/stackr/internal/eval"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/internal/provider"
	"github.com/stackr-io/stackr/internal/state"
	"github.com/stackr-io/stackr/internal/telemetry"
	"gopkg.in/yaml.v3"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// projectDir is the directory the topology and .stackr live in.
func projectDir() (string, error) {
	dir := chdir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	return filepath.Abs(dir)
}

func stackrDir() (string, error) {
	dir, err := projectDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".stackr"), nil
}

func backendFile(dir string) string {
	return filepath.Join(dir, "backend.yaml")
}

// backendSettings returns the backend named on the command line, or the
// one recorded by init, or the local file backend.
func backendSettings(dir string) (*state.BackendConfig, error) {
	if backendType != "" || len(backendConfig) > 0 {
		return state.ParseBackendConfig(backendType, backendConfig)
	}
	data, err := os.ReadFile(backendFile(dir))
	if os.IsNotExist(err) {
		return &state.BackendConfig{Type: "local"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backend settings: %w", err)
	}
	var cfg state.BackendConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", backendFile(dir), err)
	}
	return &cfg, nil
}

// openBackend returns the state backend for the current workspace.
func openBackend() (state.Backend, error) {
	dir, err := stackrDir()
	if err != nil {
		return nil, err
	}
	cfg, err := backendSettings(dir)
	if err != nil {
		return nil, err
	}
	ws := currentWorkspace(dir)
	logging.Debug("opening state backend", "type", cfg.Type, "workspace", ws)
	return state.NewBackend(cfg, dir, ws)
}

// withLock runs fn while holding the backend lock.
func withLock(b state.Backend, fn func() error) error {
	if err := b.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := b.Unlock(); err != nil {
			logging.Warn("failed to release state lock", "error", err)
		}
	}()
	stop := state.KeepLock(context.Background(), b, state.LockRefreshInterval)
	defer stop()
	return fn()
}

// topologyFlags selects and parameterizes the topology document.
type topologyFlags struct {
	file    string
	vars    map[string]string
	targets []string
}

func addTopologyFlags(cmd *cobra.Command, f *topologyFlags) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Topology file (default: topology.{yaml,yml,json,hcl,pkl} in the project directory)")
	cmd.Flags().StringToStringVar(&f.vars, "var", nil, "Set a topology variable (format: name=value)")
	cmd.Flags().StringSliceVar(&f.targets, "target", nil, "Limit the run to these resource ids and their dependencies")
}

// loadTopology evaluates the topology and builds its validated graph.
func loadTopology(ctx context.Context, file string, vars map[string]string) (*eval.Result, *engine.Graph, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, nil, err
	}
	res, err := eval.NewEvaluator(dir).Load(ctx, file, vars)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load topology: %w", err)
	}
	g, err := engine.BuildGraph(engine.ExpandForEach(res.Nodes))
	if err != nil {
		return nil, nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}
	return res, g, nil
}

// engineFlags tune the reconciler.
type engineFlags struct {
	parallelism int
	callTimeout time.Duration
	maxRetries  int
	retryDelay  time.Duration
	noRollback  bool
	metricsFile string
	traceFile   string
	awsRegion   string
	remotes     map[string]string
}

func addEngineFlags(cmd *cobra.Command, f *engineFlags) {
	fs := cmd.Flags()
	fs.IntVarP(&f.parallelism, "parallelism", "p", 1, "Run up to this many independent steps at once")
	fs.DurationVar(&f.callTimeout, "call-timeout", engine.DefaultTimeout, "Timeout for each provider call; a timeout counts as a transient failure")
	fs.IntVar(&f.maxRetries, "max-retries", engine.DefaultRetryMax, "Retries for transient provider failures")
	fs.DurationVar(&f.retryDelay, "retry-delay", 0, "Base delay of the exponential retry backoff (default 1s)")
	fs.BoolVar(&f.noRollback, "no-rollback", false, "Keep the changes of a failed run instead of rolling them back")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write run metrics to this file in Prometheus text format")
	fs.StringVar(&f.traceFile, "trace", "", "Write OpenTelemetry spans to this file (- for stdout)")
	fs.StringVar(&f.awsRegion, "aws-region", "", "Region for the aws provider (default $AWS_REGION)")
	fs.StringToStringVar(&f.remotes, "remote-provider", nil, "Serve a provider name from a gRPC endpoint (format: name=host:port)")
}

func newRegistry(f *engineFlags) *provider.Registry {
	return provider.NewRegistry(provider.Options{
		AWSRegion: f.awsRegion,
		Remotes:   f.remotes,
	})
}

func newEngine(f *engineFlags, resolver engine.Resolver, store engine.SnapshotStore, defaultProvider string) *engine.Engine {
	eng := engine.NewEngine(resolver, store)
	if f.parallelism > 0 {
		eng.Parallelism = f.parallelism
	}
	eng.CallTimeout = f.callTimeout
	retry := engine.DefaultRetryPolicy()
	if f.maxRetries >= 0 {
		retry.MaxRetries = f.maxRetries
	}
	if f.retryDelay > 0 {
		retry.BaseDelay = f.retryDelay
	}
	eng.Retry = retry
	eng.DisableRollback = f.noRollback
	eng.DefaultProvider = defaultProvider
	if f.metricsFile != "" {
		eng.Metrics = telemetry.NewMetrics()
	}
	return eng
}

// startTracing installs the span exporter when --trace is set. "-" writes
// to stdout.
func startTracing(f *engineFlags, out io.Writer) (func(), error) {
	if f.traceFile == "" {
		return func() {}, nil
	}
	w := out
	var file *os.File
	if f.traceFile != "-" {
		var err error
		file, err = os.Create(f.traceFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		w = file
	}
	shutdown, err := telemetry.SetupTracing(w, Version)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, err
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			logging.Warn("failed to flush traces", "error", err)
		}
		if file != nil {
			file.Close()
		}
	}, nil
}

func writeMetrics(f *engineFlags, eng *engine.Engine) {
	if f.metricsFile == "" {
		return
	}
	if err := eng.Metrics.WriteTextfile(f.metricsFile); err != nil {
		logging.Warn("failed to write metrics", "error", err)
	}
}

// runExitError maps a finished run to the exit status of apply and destroy.
func runExitError(result *ir.RunResult, err error) error {
	if result == nil {
		return err
	}
	switch {
	case len(result.RollbackErrors) > 0:
		return &ExitError{Code: 3, Err: err}
	case result.Status == ir.RunRolledBack:
		return &ExitError{Code: 2, Err: err}
	case result.Status == ir.RunFailed:
		return &ExitError{Code: 1, Err: err}
	default:
		return err
	}
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "\n%s Only 'yes' will be accepted: ", prompt)
	var response string
	fmt.Fscanln(in, &response)
	return response == "yes" || response == "y"
}

func readPlan(path string) (*ir.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan ir.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	return &plan, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlan prints the step list and summary.
func renderPlan(w io.Writer, plan *ir.Plan) {
	if plan.Empty() {
		fmt.Fprintln(w, "\nNo changes. Infrastructure is up-to-date.")
		return
	}
	fmt.Fprintln(w, "\nStackr will perform the following actions:")
	for _, step := range plan.Steps {
		if step.Action == ir.ActionNoOp {
			continue
		}
		renderStep(w, step)
	}
	renderPlanSummary(w, plan)
}

func actionStyle(step *ir.PlanStep) (symbol, color, verb string) {
	switch step.Action {
	case ir.ActionCreate:
		symbol, color, verb = "+", colorGreen, "created"
	case ir.ActionDelete:
		symbol, color, verb = "-", colorRed, "destroyed"
	case ir.ActionUpdate:
		symbol, color, verb = "~", colorYellow, "updated in-place"
	default:
		symbol, color, verb = " ", colorReset, "left unchanged"
	}
	if step.Replace {
		symbol, color, verb = "-/+", colorYellow, "replaced ("+strings.ToLower(string(step.Action))+")"
	}
	return symbol, color, verb
}

func renderStep(w io.Writer, step *ir.PlanStep) {
	symbol, color, verb := actionStyle(step)
	c, reset := colorize(color), colorize(colorReset)

	fmt.Fprintf(w, "\n%s  # %s will be %s%s\n", c, step.ID(), verb, reset)
	fmt.Fprintf(w, "%s  %s %s %q {%s\n", c, symbol, step.Kind(), step.ID(), reset)
	if step.ExternalID != "" {
		fmt.Fprintf(w, "        id = %s\n", step.ExternalID)
	}
	renderPropertyDiff(w, step.Diff)
	fmt.Fprintf(w, "%s    }%s\n", c, reset)
}

// renderPropertyDiff prints structured property diffs in key order.
func renderPropertyDiff(w io.Writer, diff map[string]*ir.PropertyDiff) {
	for _, key := range engine.SortedDiffKeys(diff) {
		d := diff[key]
		switch d.Action {
		case "create":
			fmt.Fprintf(w, "%s      + %s = %s%s\n", colorize(colorGreen), key, formatValue(d.After), colorize(colorReset))
		case "delete":
			fmt.Fprintf(w, "%s      - %s = %s%s\n", colorize(colorRed), key, formatValue(d.Before), colorize(colorReset))
		case "update":
			fmt.Fprintf(w, "%s      ~ %s = %s -> %s%s\n", colorize(colorYellow), key, formatValue(d.Before), formatValue(d.After), colorize(colorReset))
		default:
			fmt.Fprintf(w, "        %s = %s\n", key, formatValue(d.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func renderPlanSummary(w io.Writer, plan *ir.Plan) {
	s := plan.Summary
	fmt.Fprintf(w, "\n%sPlan:%s %d to add, %d to change, %d to destroy, %d to replace.\n",
		colorize(colorBold), colorize(colorReset), s.Create, s.Update, s.Delete, s.Replace)
}

// renderResult prints the outcome of a run.
func renderResult(w io.Writer, result *ir.RunResult) {
	for _, rec := range result.Records {
		if rec.Step.Action == ir.ActionNoOp {
			continue
		}
		status := string(rec.Status)
		color := colorGreen
		switch rec.Status {
		case ir.StepFailed:
			color = colorRed
		case ir.StepRolledBack, ir.StepPending:
			color = colorYellow
		}
		line := fmt.Sprintf("  %-7s %-14s %-24s %s", rec.Step.Action, rec.Step.Kind(), rec.Step.ID(), status)
		if rec.ExternalID != "" {
			line += " (" + rec.ExternalID + ")"
		}
		if rec.Attempts > 1 {
			line += fmt.Sprintf(" after %d attempts", rec.Attempts)
		}
		fmt.Fprintf(w, "%s%s%s\n", colorize(color), line, colorize(colorReset))
		if rec.Error != "" {
			fmt.Fprintf(w, "          %s\n", rec.Error)
		}
	}

	switch result.Status {
	case ir.RunApplied:
		fmt.Fprintf(w, "\n%sApply complete!%s Run %s.", colorize(colorGreen), colorize(colorReset), result.RunID)
	case ir.RunRolledBack:
		fmt.Fprintf(w, "\n%sApply failed and was rolled back.%s Run %s.", colorize(colorRed), colorize(colorReset), result.RunID)
	default:
		fmt.Fprintf(w, "\n%sApply failed.%s Run %s.", colorize(colorRed), colorize(colorReset), result.RunID)
	}
	if result.Committed && result.Snapshot != nil {
		fmt.Fprintf(w, " State serial %d.", result.Snapshot.Serial)
	}
	fmt.Fprintln(w)
	for _, e := range result.RollbackErrors {
		fmt.Fprintf(w, "%s  rollback: %s%s\n", colorize(colorRed), e, colorize(colorReset))
	}
	if len(result.Unreversed) > 0 {
		fmt.Fprintf(w, "\n%sState was not committed. These changes remain and must be reconciled by hand:%s\n", colorize(colorRed), colorize(colorReset))
		for _, u := range result.Unreversed {
			fmt.Fprintf(w, "  %s\n", u)
		}
	}

	if result.Snapshot != nil && len(result.Snapshot.Outputs) > 0 {
		fmt.Fprintln(w, "\nOutputs:")
		renderOutputs(w, result.Snapshot.Outputs)
	}
}

func renderOutputs(w io.Writer, outputs map[string]string) {
	names := make([]string, 0, len(outputs))
	for k := range outputs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "  %s = %s\n", k, outputs[k])
	}
}
