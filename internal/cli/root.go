package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/logging"
)

var (
	logLevel      string
	logFormat     string
	chdir         string
	workspaceFlag string
	backendType   string
	backendConfig []string
	noColor       bool
)

var rootCmd = &cobra.Command{
	Use:   "stackr",
	Short: "Declarative resource orchestration",
	Long: `Stackr provisions a topology of interdependent resources (networks,
security groups, volumes, services, load balancers, DNS records) from a
declarative description.

It plans changes against the last committed state, applies them in
dependency order through provider adapters, retries transient failures,
and rolls back on error so that a failed run leaves nothing half-built.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.InitWithWriter(cmd.ErrOrStderr(), logLevel, logFormat)
		return nil
	},
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(rootCmd.ErrOrStderr(), "%sError:%s %v\n", colorize(colorRed), colorize(colorReset), err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default $"+logging.LevelEnvVar+" or info)")
	pf.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVarP(&chdir, "chdir", "C", "", "Run as if started in this directory")
	pf.StringVarP(&workspaceFlag, "workspace", "w", "", "Workspace to use instead of the selected one")
	pf.StringVar(&backendType, "backend", "", "State backend: local, s3 or sqlite (default from .stackr/backend.yaml, else local)")
	pf.StringArrayVar(&backendConfig, "backend-config", nil, "Backend setting as key=value (repeatable)")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(versionCmd)
}
