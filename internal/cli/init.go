package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/examples"
	"gopkg.in/yaml.v3"
)

var (
	initExample string
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new stackr project",
	Long: `Creates the .stackr directory and a starter topology.yaml taken from a
bundled example. When --backend is given the backend settings are recorded
in .stackr/backend.yaml and used by every later command.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initExample, "example", "od4e", "Example topology to start from")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing topology.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	root, err := projectDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(root, ".stackr")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	topology := filepath.Join(root, "topology.yaml")
	if _, err := os.Stat(topology); os.IsNotExist(err) || initForce {
		data, err := examples.Topology(initExample)
		if err != nil {
			return err
		}
		if err := os.WriteFile(topology, data, 0o644); err != nil {
			return fmt.Errorf("failed to create %s: %w", topology, err)
		}
		fmt.Fprintf(out, "Created %s from the %s example\n", topology, initExample)
	} else {
		fmt.Fprintf(out, "Keeping existing %s\n", topology)
	}

	if backendType != "" {
		cfg, err := backendSettings(dir)
		if err != nil {
			return err
		}
		// Opening the backend checks its settings before they are recorded.
		b, err := openBackend()
		if err != nil {
			return fmt.Errorf("invalid backend settings: %w", err)
		}
		b.Close()

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(backendFile(dir), data, 0o644); err != nil {
			return fmt.Errorf("failed to write backend settings: %w", err)
		}
		fmt.Fprintf(out, "Using the %s state backend\n", cfg.Type)
	}

	fmt.Fprintf(out, "\n%sstackr initialized successfully!%s\n", colorize(colorGreen), colorize(colorReset))
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Edit topology.yaml to describe your resources")
	fmt.Fprintln(out, "  2. Run 'stackr plan' to see what will be created")
	fmt.Fprintln(out, "  3. Run 'stackr apply' to create them")
	return nil
}
