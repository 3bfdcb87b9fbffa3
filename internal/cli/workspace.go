package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/state"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
	Long: `Workspaces allow you to manage multiple distinct sets of infrastructure
resources with the same topology. Each workspace has its own state.

The default workspace is called "default".`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var workspaceNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceNew,
}

var workspaceSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Switch to another workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceSelect,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an empty workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current workspace name",
	RunE:  runWorkspaceShow,
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceNewCmd)
	workspaceCmd.AddCommand(workspaceSelectCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
}

var workspaceName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

func workspaceFile(dir string) string {
	return filepath.Join(dir, "workspace")
}

// currentWorkspace returns the --workspace flag, else the selected
// workspace, else "default".
func currentWorkspace(dir string) string {
	if workspaceFlag != "" {
		return workspaceFlag
	}
	data, err := os.ReadFile(workspaceFile(dir))
	if err != nil {
		return state.DefaultWorkspace
	}
	ws := strings.TrimSpace(string(data))
	if ws == "" {
		return state.DefaultWorkspace
	}
	return ws
}

// listWorkspaces returns the workspaces that have a local state file, plus
// the default and the selected one.
func listWorkspaces(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	workspaces := []string{state.DefaultWorkspace}
	seen := map[string]bool{state.DefaultWorkspace: true}
	add := func(ws string) {
		if ws != "" && !seen[ws] {
			workspaces = append(workspaces, ws)
			seen[ws] = true
		}
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "state.") && strings.HasSuffix(name, ".json") {
			add(strings.TrimSuffix(strings.TrimPrefix(name, "state."), ".json"))
		}
	}
	add(currentWorkspace(dir))
	return workspaces, nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	dir, err := stackrDir()
	if err != nil {
		return err
	}
	workspaces, err := listWorkspaces(dir)
	if err != nil {
		return err
	}

	current := currentWorkspace(dir)
	out := cmd.OutOrStdout()
	for _, ws := range workspaces {
		if ws == current {
			fmt.Fprintf(out, "* %s\n", ws)
		} else {
			fmt.Fprintf(out, "  %s\n", ws)
		}
	}
	return nil
}

func selectWorkspace(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(workspaceFile(dir), []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}
	return nil
}

func runWorkspaceNew(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !workspaceName.MatchString(name) {
		return fmt.Errorf("invalid workspace name %q (letters, digits, - and _ only)", name)
	}
	if name == state.DefaultWorkspace {
		return fmt.Errorf("cannot create a workspace named %q: it already exists", name)
	}

	dir, err := stackrDir()
	if err != nil {
		return err
	}
	existing, err := listWorkspaces(dir)
	if err != nil {
		return err
	}
	for _, ws := range existing {
		if ws == name {
			return fmt.Errorf("workspace %q already exists", name)
		}
	}

	// The workspace gets its state on first commit.
	if err := selectWorkspace(dir, name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created and switched to workspace %q\n", name)
	return nil
}

func runWorkspaceSelect(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !workspaceName.MatchString(name) {
		return fmt.Errorf("invalid workspace name %q", name)
	}
	dir, err := stackrDir()
	if err != nil {
		return err
	}
	if err := selectWorkspace(dir, name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Switched to workspace %q\n", name)
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == state.DefaultWorkspace {
		return fmt.Errorf("cannot delete the default workspace")
	}

	dir, err := stackrDir()
	if err != nil {
		return err
	}
	if currentWorkspace(dir) == name {
		return fmt.Errorf("cannot delete the currently active workspace %q: switch to another workspace first", name)
	}

	cfg, err := backendSettings(dir)
	if err != nil {
		return err
	}
	b, err := state.NewBackend(cfg, dir, name)
	if err != nil {
		return err
	}
	defer b.Close()

	snap, err := b.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read workspace state: %w", err)
	}
	if len(snap.Nodes) > 0 {
		return fmt.Errorf("workspace %q still manages %d resources: destroy them first", name, len(snap.Nodes))
	}

	if m, ok := b.(*state.Manager); ok {
		if err := os.Remove(m.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete workspace state: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted workspace %q\n", name)
	return nil
}

func runWorkspaceShow(cmd *cobra.Command, args []string) error {
	dir, err := stackrDir()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), currentWorkspace(dir))
	return nil
}
