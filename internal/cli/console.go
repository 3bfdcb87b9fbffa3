package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
)

var consoleFlags topologyFlags

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Evaluate expressions against state and topology",
	Long: `Opens an interactive console. Each line is an expression evaluated
against the committed state and, when one loads, the topology variables.

Available names:
  serial, lineage    State metadata
  ids                Map of resource id to external id
  outputs            Map of output values
  nodes              List of resources with id, kind, provider, externalId,
                     tainted and spec
  var                Topology variables

Examples:
  ids["vpc"]
  filter(nodes, .kind == "Service") | map(.id)
  var.tls ? "https" : "http"

Type 'help' for this list and 'exit' to quit.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	addTopologyFlags(consoleCmd, &consoleFlags)
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := loadSnapshot(ctx)
	if err != nil {
		return err
	}

	vars := map[string]any{}
	if res, _, err := loadTopology(ctx, consoleFlags.file, consoleFlags.vars); err == nil {
		vars = res.Variables
	} else {
		logging.Debug("console without topology", "error", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "stackr console: %d resource(s), serial %d. Type 'help' for names, 'exit' to quit.\n", len(s.Nodes), s.Serial)
	return consoleLoop(cmd.InOrStdin(), out, consoleEnv(s, vars))
}

// consoleEnv exposes a snapshot to expressions.
func consoleEnv(s *ir.Snapshot, vars map[string]any) map[string]any {
	nodes := make([]any, 0, len(s.Nodes))
	for _, n := range sortedNodes(s) {
		nodes = append(nodes, map[string]any{
			"id":         n.ID,
			"kind":       string(n.Kind),
			"provider":   n.Provider,
			"externalId": s.IDMapping[n.ID],
			"tainted":    s.IsTainted(n.ID),
			"dependsOn":  n.DependsOn,
			"spec":       n.Spec,
		})
	}
	ids := make(map[string]any, len(s.IDMapping))
	for k, v := range s.IDMapping {
		ids[k] = v
	}
	outputs := make(map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		outputs[k] = v
	}
	return map[string]any{
		"serial":  s.Serial,
		"lineage": s.Lineage,
		"ids":     ids,
		"outputs": outputs,
		"nodes":   nodes,
		"var":     vars,
	}
}

func consoleLoop(in io.Reader, out io.Writer, env map[string]any) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprintln(out, "names: serial, lineage, ids, outputs, nodes, var")
			continue
		}

		result, err := evalConsole(line, env)
		if err != nil {
			fmt.Fprintf(out, "%sError:%s %v\n", colorize(colorRed), colorize(colorReset), err)
			continue
		}
		fmt.Fprintln(out, result)
	}
}

func evalConsole(line string, env map[string]any) (string, error) {
	program, err := expr.Compile(line, expr.Env(env))
	if err != nil {
		return "", err
	}
	v, err := expr.Run(program, env)
	if err != nil {
		return "", err
	}
	switch v.(type) {
	case map[string]any, []any, []string:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	case string:
		return fmt.Sprintf("%q", v), nil
	default:
		return fmt.Sprint(v), nil
	}
}
