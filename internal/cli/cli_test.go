package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memoryTopology = `
defaultProvider: memory
resources:
  vpc:
    kind: Network
    spec:
      name: vpc
      cidrBlock: 10.0.0.0/16
  sg:
    kind: SecurityGroup
    spec:
      name: sg
      vpcId: ref://vpc
outputs:
  vpc_id: ref://vpc
`

// stackr runs the root command in-process. Flag values persist between runs
// of the same command, so callers pass every flag they rely on.
func stackr(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"--no-color", "--log-level", "error"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newProject(t *testing.T, topology string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "topology.yaml"), []byte(topology), 0o644))
	return dir
}

func TestColorize(t *testing.T) {
	noColor = false
	assert.Equal(t, "\033[31m", colorize("\033[31m"))

	noColor = true
	assert.Equal(t, "", colorize("\033[31m"))

	noColor = false
}

func TestCurrentWorkspace(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, state.DefaultWorkspace, currentWorkspace(dir))

	require.NoError(t, selectWorkspace(dir, "staging"))
	assert.Equal(t, "staging", currentWorkspace(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.prod.json"), []byte("{}"), 0o644))
	workspaces, err := listWorkspaces(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "prod", "staging"}, workspaces)

	workspaceFlag = "prod"
	defer func() { workspaceFlag = "" }()
	assert.Equal(t, "prod", currentWorkspace(dir))
}

func TestRunExitError(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		result *ir.RunResult
		code   int
	}{
		{"failed", &ir.RunResult{Status: ir.RunFailed}, 1},
		{"rolled back", &ir.RunResult{Status: ir.RunRolledBack}, 2},
		{"rollback failed", &ir.RunResult{Status: ir.RunRolledBack, RollbackErrors: []string{"delete sg"}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runExitError(tt.result, boom)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, tt.code, exitErr.Code)
			assert.ErrorIs(t, err, boom)
		})
	}

	assert.NoError(t, runExitError(&ir.RunResult{Status: ir.RunApplied}, nil))
	assert.ErrorIs(t, runExitError(nil, boom), boom)
}

func TestRenderResult_Unreversed(t *testing.T) {
	var buf bytes.Buffer
	renderResult(&buf, &ir.RunResult{
		RunID:          "run-1",
		Status:         ir.RunRolledBack,
		RollbackErrors: []string{"delete vpc2: dependency violation"},
		Unreversed: []ir.UnreversedStep{
			{ID: "vpc2", Action: ir.ActionCreate, ExternalID: "mem-network-2"},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "rolled back")
	assert.Contains(t, out, "State was not committed")
	assert.Contains(t, out, "Create vpc2 (mem-network-2)")
	assert.NotContains(t, out, "State serial")
}

func TestEvaluatePolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: no-deletes
    description: resources must not be deleted
    condition: action == "Delete"
    severity: error
  - name: small-services
    condition: kind == "Service" && spec.desiredCount > 2
    severity: warning
`), 0o644))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)

	plan := &ir.Plan{Steps: []*ir.PlanStep{
		{Action: ir.ActionCreate, Node: &ir.ResourceNode{ID: "search", Kind: ir.KindService, Spec: map[string]any{"desiredCount": 3.0}}},
		{Action: ir.ActionDelete, Prior: &ir.ResourceNode{ID: "old", Kind: ir.KindVolume}},
		{Action: ir.ActionNoOp, Node: &ir.ResourceNode{ID: "vpc", Kind: ir.KindNetwork}},
	}}
	violations, err := policies.Evaluate(plan)
	require.NoError(t, err)
	require.Len(t, violations, 2)

	assert.Equal(t, "no-deletes", violations[0].Rule.Name)
	assert.Equal(t, "old", violations[0].ID)
	assert.True(t, violations[0].IsError())
	assert.Contains(t, violations[0].Message, "resources must not be deleted")

	assert.Equal(t, "small-services", violations[1].Rule.Name)
	assert.False(t, violations[1].IsError())

	var out bytes.Buffer
	err = checkPolicyFile(&out, plan, path)
	require.Error(t, err)
	assert.Contains(t, out.String(), "1 error(s), 1 warning(s)")
}

func TestLoadPolicies_InvalidCondition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: broken\n    condition: action ==\n"), 0o644))

	_, err := LoadPolicies(path)
	assert.ErrorContains(t, err, `policy "broken": invalid condition`)
}

func TestFormatTopology(t *testing.T) {
	hcl, err := formatTopology("topology.hcl", []byte("resource \"Network\" \"vpc\" {\nspec = {\nname = \"vpc\"\n}\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, "resource \"Network\" \"vpc\" {\n  spec = {\n    name = \"vpc\"\n  }\n}\n", string(hcl))

	yml, err := formatTopology("topology.yaml", []byte("resources:\n    vpc:\n        kind: Network # the network\n"))
	require.NoError(t, err)
	assert.Equal(t, "resources:\n  vpc:\n    kind: Network # the network\n", string(yml))

	_, err = formatTopology("topology.hcl", []byte("resource {"))
	assert.Error(t, err)
}

func TestConsoleLoop(t *testing.T) {
	snap := ir.NewSnapshot()
	snap.Serial = 4
	snap.Nodes = []*ir.ResourceNode{
		{ID: "vpc", Kind: ir.KindNetwork, Provider: "memory"},
		{ID: "search", Kind: ir.KindService, Provider: "memory"},
	}
	snap.IDMapping = map[string]string{"vpc": "vpc-1", "search": "svc-1"}
	env := consoleEnv(snap, map[string]any{"tls": true})

	in := strings.NewReader("ids[\"vpc\"]\nserial + 1\nfilter(nodes, .kind == \"Service\") | map(.id)\nvar.tls\nnope(\nexit\nserial\n")
	var out bytes.Buffer
	require.NoError(t, consoleLoop(in, &out, env))

	got := out.String()
	assert.Contains(t, got, `"vpc-1"`)
	assert.Contains(t, got, "5\n")
	assert.Contains(t, got, "\"search\"")
	assert.Contains(t, got, "true\n")
	assert.Contains(t, got, "Error:")
	assert.NotContains(t, got, "4\n", "input after exit is not evaluated")
}

func TestRenameNode(t *testing.T) {
	n := &ir.ResourceNode{
		ID:        "search",
		DependsOn: []string{"sg", "efs"},
		Spec: map[string]any{
			"securityGroups": []any{"ref://sg", "ref://other"},
			"nested":         map[string]any{"group": "ref://sg"},
		},
	}
	got := renameNode(n, "sg", "search-sg")

	assert.Equal(t, []string{"search-sg", "efs"}, got.DependsOn)
	assert.Equal(t, []any{"ref://search-sg", "ref://other"}, got.Spec["securityGroups"])
	assert.Equal(t, "ref://search-sg", got.Spec["nested"].(map[string]any)["group"])
	assert.Equal(t, []string{"sg", "efs"}, n.DependsOn, "the original node is untouched")
}

func TestCLI_EndToEnd(t *testing.T) {
	dir := newProject(t, memoryTopology)
	planFile := filepath.Join(dir, "plan.json")

	out, err := stackr(t, "validate", "-C", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 resource(s)")

	out, err = stackr(t, "plan", "-C", dir, "--out", planFile)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 to add")
	require.FileExists(t, planFile)

	out, err = stackr(t, "apply", "-C", dir, "--auto-approve", "--plan", planFile)
	require.NoError(t, err, out)

	out, err = stackr(t, "output", "-C", dir, "--json")
	require.NoError(t, err, out)
	var outputs map[string]string
	require.NoError(t, json.Unmarshal([]byte(out[strings.Index(out, "{"):]), &outputs))
	assert.Equal(t, "mem-network-1", outputs["vpc_id"])

	out, err = stackr(t, "taint", "-C", dir, "sg")
	require.NoError(t, err, out)

	out, err = stackr(t, "state", "mv", "-C", dir, "sg", "web-sg")
	require.NoError(t, err, out)

	out, err = stackr(t, "state", "list", "-C", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "web-sg (tainted)")
	assert.Contains(t, out, "mem-network-1")
	assert.NotContains(t, out, "\nsg ")

	_, err = stackr(t, "state", "rm", "-C", dir, "vpc")
	assert.ErrorContains(t, err, "web-sg still depend on it")

	out, err = stackr(t, "graph", "-C", dir, "--from-state")
	require.NoError(t, err, out)
	assert.Contains(t, out, "digraph")

	out, err = stackr(t, "destroy", "-C", dir, "--auto-approve")
	require.NoError(t, err, out)

	out, err = stackr(t, "state", "list", "-C", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "No resources in state.")

	audit, err := os.ReadFile(filepath.Join(dir, ".stackr", "audit.log"))
	require.NoError(t, err)
	for _, op := range []string{`"apply"`, `"taint"`, `"state.mv"`, `"destroy"`} {
		assert.Contains(t, string(audit), op)
	}
}

func TestCLI_StaleSavedPlan(t *testing.T) {
	dir := newProject(t, memoryTopology)
	planFile := filepath.Join(dir, "stale.json")

	out, err := stackr(t, "plan", "-C", dir, "--out", planFile)
	require.NoError(t, err, out)

	out, err = stackr(t, "apply", "-C", dir, "--auto-approve", "--plan", "")
	require.NoError(t, err, out)

	_, err = stackr(t, "apply", "-C", dir, "--auto-approve", "--plan", planFile)
	assert.ErrorContains(t, err, "stale")
}
