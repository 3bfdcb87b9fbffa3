package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/ir"
	"gopkg.in/yaml.v3"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy-check <plan-file>",
	Short: "Check a saved plan against policy rules",
	Long: `Evaluates a saved plan against the rules of a policy file (YAML or JSON).

Each rule has a condition that is evaluated for every step of the plan.
A step for which the condition is true violates the rule. Conditions can
use action, kind, id, provider, replace, spec and before:

  rules:
    - name: keep-volumes
      description: Shared storage is never deleted
      condition: action == "Delete" && kind == "Volume"
    - name: tagged
      severity: warning
      condition: action == "Create" && kind == "Network" && spec.tags == nil`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCmd.Flags().StringVarP(&policyFile, "policy", "p", ".stackr/policies.yaml", "Path to policy file")
}

// PolicyFile is a collection of policy rules.
type PolicyFile struct {
	Rules []PolicyRule `json:"rules" yaml:"rules"`
}

// PolicyRule flags every plan step for which Condition is true.
type PolicyRule struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Condition   string `json:"condition" yaml:"condition"`
	Severity    string `json:"severity" yaml:"severity"` // "error" (default) or "warning"

	program *vm.Program
}

type PolicyViolation struct {
	Rule    *PolicyRule
	ID      string
	Message string
}

func (v *PolicyViolation) IsError() bool {
	return v.Rule.Severity == "" || strings.EqualFold(v.Rule.Severity, "error")
}

// LoadPolicies reads and compiles a policy file.
func LoadPolicies(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var policies PolicyFile
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	for i := range policies.Rules {
		rule := &policies.Rules[i]
		if rule.Condition == "" {
			return nil, fmt.Errorf("policy %q has no condition", rule.Name)
		}
		program, err := expr.Compile(rule.Condition, expr.Env(policyEnv(&ir.PlanStep{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("policy %q: invalid condition: %w", rule.Name, err)
		}
		rule.program = program
	}
	return &policies, nil
}

func policyEnv(step *ir.PlanStep) map[string]any {
	env := map[string]any{
		"action":   string(step.Action),
		"kind":     string(step.Kind()),
		"id":       step.ID(),
		"provider": step.ProviderName(),
		"replace":  step.Replace,
		"spec":     map[string]any{},
		"before":   map[string]any{},
	}
	if step.Node != nil && step.Node.Spec != nil {
		env["spec"] = step.Node.Spec
	}
	if step.Prior != nil && step.Prior.Spec != nil {
		env["before"] = step.Prior.Spec
	}
	return env
}

// Evaluate returns the violations of every rule over the plan's steps.
func (p *PolicyFile) Evaluate(plan *ir.Plan) ([]PolicyViolation, error) {
	var violations []PolicyViolation
	for i := range p.Rules {
		rule := &p.Rules[i]
		for _, step := range plan.Steps {
			if step.Action == ir.ActionNoOp {
				continue
			}
			out, err := expr.Run(rule.program, policyEnv(step))
			if err != nil {
				return nil, fmt.Errorf("policy %q on %s: %w", rule.Name, step.ID(), err)
			}
			if out.(bool) {
				msg := fmt.Sprintf("%s %s %s violates policy", step.Action, step.Kind(), step.ID())
				if rule.Description != "" {
					msg += ": " + rule.Description
				}
				violations = append(violations, PolicyViolation{Rule: rule, ID: step.ID(), Message: msg})
			}
		}
	}
	return violations, nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	plan, err := readPlan(args[0])
	if err != nil {
		return err
	}
	return checkPolicyFile(cmd.OutOrStdout(), plan, policyFile)
}

// checkPolicyFile reports violations and fails when any has error severity.
func checkPolicyFile(w io.Writer, plan *ir.Plan, path string) error {
	policies, err := LoadPolicies(path)
	if err != nil {
		return err
	}
	violations, err := policies.Evaluate(plan)
	if err != nil {
		return err
	}

	errs, warnings := 0, 0
	for _, v := range violations {
		if v.IsError() {
			errs++
			fmt.Fprintf(w, "%s[ERROR]%s %s: %s\n", colorize(colorRed), colorize(colorReset), v.Rule.Name, v.Message)
		} else {
			warnings++
			fmt.Fprintf(w, "%s[WARN]%s %s: %s\n", colorize(colorYellow), colorize(colorReset), v.Rule.Name, v.Message)
		}
	}
	fmt.Fprintf(w, "\nPolicy check complete: %d error(s), %d warning(s)\n", errs, warnings)

	if errs > 0 {
		return fmt.Errorf("policy check failed with %d error(s)", errs)
	}
	return nil
}
