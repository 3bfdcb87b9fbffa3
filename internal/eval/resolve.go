package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"
	"github.com/stackr-io/stackr/internal/engine"
	"github.com/stackr-io/stackr/internal/ir"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("kind", func(fl validator.FieldLevel) bool {
		_, err := ir.ParseKind(fl.Field().String())
		return err == nil
	})
	return v
}

// Resolve validates a decoded topology and turns it into resource nodes.
// Variables are the document defaults overlaid with overrides. Resources
// whose when condition is false are left out; a remaining resource that
// still depends on one of them is an error.
func Resolve(topo *ir.Topology, overrides map[string]any) (*Result, error) {
	if topo == nil {
		return nil, errors.New("empty topology")
	}
	if err := validateTopology(topo); err != nil {
		return nil, err
	}

	vars, err := normalizeMap(topo.Variables)
	if err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	if vars == nil {
		vars = make(map[string]any)
	}
	for k, v := range overrides {
		vars[k] = v
	}
	env := exprEnv(vars)

	res := &Result{
		DefaultProvider: topo.DefaultProvider,
		Variables:       vars,
	}
	skipped := make(map[string]string)

	for _, id := range sortedKeys(topo.Resources) {
		decl := topo.Resources[id]
		if decl.When != "" {
			keep, err := evalCondition(decl.When, env)
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", id, err)
			}
			if !keep {
				skipped[id] = decl.When
				res.Skipped = append(res.Skipped, id)
				continue
			}
		}

		node, err := buildNode(id, decl, topo.DefaultProvider, env)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", id, err)
		}
		res.Nodes = append(res.Nodes, node)
	}

	for _, n := range res.Nodes {
		for _, dep := range append(append([]string{}, n.DependsOn...), engine.ReferencedIDs(n.Spec)...) {
			if when, ok := skipped[baseID(dep)]; ok {
				return nil, fmt.Errorf("resource %q depends on %q, which is disabled by its when condition %q", n.ID, dep, when)
			}
		}
	}

	if len(topo.Outputs) > 0 {
		res.Outputs = make(map[string]string, len(topo.Outputs))
		for _, name := range sortedKeys(topo.Outputs) {
			v, err := interpolateString(topo.Outputs[name], env)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			res.Outputs[name] = fmt.Sprint(v)
		}
	}
	return res, nil
}

// buildNode resolves one declaration. The default provider is written into
// the node so that the snapshot records which adapter owns it.
func buildNode(id string, decl *ir.ResourceDecl, defaultProvider string, env map[string]any) (*ir.ResourceNode, error) {
	kind, err := ir.ParseKind(decl.Kind)
	if err != nil {
		return nil, err
	}

	providerName := decl.Provider
	if providerName == "" {
		providerName = defaultProvider
	}
	prov, err := interpolateString(providerName, env)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	spec, err := normalizeMap(decl.Spec)
	if err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}
	resolved, err := interpolate(spec, env)
	if err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}
	spec, _ = resolved.(map[string]any)

	forEach, err := normalizeMap(decl.ForEach)
	if err != nil {
		return nil, fmt.Errorf("forEach: %w", err)
	}

	node := &ir.ResourceNode{
		ID:       id,
		Kind:     kind,
		Provider: fmt.Sprint(prov),
		Spec:     spec,
		Count:    decl.Count,
		ForEach:  forEach,
	}
	if len(decl.DependsOn) > 0 {
		node.DependsOn = append([]string(nil), decl.DependsOn...)
	}
	if decl.Lifecycle != nil {
		lc := *decl.Lifecycle
		node.Lifecycle = &lc
	}
	return node, nil
}

func validateTopology(topo *ir.Topology) error {
	err := validate.Struct(topo)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid topology: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("invalid topology: %s", strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Topology.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must not be empty"
	case "kind":
		return fmt.Sprintf("%s: unknown resource kind %q", field, fe.Value())
	case "excludesall":
		return fmt.Sprintf("%s: id must not contain %q", field, fe.Param())
	case "excluded_with":
		return field + " cannot be combined with Count"
	case "gte":
		return field + " must not be negative"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// exprEnv exposes variables both by bare name and under var.
func exprEnv(vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		env[k] = v
	}
	env["var"] = vars
	return env
}

func evalCondition(source string, env map[string]any) (bool, error) {
	program, err := expr.Compile(source, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("invalid when condition %q: %w", source, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("when condition %q: %w", source, err)
	}
	return out.(bool), nil
}

// interpolate evaluates ${...} expressions in every string of v.
func interpolate(v any, env map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := interpolate(item, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interpolate(item, env)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// interpolateString replaces each ${expr} in s with its value. A string that
// is exactly one expression takes the expression's type. "$${" is a literal
// "${". count.* and each.* placeholders are left for instance expansion.
func interpolateString(s string, env map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var b strings.Builder
	rest := s
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			b.WriteString(rest)
			break
		}
		if i > 0 && rest[i-1] == '$' {
			b.WriteString(rest[:i-1])
			b.WriteString("${")
			rest = rest[i+2:]
			continue
		}
		b.WriteString(rest[:i])

		end := closingBrace(rest[i+2:])
		if end < 0 {
			return nil, fmt.Errorf("unterminated expression in %q", s)
		}
		source := strings.TrimSpace(rest[i+2 : i+2+end])
		token := rest[i : i+3+end]
		rest = rest[i+3+end:]

		if strings.HasPrefix(source, "count.") || strings.HasPrefix(source, "each.") {
			b.WriteString(token)
			continue
		}
		value, err := evalValue(source, env)
		if err != nil {
			return nil, err
		}
		if token == s {
			return normalizeValue(value)
		}
		b.WriteString(fmt.Sprint(value))
	}
	return b.String(), nil
}

func closingBrace(s string) int {
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

func evalValue(source string, env map[string]any) (any, error) {
	program, err := expr.Compile(source, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", source, err)
	}
	return out, nil
}

// baseID strips an instance suffix such as [0] or ["a"].
func baseID(id string) string {
	if i := strings.IndexByte(id, '['); i > 0 {
		return id[:i]
	}
	return id
}

// normalizeMap brings decoded values into the form the snapshot codec
// produces, so that YAML, HCL and a reloaded snapshot compare equal.
func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := normalizeValue(m)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
