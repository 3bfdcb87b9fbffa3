package eval

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// HCL documents look like:
//
//	default_provider = "aws"
//
//	variable "tls" {
//	  default = false
//	}
//
//	resource "SecurityGroup" "search-sg" {
//	  depends_on = ["vpc"]
//	  spec = {
//	    vpcId = "ref://vpc"
//	  }
//	}
//
//	output "vpc_id" {
//	  value = "ref://vpc"
//	}
//
// Expressions can read variables as var.<name>. HCL evaluates "${...}" itself,
// so count and for_each placeholders are written "$${count.index}".

type hclVariable struct {
	Name    string    `hcl:"name,label"`
	Default cty.Value `hcl:"default,optional"`
}

type hclVariables struct {
	Variables []*hclVariable `hcl:"variable,block"`
	Remain    hcl.Body       `hcl:",remain"`
}

type hclLifecycle struct {
	PreventDestroy bool     `hcl:"prevent_destroy,optional"`
	IgnoreChanges  []string `hcl:"ignore_changes,optional"`
}

type hclResource struct {
	Kind      string        `hcl:"kind,label"`
	ID        string        `hcl:"id,label"`
	Provider  string        `hcl:"provider,optional"`
	DependsOn []string      `hcl:"depends_on,optional"`
	When      string        `hcl:"when,optional"`
	Count     int           `hcl:"count,optional"`
	ForEach   cty.Value     `hcl:"for_each,optional"`
	Spec      cty.Value     `hcl:"spec,optional"`
	Lifecycle *hclLifecycle `hcl:"lifecycle,block"`
}

type hclOutput struct {
	Name  string `hcl:"name,label"`
	Value string `hcl:"value"`
}

type hclRoot struct {
	DefaultProvider string         `hcl:"default_provider,optional"`
	Resources       []*hclResource `hcl:"resource,block"`
	Outputs         []*hclOutput   `hcl:"output,block"`
}

func decodeHCL(data []byte, filename string, overrides map[string]any) (*ir.Topology, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	// Variables are decoded first so the rest of the body can refer to them.
	var head hclVariables
	if diags := gohcl.DecodeBody(file.Body, nil, &head); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode variables in %s: %w", filename, diags)
	}

	topo := &ir.Topology{
		Variables: make(map[string]any, len(head.Variables)),
		Resources: make(map[string]*ir.ResourceDecl),
	}
	ctyVars := make(map[string]cty.Value, len(head.Variables))
	for _, v := range head.Variables {
		if _, dup := topo.Variables[v.Name]; dup {
			return nil, fmt.Errorf("%s: variable %q declared twice", filename, v.Name)
		}
		native, err := ctyToNative(v.Default)
		if err != nil {
			return nil, fmt.Errorf("%s: variable %q: %w", filename, v.Name, err)
		}
		topo.Variables[v.Name] = native
		ctyVars[v.Name] = v.Default
	}
	for name, value := range overrides {
		cv, err := toCtyValue(value)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		ctyVars[name] = cv
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(ctyVars)},
	}

	var root hclRoot
	if diags := gohcl.DecodeBody(head.Remain, evalCtx, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	topo.DefaultProvider = root.DefaultProvider
	for _, r := range root.Resources {
		if _, dup := topo.Resources[r.ID]; dup {
			return nil, fmt.Errorf("%s: resource %q declared twice", filename, r.ID)
		}
		decl, err := r.decl()
		if err != nil {
			return nil, fmt.Errorf("%s: resource %q: %w", filename, r.ID, err)
		}
		topo.Resources[r.ID] = decl
	}
	if len(root.Outputs) > 0 {
		topo.Outputs = make(map[string]string, len(root.Outputs))
		for _, o := range root.Outputs {
			topo.Outputs[o.Name] = o.Value
		}
	}
	return topo, nil
}

func (r *hclResource) decl() (*ir.ResourceDecl, error) {
	decl := &ir.ResourceDecl{
		Kind:      r.Kind,
		Provider:  r.Provider,
		DependsOn: r.DependsOn,
		When:      r.When,
		Count:     r.Count,
	}
	if r.Lifecycle != nil {
		decl.Lifecycle = &ir.Lifecycle{
			PreventDestroy: r.Lifecycle.PreventDestroy,
			IgnoreChanges:  r.Lifecycle.IgnoreChanges,
		}
	}

	spec, err := ctyObject(r.Spec)
	if err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}
	decl.Spec = spec

	forEach, err := ctyObject(r.ForEach)
	if err != nil {
		return nil, fmt.Errorf("for_each: %w", err)
	}
	decl.ForEach = forEach
	return decl, nil
}

func ctyObject(v cty.Value) (map[string]any, error) {
	native, err := ctyToNative(v)
	if err != nil || native == nil {
		return nil, err
	}
	m, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %s", v.Type().FriendlyName())
	}
	return m, nil
}

// ctyToNative converts a cty value to plain Go values: strings, float64,
// bools, []any and map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("cannot convert number: %w", err)
		}
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
	}
}

// toCtyValue converts a normalized Go value back into cty.
func toCtyValue(v any) (cty.Value, error) {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(val), nil
	case bool:
		return cty.BoolVal(val), nil
	case float64:
		return cty.NumberFloatVal(val), nil
	case []any:
		if len(val) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(val))
		for i, item := range val {
			cv, err := toCtyValue(item)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = cv
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		if len(val) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(val))
		for k, item := range val {
			cv, err := toCtyValue(item)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	default:
		ty, err := gocty.ImpliedType(v)
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to infer type of %T: %w", v, err)
		}
		return gocty.ToCtyValue(v, ty)
	}
}
