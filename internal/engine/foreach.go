package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stackr-io/stackr/internal/ir"
)

// ExpandForEach expands nodes with Count or ForEach into one node per
// instance, named id[index] or id["key"]. A dependsOn entry naming an
// expanded node is rewritten to depend on all of its instances.
// This must run before the graph is built.
func ExpandForEach(nodes []*ir.ResourceNode) []*ir.ResourceNode {
	instances := make(map[string][]string)
	var expanded []*ir.ResourceNode

	for _, n := range nodes {
		switch {
		case n.Count > 0:
			for i := 0; i < n.Count; i++ {
				clone := cloneNode(n)
				clone.ID = fmt.Sprintf("%s[%d]", n.ID, i)
				clone.Spec = substituteIndex(clone.Spec, i)
				expanded = append(expanded, clone)
				instances[n.ID] = append(instances[n.ID], clone.ID)
			}
		case len(n.ForEach) > 0:
			keys := make([]string, 0, len(n.ForEach))
			for k := range n.ForEach {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				clone := cloneNode(n)
				clone.ID = fmt.Sprintf("%s[%q]", n.ID, key)
				clone.Spec = substituteEach(clone.Spec, key, n.ForEach[key])
				expanded = append(expanded, clone)
				instances[n.ID] = append(instances[n.ID], clone.ID)
			}
		default:
			expanded = append(expanded, n)
		}
	}

	if len(instances) == 0 {
		return expanded
	}
	for i, n := range expanded {
		var deps []string
		rewritten := false
		for _, dep := range n.DependsOn {
			if ids, ok := instances[dep]; ok {
				deps = append(deps, ids...)
				rewritten = true
				continue
			}
			deps = append(deps, dep)
		}
		if rewritten {
			c := *n
			c.DependsOn = deps
			expanded[i] = &c
		}
	}
	return expanded
}

func cloneNode(n *ir.ResourceNode) *ir.ResourceNode {
	clone := &ir.ResourceNode{
		ID:       n.ID,
		Kind:     n.Kind,
		Provider: n.Provider,
	}
	if n.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			PreventDestroy: n.Lifecycle.PreventDestroy,
			IgnoreChanges:  append([]string{}, n.Lifecycle.IgnoreChanges...),
		}
	}
	if len(n.DependsOn) > 0 {
		clone.DependsOn = append([]string{}, n.DependsOn...)
	}
	clone.Spec = deepCopyMap(n.Spec)
	return clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		clone := make([]any, len(val))
		for i, item := range val {
			clone[i] = deepCopyValue(item)
		}
		return clone
	default:
		return v
	}
}

func substituteIndex(spec map[string]any, index int) map[string]any {
	return substituteAll(spec, map[string]string{
		"${count.index}": fmt.Sprintf("%d", index),
	})
}

func substituteEach(spec map[string]any, key string, value any) map[string]any {
	return substituteAll(spec, map[string]string{
		"${each.key}":   key,
		"${each.value}": fmt.Sprintf("%v", value),
	})
}

func substituteAll(spec map[string]any, replacements map[string]string) map[string]any {
	if spec == nil {
		return nil
	}
	result := make(map[string]any, len(spec))
	for k, v := range spec {
		result[k] = substituteValue(v, replacements)
	}
	return result
}

func substituteValue(v any, replacements map[string]string) any {
	switch val := v.(type) {
	case string:
		result := val
		for old, newVal := range replacements {
			result = strings.ReplaceAll(result, old, newVal)
		}
		return result
	case map[string]any:
		return substituteAll(val, replacements)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = substituteValue(item, replacements)
		}
		return result
	default:
		return v
	}
}
