package engine

import (
	"fmt"
	"sort"
	"strings"
)

// RefScheme prefixes a spec value that refers to another node. At apply time
// the value is replaced with that node's externalId.
const RefScheme = "ref://"

// extractRefs returns every ref:// string found in v.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, RefScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, item := range val {
			refs = append(refs, extractRefs(item)...)
		}
	case map[any]any:
		for _, item := range val {
			refs = append(refs, extractRefs(item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, extractRefs(item)...)
		}
	case []string:
		for _, item := range val {
			refs = append(refs, extractRefs(item)...)
		}
	}
	sort.Strings(refs)
	return refs
}

// refID returns the node id named by a ref:// string.
func refID(ref string) string {
	if !strings.HasPrefix(ref, RefScheme) {
		return ""
	}
	return strings.TrimPrefix(ref, RefScheme)
}

// ReferencedIDs returns the ids of every node v refers to, sorted and
// without duplicates.
func ReferencedIDs(v any) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, ref := range extractRefs(v) {
		id := refID(ref)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// resolveRefs returns a copy of spec with every ref:// value replaced by the
// externalId lookup returns for it.
func resolveRefs(spec map[string]any, lookup func(id string) (string, bool)) (map[string]any, error) {
	if spec == nil {
		return nil, nil
	}
	out, err := resolveValue(spec, lookup)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(v any, lookup func(id string) (string, bool)) (any, error) {
	switch val := v.(type) {
	case string:
		id := refID(val)
		if id == "" {
			return val, nil
		}
		ext, ok := lookup(id)
		if !ok || ext == "" {
			return nil, fmt.Errorf("unresolved reference %s: resource has no external id", val)
		}
		return ext, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, lookup)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, lookup)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, lookup)
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
