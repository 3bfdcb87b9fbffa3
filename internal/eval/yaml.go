package eval

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/stackr-io/stackr/internal/ir"
	"gopkg.in/yaml.v3"
)

// decodeYAML reads YAML and JSON alike; JSON documents are valid YAML.
// Unknown top-level or resource fields are rejected.
func decodeYAML(data []byte, filename string) (*ir.Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var topo ir.Topology
	if err := dec.Decode(&topo); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty topology", filename)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return &topo, nil
}

// ParseVariables converts command-line values into typed variables:
// "true" is a bool, "3" a number, "[a, b]" a list, anything else a string.
func ParseVariables(raw map[string]string) (map[string]any, error) {
	vars := make(map[string]any, len(raw))
	for name, s := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
			vars[name] = s
			continue
		}
		vars[name] = v
	}
	return normalizeMap(vars)
}
