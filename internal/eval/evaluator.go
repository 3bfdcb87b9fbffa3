// Package eval turns topology documents into resource nodes. Documents may be
// written in YAML, JSON, HCL or PKL; they all decode into ir.Topology and go
// through the same variable resolution and validation.
package eval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
)

// Format is the syntax of a topology document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
	FormatPKL  Format = "pkl"
)

// DefaultFiles are tried in order when no topology file is named.
var DefaultFiles = []string{"topology.yaml", "topology.yml", "topology.json", "topology.hcl", "topology.pkl"}

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".hcl":
		return FormatHCL, nil
	case ".pkl":
		return FormatPKL, nil
	default:
		return "", fmt.Errorf("unsupported topology file %s (want .yaml, .yml, .json, .hcl or .pkl)", path)
	}
}

// Result is a loaded topology: the nodes that survived their when
// conditions plus everything the engine needs alongside them.
type Result struct {
	Path            string
	DefaultProvider string
	Variables       map[string]any
	Nodes           []*ir.ResourceNode
	Outputs         map[string]string
	// Skipped lists nodes dropped by a false when condition.
	Skipped []string
}

// Evaluator loads topology documents relative to a project directory.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// Find returns the first default topology file present in the project
// directory.
func (e *Evaluator) Find() (string, error) {
	for _, name := range DefaultFiles {
		p := filepath.Join(e.projectDir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no topology file found in %s (looked for %s)", e.projectDir, strings.Join(DefaultFiles, ", "))
}

// Load reads and resolves the topology at path. overrides are variable
// values given on the command line; they replace the document's defaults.
func (e *Evaluator) Load(ctx context.Context, path string, overrides map[string]string) (*Result, error) {
	if path == "" {
		found, err := e.Find()
		if err != nil {
			return nil, err
		}
		path = found
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(e.projectDir, path)
	}

	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	vars, err := ParseVariables(overrides)
	if err != nil {
		return nil, err
	}

	var topo *ir.Topology
	switch format {
	case FormatPKL:
		topo, err = e.decodePKL(ctx, path, overrides)
	default:
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read topology: %w", readErr)
		}
		topo, err = Decode(data, format, path, vars)
	}
	if err != nil {
		return nil, err
	}

	res, err := Resolve(topo, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	res.Path = path
	logging.Debug("loaded topology", "path", path, "format", format, "nodes", len(res.Nodes), "skipped", len(res.Skipped))
	return res, nil
}

// Decode parses a YAML, JSON or HCL document. vars are the variable
// overrides HCL expressions can see as var.<name>.
func Decode(data []byte, format Format, filename string, vars map[string]any) (*ir.Topology, error) {
	switch format {
	case FormatYAML, FormatJSON:
		return decodeYAML(data, filename)
	case FormatHCL:
		return decodeHCL(data, filename, vars)
	default:
		return nil, fmt.Errorf("cannot decode %s documents from bytes", format)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
