package eval

import (
	"context"
	"fmt"
	"net/url"

	"github.com/apple/pkl-go/pkl"
	"github.com/stackr-io/stackr/internal/ir"
)

// decodePKL evaluates a PKL module and renders it as JSON, which then takes
// the YAML/JSON path. Variable overrides are passed as external properties,
// readable in the module with read("prop:<name>").
func (e *Evaluator) decodePKL(ctx context.Context, path string, properties map[string]string) (*ir.Topology, error) {
	u, err := url.Parse("file://" + e.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){
		pkl.PreconfiguredOptions,
		func(o *pkl.EvaluatorOptions) {
			o.OutputFormat = "json"
		},
	}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := e.newPKLEvaluator(ctx, u, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	text, err := evaluator.EvaluateOutputText(ctx, pkl.FileSource(path))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	return decodeYAML([]byte(text), path)
}

// newPKLEvaluator uses a project evaluator when the directory holds a
// PklProject file and a plain one otherwise.
func (e *Evaluator) newPKLEvaluator(ctx context.Context, projectURL *url.URL, opts ...func(*pkl.EvaluatorOptions)) (pkl.Evaluator, error) {
	if fileExists(e.projectDir, "PklProject") {
		return pkl.NewProjectEvaluator(ctx, projectURL, opts...)
	}
	return pkl.NewEvaluator(ctx, opts...)
}
