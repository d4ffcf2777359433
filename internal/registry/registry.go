// Package registry provides the static stage catalog and workflow
// template resolution for the pipeline service.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/medialoom/pipeline/pkg/types"
)

// kindSpec is the static catalog entry for one stage kind: duration
// estimate, retry policy, schemas, and the credit-cost formula.
type kindSpec struct {
	expectedDuration time.Duration
	maxRetries       int
	retryBackoff     time.Duration
	cost             func(cfg map[string]any) int64
	inputSchema      *jsonschema.Schema
	outputSchema     *jsonschema.Schema
}

// Registry holds the compiled stage catalog and template definitions.
type Registry struct {
	kinds     map[types.StageKind]*kindSpec
	templates map[string]*templateSpec
}

// New compiles the embedded schemas and builds the catalog.
func New() (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	compile := func(id, src string) (*jsonschema.Schema, error) {
		if err := compiler.AddResource(id, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", id, err)
		}
		schema, err := compiler.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", id, err)
		}
		return schema, nil
	}

	type stageSchemas struct {
		kind    types.StageKind
		in, out string
	}
	sources := []stageSchemas{
		{types.StageKindPrompt, promptInputSchemaJSON, promptOutputSchemaJSON},
		{types.StageKindEnhance, enhanceInputSchemaJSON, enhanceOutputSchemaJSON},
		{types.StageKindImage, imageInputSchemaJSON, imageOutputSchemaJSON},
		{types.StageKindVideo, videoInputSchemaJSON, videoOutputSchemaJSON},
		{types.StageKindOutput, outputInputSchemaJSON, outputOutputSchemaJSON},
	}

	r := &Registry{
		kinds:     make(map[types.StageKind]*kindSpec),
		templates: make(map[string]*templateSpec),
	}

	for _, src := range sources {
		in, err := compile(fmt.Sprintf("stage/%s/input.json", src.kind), src.in)
		if err != nil {
			return nil, err
		}
		out, err := compile(fmt.Sprintf("stage/%s/output.json", src.kind), src.out)
		if err != nil {
			return nil, err
		}
		spec := catalog[src.kind]
		spec.inputSchema = in
		spec.outputSchema = out
		r.kinds[src.kind] = spec
	}

	for _, tpl := range builtinTemplates {
		schema, err := compile(fmt.Sprintf("template/%s/config.json", tpl.id), tpl.configSchemaJSON)
		if err != nil {
			return nil, err
		}
		tpl.configSchema = schema
		r.templates[tpl.id] = tpl
	}

	return r, nil
}

// catalog defines the per-kind cost formulas, duration estimates, and
// retry policy. Prompt capture and output finalization are free and not
// retried; generation stages retry transient failures twice.
var catalog = map[types.StageKind]*kindSpec{
	types.StageKindPrompt: {
		expectedDuration: 2 * time.Second,
		cost:             func(map[string]any) int64 { return 0 },
	},
	types.StageKindEnhance: {
		expectedDuration: 10 * time.Second,
		maxRetries:       2,
		retryBackoff:     2 * time.Second,
		cost:             func(map[string]any) int64 { return 1 },
	},
	types.StageKindImage: {
		expectedDuration: 30 * time.Second,
		maxRetries:       2,
		retryBackoff:     2 * time.Second,
		cost: func(cfg map[string]any) int64 {
			return 4 * resolutionMultiplier(cfg)
		},
	},
	types.StageKindVideo: {
		expectedDuration: 2 * time.Minute,
		maxRetries:       2,
		retryBackoff:     5 * time.Second,
		cost: func(cfg map[string]any) int64 {
			return 2 * durationSeconds(cfg) * resolutionMultiplier(cfg)
		},
	},
	types.StageKindOutput: {
		expectedDuration: 5 * time.Second,
		cost:             func(map[string]any) int64 { return 0 },
	},
}

func resolutionMultiplier(cfg map[string]any) int64 {
	res, _ := cfg["resolution"].(string)
	switch res {
	case "512x512":
		return 1
	case "1920x1080":
		return 4
	default:
		return 2 // 1024x1024
	}
}

func durationSeconds(cfg map[string]any) int64 {
	switch v := cfg["duration_seconds"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return defaultVideoSeconds
	}
}

// InputSchema returns the compiled input schema for a stage kind.
func (r *Registry) InputSchema(kind types.StageKind) *jsonschema.Schema {
	if spec, ok := r.kinds[kind]; ok {
		return spec.inputSchema
	}
	return nil
}

// OutputSchema returns the compiled output schema for a stage kind.
func (r *Registry) OutputSchema(kind types.StageKind) *jsonschema.Schema {
	if spec, ok := r.kinds[kind]; ok {
		return spec.outputSchema
	}
	return nil
}

// ExpectedDuration returns the duration estimate for a stage kind.
func (r *Registry) ExpectedDuration(kind types.StageKind) time.Duration {
	if spec, ok := r.kinds[kind]; ok {
		return spec.expectedDuration
	}
	return 0
}
