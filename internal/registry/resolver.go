package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/medialoom/pipeline/pkg/types"
)

// ErrUnknownTemplate is returned when the requested template ID does
// not exist in the catalog.
var ErrUnknownTemplate = errors.New("unknown workflow template")

// ConfigError describes one offending field of a workflow configuration.
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every config problem found during resolution,
// collected rather than short-circuited so a client can show all of
// them at once.
type ValidationError struct {
	Errors []ConfigError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ce := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", ce.Field, ce.Message))
	}
	return "invalid workflow config: " + strings.Join(msgs, "; ")
}

// Resolution is the outcome of resolving a template against a user
// config: the stage chain with per-stage costs resolved, plus the
// normalized config with defaults applied.
type Resolution struct {
	Template *types.WorkflowTemplate
	Config   map[string]any
}

// Resolve validates the user config against the template's schema and
// produces the ordered stage definitions with resolved credit costs.
func (r *Registry) Resolve(templateID string, config map[string]any) (*Resolution, error) {
	tpl, ok := r.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}

	if config == nil {
		config = map[string]any{}
	}
	if err := tpl.configSchema.Validate(config); err != nil {
		return nil, &ValidationError{Errors: collectConfigErrors(err)}
	}

	// Apply defaults onto a copy; the caller's map is not mutated.
	normalized := make(map[string]any, len(config)+2)
	for k, v := range config {
		normalized[k] = v
	}
	if tpl.hasKind(types.StageKindImage) {
		if _, ok := normalized["resolution"]; !ok {
			normalized["resolution"] = defaultResolution
		}
	}
	if tpl.hasKind(types.StageKindVideo) {
		if _, ok := normalized["duration_seconds"]; !ok {
			normalized["duration_seconds"] = defaultVideoSeconds
		}
	}

	stages := make([]types.StageDefinition, 0, len(tpl.stageKinds))
	edges := make([]types.Edge, 0, len(tpl.stageKinds)-1)
	for i, kind := range tpl.stageKinds {
		spec := r.kinds[kind]
		stages = append(stages, types.StageDefinition{
			ID:               string(kind),
			Kind:             kind,
			Position:         i,
			ExpectedDuration: spec.expectedDuration,
			MaxRetries:       spec.maxRetries,
			RetryBackoff:     spec.retryBackoff,
			Credits:          spec.cost(normalized),
		})
		if i > 0 {
			edges = append(edges, types.Edge{
				From: string(tpl.stageKinds[i-1]),
				To:   string(kind),
			})
		}
	}

	return &Resolution{
		Template: &types.WorkflowTemplate{
			ID:     tpl.id,
			Name:   tpl.name,
			Stages: stages,
			Edges:  edges,
		},
		Config: normalized,
	}, nil
}

// collectConfigErrors flattens a jsonschema validation error tree into
// field-level errors.
func collectConfigErrors(err error) []ConfigError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ConfigError{{Field: "$", Message: err.Error()}}
	}
	return flattenValidationError(verr)
}

func flattenValidationError(verr *jsonschema.ValidationError) []ConfigError {
	var errs []ConfigError

	// Leaf causes carry the specific failures; the root repeats them in
	// aggregate form.
	if len(verr.Causes) == 0 {
		field := verr.InstanceLocation
		if field == "" {
			field = "$"
		}
		errs = append(errs, ConfigError{Field: field, Message: verr.Message})
		return errs
	}

	for _, cause := range verr.Causes {
		errs = append(errs, flattenValidationError(cause)...)
	}
	return errs
}
