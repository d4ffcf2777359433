// Package executor runs individual pipeline stages against generation
// providers, applying schema validation, timeouts, and retry policy.
package executor

import (
	"context"

	"github.com/medialoom/pipeline/pkg/types"
)

// Request carries everything a provider needs to run one stage.
type Request struct {
	RunID   string
	StageID string
	Kind    types.StageKind

	// Payload is the accumulated stage input: the normalized run config
	// merged with the outputs of all preceding stages.
	Payload map[string]any
}

// ProgressFunc reports in-stage progress in the range [0, 100].
// Providers call it best-effort; the executor clamps and forwards.
type ProgressFunc func(percent int)

// Provider executes one stage kind against a generation backend.
// Implementations must respect ctx cancellation and should report
// progress when the backend exposes it.
type Provider interface {
	// Kind returns the stage kind this provider serves.
	Kind() types.StageKind

	// Generate runs the stage and returns its output payload. Errors
	// should be wrapped with Transient or Permanent so the executor can
	// decide whether to retry.
	Generate(ctx context.Context, req *Request, progress ProgressFunc) (map[string]any, error)
}
