package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/medialoom/pipeline/internal/metrics"
	"github.com/medialoom/pipeline/internal/registry"
	"github.com/medialoom/pipeline/pkg/types"
)

const (
	// timeoutMultiplier scales a stage's expected duration into its
	// hard deadline. Generation backends routinely overshoot their
	// estimates, so the deadline leaves headroom.
	timeoutMultiplier = 3

	// maxBackoff caps exponential retry backoff.
	maxBackoff = 60 * time.Second
)

// Result is the outcome of one stage execution.
type Result struct {
	Output   map[string]any
	Attempts int
	Duration time.Duration
}

// Executor runs stages with validation, timeout, and retry policy from
// the registry catalog.
type Executor struct {
	registry  *registry.Registry
	providers map[types.StageKind]Provider
	logger    *slog.Logger
}

// New creates an Executor over the given providers.
func New(reg *registry.Registry, providers []Provider, logger *slog.Logger) (*Executor, error) {
	byKind := make(map[types.StageKind]Provider, len(providers))
	for _, p := range providers {
		if _, dup := byKind[p.Kind()]; dup {
			return nil, fmt.Errorf("duplicate provider for kind %q", p.Kind())
		}
		byKind[p.Kind()] = p
	}
	return &Executor{
		registry:  reg,
		providers: byKind,
		logger:    logger,
	}, nil
}

// Execute runs one stage to completion: validates input, calls the
// provider under a deadline, retries transient failures per the stage
// definition, and validates the output. Blocks until the stage settles
// or ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, def *types.StageDefinition, req *Request, progress ProgressFunc) (*Result, error) {
	tracer := otel.Tracer("pipeline/executor")
	ctx, span := tracer.Start(ctx, "stage.execute")
	span.SetAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("stage.id", req.StageID),
		attribute.String("stage.kind", string(req.Kind)),
	)
	defer span.End()

	start := time.Now()

	provider, ok := e.providers[req.Kind]
	if !ok {
		err := Permanentf("no provider registered for kind %q", req.Kind)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if schema := e.registry.InputSchema(req.Kind); schema != nil {
		if err := schema.Validate(req.Payload); err != nil {
			span.SetStatus(codes.Error, "input validation failed")
			return nil, fmt.Errorf("%w: %v", ErrInvalidStageInput, err)
		}
	}

	timeout := def.ExpectedDuration * timeoutMultiplier
	var lastErr error

	for attempt := 0; attempt <= def.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(def.RetryBackoff, attempt-1)
			e.logger.Warn("retrying stage",
				slog.String("run_id", req.RunID),
				slog.String("stage_id", req.StageID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.Any("error", lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				span.SetStatus(codes.Error, "cancelled during backoff")
				return nil, ctx.Err()
			}
		}

		output, err := e.runAttempt(ctx, provider, req, timeout, progress)
		if err == nil {
			if schema := e.registry.OutputSchema(req.Kind); schema != nil {
				if verr := schema.Validate(output); verr != nil {
					err = fmt.Errorf("%w: %v", ErrInvalidStageOutput, verr)
					span.SetStatus(codes.Error, "output validation failed")
					metrics.StageRetries.WithLabelValues(string(req.Kind), "error").Observe(float64(attempt))
					return nil, err
				}
			}
			span.SetAttributes(attribute.Int("stage.attempts", attempt+1))
			metrics.StageRetries.WithLabelValues(string(req.Kind), "success").Observe(float64(attempt))
			return &Result{
				Output:   output,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}, nil
		}

		// The run was cancelled, not the attempt deadline.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	span.SetStatus(codes.Error, lastErr.Error())
	metrics.StageRetries.WithLabelValues(string(req.Kind), "error").Observe(float64(def.MaxRetries))
	return nil, lastErr
}

// runAttempt performs a single provider call under the stage deadline.
func (e *Executor) runAttempt(ctx context.Context, provider Provider, req *Request, timeout time.Duration, progress ProgressFunc) (map[string]any, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	clamped := func(pct int) {
		if progress == nil {
			return
		}
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		progress(pct)
	}

	output, err := provider.Generate(attemptCtx, req, clamped)
	if err != nil {
		// Map an attempt deadline to transient DeadlineExceeded even if
		// the provider surfaced it as a bare ctx error.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return output, nil
}

// backoffFor computes exponential backoff for the given retry ordinal,
// capped at maxBackoff.
func backoffFor(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	backoff := time.Duration(float64(base) * math.Pow(2, float64(retry)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
