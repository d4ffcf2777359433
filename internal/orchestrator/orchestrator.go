// Package orchestrator drives runs through their stages: one stage at a
// time, charging credits on success, reacting to pause, resume, and
// cancel, and finalizing the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medialoom/pipeline/internal/artifacts"
	"github.com/medialoom/pipeline/internal/credits"
	"github.com/medialoom/pipeline/internal/executor"
	"github.com/medialoom/pipeline/internal/metrics"
	"github.com/medialoom/pipeline/internal/notifier"
	"github.com/medialoom/pipeline/internal/registry"
	"github.com/medialoom/pipeline/internal/runstore"
	"github.com/medialoom/pipeline/pkg/types"
)

// ErrInvalidState is returned when a lifecycle operation is not
// permitted in the run's current state.
var ErrInvalidState = errors.New("operation not permitted in current run state")

// Orchestrator owns the run lifecycle. One drive loop goroutine per
// started run; the run ID is the unit of write isolation.
type Orchestrator struct {
	store     runstore.RunStore
	registry  *registry.Registry
	exec      *executor.Executor
	ledger    credits.Ledger
	notifier  notifier.Notifier
	artifacts artifacts.Store // optional; nil disables manifest publication
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*runContext
}

// runContext is the in-process control block for one started run.
type runContext struct {
	runID     string
	cancelRun context.CancelFunc

	mu        sync.Mutex
	paused    bool
	cancelled bool
	inFlight  string        // stage ID currently executing, empty between stages
	resumeCh  chan struct{} // closed by Resume; recreated on each Pause
}

// New creates an Orchestrator. artifactStore may be nil, in which case
// completed runs carry no manifest URL.
func New(store runstore.RunStore, reg *registry.Registry, exec *executor.Executor, ledger credits.Ledger, notif notifier.Notifier, artifactStore artifacts.Store, logger *slog.Logger) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		registry:  reg,
		exec:      exec,
		ledger:    ledger,
		notifier:  notif,
		artifacts: artifactStore,
		logger:    logger,
		baseCtx:   baseCtx,
		cancel:    cancel,
		runs:      make(map[string]*runContext),
	}
}

// CreateRun resolves the template against the user config and persists
// a fresh idle run with all stages idle.
func (o *Orchestrator) CreateRun(ctx context.Context, userID, templateID string, config map[string]any) (*types.Run, error) {
	resolution, err := o.registry.Resolve(templateID, config)
	if err != nil {
		return nil, err
	}
	return o.createResolved(ctx, userID, resolution)
}

func (o *Orchestrator) createResolved(ctx context.Context, userID string, resolution *registry.Resolution) (*types.Run, error) {
	stages := make([]*types.StageInstance, 0, len(resolution.Template.Stages))
	for _, def := range resolution.Template.Stages {
		stages = append(stages, &types.StageInstance{
			ID:       def.ID,
			Kind:     def.Kind,
			Position: def.Position,
			Status:   types.StageStatusIdle,
		})
	}

	run := &types.Run{
		ID:               uuid.New().String(),
		UserID:           userID,
		TemplateID:       resolution.Template.ID,
		Status:           types.RunStatusIdle,
		Stages:           stages,
		Config:           resolution.Config,
		CreditsEstimated: resolution.Template.TotalCredits(),
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	o.logger.Info("run created",
		slog.String("run_id", run.ID),
		slog.String("user_id", userID),
		slog.String("template_id", run.TemplateID),
		slog.Int64("credits_estimated", run.CreditsEstimated),
	)
	return run, nil
}

// Start transitions an idle run to running and launches its drive
// loop. The whole-template estimate must be covered by the user's
// balance or the run never leaves idle.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunStatusIdle {
		return fmt.Errorf("%w: cannot start run in state %q", ErrInvalidState, run.Status)
	}

	resolution, err := o.registry.Resolve(run.TemplateID, run.Config)
	if err != nil {
		return fmt.Errorf("re-resolve template: %w", err)
	}

	if err := o.ledger.CheckSufficient(ctx, run.UserID, run.CreditsEstimated); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(o.baseCtx)
	rctx := &runContext{runID: runID, cancelRun: cancelRun}

	o.mu.Lock()
	if _, exists := o.runs[runID]; exists {
		o.mu.Unlock()
		cancelRun()
		return fmt.Errorf("%w: run already started", ErrInvalidState)
	}
	o.runs[runID] = rctx
	o.mu.Unlock()

	startedAt := time.Now().UTC()
	if err := o.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &startedAt, nil); err != nil {
		o.release(runID)
		cancelRun()
		return err
	}

	o.notifier.RunStatus(ctx, runID, types.RunStatusRunning, "")
	metrics.RunsActive.Inc()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer metrics.RunsActive.Dec()
		defer o.release(runID)
		o.drive(runCtx, rctx, run, resolution)
	}()

	return nil
}

// Pause gates the drive loop at the next stage boundary. Rejected while
// a stage is in flight; the in-flight call is never interrupted by a
// pause.
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	rctx, err := o.active(ctx, runID)
	if err != nil {
		return err
	}

	rctx.mu.Lock()
	defer rctx.mu.Unlock()

	if rctx.cancelled || rctx.paused {
		return fmt.Errorf("%w: run is not running", ErrInvalidState)
	}
	if rctx.inFlight != "" {
		return fmt.Errorf("%w: stage %q is in flight", ErrInvalidState, rctx.inFlight)
	}

	rctx.paused = true
	rctx.resumeCh = make(chan struct{})

	if err := o.store.UpdateRunStatus(ctx, runID, types.RunStatusPaused, nil, nil); err != nil {
		rctx.paused = false
		rctx.resumeCh = nil
		return err
	}
	o.notifier.RunStatus(ctx, runID, types.RunStatusPaused, "")
	return nil
}

// Resume continues a paused run. Calling it on a run that is not
// paused is an error, not a duplicate stage execution.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	rctx, err := o.active(ctx, runID)
	if err != nil {
		return err
	}

	rctx.mu.Lock()
	defer rctx.mu.Unlock()

	if !rctx.paused || rctx.cancelled {
		return fmt.Errorf("%w: run is not paused", ErrInvalidState)
	}

	rctx.paused = false
	close(rctx.resumeCh)
	rctx.resumeCh = nil

	if err := o.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, nil, nil); err != nil {
		return err
	}
	o.notifier.RunStatus(ctx, runID, types.RunStatusRunning, "")
	return nil
}

// Cancel aborts a running or paused run. The in-flight stage call, if
// any, is cancelled cooperatively; the drive loop finalizes the run.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	rctx, err := o.active(ctx, runID)
	if err != nil {
		return err
	}

	rctx.mu.Lock()
	if rctx.cancelled {
		rctx.mu.Unlock()
		return fmt.Errorf("%w: run already cancelled", ErrInvalidState)
	}
	rctx.cancelled = true
	rctx.mu.Unlock()

	rctx.cancelRun()
	return nil
}

// Reset clones a terminal run into a fresh idle run from the same
// template and config. The old run is left untouched.
func (o *Orchestrator) Reset(ctx context.Context, runID string) (*types.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, fmt.Errorf("%w: reset requires a terminal run, got %q", ErrInvalidState, run.Status)
	}

	resolution, err := o.registry.Resolve(run.TemplateID, run.Config)
	if err != nil {
		return nil, fmt.Errorf("re-resolve template: %w", err)
	}
	return o.createResolved(ctx, run.UserID, resolution)
}

// Estimate resolves a template and config without creating a run.
func (o *Orchestrator) Estimate(templateID string, config map[string]any) (*registry.Resolution, error) {
	return o.registry.Resolve(templateID, config)
}

// Shutdown cancels all drive loops and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// active looks up the control block of a started, non-terminal run.
func (o *Orchestrator) active(ctx context.Context, runID string) (*runContext, error) {
	o.mu.Lock()
	rctx, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		return rctx, nil
	}

	// Distinguish "no such run" from "run not in a controllable state".
	meta, err := o.store.GetRunMeta(ctx, runID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: run is %q", ErrInvalidState, meta.Status)
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}
