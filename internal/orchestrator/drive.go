package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/medialoom/pipeline/internal/artifacts"
	"github.com/medialoom/pipeline/internal/executor"
	"github.com/medialoom/pipeline/internal/metrics"
	"github.com/medialoom/pipeline/internal/registry"
	"github.com/medialoom/pipeline/internal/runstore"
	"github.com/medialoom/pipeline/pkg/types"
)

// drive is the per-run loop: advance one eligible stage at a time until
// the run completes, fails, or is cancelled. Runs in its own goroutine;
// all writes for this run funnel through here once Start has returned.
func (o *Orchestrator) drive(ctx context.Context, rctx *runContext, run *types.Run, resolution *registry.Resolution) {
	start := time.Now()
	tpl := resolution.Template

	// Accumulated payload: normalized config plus every finished
	// stage's output merged in.
	payload := make(map[string]any, len(resolution.Config))
	for k, v := range resolution.Config {
		payload[k] = v
	}

	tracker := newProgressTracker(tpl)
	var artifacts []types.Artifact
	var manifestURL string

	for {
		rctx.mu.Lock()
		if rctx.cancelled || ctx.Err() != nil {
			rctx.mu.Unlock()
			o.finalizeCancelled(run, "", start)
			return
		}
		if rctx.paused {
			resumeCh := rctx.resumeCh
			rctx.mu.Unlock()
			select {
			case <-resumeCh:
				continue
			case <-ctx.Done():
				continue // top of loop handles cancellation
			}
		}

		def := nextEligible(tpl, run)
		if def == nil {
			rctx.mu.Unlock()
			o.finalizeCompleted(run, artifacts, manifestURL, tracker, start)
			return
		}
		rctx.inFlight = def.ID
		rctx.mu.Unlock()

		stage := run.Stage(def.ID)
		output, err := o.runStage(ctx, run, def, stage, payload, tracker)

		rctx.mu.Lock()
		rctx.inFlight = ""
		rctx.mu.Unlock()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				o.finalizeCancelled(run, def.ID, start)
			} else {
				o.finalizeFailed(run, def.ID, err, start)
			}
			return
		}

		for k, v := range output {
			payload[k] = v
		}
		artifacts = append(artifacts, artifactsFrom(def, output)...)
		if url, ok := output["manifest_url"].(string); ok {
			manifestURL = url
		}
	}
}

// nextEligible picks the first idle stage whose predecessors have all
// succeeded. Returns nil when every stage is done.
func nextEligible(tpl *types.WorkflowTemplate, run *types.Run) *types.StageDefinition {
	for i := range tpl.Stages {
		def := &tpl.Stages[i]
		stage := run.Stage(def.ID)
		if stage == nil || stage.Status != types.StageStatusIdle {
			continue
		}
		ready := true
		for _, pred := range tpl.Predecessors(def.ID) {
			if p := run.Stage(pred); p == nil || p.Status != types.StageStatusSuccess {
				ready = false
				break
			}
		}
		if ready {
			return def
		}
	}
	return nil
}

// runStage executes one stage end to end: balance check, provider call
// via the executor, state persistence, and the post-success charge.
func (o *Orchestrator) runStage(ctx context.Context, run *types.Run, def *types.StageDefinition, stage *types.StageInstance, payload map[string]any, tracker *progressTracker) (map[string]any, error) {
	// Charges are settled only after success, but the balance is
	// consulted up front so a doomed stage never hits a provider.
	if def.Credits > 0 {
		if err := o.ledger.CheckSufficient(ctx, run.UserID, def.Credits); err != nil {
			return nil, err
		}
	}

	started := time.Now().UTC()
	stage.Status = types.StageStatusRunning
	stage.Progress = 0
	stage.StartedAt = &started
	stage.Input = cloneMap(payload)
	o.persistStage(ctx, run.ID, stage)
	o.emitProgress(ctx, run, stage, tracker)

	req := &executor.Request{
		RunID:   run.ID,
		StageID: def.ID,
		Kind:    def.Kind,
		Payload: payload,
	}

	onProgress := func(pct int) {
		if pct <= stage.Progress {
			return
		}
		stage.Progress = pct
		o.persistStage(ctx, run.ID, stage)
		o.emitProgress(ctx, run, stage, tracker)
	}

	result, err := o.exec.Execute(ctx, def, req, onProgress)
	finished := time.Now().UTC()
	stage.FinishedAt = &finished

	if err != nil {
		status := "error"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
			stage.Error = "cancelled by user"
		} else {
			stage.Error = err.Error()
		}
		stage.Status = types.StageStatusError
		o.persistStage(ctx, run.ID, stage)
		o.emitProgress(ctx, run, stage, tracker)

		metrics.StagesTotal.WithLabelValues(string(def.Kind), status).Inc()
		metrics.StageDuration.WithLabelValues(string(def.Kind), status).Observe(finished.Sub(started).Seconds())
		return nil, err
	}

	stage.Status = types.StageStatusSuccess
	stage.Progress = 100
	stage.Output = result.Output

	if def.Credits > 0 {
		receipt, chargeErr := o.ledger.Charge(ctx, run.UserID, run.ID, def.ID, def.Credits)
		if chargeErr != nil {
			// The artifact exists but the charge did not settle; fail
			// the run rather than hand out unbilled work.
			stage.Status = types.StageStatusError
			stage.Error = chargeErr.Error()
			o.persistStage(ctx, run.ID, stage)
			o.emitProgress(ctx, run, stage, tracker)
			metrics.StagesTotal.WithLabelValues(string(def.Kind), "error").Inc()
			return nil, chargeErr
		}
		stage.CreditsCharged = def.Credits
		run.CreditsConsumed, _ = o.store.AddCreditsConsumed(ctx, run.ID, def.Credits)
		metrics.CreditsChargedTotal.WithLabelValues(string(def.Kind)).Add(float64(def.Credits))
		o.logger.Info("stage charged",
			slog.String("run_id", run.ID),
			slog.String("stage_id", def.ID),
			slog.Int64("amount", def.Credits),
			slog.String("receipt_id", receipt.ID),
		)
	}

	o.persistStage(ctx, run.ID, stage)
	tracker.complete(def.ID)
	o.emitProgress(ctx, run, stage, tracker)

	metrics.StagesTotal.WithLabelValues(string(def.Kind), "success").Inc()
	metrics.StageDuration.WithLabelValues(string(def.Kind), "success").Observe(finished.Sub(started).Seconds())

	o.logger.Info("stage succeeded",
		slog.String("run_id", run.ID),
		slog.String("stage_id", def.ID),
		slog.Int("attempts", result.Attempts),
		slog.Duration("duration", result.Duration),
	)
	return result.Output, nil
}

func (o *Orchestrator) finalizeCompleted(run *types.Run, artifactList []types.Artifact, manifestURL string, tracker *progressTracker, start time.Time) {
	ctx := context.Background()

	result := &types.RunResult{Artifacts: artifactList, ManifestURL: manifestURL}
	if result.ManifestURL == "" {
		result.ManifestURL = o.publishManifest(ctx, run, result)
	}
	if err := o.store.SetResult(ctx, run.ID, result); err != nil {
		o.logger.Error("failed to persist run result", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	if err := o.store.UpdateRunProgress(ctx, run.ID, 100); err != nil {
		o.logger.Error("failed to persist final progress", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	o.notifier.RunStatus(ctx, run.ID, types.RunStatusCompleted, "")
	o.terminate(ctx, run, types.RunStatusCompleted, start)
}

func (o *Orchestrator) finalizeFailed(run *types.Run, stageID string, cause error, start time.Time) {
	ctx := context.Background()

	if err := o.store.SetRunError(ctx, run.ID, stageID, cause.Error()); err != nil {
		o.logger.Error("failed to persist run error", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	o.notifier.RunStatus(ctx, run.ID, types.RunStatusFailed, cause.Error())
	o.terminate(ctx, run, types.RunStatusFailed, start)
}

func (o *Orchestrator) finalizeCancelled(run *types.Run, stageID string, start time.Time) {
	ctx := context.Background()

	if stageID != "" {
		if err := o.store.SetRunError(ctx, run.ID, stageID, "cancelled by user"); err != nil {
			o.logger.Error("failed to persist cancellation", slog.String("run_id", run.ID), slog.Any("error", err))
		}
	}

	o.notifier.RunStatus(ctx, run.ID, types.RunStatusCancelled, "")
	o.terminate(ctx, run, types.RunStatusCancelled, start)
}

// terminate records the terminal status. Must run last: the store
// rejects writes and closes event subscribers once the run is terminal.
func (o *Orchestrator) terminate(ctx context.Context, run *types.Run, status types.RunStatus, start time.Time) {
	finishedAt := time.Now().UTC()
	if err := o.store.UpdateRunStatus(ctx, run.ID, status, nil, &finishedAt); err != nil {
		o.logger.Error("failed to persist terminal status",
			slog.String("run_id", run.ID),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(status), run.TemplateID).Observe(time.Since(start).Seconds())

	o.logger.Info("run finished",
		slog.String("run_id", run.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", time.Since(start)),
	)
}

func (o *Orchestrator) persistStage(ctx context.Context, runID string, stage *types.StageInstance) {
	if err := o.store.UpdateStage(ctx, runID, stage); err != nil {
		o.logger.Error("failed to persist stage state",
			slog.String("run_id", runID),
			slog.String("stage_id", stage.ID),
			slog.Any("error", err),
		)
	}
}

// emitProgress persists the weighted overall progress and publishes a
// progress event for the stage's current state.
func (o *Orchestrator) emitProgress(ctx context.Context, run *types.Run, stage *types.StageInstance, tracker *progressTracker) {
	overall := tracker.overall(stage.ID, stage.Progress)
	run.OverallProgress = overall
	if err := o.store.UpdateRunProgress(ctx, run.ID, overall); err != nil && !errors.Is(err, runstore.ErrRunTerminal) {
		o.logger.Warn("failed to persist overall progress", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	o.notifier.StageProgress(ctx, &types.ProgressEvent{
		RunID:           run.ID,
		StageID:         stage.ID,
		StageStatus:     stage.Status,
		StageProgress:   stage.Progress,
		OverallProgress: overall,
		Timestamp:       time.Now().UTC(),
	})
}

// publishManifest writes the run result to the artifact store and
// returns a download URL for it. Best-effort: a completed run without a
// manifest is still completed.
func (o *Orchestrator) publishManifest(ctx context.Context, run *types.Run, result *types.RunResult) string {
	if o.artifacts == nil {
		return ""
	}

	manifest, err := json.MarshalIndent(map[string]any{
		"run_id":      run.ID,
		"template_id": run.TemplateID,
		"artifacts":   result.Artifacts,
	}, "", "  ")
	if err != nil {
		return ""
	}

	key := artifacts.RunKey(run.ID, "output", "manifest.json")
	ref, err := o.artifacts.Put(ctx, key, bytes.NewReader(manifest), "application/json")
	if err != nil {
		o.logger.Warn("failed to store run manifest", slog.String("run_id", run.ID), slog.Any("error", err))
		return ""
	}

	url, err := o.artifacts.PresignGet(ctx, ref, 24*time.Hour)
	if err != nil {
		o.logger.Warn("failed to presign run manifest", slog.String("run_id", run.ID), slog.Any("error", err))
		return ref.URI
	}
	return url
}

// artifactsFrom extracts artifact references from a generation stage's
// output. The output stage aggregates these; intermediate references
// are recorded as they appear so a cancelled run still lists what it
// produced.
func artifactsFrom(def *types.StageDefinition, output map[string]any) []types.Artifact {
	var out []types.Artifact
	switch def.Kind {
	case types.StageKindImage:
		if url, ok := output["image_url"].(string); ok && url != "" {
			out = append(out, types.Artifact{StageID: def.ID, Kind: types.StageKindImage, URL: url, ContentType: "image/png"})
		}
	case types.StageKindVideo:
		if url, ok := output["video_url"].(string); ok && url != "" {
			out = append(out, types.Artifact{StageID: def.ID, Kind: types.StageKindVideo, URL: url, ContentType: "video/mp4"})
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
