// Package notifier publishes run and stage lifecycle events.
package notifier

import (
	"context"
	"log/slog"

	"github.com/medialoom/pipeline/internal/metrics"
	"github.com/medialoom/pipeline/internal/runstore"
	"github.com/medialoom/pipeline/pkg/types"
)

// Notifier publishes progress and status events for a run. Delivery is
// at-least-once and best-effort: a failed publish is logged, never
// surfaced to the caller, so event trouble cannot fail a run.
type Notifier interface {
	RunStatus(ctx context.Context, runID string, status types.RunStatus, message string)
	StageProgress(ctx context.Context, event *types.ProgressEvent)
}

// StoreNotifier appends events to the run's event stream in the
// RunStore, where SSE subscribers pick them up.
type StoreNotifier struct {
	store  runstore.RunStore
	logger *slog.Logger
}

// NewStoreNotifier creates a Notifier backed by the given store.
func NewStoreNotifier(store runstore.RunStore, logger *slog.Logger) *StoreNotifier {
	return &StoreNotifier{store: store, logger: logger}
}

func (n *StoreNotifier) RunStatus(ctx context.Context, runID string, status types.RunStatus, message string) {
	n.append(ctx, runID, &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: &types.RunStatusEvent{Status: status, Message: message},
	})
}

func (n *StoreNotifier) StageProgress(ctx context.Context, event *types.ProgressEvent) {
	eventType := types.EventTypeProgress
	if event.StageProgress == 0 || event.StageProgress == 100 {
		// Boundary transitions double as stage status changes.
		eventType = types.EventTypeStageStatus
	}
	n.append(ctx, event.RunID, &types.EventInput{
		Type:    eventType,
		StageID: event.StageID,
		Data:    event,
	})
}

func (n *StoreNotifier) append(ctx context.Context, runID string, input *types.EventInput) {
	if _, err := n.store.AppendEvent(ctx, runID, input); err != nil {
		n.logger.Warn("failed to append event",
			slog.String("run_id", runID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err),
		)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}

var _ Notifier = (*StoreNotifier)(nil)
