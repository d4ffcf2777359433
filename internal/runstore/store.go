// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/medialoom/pipeline/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrStageNotFound = errors.New("stage not found")
	ErrRunTerminal   = errors.New("run is in a terminal state")
)

// RunStore defines the interface for run state persistence and event
// streaming. Implementations must be safe for concurrent use and must
// serialize writes per run: the run ID is the unit of isolation.
//
// A run in a terminal state is immutable; mutating calls against it
// return ErrRunTerminal.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	ListRuns(ctx context.Context, userID string) ([]*types.RunMeta, error)
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error
	UpdateRunProgress(ctx context.Context, runID string, overall int) error
	AddCreditsConsumed(ctx context.Context, runID string, amount int64) (int64, error)
	SetResult(ctx context.Context, runID string, result *types.RunResult) error
	SetRunError(ctx context.Context, runID string, stageID, message string) error

	// Stage state tracking
	UpdateStage(ctx context.Context, runID string, stage *types.StageInstance) error
	GetStage(ctx context.Context, runID, stageID string) (*types.StageInstance, error)

	// Event streaming
	// AppendEvent adds an event to the run's event stream and returns
	// the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID
	// (exclusive). If lastEventID is empty, returns all events from the
	// beginning.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release
	// resources. The channel is closed once the run reaches a terminal
	// state.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs (0 = no expiry)
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}
