package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medialoom/pipeline/pkg/types"
)

// memoryRun holds all state for a single run in memory. Its mutex is
// the per-run write serialization point.
type memoryRun struct {
	mu          sync.RWMutex
	run         *types.Run
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) get(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}

	now := time.Now().UTC()
	stored := cloneRun(run)
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.runs[run.ID] = &memoryRun{
		run:         stored,
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return cloneRun(mr.run), nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return metaOf(mr.run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, userID string) ([]*types.RunMeta, error) {
	s.mu.RLock()
	runs := make([]*memoryRun, 0, len(s.runs))
	for _, mr := range s.runs {
		runs = append(runs, mr)
	}
	s.mu.RUnlock()

	metas := make([]*types.RunMeta, 0, len(runs))
	for _, mr := range runs {
		mr.mu.RLock()
		if userID == "" || mr.run.UserID == userID {
			metas = append(metas, metaOf(mr.run))
		}
		mr.mu.RUnlock()
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// mutate runs fn under the run's write lock, rejecting writes against
// terminal runs.
func (s *MemoryStore) mutate(runID string, fn func(run *types.Run) error) error {
	mr, err := s.get(runID)
	if err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if mr.run.Status.Terminal() {
		return ErrRunTerminal
	}
	if err := fn(mr.run); err != nil {
		return err
	}
	mr.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error {
	err := s.mutate(runID, func(run *types.Run) error {
		run.Status = status
		if startedAt != nil {
			run.StartedAt = startedAt
		}
		if finishedAt != nil {
			run.FinishedAt = finishedAt
		}
		return nil
	})
	if err != nil {
		return err
	}

	// A terminal transition ends the event stream for subscribers.
	if status.Terminal() {
		s.closeSubscribers(runID)
	}
	return nil
}

func (s *MemoryStore) UpdateRunProgress(ctx context.Context, runID string, overall int) error {
	return s.mutate(runID, func(run *types.Run) error {
		run.OverallProgress = overall
		return nil
	})
}

func (s *MemoryStore) AddCreditsConsumed(ctx context.Context, runID string, amount int64) (int64, error) {
	var total int64
	err := s.mutate(runID, func(run *types.Run) error {
		run.CreditsConsumed += amount
		total = run.CreditsConsumed
		return nil
	})
	return total, err
}

func (s *MemoryStore) SetResult(ctx context.Context, runID string, result *types.RunResult) error {
	return s.mutate(runID, func(run *types.Run) error {
		run.Result = result
		return nil
	})
}

func (s *MemoryStore) SetRunError(ctx context.Context, runID string, stageID, message string) error {
	return s.mutate(runID, func(run *types.Run) error {
		run.Error = &types.RunError{StageID: stageID, Message: message}
		return nil
	})
}

func (s *MemoryStore) UpdateStage(ctx context.Context, runID string, stage *types.StageInstance) error {
	return s.mutate(runID, func(run *types.Run) error {
		for i, existing := range run.Stages {
			if existing.ID == stage.ID {
				run.Stages[i] = cloneStage(stage)
				return nil
			}
		}
		return fmt.Errorf("%w: %s in run %s", ErrStageNotFound, stage.ID, runID)
	})
}

func (s *MemoryStore) GetStage(ctx context.Context, runID, stageID string) (*types.StageInstance, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	for _, stage := range mr.run.Stages {
		if stage.ID == stageID {
			return cloneStage(stage), nil
		}
	}
	return nil, fmt.Errorf("%w: %s in run %s", ErrStageNotFound, stageID, runID)
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	mr.mu.Lock()

	eventID := fmt.Sprintf("%d", mr.nextSeq)
	mr.nextSeq++

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		mr.mu.Unlock()
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		StageID:   input.StageID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}

	// Ring buffer
	if int64(len(mr.events)) >= mr.maxEvents {
		mr.events = mr.events[1:]
	}
	mr.events = append(mr.events, event)

	// Copy subscribers to notify outside the lock
	subs := make([]chan *types.Event, 0, len(mr.subscribers))
	for ch := range mr.subscribers {
		subs = append(subs, ch)
	}
	mr.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	if lastEventID == "" {
		result := make([]*types.Event, len(mr.events))
		copy(result, mr.events)
		return result, nil
	}

	var result []*types.Event
	found := false
	for _, evt := range mr.events {
		if found {
			result = append(result, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	mr.mu.Lock()
	if mr.run.Status.Terminal() {
		mr.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	mr.subscribers[ch] = struct{}{}
	mr.mu.Unlock()

	cleanup := func() {
		mr.mu.Lock()
		delete(mr.subscribers, ch)
		mr.mu.Unlock()
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) closeSubscribers(runID string) {
	mr, err := s.get(runID)
	if err != nil {
		return
	}

	mr.mu.Lock()
	subs := mr.subscribers
	mr.subscribers = make(map[chan *types.Event]struct{})
	mr.mu.Unlock()

	for ch := range subs {
		close(ch)
	}
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]any{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mr := range s.runs {
		mr.mu.Lock()
		for ch := range mr.subscribers {
			close(ch)
		}
		mr.subscribers = nil
		mr.mu.Unlock()
	}
	return nil
}

// cloneRun deep-copies a run so callers never share mutable state with
// the store.
func cloneRun(run *types.Run) *types.Run {
	out := *run
	out.Stages = make([]*types.StageInstance, len(run.Stages))
	for i, stage := range run.Stages {
		out.Stages[i] = cloneStage(stage)
	}
	if run.Config != nil {
		out.Config = cloneMap(run.Config)
	}
	if run.Result != nil {
		result := *run.Result
		result.Artifacts = append([]types.Artifact(nil), run.Result.Artifacts...)
		out.Result = &result
	}
	if run.Error != nil {
		errCopy := *run.Error
		out.Error = &errCopy
	}
	return &out
}

func cloneStage(stage *types.StageInstance) *types.StageInstance {
	out := *stage
	if stage.Input != nil {
		out.Input = cloneMap(stage.Input)
	}
	if stage.Output != nil {
		out.Output = cloneMap(stage.Output)
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func metaOf(run *types.Run) *types.RunMeta {
	return &types.RunMeta{
		ID:               run.ID,
		UserID:           run.UserID,
		TemplateID:       run.TemplateID,
		Status:           run.Status,
		OverallProgress:  run.OverallProgress,
		CreditsEstimated: run.CreditsEstimated,
		CreditsConsumed:  run.CreditsConsumed,
		StartedAt:        run.StartedAt,
		FinishedAt:       run.FinishedAt,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
	}
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
