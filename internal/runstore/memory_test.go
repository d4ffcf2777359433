package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medialoom/pipeline/pkg/types"
)

func testRun(id string) *types.Run {
	return &types.Run{
		ID:         id,
		UserID:     "user-1",
		TemplateID: "text-to-image",
		Status:     types.RunStatusIdle,
		Stages: []*types.StageInstance{
			{ID: "prompt", Kind: types.StageKindPrompt, Position: 0, Status: types.StageStatusIdle},
			{ID: "enhance", Kind: types.StageKindEnhance, Position: 1, Status: types.StageStatusIdle},
			{ID: "image", Kind: types.StageKindImage, Position: 2, Status: types.StageStatusIdle},
			{ID: "output", Kind: types.StageKindOutput, Position: 3, Status: types.StageStatusIdle},
		},
		Config:           map[string]any{"prompt": "a lighthouse at dusk"},
		CreditsEstimated: 9,
	}
}

func TestMemoryStoreRunLifecycle(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		run := testRun("run-1")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != types.RunStatusIdle {
			t.Errorf("status = %q, want idle", got.Status)
		}
		if len(got.Stages) != 4 {
			t.Errorf("stages = %d, want 4", len(got.Stages))
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		if err := store.CreateRun(ctx, testRun("run-1")); err == nil {
			t.Fatal("expected error for duplicate run ID")
		}
	})

	t.Run("missing run", func(t *testing.T) {
		if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("err = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("returned run is a copy", func(t *testing.T) {
		got, _ := store.GetRun(ctx, "run-1")
		got.Status = types.RunStatusFailed
		got.Stages[0].Status = types.StageStatusError

		again, _ := store.GetRun(ctx, "run-1")
		if again.Status != types.RunStatusIdle {
			t.Error("mutating returned run leaked into store")
		}
		if again.Stages[0].Status != types.StageStatusIdle {
			t.Error("mutating returned stage leaked into store")
		}
	})
}

func TestMemoryStoreStatusTransitions(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	started := time.Now().UTC()
	if err := store.UpdateRunStatus(ctx, "run-1", types.RunStatusRunning, &started, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	meta, err := store.GetRunMeta(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRunMeta: %v", err)
	}
	if meta.Status != types.RunStatusRunning {
		t.Errorf("status = %q, want running", meta.Status)
	}
	if meta.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	finished := time.Now().UTC()
	if err := store.UpdateRunStatus(ctx, "run-1", types.RunStatusCompleted, nil, &finished); err != nil {
		t.Fatalf("terminal transition: %v", err)
	}

	t.Run("terminal run rejects writes", func(t *testing.T) {
		err := store.UpdateRunStatus(ctx, "run-1", types.RunStatusRunning, nil, nil)
		if !errors.Is(err, ErrRunTerminal) {
			t.Errorf("UpdateRunStatus err = %v, want ErrRunTerminal", err)
		}
		if err := store.UpdateRunProgress(ctx, "run-1", 50); !errors.Is(err, ErrRunTerminal) {
			t.Errorf("UpdateRunProgress err = %v, want ErrRunTerminal", err)
		}
		if _, err := store.AddCreditsConsumed(ctx, "run-1", 1); !errors.Is(err, ErrRunTerminal) {
			t.Errorf("AddCreditsConsumed err = %v, want ErrRunTerminal", err)
		}
		stage, _ := store.GetStage(ctx, "run-1", "prompt")
		stage.Status = types.StageStatusRunning
		if err := store.UpdateStage(ctx, "run-1", stage); !errors.Is(err, ErrRunTerminal) {
			t.Errorf("UpdateStage err = %v, want ErrRunTerminal", err)
		}
	})

	t.Run("terminal run stays readable", func(t *testing.T) {
		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != types.RunStatusCompleted {
			t.Errorf("status = %q, want completed", got.Status)
		}
	})
}

func TestMemoryStoreStages(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	stage, err := store.GetStage(ctx, "run-1", "enhance")
	if err != nil {
		t.Fatalf("GetStage: %v", err)
	}

	stage.Status = types.StageStatusSuccess
	stage.Progress = 100
	stage.Output = map[string]any{"prompt": "an enhanced lighthouse"}
	stage.CreditsCharged = 1
	if err := store.UpdateStage(ctx, "run-1", stage); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	got, err := store.GetStage(ctx, "run-1", "enhance")
	if err != nil {
		t.Fatalf("GetStage after update: %v", err)
	}
	if got.Status != types.StageStatusSuccess || got.Progress != 100 {
		t.Errorf("stage = %+v, want success/100", got)
	}
	if got.CreditsCharged != 1 {
		t.Errorf("CreditsCharged = %d, want 1", got.CreditsCharged)
	}

	if _, err := store.GetStage(ctx, "run-1", "nope"); !errors.Is(err, ErrStageNotFound) {
		t.Errorf("err = %v, want ErrStageNotFound", err)
	}
}

func TestMemoryStoreCredits(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	total, err := store.AddCreditsConsumed(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("AddCreditsConsumed: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}

	total, err = store.AddCreditsConsumed(ctx, "run-1", 8)
	if err != nil {
		t.Fatalf("AddCreditsConsumed: %v", err)
	}
	if total != 9 {
		t.Errorf("total = %d, want 9", total)
	}
}

func TestMemoryStoreListRuns(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	r1 := testRun("run-a")
	r1.UserID = "alice"
	r2 := testRun("run-b")
	r2.UserID = "bob"
	r3 := testRun("run-c")
	r3.UserID = "alice"

	for _, r := range []*types.Run{r1, r2, r3} {
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun %s: %v", r.ID, err)
		}
	}

	all, err := store.ListRuns(ctx, "")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all runs = %d, want 3", len(all))
	}

	alice, err := store.ListRuns(ctx, "alice")
	if err != nil {
		t.Fatalf("ListRuns alice: %v", err)
	}
	if len(alice) != 2 {
		t.Errorf("alice runs = %d, want 2", len(alice))
	}
	for _, m := range alice {
		if m.UserID != "alice" {
			t.Errorf("leaked run for %q into alice's listing", m.UserID)
		}
	}
}

func TestMemoryStoreEvents(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	t.Run("append assigns sequential IDs", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			evt, err := store.AppendEvent(ctx, "run-1", &types.EventInput{
				Type: types.EventTypeProgress,
				Data: map[string]any{"n": i},
			})
			if err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			if evt.ID == "" {
				t.Fatal("event ID is empty")
			}
		}

		events, err := store.GetEventsSince(ctx, "run-1", "")
		if err != nil {
			t.Fatalf("GetEventsSince: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("events = %d, want 3", len(events))
		}
		if events[0].ID != "1" || events[2].ID != "3" {
			t.Errorf("IDs = %s..%s, want 1..3", events[0].ID, events[2].ID)
		}
	})

	t.Run("since filters exclusively", func(t *testing.T) {
		events, err := store.GetEventsSince(ctx, "run-1", "2")
		if err != nil {
			t.Fatalf("GetEventsSince: %v", err)
		}
		if len(events) != 1 || events[0].ID != "3" {
			t.Errorf("events after 2 = %v, want just event 3", events)
		}
	})

	t.Run("subscribe receives appended events", func(t *testing.T) {
		ch, cleanup, err := store.Subscribe(ctx, "run-1")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer cleanup()

		if _, err := store.AppendEvent(ctx, "run-1", &types.EventInput{Type: types.EventTypeStageStatus, StageID: "prompt"}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}

		select {
		case evt := <-ch:
			if evt.Type != types.EventTypeStageStatus || evt.StageID != "prompt" {
				t.Errorf("got event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("terminal transition closes subscribers", func(t *testing.T) {
		ch, cleanup, err := store.Subscribe(ctx, "run-1")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer cleanup()

		finished := time.Now().UTC()
		if err := store.UpdateRunStatus(ctx, "run-1", types.RunStatusCancelled, nil, &finished); err != nil {
			t.Fatalf("UpdateRunStatus: %v", err)
		}

		select {
		case _, open := <-ch:
			if open {
				t.Error("expected closed channel after terminal transition")
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed after terminal transition")
		}
	})

	t.Run("subscribe to terminal run returns closed channel", func(t *testing.T) {
		ch, cleanup, err := store.Subscribe(ctx, "run-1")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer cleanup()

		if _, open := <-ch; open {
			t.Error("expected an already-closed channel")
		}
	})
}

func TestMemoryStoreEventRingBuffer(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 5})
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	for i := 0; i < 8; i++ {
		if _, err := store.AppendEvent(ctx, "run-1", &types.EventInput{Type: types.EventTypeProgress}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := store.GetEventsSince(ctx, "run-1", "")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if events[0].ID != "4" {
		t.Errorf("oldest retained ID = %s, want 4", events[0].ID)
	}
}
