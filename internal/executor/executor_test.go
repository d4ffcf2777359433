package executor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/medialoom/pipeline/internal/registry"
	"github.com/medialoom/pipeline/pkg/types"
)

// fakeProvider scripts per-attempt outcomes for one kind.
type fakeProvider struct {
	kind     types.StageKind
	calls    int
	generate func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error)
}

func (f *fakeProvider) Kind() types.StageKind { return f.kind }

func (f *fakeProvider) Generate(ctx context.Context, req *Request, progress ProgressFunc) (map[string]any, error) {
	f.calls++
	return f.generate(ctx, f.calls, req, progress)
}

func newTestExecutor(t *testing.T, provider Provider) *Executor {
	t.Helper()
	reg, err := registry.New()
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	exec, err := New(reg, []Provider{provider}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	return exec
}

func imageDef(maxRetries int) *types.StageDefinition {
	return &types.StageDefinition{
		ID:               "image",
		Kind:             types.StageKindImage,
		Position:         2,
		ExpectedDuration: time.Second,
		MaxRetries:       maxRetries,
		RetryBackoff:     time.Millisecond,
		Credits:          8,
	}
}

func imageRequest() *Request {
	return &Request{
		RunID:   "run-1",
		StageID: "image",
		Kind:    types.StageKindImage,
		Payload: map[string]any{
			"prompt":     "a lighthouse at dusk",
			"resolution": "1024x1024",
		},
	}
}

func TestExecutorSuccess(t *testing.T) {
	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			progress(50)
			progress(100)
			return map[string]any{"image_url": "local://img.png"}, nil
		},
	}
	exec := newTestExecutor(t, provider)

	result, err := exec.Execute(context.Background(), imageDef(2), imageRequest(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if result.Output["image_url"] != "local://img.png" {
		t.Errorf("output = %v", result.Output)
	}
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			if attempt < 3 {
				return nil, Transientf("backend overloaded")
			}
			return map[string]any{"image_url": "local://img.png"}, nil
		},
	}
	exec := newTestExecutor(t, provider)

	result, err := exec.Execute(context.Background(), imageDef(2), imageRequest(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestExecutorExhaustsRetries(t *testing.T) {
	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			return nil, Transientf("backend overloaded")
		},
	}
	exec := newTestExecutor(t, provider)

	_, err := exec.Execute(context.Background(), imageDef(2), imageRequest(), nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if provider.calls != 3 {
		t.Errorf("calls = %d, want 3 (1 initial + 2 retries)", provider.calls)
	}
}

func TestExecutorPermanentFailureSkipsRetries(t *testing.T) {
	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			return nil, Permanentf("content policy violation")
		},
	}
	exec := newTestExecutor(t, provider)

	_, err := exec.Execute(context.Background(), imageDef(2), imageRequest(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Errorf("calls = %d, want 1 for permanent failure", provider.calls)
	}
}

func TestExecutorValidatesInput(t *testing.T) {
	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			t.Fatal("provider must not be called on invalid input")
			return nil, nil
		},
	}
	exec := newTestExecutor(t, provider)

	req := imageRequest()
	delete(req.Payload, "prompt")
	_, err := exec.Execute(context.Background(), imageDef(2), req, nil)
	if !errors.Is(err, ErrInvalidStageInput) {
		t.Fatalf("err = %v, want ErrInvalidStageInput", err)
	}
}

func TestExecutorValidatesOutput(t *testing.T) {
	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			return map[string]any{"wrong_key": true}, nil
		},
	}
	exec := newTestExecutor(t, provider)

	_, err := exec.Execute(context.Background(), imageDef(2), imageRequest(), nil)
	if !errors.Is(err, ErrInvalidStageOutput) {
		t.Fatalf("err = %v, want ErrInvalidStageOutput", err)
	}
	if provider.calls != 1 {
		t.Errorf("calls = %d, want 1; schema mismatch must not retry", provider.calls)
	}
}

func TestExecutorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	exec := newTestExecutor(t, provider)

	_, err := exec.Execute(ctx, imageDef(2), imageRequest(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if provider.calls != 1 {
		t.Errorf("calls = %d, want 1; cancellation must not retry", provider.calls)
	}
}

func TestExecutorTimeoutIsTransient(t *testing.T) {
	def := imageDef(1)
	def.ExpectedDuration = 5 * time.Millisecond // deadline = 15ms

	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			if attempt == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return map[string]any{"image_url": "local://img.png"}, nil
		},
	}
	exec := newTestExecutor(t, provider)

	result, err := exec.Execute(context.Background(), def, imageRequest(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2; timeout should retry", result.Attempts)
	}
}

func TestExecutorClampsProgress(t *testing.T) {
	provider := &fakeProvider{
		kind: types.StageKindImage,
		generate: func(ctx context.Context, attempt int, req *Request, progress ProgressFunc) (map[string]any, error) {
			progress(-10)
			progress(150)
			return map[string]any{"image_url": "local://img.png"}, nil
		},
	}
	exec := newTestExecutor(t, provider)

	var seen []int
	_, err := exec.Execute(context.Background(), imageDef(0), imageRequest(), func(pct int) {
		seen = append(seen, pct)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 100 {
		t.Errorf("progress = %v, want [0 100]", seen)
	}
}

func TestLocalProviders(t *testing.T) {
	reg, err := registry.New()
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	providers := NewLocalProviders(0)
	exec, err := New(reg, providers, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	payload := map[string]any{
		"prompt":     "a lighthouse at dusk",
		"resolution": "1024x1024",
	}
	chain := []types.StageKind{
		types.StageKindPrompt,
		types.StageKindEnhance,
		types.StageKindImage,
		types.StageKindOutput,
	}

	for i, kind := range chain {
		def := &types.StageDefinition{
			ID:               string(kind),
			Kind:             kind,
			Position:         i,
			ExpectedDuration: time.Second,
		}
		result, err := exec.Execute(context.Background(), def, &Request{
			RunID:   "run-1",
			StageID: string(kind),
			Kind:    kind,
			Payload: payload,
		}, nil)
		if err != nil {
			t.Fatalf("stage %s: %v", kind, err)
		}
		for k, v := range result.Output {
			payload[k] = v
		}
	}

	artifacts, ok := payload["artifacts"].([]any)
	if !ok || len(artifacts) != 1 {
		t.Fatalf("artifacts = %v, want one image artifact", payload["artifacts"])
	}
}
