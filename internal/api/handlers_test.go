package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/medialoom/pipeline/internal/artifacts"
	"github.com/medialoom/pipeline/internal/auth"
	"github.com/medialoom/pipeline/internal/config"
	"github.com/medialoom/pipeline/internal/credits"
	"github.com/medialoom/pipeline/internal/executor"
	"github.com/medialoom/pipeline/internal/notifier"
	"github.com/medialoom/pipeline/internal/orchestrator"
	"github.com/medialoom/pipeline/internal/registry"
	"github.com/medialoom/pipeline/internal/runstore"
)

type apiHarness struct {
	handler http.Handler
	store   runstore.RunStore
}

// newAPIHarness wires the full service against in-memory backends, with
// auth in dev mode so requests resolve to the default local user.
func newAPIHarness(t *testing.T, balance int64) *apiHarness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	reg, err := registry.New()
	if err != nil {
		t.Fatalf("registry.New() failed: %v", err)
	}
	exec, err := executor.New(reg, executor.NewLocalProviders(time.Millisecond), logger)
	if err != nil {
		t.Fatalf("executor.New() failed: %v", err)
	}

	store := runstore.NewMemoryStore(nil)
	ledger := credits.NewMemoryLedger(balance)
	notif := notifier.NewStoreNotifier(store, logger)
	orch := orchestrator.New(store, reg, exec, ledger, notif, artifacts.NewMemoryStore(), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	handlers := NewHandlers(store, orch, reg, ledger, config.Load(), logger)
	server := NewServer(handlers)

	authMW := auth.NewMiddleware(nil, &auth.MiddlewareConfig{})

	return &apiHarness{
		handler: authMW.Handler(server.Router()),
		store:   store,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateRunEndpoint(t *testing.T) {
	h := newAPIHarness(t, 100)

	rec := h.do(t, "POST", "/api/v1/runs", map[string]any{
		"template_id": "text-to-image",
		"config":      map[string]any{"prompt": "a red fox"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp CreateRunResponse
	decodeBody(t, rec, &resp)
	if resp.RunID == "" {
		t.Error("expected a run ID")
	}
	if resp.Status != "idle" {
		t.Errorf("expected status idle, got %s", resp.Status)
	}
	if resp.CreditsEstimated != 9 {
		t.Errorf("expected 9 credits estimated, got %d", resp.CreditsEstimated)
	}

	t.Run("run is retrievable", func(t *testing.T) {
		rec := h.do(t, "GET", "/api/v1/runs/"+resp.RunID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("run is listed for the user", func(t *testing.T) {
		rec := h.do(t, "GET", "/api/v1/runs", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Runs []struct {
				ID string `json:"id"`
			} `json:"runs"`
		}
		decodeBody(t, rec, &body)
		if len(body.Runs) != 1 || body.Runs[0].ID != resp.RunID {
			t.Errorf("expected exactly the created run, got %+v", body.Runs)
		}
	})
}

func TestCreateRunRejectsBadRequests(t *testing.T) {
	h := newAPIHarness(t, 100)

	t.Run("missing template_id", func(t *testing.T) {
		rec := h.do(t, "POST", "/api/v1/runs", map[string]any{
			"config": map[string]any{"prompt": "x"},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown template", func(t *testing.T) {
		rec := h.do(t, "POST", "/api/v1/runs", map[string]any{
			"template_id": "text-to-hologram",
			"config":      map[string]any{"prompt": "x"},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("invalid config reports all errors", func(t *testing.T) {
		rec := h.do(t, "POST", "/api/v1/runs", map[string]any{
			"template_id": "text-to-image",
			"config":      map[string]any{"resolution": "4096x4096"},
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		var errResp ErrorResponse
		decodeBody(t, rec, &errResp)
		if errResp.Error != ErrCodeInvalidConfig {
			t.Errorf("expected error code %s, got %s", ErrCodeInvalidConfig, errResp.Error)
		}
		if errResp.Details == nil {
			t.Error("expected validation details in response")
		}
	})
}

func TestGetRunNotFound(t *testing.T) {
	h := newAPIHarness(t, 100)

	rec := h.do(t, "GET", "/api/v1/runs/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	if errResp.Error != ErrCodeNotFound {
		t.Errorf("expected error code %s, got %s", ErrCodeNotFound, errResp.Error)
	}
}

func TestStartRejectsInsufficientCredits(t *testing.T) {
	h := newAPIHarness(t, 5)

	rec := h.do(t, "POST", "/api/v1/runs", map[string]any{
		"template_id": "text-to-image",
		"config":      map[string]any{"prompt": "a red fox"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp CreateRunResponse
	decodeBody(t, rec, &resp)

	rec = h.do(t, "POST", "/api/v1/runs/"+resp.RunID+"/start", nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	if errResp.Error != ErrCodeInsufficientCredits {
		t.Errorf("expected error code %s, got %s", ErrCodeInsufficientCredits, errResp.Error)
	}
}

func TestLifecycleEndpointsRejectInvalidState(t *testing.T) {
	h := newAPIHarness(t, 100)

	rec := h.do(t, "POST", "/api/v1/runs", map[string]any{
		"template_id": "text-to-image",
		"config":      map[string]any{"prompt": "a red fox"},
	})
	var resp CreateRunResponse
	decodeBody(t, rec, &resp)

	// Pause, resume, cancel, and reset are all invalid on an idle run.
	for _, op := range []string{"pause", "resume", "cancel", "reset"} {
		rec := h.do(t, "POST", "/api/v1/runs/"+resp.RunID+"/"+op, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("%s on idle run: expected 409, got %d", op, rec.Code)
		}
		var errResp ErrorResponse
		decodeBody(t, rec, &errResp)
		if errResp.Error != ErrCodeInvalidState {
			t.Errorf("%s on idle run: expected error code %s, got %s", op, ErrCodeInvalidState, errResp.Error)
		}
	}
}

func TestAutoStartRunsToCompletion(t *testing.T) {
	h := newAPIHarness(t, 100)

	rec := h.do(t, "POST", "/api/v1/runs", map[string]any{
		"template_id": "text-to-image",
		"config":      map[string]any{"prompt": "a red fox"},
		"auto_start":  true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CreateRunResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "running" {
		t.Errorf("expected status running, got %s", resp.Status)
	}
	if resp.SSEURL == "" {
		t.Error("expected an SSE URL for a started run")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		rec := h.do(t, "GET", "/api/v1/runs/"+resp.RunID, nil)
		var run struct {
			Status          string `json:"status"`
			OverallProgress int    `json:"overall_progress"`
			CreditsConsumed int64  `json:"credits_consumed"`
		}
		decodeBody(t, rec, &run)

		if run.Status == "completed" {
			if run.OverallProgress != 100 {
				t.Errorf("expected 100%% progress, got %d", run.OverallProgress)
			}
			if run.CreditsConsumed != 9 {
				t.Errorf("expected 9 credits consumed, got %d", run.CreditsConsumed)
			}
			break
		}
		if run.Status == "failed" || run.Status == "cancelled" {
			t.Fatalf("run ended in unexpected status %s", run.Status)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not complete in time, last status %s", run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Run("balance reflects consumption", func(t *testing.T) {
		rec := h.do(t, "GET", "/api/v1/credits/balance", nil)
		var body struct {
			Balance int64 `json:"balance"`
		}
		decodeBody(t, rec, &body)
		if body.Balance != 91 {
			t.Errorf("expected balance 91, got %d", body.Balance)
		}
	})

	t.Run("receipts recorded for costed stages", func(t *testing.T) {
		rec := h.do(t, "GET", "/api/v1/credits/receipts", nil)
		var body struct {
			Receipts []struct {
				StageID string `json:"stage_id"`
				Amount  int64  `json:"amount"`
			} `json:"receipts"`
		}
		decodeBody(t, rec, &body)
		if len(body.Receipts) != 2 {
			t.Fatalf("expected 2 receipts (enhance, image), got %d", len(body.Receipts))
		}
	})
}

func TestTemplatesAndEstimateEndpoints(t *testing.T) {
	h := newAPIHarness(t, 100)

	t.Run("catalog", func(t *testing.T) {
		rec := h.do(t, "GET", "/api/v1/templates", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Templates []struct {
				ID string `json:"id"`
			} `json:"templates"`
		}
		decodeBody(t, rec, &body)
		if len(body.Templates) != 3 {
			t.Errorf("expected 3 templates, got %d", len(body.Templates))
		}
	})

	t.Run("estimate", func(t *testing.T) {
		rec := h.do(t, "POST", "/api/v1/templates/text-to-image/estimate", map[string]any{
			"config": map[string]any{"prompt": "a red fox", "resolution": "1920x1080"},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var body struct {
			CreditsTotal int64 `json:"credits_total"`
		}
		decodeBody(t, rec, &body)
		if body.CreditsTotal != 17 {
			t.Errorf("expected 17 credits at 1920x1080, got %d", body.CreditsTotal)
		}
	})

	t.Run("estimate with invalid config", func(t *testing.T) {
		rec := h.do(t, "POST", "/api/v1/templates/text-to-image/estimate", map[string]any{
			"config": map[string]any{},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t, 100)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		rec := h.do(t, "GET", path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	t.Run("runstore info", func(t *testing.T) {
		rec := h.do(t, "GET", "/api/v1/runstore/info", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}
