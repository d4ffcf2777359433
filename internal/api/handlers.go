package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/medialoom/pipeline/internal/auth"
	"github.com/medialoom/pipeline/internal/config"
	"github.com/medialoom/pipeline/internal/credits"
	"github.com/medialoom/pipeline/internal/orchestrator"
	"github.com/medialoom/pipeline/internal/registry"
	"github.com/medialoom/pipeline/internal/runstore"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store    runstore.RunStore
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	ledger   credits.Ledger
	config   *config.Config
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.RunStore, orch *orchestrator.Orchestrator, reg *registry.Registry, ledger credits.Ledger, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    store,
		orch:     orch,
		registry: reg,
		ledger:   ledger,
		config:   cfg,
		logger:   logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "runstore unhealthy", nil)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Run Management ---

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	TemplateID string         `json:"template_id"`
	Config     map[string]any `json:"config"`
	AutoStart  bool           `json:"auto_start,omitempty"` // Start execution immediately
}

// CreateRunResponse is the response body after creating a run.
type CreateRunResponse struct {
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	CreditsEstimated int64  `json:"credits_estimated"`
	SSEURL           string `json:"sse_url,omitempty"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}
	if req.TemplateID == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "template_id is required", nil)
		return
	}

	run, err := h.orch.CreateRun(ctx, userID, req.TemplateID, req.Config)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	resp := CreateRunResponse{
		RunID:            run.ID,
		Status:           string(run.Status),
		CreditsEstimated: run.CreditsEstimated,
		SSEURL:           "/api/v1/runs/" + run.ID + "/events",
	}

	if req.AutoStart {
		if err := h.orch.Start(ctx, run.ID); err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		resp.Status = "running"
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// StartRun handles POST /api/v1/runs/{id}/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Start(r.Context(), runID); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"status":  "running",
		"sse_url": "/api/v1/runs/" + runID + "/events",
	})
}

// PauseRun handles POST /api/v1/runs/{id}/pause
func (h *Handlers) PauseRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Pause(r.Context(), runID); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "paused"})
}

// ResumeRun handles POST /api/v1/runs/{id}/resume
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Resume(r.Context(), runID); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "running"})
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Cancel(r.Context(), runID); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelling"})
}

// ResetRun handles POST /api/v1/runs/{id}/reset
func (h *Handlers) ResetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	fresh, err := h.orch.Reset(r.Context(), runID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, CreateRunResponse{
		RunID:            fresh.ID,
		Status:           string(fresh.Status),
		CreditsEstimated: fresh.CreditsEstimated,
	})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/runs, scoped to the calling user.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())

	metas, err := h.store.ListRuns(r.Context(), userID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"runs": metas})
}

// --- Templates ---

// ListTemplates handles GET /api/v1/templates
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"templates": h.registry.Templates()})
}

// EstimateRequest is the request body for a cost estimate.
type EstimateRequest struct {
	Config map[string]any `json:"config"`
}

// Estimate handles POST /api/v1/templates/{id}/estimate, returning the
// resolved per-stage costs without creating a run.
func (h *Handlers) Estimate(w http.ResponseWriter, r *http.Request) {
	templateID := mux.Vars(r)["id"]

	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}

	resolution, err := h.orch.Estimate(templateID, req.Config)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	type stageEstimate struct {
		StageID          string `json:"stage_id"`
		Credits          int64  `json:"credits"`
		ExpectedDuration string `json:"expected_duration"`
	}
	stages := make([]stageEstimate, 0, len(resolution.Template.Stages))
	for _, def := range resolution.Template.Stages {
		stages = append(stages, stageEstimate{
			StageID:          def.ID,
			Credits:          def.Credits,
			ExpectedDuration: def.ExpectedDuration.String(),
		})
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"template_id":       resolution.Template.ID,
		"stages":            stages,
		"credits_total":     resolution.Template.TotalCredits(),
		"expected_duration": resolution.Template.TotalExpectedDuration().String(),
	})
}

// --- Credits ---

// CreditsBalance handles GET /api/v1/credits/balance
func (h *Handlers) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

// CreditsReceipts handles GET /api/v1/credits/receipts
func (h *Handlers) CreditsReceipts(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())

	receipts, err := h.ledger.Receipts(r.Context(), userID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "receipts": receipts})
}

// --- Diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Helpers ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// respondDomainError maps domain errors onto HTTP status codes.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *registry.ValidationError

	switch {
	case errors.Is(err, runstore.ErrRunNotFound):
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", nil)

	case errors.Is(err, registry.ErrUnknownTemplate):
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), nil)

	case errors.As(err, &verr):
		details := map[string]any{"errors": verr.Errors}
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeInvalidConfig, "workflow config validation failed", details)

	case errors.Is(err, credits.ErrInsufficientBalance):
		writeErrorResponse(w, r, http.StatusPaymentRequired, ErrCodeInsufficientCredits, err.Error(), nil)

	case errors.Is(err, orchestrator.ErrInvalidState):
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeInvalidState, err.Error(), nil)

	default:
		h.logger.Error("request failed", slog.Any("error", err))
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error", nil)
	}
}
