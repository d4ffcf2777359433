package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medialoom/pipeline/internal/metrics"
	"github.com/medialoom/pipeline/internal/runstore"
	"github.com/medialoom/pipeline/pkg/types"
)

// StreamEvents handles GET /api/v1/runs/{id}/events
// It implements Server-Sent Events (SSE) for streaming run progress.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()

	requestID := GetRequestID(ctx, r)

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", nil)
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to get run", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Last-Event-ID lets a reconnecting client resume where it left off.
	lastEventID := r.Header.Get("Last-Event-ID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported", nil)
		return
	}
	flusher.Flush()

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     runID,
		Type:      types.EventTypeHello,
		Timestamp: time.Now().UTC(),
	})

	// Replay history. With no Last-Event-ID the full retained stream is
	// sent, so late subscribers still see earlier stage transitions.
	events, err := h.store.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	} else {
		for _, evt := range events {
			h.writeSSE(w, flusher, evt)
		}
	}

	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "run_id", runID)
		return
	}
	defer cleanup()

	done := r.Context().Done()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			duration := time.Since(startTime)
			metrics.SSEConnectionDuration.Observe(duration.Seconds())
			h.logger.Info("SSE connection closed",
				slog.String("run_id", runID),
				slog.String("request_id", requestID),
				slog.Duration("duration", duration),
				slog.String("reason", "client_disconnect"),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				// Channel closed, run reached a terminal state.
				h.sendStreamEnd(ctx, w, flusher, runID)
				duration := time.Since(startTime)
				metrics.SSEConnectionDuration.Observe(duration.Seconds())
				h.logger.Info("SSE connection closed",
					slog.String("run_id", runID),
					slog.String("request_id", requestID),
					slog.Duration("duration", duration),
					slog.String("reason", "run_finished"),
				)
				return
			}
			h.writeSSE(w, flusher, evt)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends a final event carrying the run's terminal status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string) {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.logger.Error("failed to get run for stream end event", "error", err)
		return
	}

	data := map[string]any{
		"status": run.Status,
	}
	if run.Error != nil {
		data["error"] = run.Error
	}
	dataJSON, _ := json.Marshal(data)

	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	})
}
