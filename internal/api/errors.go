package api

import (
	"context"
	"encoding/json"
	"net/http"
)

// Error codes for consistent error identification.
const (
	ErrCodeAuthRequired        = "auth_required"
	ErrCodeForbidden           = "forbidden"
	ErrCodeNotFound            = "not_found"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeBadRequest          = "bad_request"
	ErrCodeInvalidConfig       = "invalid_config"
	ErrCodeInvalidState        = "invalid_state"
	ErrCodeInsufficientCredits = "insufficient_credits"
	ErrCodeInternalError       = "internal_error"
	ErrCodeServiceUnavail      = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`                // Short error code
	Message   string         `json:"message"`              // Human-readable message
	Details   map[string]any `json:"details,omitempty"`    // Optional additional details
	RequestID string         `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
