// Package api provides HTTP handlers and routing for the pipeline service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Run management
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/runs/{id}/pause", s.handlers.PauseRun).Methods("POST")
	api.HandleFunc("/runs/{id}/resume", s.handlers.ResumeRun).Methods("POST")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/reset", s.handlers.ResetRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Template catalog and cost estimation
	api.HandleFunc("/templates", s.handlers.ListTemplates).Methods("GET")
	api.HandleFunc("/templates/{id}/estimate", s.handlers.Estimate).Methods("POST")

	// Credits
	api.HandleFunc("/credits/balance", s.handlers.CreditsBalance).Methods("GET")
	api.HandleFunc("/credits/receipts", s.handlers.CreditsReceipts).Methods("GET")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
