// Package types provides shared types for the pipeline service.
package types

import (
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StageStatus represents the current state of a stage within a run.
type StageStatus string

const (
	StageStatusIdle    StageStatus = "idle"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusError   StageStatus = "error"
)

// Run represents a single execution of a workflow template for one user.
type Run struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	TemplateID       string           `json:"template_id"`
	Status           RunStatus        `json:"status"`
	Stages           []*StageInstance `json:"stages"`
	Config           map[string]any   `json:"config,omitempty"`
	OverallProgress  int              `json:"overall_progress"`
	CreditsEstimated int64            `json:"credits_estimated"`
	CreditsConsumed  int64            `json:"credits_consumed"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
	Result           *RunResult       `json:"result,omitempty"`
	Error            *RunError        `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Stage returns the stage instance with the given ID, or nil.
func (r *Run) Stage(stageID string) *StageInstance {
	for _, s := range r.Stages {
		if s.ID == stageID {
			return s
		}
	}
	return nil
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	TemplateID       string     `json:"template_id"`
	Status           RunStatus  `json:"status"`
	OverallProgress  int        `json:"overall_progress"`
	CreditsEstimated int64      `json:"credits_estimated"`
	CreditsConsumed  int64      `json:"credits_consumed"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StageInstance tracks the runtime state of one stage within a run.
type StageInstance struct {
	ID             string         `json:"id"`
	Kind           StageKind      `json:"kind"`
	Position       int            `json:"position"`
	Status         StageStatus    `json:"status"`
	Progress       int            `json:"progress"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreditsCharged int64          `json:"credits_charged"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// RunResult aggregates the artifacts produced by a completed run.
type RunResult struct {
	Artifacts   []Artifact `json:"artifacts"`
	ManifestURL string     `json:"manifest_url,omitempty"`
}

// Artifact is one output reference produced by a stage.
type Artifact struct {
	StageID     string    `json:"stage_id"`
	Kind        StageKind `json:"kind"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type,omitempty"`
}

// RunError records the stage that terminated a failed run.
type RunError struct {
	StageID string `json:"stage_id"`
	Message string `json:"message"`
}
