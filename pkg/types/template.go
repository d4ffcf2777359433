package types

import (
	"time"
)

// StageKind identifies a stage's behavior and provider call shape.
type StageKind string

const (
	StageKindPrompt  StageKind = "prompt"
	StageKindEnhance StageKind = "enhance"
	StageKindImage   StageKind = "image"
	StageKindVideo   StageKind = "video"
	StageKindOutput  StageKind = "output"
)

// StageDefinition is the immutable description of one stage within a
// workflow template. Cost is resolved per run from the user config by
// the registry; the definition carries the resolved value.
type StageDefinition struct {
	ID               string        `json:"id"`
	Kind             StageKind     `json:"kind"`
	Position         int           `json:"position"`
	ExpectedDuration time.Duration `json:"expected_duration"`
	MaxRetries       int           `json:"max_retries"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
	Credits          int64         `json:"credits"`
}

// Edge is a directed dependency between two stages of a template.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowTemplate is the resolved, ordered set of stage definitions
// for one workflow type. Templates are read-only configuration.
type WorkflowTemplate struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Stages []StageDefinition `json:"stages"`
	Edges  []Edge            `json:"edges"`
}

// TotalCredits sums the resolved per-stage costs.
func (t *WorkflowTemplate) TotalCredits() int64 {
	var total int64
	for _, s := range t.Stages {
		total += s.Credits
	}
	return total
}

// TotalExpectedDuration sums the per-stage duration estimates.
func (t *WorkflowTemplate) TotalExpectedDuration() time.Duration {
	var total time.Duration
	for _, s := range t.Stages {
		total += s.ExpectedDuration
	}
	return total
}

// Predecessors returns the IDs of stages that must succeed before the
// given stage may start.
func (t *WorkflowTemplate) Predecessors(stageID string) []string {
	var preds []string
	for _, e := range t.Edges {
		if e.To == stageID {
			preds = append(preds, e.From)
		}
	}
	return preds
}
