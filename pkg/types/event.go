package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeHello       EventType = "hello"
	EventTypeRunStatus   EventType = "run_status"
	EventTypeStageStatus EventType = "stage_status"
	EventTypeProgress    EventType = "progress"
	EventTypeStreamEnd   EventType = "stream_end"
)

// Event represents a single event in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	StageID   string          `json:"stage_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type    EventType `json:"type"`
	StageID string    `json:"stage_id,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// ProgressEvent is the payload published on every stage state change.
// Delivery is at-least-once; consumers must be idempotent on
// (run_id, stage_id, stage_progress).
type ProgressEvent struct {
	RunID           string      `json:"run_id"`
	StageID         string      `json:"stage_id"`
	StageStatus     StageStatus `json:"stage_status"`
	StageProgress   int         `json:"stage_progress"`
	OverallProgress int         `json:"overall_progress"`
	Timestamp       time.Time   `json:"timestamp"`
}

// RunStatusEvent is the payload for run status change events.
type RunStatusEvent struct {
	Status  RunStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// ToSSE formats the event for the Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
