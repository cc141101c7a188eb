package progress

import (
	"errors"
	"fmt"
	"time"
)

// EventType tags the lifecycle events emitted by the job executor.
type EventType string

const (
	EventPlannerStarted         EventType = "planner_started"
	EventPlannerCompleted       EventType = "planner_completed"
	EventDocumentStarted        EventType = "document_started"
	EventDocumentChunkCompleted EventType = "document_chunk_completed"
	EventDocumentCompleted      EventType = "document_completed"
	EventRenderStarted          EventType = "render_started"
	EventRenderCompleted        EventType = "render_completed"
	EventJobFailed              EventType = "job_failed"
)

var (
	// ErrInvalidEvent is returned for events missing key fields or of unknown type.
	ErrInvalidEvent = errors.New("progress: invalid event")

	// ErrTerminalStep marks a rejected transition out of a terminal state.
	// It is logged by the store, never returned from Apply.
	ErrTerminalStep = errors.New("progress: step already terminal")
)

// RenderInfo carries the metadata of a render event.
type RenderInfo struct {
	// Status is the render outcome; empty means completed.
	Status             StepStatus `json:"status,omitempty"`
	RenderedResourceID string     `json:"latestRenderedResourceId,omitempty"`
	VersionHash        string     `json:"versionHash,omitempty"`
	RenderedAt         time.Time  `json:"lastRenderAtIso,omitempty"`
}

// FailureInfo describes a failed job.
type FailureInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is the tagged union of every lifecycle event. Type selects which of
// the optional fields are meaningful.
type Event struct {
	Type        EventType    `json:"type"`
	SessionID   string       `json:"sessionId"`
	StageSlug   string       `json:"stageSlug"`
	Iteration   int          `json:"iterationNumber"`
	StepKey     string       `json:"stepKey"`
	JobID       string       `json:"jobId,omitempty"`
	DocumentKey string       `json:"documentKey,omitempty"`
	ModelID     string       `json:"modelId,omitempty"`
	ChunkIndex  int          `json:"chunkIndex,omitempty"`
	Render      *RenderInfo  `json:"render,omitempty"`
	Failure     *FailureInfo `json:"failure,omitempty"`
	OccurredAt  time.Time    `json:"occurredAt,omitempty"`
}

// Key returns the Stage Run Progress key the event addresses.
func (e Event) Key() Key {
	return Key{SessionID: e.SessionID, StageSlug: e.StageSlug, Iteration: e.Iteration}
}

// Validate checks the fields every event type requires.
func (e Event) Validate() error {
	if e.SessionID == "" || e.StageSlug == "" || e.StepKey == "" {
		return fmt.Errorf("%w: sessionId, stageSlug and stepKey are required", ErrInvalidEvent)
	}
	if e.Iteration < 0 {
		return fmt.Errorf("%w: negative iteration %d", ErrInvalidEvent, e.Iteration)
	}
	switch e.Type {
	case EventPlannerStarted, EventPlannerCompleted, EventJobFailed:
	case EventDocumentStarted, EventDocumentChunkCompleted, EventDocumentCompleted,
		EventRenderStarted, EventRenderCompleted:
		if e.DocumentKey == "" || e.ModelID == "" {
			return fmt.Errorf("%w: %s requires documentKey and modelId", ErrInvalidEvent, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// hasDocument reports whether the event references a document.
func (e Event) hasDocument() bool {
	return e.DocumentKey != "" && e.ModelID != ""
}
