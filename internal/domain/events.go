package domain

import (
	"time"

	"github.com/google/uuid"
)

// Phase identifies which pipeline stage a progress event belongs to.
type Phase string

const (
	// PhaseSearch covers discovery and relevance scoring.
	PhaseSearch Phase = "search"
	// PhaseAnalysis covers full-text fetching, analysis, and summarization.
	PhaseAnalysis Phase = "analysis"
	// PhaseSaving covers result persistence after a topic finishes.
	PhaseSaving Phase = "saving"
)

// EventStatus is the status carried by a progress event.
type EventStatus string

const (
	// EventStarted means a task attempt began.
	EventStarted EventStatus = "started"
	// EventRetrying means a task failed and will be retried after a delay.
	EventRetrying EventStatus = "retrying"
	// EventSucceeded means a task completed successfully.
	EventSucceeded EventStatus = "succeeded"
	// EventFailed means a task reached Exhausted.
	EventFailed EventStatus = "failed"
)

// ProgressEvent is one append-only observability record emitted by a worker
// and consumed, in arrival order, by exactly one reader. Events never feed
// back into orchestration decisions.
type ProgressEvent struct {
	// TaskID references the task the event describes.
	TaskID uuid.UUID
	// TopicID references the task's owning topic.
	TopicID uuid.UUID
	// Kind is the task kind.
	Kind TaskKind
	// Phase is the pipeline stage.
	Phase Phase
	// Status is the event status.
	Status EventStatus
	// Attempt is the attempt number the event refers to (1-based).
	Attempt int
	// Message is a free-form human-readable description.
	Message string
	// Timestamp is when the event was emitted.
	Timestamp time.Time
}
