package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies the kind of work a task performs.
type TaskKind string

const (
	// TaskDiscover queries the document index for paper candidates.
	TaskDiscover TaskKind = "discover"
	// TaskScore rates a candidate's relevance via the provider gateway.
	TaskScore TaskKind = "score"
	// TaskFetchFullText retrieves the full text of a filtered paper.
	TaskFetchFullText TaskKind = "fetch_full_text"
	// TaskAnalyze summarizes a paper via the provider gateway.
	TaskAnalyze TaskKind = "analyze"
	// TaskSummarize condenses a topic's paper analyses into one summary.
	TaskSummarize TaskKind = "summarize"
	// TaskNewResearch proposes a follow-up research direction from the
	// topic summary.
	TaskNewResearch TaskKind = "new_research"
)

// TaskState represents the execution state of a task.
type TaskState string

const (
	// TaskPending means the task is queued and eligible for execution.
	TaskPending TaskState = "pending"
	// TaskRunning means a worker is currently executing the task.
	TaskRunning TaskState = "running"
	// TaskSucceeded means the task completed successfully.
	TaskSucceeded TaskState = "succeeded"
	// TaskFailed means the last attempt failed but retries remain; the pool
	// returns the task to Pending, it is not a new entity.
	TaskFailed TaskState = "failed"
	// TaskExhausted means the task failed permanently or ran out of attempts.
	TaskExhausted TaskState = "exhausted"
)

// IsTerminal returns true if no further transition occurs from the state.
func (s TaskState) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskExhausted
}

// Task is the atomic unit of orchestrated work: one discovery, scoring,
// fetch, analysis, or summarization operation on one entity. Every task
// belongs to exactly one topic.
//
// A task's mutable fields (State, Attempts, LastErr) are only ever touched
// by the single pool worker holding it, or by the pool's scheduling step
// under its own lock, so the struct carries no lock of its own.
type Task struct {
	// ID uniquely identifies the task.
	ID uuid.UUID
	// Kind is the kind of work performed.
	Kind TaskKind
	// TopicID is the owning topic.
	TopicID uuid.UUID
	// Target identifies the entity the task operates on (e.g. a paper ID).
	Target string
	// Attempts counts execution attempts so far.
	Attempts int
	// State is the current execution state.
	State TaskState
	// LastErr is the error from the most recent failed attempt, if any.
	LastErr error
	// CreatedAt is when the task was created.
	CreatedAt time.Time
}

// NewTask creates a pending task of the given kind.
func NewTask(kind TaskKind, topicID uuid.UUID, target string) *Task {
	return &Task{
		ID:        uuid.New(),
		Kind:      kind,
		TopicID:   topicID,
		Target:    target,
		State:     TaskPending,
		CreatedAt: time.Now(),
	}
}
