// Package domain contains the core entities of the orchestration engine:
// research topics, paper candidates, analysis results, and the tasks that
// move them through the pipeline.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TopicState represents the lifecycle state of a research topic.
type TopicState string

const (
	// TopicPending means the topic has been registered but no work started.
	TopicPending TopicState = "pending"
	// TopicSearching means discovery and scoring tasks are running.
	TopicSearching TopicState = "searching"
	// TopicAnalyzing means analysis tasks are running for filtered papers.
	TopicAnalyzing TopicState = "analyzing"
	// TopicDone means every task owned by the topic reached a terminal state.
	TopicDone TopicState = "done"
	// TopicFailed means the topic could not produce any result at all
	// (e.g. discovery itself exhausted its retries).
	TopicFailed TopicState = "failed"
)

// IsTerminal returns true if the topic state is terminal.
func (s TopicState) IsTerminal() bool {
	return s == TopicDone || s == TopicFailed
}

// Topic is one research topic under orchestration. A Topic is owned
// exclusively by the orchestrator for its lifetime; other components only
// ever see immutable snapshots of it.
type Topic struct {
	// ID uniquely identifies the topic within a run.
	ID uuid.UUID
	// Query is the search query submitted to the document index.
	Query string
	// MaxPapers is the discovery fan-out limit for this topic.
	MaxPapers int
	// State is the current lifecycle state.
	State TopicState
	// CreatedAt is when the topic entered the run.
	CreatedAt time.Time
}

// NewTopic creates a pending topic for the given query.
func NewTopic(query string, maxPapers int) *Topic {
	return &Topic{
		ID:        uuid.New(),
		Query:     query,
		MaxPapers: maxPapers,
		State:     TopicPending,
		CreatedAt: time.Now(),
	}
}

// PaperCandidate is a paper stub returned by the document index, later
// enriched with a relevance score and full text. TopicID is a back-reference
// only; the owning Topic is tracked by the orchestrator.
type PaperCandidate struct {
	// ExternalID is the document index identifier (e.g. arXiv ID).
	ExternalID string
	// Title is the paper title.
	Title string
	// Abstract is the paper abstract.
	Abstract string
	// Score is the relevance score in [0,1]; nil until scored.
	Score *float64
	// FullText is the fetched paper body; empty until fetched.
	FullText string
	// TopicID references the topic this candidate was discovered for.
	TopicID uuid.UUID
}

// AnalysisResult holds the output of analyzing one paper. Immutable once
// created.
type AnalysisResult struct {
	// PaperID is the external identifier of the analyzed paper.
	PaperID string
	// Findings is the extracted findings text.
	Findings string
	// Methodology is the methodology summary.
	Methodology string
	// Provider is the LLM provider that generated the analysis.
	Provider string
	// TokensUsed is the token cost of generating the analysis.
	TokensUsed int
	// GeneratedAt is when the analysis completed.
	GeneratedAt time.Time
}

// TopicResult is the finished output for one topic, returned to the caller
// and handed to the saver after the topic reaches a terminal state.
type TopicResult struct {
	// Topic is a snapshot of the finished topic.
	Topic Topic
	// Papers are the candidates that passed the relevance filter.
	Papers []*PaperCandidate
	// Analyses are the per-paper analysis results.
	Analyses []*AnalysisResult
	// Summary is the topic-level summary condensed from the analyses.
	Summary string
	// NewResearch is a suggested follow-up research direction derived from
	// the summary; empty when the summary task did not succeed.
	NewResearch string
	// Failures records tasks that ended Exhausted, keyed by task description.
	Failures []TaskFailure
}

// TaskFailure records one exhausted task for reporting. Partial failures do
// not fail the topic; they are surfaced here.
type TaskFailure struct {
	// Kind is the kind of task that failed.
	Kind TaskKind
	// Target identifies the entity the task operated on.
	Target string
	// Attempts is the number of attempts made.
	Attempts int
	// Reason is the final error message.
	Reason string
}
