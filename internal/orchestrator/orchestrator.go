// Package orchestrator drives research topics through discovery, relevance
// filtering, and deep analysis, fanning the work out over a shared task pool.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianlabs/paperscout/internal/domain"
	"github.com/meridianlabs/paperscout/internal/llm"
	"github.com/meridianlabs/paperscout/internal/observability"
	"github.com/meridianlabs/paperscout/internal/pool"
	"github.com/meridianlabs/paperscout/internal/progress"
)

// DocumentIndex is the external paper search contract. Both operations run
// as pool tasks under the same retry discipline as LLM calls.
type DocumentIndex interface {
	Search(ctx context.Context, query string, limit int) ([]*domain.PaperCandidate, error)
	FetchFullText(ctx context.Context, id string) (string, error)
}

// CompletionGateway is the budgeted LLM call contract implemented by
// llm.Gateway.
type CompletionGateway interface {
	GenerateCompletion(ctx context.Context, prompt string) (*llm.Completion, error)
	Provider() string
}

// Config holds orchestrator configuration. It is immutable after
// construction; provider selection is resolved once per topic at Run start,
// never re-evaluated per call.
type Config struct {
	// MaxPapersPerTopic is the discovery fan-out limit per topic.
	MaxPapersPerTopic int

	// RelevanceThreshold is the filter cutoff: candidates scoring below it
	// are never submitted for analysis.
	RelevanceThreshold float64

	// DefaultProvider names the gateway used for topics without an explicit
	// mapping.
	DefaultProvider string

	// TopicProviders optionally maps a topic query to a provider name,
	// overriding DefaultProvider for that topic.
	TopicProviders map[string]string
}

// Orchestrator composes the document index, the provider gateways, and the
// task pool into per-topic pipelines. Multiple topics run concurrently
// against the same pool and share gateways, so per-provider rate ceilings
// hold globally across topics.
type Orchestrator struct {
	cfg        Config
	index      DocumentIndex
	gateways   map[string]CompletionGateway
	pool       *pool.Pool
	aggregator *progress.Aggregator
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// topicRun is the orchestrator's private bookkeeping for one topic. The
// topic itself is owned exclusively by the orchestrator; pool hooks mutate
// run state only under mu.
type topicRun struct {
	mu sync.Mutex

	topic       *domain.Topic
	gateway     CompletionGateway
	startedAt   time.Time
	candidates  []*domain.PaperCandidate
	passed      []*domain.PaperCandidate
	analyses    []*domain.AnalysisResult
	summary     string
	newResearch string
	failures    []domain.TaskFailure

	// pendingScores and pendingAnalyses gate the Searching -> Analyzing ->
	// Done transitions: a phase advances only when its counter drains.
	pendingScores   int
	pendingAnalyses int
}

// New creates an orchestrator. Every provider named in the configuration
// must have a gateway; a missing gateway is a construction error, caught
// before any task exists.
func New(
	cfg Config,
	index DocumentIndex,
	gateways map[string]CompletionGateway,
	taskPool *pool.Pool,
	aggregator *progress.Aggregator,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if cfg.MaxPapersPerTopic <= 0 {
		cfg.MaxPapersPerTopic = 10
	}
	if cfg.DefaultProvider == "" {
		return nil, fmt.Errorf("no default provider configured")
	}
	if _, ok := gateways[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("no gateway for default provider %q", cfg.DefaultProvider)
	}
	for query, provider := range cfg.TopicProviders {
		if _, ok := gateways[provider]; !ok {
			return nil, fmt.Errorf("no gateway for provider %q mapped to topic %q", provider, query)
		}
	}

	return &Orchestrator{
		cfg:        cfg,
		index:      index,
		gateways:   gateways,
		pool:       taskPool,
		aggregator: aggregator,
		metrics:    metrics,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Run orchestrates one topic per query and blocks until every topic reaches
// a terminal state. Partial failures are recorded on the results, never
// raised: a topic that lost some papers to exhausted tasks still comes back
// Done. Cancelling ctx abandons queued work; results of already-terminal
// tasks are preserved in the returned slice.
func (o *Orchestrator) Run(ctx context.Context, queries []string) ([]*domain.TopicResult, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("no topics given: %w", domain.ErrInvalidInput)
	}

	runs := make([]*topicRun, 0, len(queries))
	for _, query := range queries {
		topic := domain.NewTopic(query, o.cfg.MaxPapersPerTopic)
		runs = append(runs, &topicRun{
			topic:     topic,
			gateway:   o.gatewayFor(query),
			startedAt: time.Now(),
		})
	}

	o.pool.Start(ctx)
	for _, run := range runs {
		o.startTopic(run)
	}
	o.pool.Wait()
	o.pool.Stop()
	o.aggregator.Close()

	results := make([]*domain.TopicResult, 0, len(runs))
	for _, run := range runs {
		results = append(results, run.result())
	}
	return results, nil
}

// gatewayFor resolves the provider gateway for a topic query.
func (o *Orchestrator) gatewayFor(query string) CompletionGateway {
	if provider, ok := o.cfg.TopicProviders[query]; ok {
		return o.gateways[provider]
	}
	return o.gateways[o.cfg.DefaultProvider]
}

// startTopic moves the topic to Searching and submits its discovery task.
func (o *Orchestrator) startTopic(run *topicRun) {
	run.topic.State = domain.TopicSearching
	o.metrics.TopicsStarted.Inc()
	topicLogger := observability.WithTopicContext(o.logger, run.topic.ID.String(), run.topic.Query)
	topicLogger.Info().
		Str("provider", run.gateway.Provider()).
		Msg("topic started")

	task := domain.NewTask(domain.TaskDiscover, run.topic.ID, run.topic.Query)
	o.pool.Submit(task, domain.PhaseSearch,
		func(ctx context.Context) error {
			candidates, err := o.index.Search(ctx, run.topic.Query, run.topic.MaxPapers)
			if err != nil {
				o.metrics.SearchesTotal.WithLabelValues("error").Inc()
				return err
			}
			o.metrics.SearchesTotal.WithLabelValues("success").Inc()
			o.metrics.PapersDiscovered.Add(float64(len(candidates)))

			run.mu.Lock()
			for _, candidate := range candidates {
				candidate.TopicID = run.topic.ID
			}
			run.candidates = candidates
			run.mu.Unlock()
			return nil
		},
		func(done *domain.Task) { o.onDiscoverDone(run, done) })
}

// onDiscoverDone fans scoring tasks out over the discovered candidates. A
// topic whose discovery itself exhausted has nothing to work with and fails.
func (o *Orchestrator) onDiscoverDone(run *topicRun, task *domain.Task) {
	if task.State != domain.TaskSucceeded {
		run.recordFailure(task)
		o.finishTopic(run, domain.TopicFailed)
		return
	}

	run.mu.Lock()
	candidates := run.candidates
	run.pendingScores = len(candidates)
	run.mu.Unlock()

	if len(candidates) == 0 {
		o.finishTopic(run, domain.TopicDone)
		return
	}

	for _, candidate := range candidates {
		o.submitScore(run, candidate)
	}
}

// submitScore queues one relevance-scoring task for a candidate.
func (o *Orchestrator) submitScore(run *topicRun, candidate *domain.PaperCandidate) {
	task := domain.NewTask(domain.TaskScore, run.topic.ID, candidate.ExternalID)
	o.pool.Submit(task, domain.PhaseSearch,
		func(ctx context.Context) error {
			prompt := llm.BuildRelevancePrompt(run.topic.Query, candidate.Title, candidate.Abstract)
			completion, err := run.gateway.GenerateCompletion(ctx, prompt)
			if err != nil {
				return err
			}
			score, err := llm.ParseRelevanceScore(completion.Text)
			if err != nil {
				return err
			}

			run.mu.Lock()
			candidate.Score = &score
			run.mu.Unlock()
			return nil
		},
		func(done *domain.Task) { o.onScoreDone(run, done) })
}

// onScoreDone advances the topic to Analyzing once every scoring task is
// terminal. Candidates that were never scored (exhausted task) or scored
// below the threshold are dropped here, never submitted for analysis.
func (o *Orchestrator) onScoreDone(run *topicRun, task *domain.Task) {
	if task.State != domain.TaskSucceeded {
		run.recordFailure(task)
	}

	run.mu.Lock()
	run.pendingScores--
	if run.pendingScores > 0 {
		run.mu.Unlock()
		return
	}

	var passed []*domain.PaperCandidate
	dropped := 0
	for _, candidate := range run.candidates {
		if candidate.Score != nil && *candidate.Score >= o.cfg.RelevanceThreshold {
			passed = append(passed, candidate)
		} else {
			dropped++
		}
	}
	run.passed = passed
	run.pendingAnalyses = len(passed)
	run.mu.Unlock()

	o.metrics.PapersFiltered.Add(float64(dropped))
	o.logger.Info().
		Str("topic_id", run.topic.ID.String()).
		Int("scored", len(run.candidates)).
		Int("passed", len(passed)).
		Float64("threshold", o.cfg.RelevanceThreshold).
		Msg("relevance filter applied")

	if len(passed) == 0 {
		o.finishTopic(run, domain.TopicDone)
		return
	}

	run.topic.State = domain.TopicAnalyzing
	for _, candidate := range passed {
		o.submitFetch(run, candidate)
	}
}

// submitFetch queues a full-text fetch; its analysis task is only submitted
// once the fetch has succeeded, so the pair never races on the candidate.
func (o *Orchestrator) submitFetch(run *topicRun, candidate *domain.PaperCandidate) {
	task := domain.NewTask(domain.TaskFetchFullText, run.topic.ID, candidate.ExternalID)
	o.pool.Submit(task, domain.PhaseAnalysis,
		func(ctx context.Context) error {
			text, err := o.index.FetchFullText(ctx, candidate.ExternalID)
			if err != nil {
				return err
			}
			run.mu.Lock()
			candidate.FullText = text
			run.mu.Unlock()
			return nil
		},
		func(done *domain.Task) {
			if done.State != domain.TaskSucceeded {
				run.recordFailure(done)
				o.analysisChainFinished(run)
				return
			}
			o.submitAnalyze(run, candidate)
		})
}

// submitAnalyze queues the deep-analysis task for a fetched paper.
func (o *Orchestrator) submitAnalyze(run *topicRun, candidate *domain.PaperCandidate) {
	task := domain.NewTask(domain.TaskAnalyze, run.topic.ID, candidate.ExternalID)
	o.pool.Submit(task, domain.PhaseAnalysis,
		func(ctx context.Context) error {
			prompt := llm.BuildAnalysisPrompt(run.topic.Query, candidate.Title, candidate.FullText)
			completion, err := run.gateway.GenerateCompletion(ctx, prompt)
			if err != nil {
				return err
			}
			findings, methodology, err := llm.ParseAnalysis(completion.Text)
			if err != nil {
				return err
			}

			run.mu.Lock()
			run.analyses = append(run.analyses, &domain.AnalysisResult{
				PaperID:     candidate.ExternalID,
				Findings:    findings,
				Methodology: methodology,
				Provider:    completion.Provider,
				TokensUsed:  completion.TotalTokens(),
				GeneratedAt: time.Now(),
			})
			run.mu.Unlock()

			paperLogger := observability.WithPaperContext(o.logger, candidate.ExternalID, candidate.Title)
			paperLogger.Debug().
				Int("tokens", completion.TotalTokens()).
				Msg("paper analyzed")
			return nil
		},
		func(done *domain.Task) {
			if done.State != domain.TaskSucceeded {
				run.recordFailure(done)
			}
			o.analysisChainFinished(run)
		})
}

// analysisChainFinished marks one fetch+analyze chain terminal and, once all
// chains are done, submits the topic summary.
func (o *Orchestrator) analysisChainFinished(run *topicRun) {
	run.mu.Lock()
	run.pendingAnalyses--
	remaining := run.pendingAnalyses
	analyses := len(run.analyses)
	run.mu.Unlock()

	if remaining > 0 {
		return
	}
	if analyses == 0 {
		o.finishTopic(run, domain.TopicDone)
		return
	}
	o.submitSummarize(run)
}

// submitSummarize queues the topic-level summary over the finished analyses.
// A failed summary is recorded like any other exhausted task; the topic still
// finishes Done with its per-paper results intact. A successful summary
// chains into a new-research suggestion task.
func (o *Orchestrator) submitSummarize(run *topicRun) {
	task := domain.NewTask(domain.TaskSummarize, run.topic.ID, run.topic.Query)
	o.pool.Submit(task, domain.PhaseAnalysis,
		func(ctx context.Context) error {
			run.mu.Lock()
			findings := make([]string, 0, len(run.analyses))
			for _, analysis := range run.analyses {
				findings = append(findings, analysis.Findings)
			}
			run.mu.Unlock()

			prompt := llm.BuildSummaryPrompt(run.topic.Query, findings)
			completion, err := run.gateway.GenerateCompletion(ctx, prompt)
			if err != nil {
				return err
			}

			run.mu.Lock()
			run.summary = completion.Text
			run.mu.Unlock()
			return nil
		},
		func(done *domain.Task) {
			if done.State != domain.TaskSucceeded {
				// Without a summary there is nothing to base a new-research
				// suggestion on.
				run.recordFailure(done)
				o.finishTopic(run, domain.TopicDone)
				return
			}
			o.submitNewResearch(run)
		})
}

// submitNewResearch queues the follow-up research suggestion derived from
// the topic summary. Like the summary, a failure here is recorded without
// affecting the topic's Done outcome.
func (o *Orchestrator) submitNewResearch(run *topicRun) {
	task := domain.NewTask(domain.TaskNewResearch, run.topic.ID, run.topic.Query)
	o.pool.Submit(task, domain.PhaseAnalysis,
		func(ctx context.Context) error {
			run.mu.Lock()
			summary := run.summary
			run.mu.Unlock()

			prompt := llm.BuildNewResearchPrompt(run.topic.Query, summary)
			completion, err := run.gateway.GenerateCompletion(ctx, prompt)
			if err != nil {
				return err
			}

			run.mu.Lock()
			run.newResearch = completion.Text
			run.mu.Unlock()
			return nil
		},
		func(done *domain.Task) {
			if done.State != domain.TaskSucceeded {
				run.recordFailure(done)
			}
			o.finishTopic(run, domain.TopicDone)
		})
}

// finishTopic moves the topic to its terminal state. By construction every
// task the topic owns is already terminal when this runs.
func (o *Orchestrator) finishTopic(run *topicRun, state domain.TopicState) {
	run.topic.State = state

	run.mu.Lock()
	failures := len(run.failures)
	run.mu.Unlock()

	outcome := "clean"
	if failures > 0 {
		outcome = "with_failures"
	}
	o.metrics.TopicsCompleted.WithLabelValues(outcome).Inc()
	o.metrics.TopicDuration.Observe(time.Since(run.startedAt).Seconds())

	o.logger.Info().
		Str("topic_id", run.topic.ID.String()).
		Str("query", run.topic.Query).
		Str("state", string(state)).
		Int("failures", failures).
		Dur("duration", time.Since(run.startedAt)).
		Msg("topic finished")

	status := domain.EventSucceeded
	if state == domain.TopicFailed {
		status = domain.EventFailed
	}
	o.aggregator.Publish(domain.ProgressEvent{
		TaskID:    uuid.Nil,
		TopicID:   run.topic.ID,
		Phase:     domain.PhaseSaving,
		Status:    status,
		Message:   "topic " + string(state),
		Timestamp: time.Now(),
	})
}

// recordFailure appends an exhausted task to the topic's failure record.
func (run *topicRun) recordFailure(task *domain.Task) {
	reason := "unknown"
	if task.LastErr != nil {
		reason = task.LastErr.Error()
	}

	run.mu.Lock()
	run.failures = append(run.failures, domain.TaskFailure{
		Kind:     task.Kind,
		Target:   task.Target,
		Attempts: task.Attempts,
		Reason:   reason,
	})
	run.mu.Unlock()
}

// result snapshots the finished topic for the caller.
func (run *topicRun) result() *domain.TopicResult {
	run.mu.Lock()
	defer run.mu.Unlock()

	return &domain.TopicResult{
		Topic:       *run.topic,
		Papers:      run.passed,
		Analyses:    run.analyses,
		Summary:     run.summary,
		NewResearch: run.newResearch,
		Failures:    run.failures,
	}
}
