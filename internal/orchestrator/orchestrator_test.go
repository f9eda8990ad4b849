package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/paperscout/internal/backoff"
	"github.com/meridianlabs/paperscout/internal/domain"
	"github.com/meridianlabs/paperscout/internal/llm"
	"github.com/meridianlabs/paperscout/internal/observability"
	"github.com/meridianlabs/paperscout/internal/pool"
	"github.com/meridianlabs/paperscout/internal/progress"
)

var testMetrics = observability.NewMetrics()

// fakeIndex is a scripted document index.
type fakeIndex struct {
	mu         sync.Mutex
	candidates map[string][]*domain.PaperCandidate
	fullText   map[string]string
	searchErr  error
	fetchErr   map[string]error
}

func (f *fakeIndex) Search(ctx context.Context, query string, limit int) ([]*domain.PaperCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	found := f.candidates[query]
	if limit < len(found) {
		found = found[:limit]
	}
	// Fresh copies so tests can run a query twice.
	out := make([]*domain.PaperCandidate, 0, len(found))
	for _, c := range found {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func (f *fakeIndex) FetchFullText(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[id]; err != nil {
		return "", err
	}
	text, ok := f.fullText[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return text, nil
}

// fakeGateway answers scoring, analysis, summary, and new-research prompts
// from a scripted score table and records call order.
type fakeGateway struct {
	mu         sync.Mutex
	name       string
	scores     map[string]float64 // paper title -> relevance score
	summaryErr error              // when set, summary prompts fail with it
	calls      []string
}

func (g *fakeGateway) Provider() string { return g.name }

func (g *fakeGateway) GenerateCompletion(ctx context.Context, prompt string) (*llm.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	completion := func(text string) *llm.Completion {
		return &llm.Completion{Text: text, Provider: g.name, Model: "fake", InputTokens: 10, OutputTokens: 5}
	}

	switch {
	case strings.HasPrefix(prompt, "You assess"):
		for title, score := range g.scores {
			if strings.Contains(prompt, title) {
				g.calls = append(g.calls, "score:"+title)
				return completion(fmt.Sprintf("%g", score)), nil
			}
		}
		return nil, fmt.Errorf("no scripted score for prompt: %w", domain.ErrInvalidInput)

	case strings.HasPrefix(prompt, "You analyze"):
		for title := range g.scores {
			if strings.Contains(prompt, title) {
				g.calls = append(g.calls, "analyze:"+title)
				break
			}
		}
		return completion(`{"findings": "finding text", "methodology": "method text"}`), nil

	case strings.HasPrefix(prompt, "You synthesize"):
		g.calls = append(g.calls, "summarize")
		if g.summaryErr != nil {
			return nil, g.summaryErr
		}
		return completion("overall summary"), nil

	case strings.HasPrefix(prompt, "You propose"):
		g.calls = append(g.calls, "new_research")
		return completion("follow-up direction"), nil
	}
	return nil, fmt.Errorf("unexpected prompt: %w", domain.ErrInvalidInput)
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func candidate(id, title string) *domain.PaperCandidate {
	return &domain.PaperCandidate{ExternalID: id, Title: title, Abstract: "abstract of " + title}
}

func newTestOrchestrator(t *testing.T, cfg Config, index DocumentIndex, gw *fakeGateway) (*Orchestrator, *progress.Aggregator) {
	t.Helper()

	controller := backoff.NewController(time.Millisecond, 10*time.Millisecond, 2)
	agg := progress.NewAggregator(zerolog.Nop())
	p := pool.New(pool.Config{Concurrency: 4}, controller, agg, testMetrics, zerolog.Nop())

	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = gw.name
	}
	orch, err := New(cfg, index, map[string]CompletionGateway{gw.name: gw}, p, agg, testMetrics, zerolog.Nop())
	require.NoError(t, err)
	return orch, agg
}

func TestRelevanceFilterGatesAnalysis(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{
			"quantum computing": {
				candidate("p1", "Paper One"),
				candidate("p2", "Paper Two"),
				candidate("p3", "Paper Three"),
				candidate("p4", "Paper Four"),
				candidate("p5", "Paper Five"),
			},
		},
		fullText: map[string]string{
			"p1": "text one", "p2": "text two", "p3": "text three",
			"p4": "text four", "p5": "text five",
		},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{
		"Paper One":   0.9,
		"Paper Two":   0.8,
		"Paper Three": 0.7,
		"Paper Four":  0.3,
		"Paper Five":  0.2,
	}}

	orch, _ := newTestOrchestrator(t, Config{MaxPapersPerTopic: 10, RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"quantum computing"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, domain.TopicDone, result.Topic.State)
	assert.Len(t, result.Papers, 3)
	assert.Len(t, result.Analyses, 3)
	assert.Equal(t, "overall summary", result.Summary)
	assert.Equal(t, "follow-up direction", result.NewResearch)
	assert.Empty(t, result.Failures)

	analyzeCalls := 0
	for _, call := range gw.callLog() {
		if strings.HasPrefix(call, "analyze:") {
			analyzeCalls++
			assert.NotContains(t, []string{"analyze:Paper Four", "analyze:Paper Five"}, call)
		}
	}
	assert.Equal(t, 3, analyzeCalls)
}

func TestNewResearchFollowsSummary(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{"topic": {candidate("p1", "Alpha")}},
		fullText:   map[string]string{"p1": "text"},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{"Alpha": 0.9}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"topic"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "follow-up direction", results[0].NewResearch)

	calls := gw.callLog()
	summarizeAt, newResearchAt := -1, -1
	for i, call := range calls {
		switch call {
		case "summarize":
			summarizeAt = i
		case "new_research":
			newResearchAt = i
		}
	}
	require.NotEqual(t, -1, summarizeAt)
	require.NotEqual(t, -1, newResearchAt)
	assert.Less(t, summarizeAt, newResearchAt, "new research must build on the finished summary")
}

func TestSummaryFailureSkipsNewResearch(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{"topic": {candidate("p1", "Alpha")}},
		fullText:   map[string]string{"p1": "text"},
	}
	gw := &fakeGateway{
		name:       "fake",
		scores:     map[string]float64{"Alpha": 0.9},
		summaryErr: fmt.Errorf("summary rejected: %w", domain.ErrInvalidInput),
	}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"topic"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, domain.TopicDone, result.Topic.State)
	assert.Len(t, result.Analyses, 1)
	assert.Empty(t, result.Summary)
	assert.Empty(t, result.NewResearch)
	assert.NotContains(t, gw.callLog(), "new_research")

	require.Len(t, result.Failures, 1)
	assert.Equal(t, domain.TaskSummarize, result.Failures[0].Kind)
}

func TestAnalyzeNeverPrecedesItsScore(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{
			"topic": {candidate("p1", "Alpha"), candidate("p2", "Beta")},
		},
		fullText: map[string]string{"p1": "alpha text", "p2": "beta text"},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{"Alpha": 0.9, "Beta": 0.9}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	_, err := orch.Run(context.Background(), []string{"topic"})
	require.NoError(t, err)

	calls := gw.callLog()
	position := func(call string) int {
		for i, c := range calls {
			if c == call {
				return i
			}
		}
		return -1
	}
	for _, title := range []string{"Alpha", "Beta"} {
		scoreAt := position("score:" + title)
		analyzeAt := position("analyze:" + title)
		require.GreaterOrEqual(t, scoreAt, 0)
		require.GreaterOrEqual(t, analyzeAt, 0)
		assert.Greater(t, analyzeAt, scoreAt, "analysis of %s ran before its score", title)
	}
}

func TestPartialFailureDoesNotFailTopic(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{
			"topic": {candidate("p1", "Alpha"), candidate("p2", "Beta"), candidate("p3", "Gamma")},
		},
		fullText: map[string]string{"p1": "alpha text", "p3": "gamma text"},
		fetchErr: map[string]error{"p2": domain.ErrAccessDenied},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{"Alpha": 0.9, "Beta": 0.9, "Gamma": 0.9}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"topic"})
	require.NoError(t, err)

	result := results[0]
	assert.Equal(t, domain.TopicDone, result.Topic.State)
	assert.Len(t, result.Analyses, 2)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, domain.TaskFetchFullText, result.Failures[0].Kind)
	assert.Equal(t, "p2", result.Failures[0].Target)
}

func TestDiscoveryExhaustionFailsTopic(t *testing.T) {
	index := &fakeIndex{searchErr: domain.ErrUnauthorized}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"topic"})
	require.NoError(t, err)

	result := results[0]
	assert.Equal(t, domain.TopicFailed, result.Topic.State)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, domain.TaskDiscover, result.Failures[0].Kind)
	assert.Empty(t, result.Analyses)
}

func TestNoCandidatesFinishesDone(t *testing.T) {
	index := &fakeIndex{candidates: map[string][]*domain.PaperCandidate{}}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"obscure topic"})
	require.NoError(t, err)
	assert.Equal(t, domain.TopicDone, results[0].Topic.State)
	assert.Empty(t, results[0].Papers)
	assert.Empty(t, results[0].Summary)
}

func TestMultipleTopicsShareOneRun(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{
			"first":  {candidate("a1", "First Alpha")},
			"second": {candidate("b1", "Second Alpha")},
		},
		fullText: map[string]string{"a1": "text", "b1": "text"},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{"First Alpha": 0.9, "Second Alpha": 0.9}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Results come back in submission order regardless of completion order.
	assert.Equal(t, "first", results[0].Topic.Query)
	assert.Equal(t, "second", results[1].Topic.Query)
	for _, result := range results {
		assert.Equal(t, domain.TopicDone, result.Topic.State)
		assert.Len(t, result.Analyses, 1)
	}
}

func TestProgressEventsCloseAfterRun(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{"topic": {candidate("p1", "Alpha")}},
		fullText:   map[string]string{"p1": "text"},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{"Alpha": 0.9}}

	orch, agg := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	events := make(chan []domain.ProgressEvent, 1)
	go func() {
		var seen []domain.ProgressEvent
		for event := range agg.Subscribe() {
			seen = append(seen, event)
		}
		events <- seen
	}()

	_, err := orch.Run(context.Background(), []string{"topic"})
	require.NoError(t, err)

	select {
	case seen := <-events:
		// discover, score, fetch, analyze, summarize, new research:
		// started+succeeded each, plus the topic terminal event.
		assert.GreaterOrEqual(t, len(seen), 13)
		last := seen[len(seen)-1]
		assert.Equal(t, domain.PhaseSaving, last.Phase)
		assert.Equal(t, domain.EventSucceeded, last.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream never closed")
	}
}

func TestRunRejectsEmptyTopicList(t *testing.T) {
	index := &fakeIndex{}
	gw := &fakeGateway{name: "fake"}
	orch, _ := newTestOrchestrator(t, Config{}, index, gw)

	_, err := orch.Run(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	controller := backoff.NewController(time.Millisecond, 10*time.Millisecond, 2)
	agg := progress.NewAggregator(zerolog.Nop())
	p := pool.New(pool.Config{Concurrency: 1}, controller, agg, testMetrics, zerolog.Nop())
	gw := &fakeGateway{name: "fake"}
	gateways := map[string]CompletionGateway{"fake": gw}

	_, err := New(Config{DefaultProvider: "missing"}, &fakeIndex{}, gateways, p, agg, testMetrics, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{
		DefaultProvider: "fake",
		TopicProviders:  map[string]string{"some topic": "missing"},
	}, &fakeIndex{}, gateways, p, agg, testMetrics, zerolog.Nop())
	assert.Error(t, err)
}

func TestScoreExhaustionDropsCandidate(t *testing.T) {
	// Beta has no scripted score, so its scoring task fails permanently and
	// the candidate is dropped without ever reaching analysis.
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{
			"topic": {candidate("p1", "Alpha"), candidate("p2", "Beta")},
		},
		fullText: map[string]string{"p1": "text", "p2": "text"},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{"Alpha": 0.9}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	results, err := orch.Run(context.Background(), []string{"topic"})
	require.NoError(t, err)

	result := results[0]
	assert.Equal(t, domain.TopicDone, result.Topic.State)
	assert.Len(t, result.Papers, 1)
	assert.Len(t, result.Analyses, 1)
	require.NotEmpty(t, result.Failures)
	assert.Equal(t, domain.TaskScore, result.Failures[0].Kind)

	for _, call := range gw.callLog() {
		assert.NotEqual(t, "analyze:Beta", call)
	}
}

func TestCancellationPreservesFinishedWork(t *testing.T) {
	index := &fakeIndex{
		candidates: map[string][]*domain.PaperCandidate{"topic": {candidate("p1", "Alpha")}},
		fullText:   map[string]string{"p1": "text"},
	}
	gw := &fakeGateway{name: "fake", scores: map[string]float64{"Alpha": 0.9}}

	orch, _ := newTestOrchestrator(t, Config{RelevanceThreshold: 0.5}, index, gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := orch.Run(ctx, []string{"topic"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	// Everything was abandoned before running; the topic failed at discovery.
	assert.Equal(t, domain.TopicFailed, results[0].Topic.State)
	require.NotEmpty(t, results[0].Failures)
	assert.Contains(t, results[0].Failures[0].Reason, "cancel")
}
