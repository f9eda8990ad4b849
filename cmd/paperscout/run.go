package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meridianlabs/paperscout/internal/backoff"
	"github.com/meridianlabs/paperscout/internal/budget"
	"github.com/meridianlabs/paperscout/internal/config"
	"github.com/meridianlabs/paperscout/internal/domain"
	"github.com/meridianlabs/paperscout/internal/index"
	"github.com/meridianlabs/paperscout/internal/llm"
	"github.com/meridianlabs/paperscout/internal/observability"
	"github.com/meridianlabs/paperscout/internal/orchestrator"
	"github.com/meridianlabs/paperscout/internal/pool"
	"github.com/meridianlabs/paperscout/internal/progress"
	httpserver "github.com/meridianlabs/paperscout/internal/server/http"
	"github.com/meridianlabs/paperscout/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run [topic]...",
	Short: "Research one or more topics",
	Long: `Run researches each topic argument end to end: discovery, relevance
scoring, full-text analysis, and a topic summary. Results are persisted to
the configured SQLite database and optionally exported as JSON.

Interrupting the run (SIGINT/SIGTERM) lets in-flight tasks finish and
discards queued work; everything completed so far is still saved.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTopics(args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runTopics wires the engine together and drives the given topic queries
// through it.
func runTopics(queries []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	metrics := observability.NewMetrics()

	logger.Info().
		Str("version", version).
		Int("topics", len(queries)).
		Str("provider", cfg.LLM.Provider).
		Msg("starting paperscout run")

	gateways, err := buildGateways(cfg, budget.NewTracker(cfg.Budget.Window, cfg.Budget.TokensPerMinute, logger), logger, metrics)
	if err != nil {
		return err
	}

	aggregator := progress.NewAggregator(logger)
	taskPool := pool.New(
		pool.Config{Concurrency: cfg.Orchestrator.MaxConcurrency},
		backoff.NewController(cfg.Backoff.BaseDelay, cfg.Backoff.MaxDelay, cfg.Backoff.MaxRetries),
		aggregator,
		metrics,
		logger,
	)

	idx := index.New(index.Config{
		BaseURL:         cfg.Index.BaseURL,
		FullTextBaseURL: cfg.Index.FullTextBaseURL,
		Timeout:         cfg.Index.Timeout,
		RateLimit:       cfg.Index.RateLimit,
		MaxResults:      cfg.Index.MaxResults,
	})

	resultStore, err := store.NewStore(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	defer resultStore.Close()

	hub := httpserver.NewEventHub()
	if cfg.Server.Enabled {
		shutdown := startStatusServer(cfg, resultStore, hub, logger)
		defer shutdown()
	}

	orch, err := orchestrator.New(
		orchestrator.Config{
			MaxPapersPerTopic:  cfg.Orchestrator.MaxPapersPerTopic,
			RelevanceThreshold: cfg.Orchestrator.RelevanceThreshold,
			DefaultProvider:    cfg.LLM.Provider,
			TopicProviders:     cfg.Orchestrator.TopicProviders,
		},
		idx, gateways, taskPool, aggregator, metrics, logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fan the single ordered progress stream out to the log renderer and the
	// HTTP stream hub. Run closes the aggregator when every topic finishes,
	// which ends this goroutine.
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for event := range aggregator.Subscribe() {
			hub.Publish(event)
			renderEvent(logger, event)
		}
	}()

	results, err := orch.Run(ctx, queries)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	<-rendered

	// Persist with a fresh context: an interrupt that ended the run early
	// must not also discard the finished work.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, result := range results {
		if err := resultStore.SaveResult(saveCtx, result); err != nil {
			return fmt.Errorf("failed to save topic %q: %w", result.Topic.Query, err)
		}
	}

	if cfg.Store.ExportDir != "" {
		runDir, err := store.ExportJSON(cfg.Store.ExportDir, results)
		if err != nil {
			return fmt.Errorf("failed to export results: %w", err)
		}
		logger.Info().Str("dir", runDir).Msg("exported run results")
	}

	printSummary(results)
	return nil
}

// buildGateways creates one budgeted gateway per provider the configuration
// references. All gateways share the tracker, so per-provider budgets hold
// across topics.
func buildGateways(cfg *config.Config, tracker *budget.Tracker, logger zerolog.Logger, metrics *observability.Metrics) (map[string]orchestrator.CompletionGateway, error) {
	gateways := make(map[string]orchestrator.CompletionGateway)
	for _, name := range cfg.Providers() {
		provider, err := llm.NewProvider(llm.FactoryConfig{
			Provider:    name,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
			OpenAI: llm.OpenAIConfig{
				APIKey:  cfg.LLM.OpenAI.APIKey,
				Model:   cfg.LLM.OpenAI.Model,
				BaseURL: cfg.LLM.OpenAI.BaseURL,
			},
			Anthropic: llm.AnthropicConfig{
				APIKey:  cfg.LLM.Anthropic.APIKey,
				Model:   cfg.LLM.Anthropic.Model,
				BaseURL: cfg.LLM.Anthropic.BaseURL,
			},
			Gemini: llm.GeminiConfig{
				APIKey:  cfg.LLM.Gemini.APIKey,
				Model:   cfg.LLM.Gemini.Model,
				BaseURL: cfg.LLM.Gemini.BaseURL,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %q: %w", name, err)
		}
		gateways[name] = llm.NewGateway(provider, tracker, logger, metrics)
	}
	return gateways, nil
}

// startStatusServer starts the status HTTP server in the background and
// returns its shutdown function.
func startStatusServer(cfg *config.Config, resultStore *store.Store, hub *httpserver.EventHub, logger zerolog.Logger) func() {
	server := httpserver.NewServer(httpserver.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, resultStore, hub, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("status server shutdown failed")
		}
	}
}

// renderEvent logs one progress event at a level matching its status.
func renderEvent(logger zerolog.Logger, event domain.ProgressEvent) {
	entry := logger.Info()
	switch event.Status {
	case domain.EventRetrying:
		entry = logger.Warn()
	case domain.EventFailed:
		entry = logger.Error()
	}
	entry.
		Str("topic_id", event.TopicID.String()).
		Str("kind", string(event.Kind)).
		Str("phase", string(event.Phase)).
		Str("status", string(event.Status)).
		Int("attempt", event.Attempt).
		Msg(event.Message)
}

// printSummary writes the per-topic outcome to stdout.
func printSummary(results []*domain.TopicResult) {
	for _, result := range results {
		fmt.Printf("\n=== %s [%s] ===\n", result.Topic.Query, result.Topic.State)
		fmt.Printf("papers analyzed: %d", len(result.Analyses))
		if len(result.Failures) > 0 {
			fmt.Printf(", failures: %d", len(result.Failures))
		}
		fmt.Println()
		for _, failure := range result.Failures {
			fmt.Printf("  failed %s %q after %d attempts: %s\n",
				failure.Kind, failure.Target, failure.Attempts, failure.Reason)
		}
		if result.Summary != "" {
			fmt.Printf("\n%s\n", result.Summary)
		}
		if result.NewResearch != "" {
			fmt.Printf("\nSuggested follow-up research:\n%s\n", result.NewResearch)
		}
	}
}
