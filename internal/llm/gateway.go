package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianlabs/paperscout/internal/budget"
	"github.com/meridianlabs/paperscout/internal/domain"
	"github.com/meridianlabs/paperscout/internal/observability"
)

// Gateway binds one provider variant to the shared rate budget tracker under
// the provider's own budget key. It is the single entry point used by
// higher-level tasks: estimate cost, reserve budget, wait, invoke, commit on
// success. The gateway never retries internally; retry is the task pool's
// responsibility.
type Gateway struct {
	provider Provider
	tracker  *budget.Tracker
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// NewGateway creates a gateway around the given provider. The tracker's
// budget key is the provider name, so all gateways sharing a tracker share
// one global per-provider ceiling.
func NewGateway(provider Provider, tracker *budget.Tracker, logger zerolog.Logger, metrics *observability.Metrics) *Gateway {
	return &Gateway{
		provider: provider,
		tracker:  tracker,
		logger:   observability.WithProviderContext(logger, provider.Name(), provider.Model()),
		metrics:  metrics,
	}
}

// Provider returns the underlying provider's name.
func (g *Gateway) Provider() string {
	return g.provider.Name()
}

// GenerateCompletion performs one budgeted LLM call. Rate-limited backend
// rejections are wrapped in *domain.RateLimitError carrying the budget's
// currently computed wait, so the retry delay can be lower-bounded by it.
func (g *Gateway) GenerateCompletion(ctx context.Context, prompt string) (*Completion, error) {
	name := g.provider.Name()
	estimated := g.provider.EstimateTokens(prompt)

	wait := g.tracker.Reserve(name, estimated)
	if wait > 0 {
		g.metrics.BudgetWaits.WithLabelValues(name).Inc()
		g.metrics.BudgetWaitDuration.WithLabelValues(name).Observe(wait.Seconds())
		g.logger.Debug().
			Dur("wait", wait).
			Int("estimated_tokens", estimated).
			Msg("waiting for budget")

		select {
		case <-ctx.Done():
			g.tracker.Release(name, estimated)
			return nil, fmt.Errorf("%s: cancelled while waiting for budget: %w", name, ctx.Err())
		case <-time.After(wait):
		}
	}

	completion, err := g.provider.GenerateCompletion(ctx, prompt)
	if err != nil {
		g.tracker.Release(name, estimated)
		g.metrics.LLMRequestsTotal.WithLabelValues(name, "error").Inc()

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsRateLimited() {
			retryAfter := g.tracker.PeekWait(name, estimated)
			return nil, fmt.Errorf("%w: %s", domain.NewRateLimitError(name, retryAfter), apiErr.Message)
		}
		return nil, err
	}

	tokens := completion.TotalTokens()
	if tokens == 0 {
		tokens = estimated
	}
	g.tracker.Commit(name, tokens, time.Now())

	g.metrics.LLMRequestsTotal.WithLabelValues(name, "success").Inc()
	g.metrics.LLMTokensTotal.WithLabelValues(name).Add(float64(tokens))

	return completion, nil
}

// EstimateTokens exposes the underlying provider's cost estimate.
func (g *Gateway) EstimateTokens(prompt string) int {
	return g.provider.EstimateTokens(prompt)
}
