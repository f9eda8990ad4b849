package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/paperscout/internal/budget"
	"github.com/meridianlabs/paperscout/internal/domain"
	"github.com/meridianlabs/paperscout/internal/observability"
)

// fakeProvider is a scriptable Provider for gateway tests.
type fakeProvider struct {
	name       string
	completion *Completion
	err        error
	estimate   int
	calls      int
}

func (f *fakeProvider) GenerateCompletion(ctx context.Context, prompt string) (*Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

func (f *fakeProvider) EstimateTokens(prompt string) int { return f.estimate }
func (f *fakeProvider) Name() string                     { return f.name }
func (f *fakeProvider) Model() string                    { return "fake-model" }

var testMetrics = observability.NewMetrics()

func newTestGateway(p Provider, tracker *budget.Tracker) *Gateway {
	return NewGateway(p, tracker, zerolog.Nop(), testMetrics)
}

func TestGatewayCommitsActualUsage(t *testing.T) {
	tracker := budget.NewTracker(time.Minute, 10000, zerolog.Nop())
	p := &fakeProvider{
		name:     "anthropic",
		estimate: 500,
		completion: &Completion{
			Text:         "ok",
			Provider:     "anthropic",
			InputTokens:  300,
			OutputTokens: 100,
		},
	}
	g := newTestGateway(p, tracker)

	completion, err := g.GenerateCompletion(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", completion.Text)
	assert.Equal(t, 1, p.calls)

	// The 500-token reservation was replaced by the 400 actually used.
	assert.Equal(t, 400, tracker.Usage("anthropic"))
}

func TestGatewayReleasesBudgetOnFailure(t *testing.T) {
	tracker := budget.NewTracker(time.Minute, 10000, zerolog.Nop())
	p := &fakeProvider{
		name:     "openai",
		estimate: 800,
		err:      &APIError{Provider: "openai", StatusCode: 500, Message: "boom"},
	}
	g := newTestGateway(p, tracker)

	_, err := g.GenerateCompletion(context.Background(), "prompt")
	require.Error(t, err)

	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 0, tracker.Usage("openai"))
}

func TestGatewayWrapsRateLimitedErrors(t *testing.T) {
	tracker := budget.NewTracker(time.Minute, 10000, zerolog.Nop())
	p := &fakeProvider{
		name:     "openai",
		estimate: 100,
		err:      &APIError{Provider: "openai", StatusCode: 429, Message: "quota exceeded"},
	}
	g := newTestGateway(p, tracker)

	_, err := g.GenerateCompletion(context.Background(), "prompt")
	require.Error(t, err)

	var rl *domain.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "openai", rl.Source)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestGatewayWaitsForBudget(t *testing.T) {
	// Capacity small enough that the second call must wait for the first
	// entry to age out of a short window.
	tracker := budget.NewTracker(200*time.Millisecond, 1100, zerolog.Nop())
	p := &fakeProvider{
		name:       "gemini",
		estimate:   1100,
		completion: &Completion{Text: "ok", InputTokens: 1000, OutputTokens: 100},
	}
	g := newTestGateway(p, tracker)

	_, err := g.GenerateCompletion(context.Background(), "p1")
	require.NoError(t, err)

	start := time.Now()
	_, err = g.GenerateCompletion(context.Background(), "p2")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestGatewayCancelledWhileWaiting(t *testing.T) {
	tracker := budget.NewTracker(time.Hour, 10, zerolog.Nop())
	p := &fakeProvider{
		name:       "anthropic",
		estimate:   10,
		completion: &Completion{Text: "ok", InputTokens: 10},
	}
	g := newTestGateway(p, tracker)

	_, err := g.GenerateCompletion(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = g.GenerateCompletion(ctx, "p2")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Only one provider call happened; the waiting call never reached the backend.
	assert.Equal(t, 1, p.calls)
}
