// Package llm provides a uniform completion interface over heterogeneous LLM
// backends (Anthropic, OpenAI, Gemini) and the gateway that binds each
// backend to its rate budget.
//
// Providers are pure request/response: they never retry internally. Failure
// classification and retry scheduling belong to the backoff controller and
// the task pool.
package llm

import (
	"context"
)

// Completion is the result of a single LLM call.
type Completion struct {
	// Text is the generated completion text.
	Text string

	// Provider is the provider name that produced the completion.
	Provider string

	// Model is the model identifier used.
	Model string

	// InputTokens is the number of prompt tokens consumed.
	InputTokens int

	// OutputTokens is the number of completion tokens generated.
	OutputTokens int
}

// TotalTokens returns the combined token cost of the completion.
func (c *Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// Provider is the capability interface every LLM backend variant implements.
type Provider interface {
	// GenerateCompletion sends the prompt to the backend and returns the
	// completion. The context should be used for cancellation and deadline
	// propagation. Implementations return *APIError for backend failures so
	// callers can classify them.
	GenerateCompletion(ctx context.Context, prompt string) (*Completion, error)

	// EstimateTokens estimates the token cost of sending the prompt,
	// including the response allowance. Used to reserve budget before the
	// call; the committed amount is the actual usage reported by the API.
	EstimateTokens(prompt string) int

	// Name returns the provider name (budget key).
	Name() string

	// Model returns the model identifier being used.
	Model() string
}

// estimateTokens is the shared prompt-cost heuristic: roughly four
// characters per token, plus the response allowance.
func estimateTokens(prompt string, maxOutputTokens int) int {
	return len(prompt)/4 + maxOutputTokens
}
