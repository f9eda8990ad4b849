package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAnthropicTestServer returns a server answering the Messages API with
// the given handler.
func newAnthropicTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func anthropicSuccessResponse(text string, inputTokens, outputTokens int) messagesResponse {
	return messagesResponse{
		ID:    "msg_test",
		Type:  "message",
		Role:  "assistant",
		Model: "claude-3-5-sonnet-20241022",
		Content: []contentBlock{
			{Type: "text", Text: text},
		},
		Usage: anthropicUsage{InputTokens: inputTokens, OutputTokens: outputTokens},
	}
}

func TestAnthropicGenerateCompletion(t *testing.T) {
	server := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		json.NewEncoder(w).Encode(anthropicSuccessResponse("0.85", 120, 4))
	})
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL}, 0.2, 5*time.Second)

	completion, err := p.GenerateCompletion(context.Background(), "rate this paper")
	require.NoError(t, err)
	assert.Equal(t, "0.85", completion.Text)
	assert.Equal(t, "anthropic", completion.Provider)
	assert.Equal(t, 120, completion.InputTokens)
	assert.Equal(t, 4, completion.OutputTokens)
	assert.Equal(t, 124, completion.TotalTokens())
}

func TestAnthropicRateLimitedError(t *testing.T) {
	server := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(anthropicErrorResponse{
			Type:  "error",
			Error: anthropicAPIErrorDetail{Type: "rate_limit_error", Message: "quota exceeded"},
		})
	})
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL}, 0.2, 5*time.Second)

	_, err := p.GenerateCompletion(context.Background(), "prompt")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, apiErr.IsRateLimited())
	assert.True(t, apiErr.IsTransient())
	assert.Equal(t, "quota exceeded", apiErr.Message)
}

func TestAnthropicPermanentError(t *testing.T) {
	server := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(anthropicErrorResponse{
			Type:  "error",
			Error: anthropicAPIErrorDetail{Type: "authentication_error", Message: "invalid x-api-key"},
		})
	})
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "bad-key", BaseURL: server.URL}, 0.2, 5*time.Second)

	_, err := p.GenerateCompletion(context.Background(), "prompt")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.False(t, apiErr.IsTransient())
	assert.False(t, apiErr.IsRateLimited())
}

func TestAnthropicNetworkError(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"}, 0.2, time.Second)

	_, err := p.GenerateCompletion(context.Background(), "prompt")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, 0, apiErr.StatusCode)
	assert.True(t, apiErr.IsTransient())
}

func TestAnthropicNoTextContent(t *testing.T) {
	server := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := anthropicSuccessResponse("", 10, 0)
		resp.Content = nil
		json.NewEncoder(w).Encode(resp)
	})
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: server.URL}, 0.2, 5*time.Second)

	_, err := p.GenerateCompletion(context.Background(), "prompt")
	assert.ErrorContains(t, err, "no text content")
}

func TestAnthropicDefaults(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k"}, 0.2, 0)

	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, defaultAnthropicModel, p.Model())
	assert.Greater(t, p.EstimateTokens("four char chunks here"), defaultAnthropicMaxTokens)
}
