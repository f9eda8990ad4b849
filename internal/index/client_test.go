package index

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/paperscout/internal/domain"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <opensearch:totalResults xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/">2</opensearch:totalResults>
  <entry>
    <id>http://arxiv.org/abs/2301.12345v2</id>
    <title>Surface Codes
  Revisited</title>
    <summary>We revisit surface codes
  under realistic noise.</summary>
    <author><name>A. Researcher</name></author>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/hep-th/9901001v1</id>
    <title>Older Paper</title>
    <summary>An older result.</summary>
  </entry>
</feed>`

func newTestClient(serverURL string) *Client {
	return NewWithHTTPClient(
		Config{BaseURL: serverURL, FullTextBaseURL: serverURL + "/abs"},
		NewHTTPClient(HTTPClientConfig{RateLimit: 1000, BurstSize: 1000, Timeout: 5 * time.Second}),
	)
}

func TestSearchParsesFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "all:quantum error correction", r.URL.Query().Get("search_query"))
		assert.Equal(t, "5", r.URL.Query().Get("max_results"))
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	candidates, err := client.Search(context.Background(), "quantum error correction", 5)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "2301.12345", candidates[0].ExternalID)
	assert.Equal(t, "Surface Codes Revisited", candidates[0].Title)
	assert.Equal(t, "We revisit surface codes under realistic noise.", candidates[0].Abstract)
	assert.Equal(t, "hep-th/9901001", candidates[1].ExternalID)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	client := newTestClient("http://unused.invalid")

	_, err := client.Search(context.Background(), "   ", 5)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSearchCapsLimit(t *testing.T) {
	var gotMax string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMax = r.URL.Query().Get("max_results")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	client := NewWithHTTPClient(
		Config{BaseURL: server.URL, MaxResults: 10},
		NewHTTPClient(HTTPClientConfig{RateLimit: 1000, BurstSize: 1000}),
	)

	_, err := client.Search(context.Background(), "q", 500)
	require.NoError(t, err)
	assert.Equal(t, "10", gotMax)
}

func TestSearchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.Search(context.Background(), "q", 5)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestSearchRateLimitedCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.Search(context.Background(), "q", 5)
	require.Error(t, err)

	var rle *domain.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 7*time.Second, rle.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestFetchFullText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/abs/2301.12345", r.URL.Path)
		_, _ = w.Write([]byte("full text body"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	text, err := client.FetchFullText(context.Background(), "2301.12345")
	require.NoError(t, err)
	assert.Equal(t, "full text body", text)
}

func TestFetchFullTextKeepsOldStyleIDSlash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The category slash must survive as a path separator, not %2F.
		// EscapedPath preserves the encoding actually sent on the wire.
		assert.Equal(t, "/abs/hep-th/9901001", r.URL.EscapedPath())
		_, _ = w.Write([]byte("old-style paper body"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	text, err := client.FetchFullText(context.Background(), "hep-th/9901001")
	require.NoError(t, err)
	assert.Equal(t, "old-style paper body", text)
}

func TestFetchFullTextNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.FetchFullText(context.Background(), "0000.00000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchFullTextAccessDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.FetchFullText(context.Background(), "2301.12345")
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestExtractArxivID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://arxiv.org/abs/2301.12345v2", "2301.12345"},
		{"http://arxiv.org/abs/2301.12345", "2301.12345"},
		{"http://arxiv.org/abs/hep-th/9901001v1", "hep-th/9901001"},
		{"http://example.com/nope", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, extractArxivID(tt.url), tt.url)
	}
}
