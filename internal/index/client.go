package index

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/meridianlabs/paperscout/internal/domain"
)

const (
	// DefaultBaseURL is the default arXiv API base URL.
	DefaultBaseURL = "https://export.arxiv.org/api"

	// DefaultFullTextBaseURL is the default base URL for full-text retrieval.
	DefaultFullTextBaseURL = "https://arxiv.org/abs"

	// DefaultRateLimit is the default rate limit (3 requests per second).
	DefaultRateLimit = 3.0

	// DefaultBurstSize is the default burst size for rate limiting.
	DefaultBurstSize = 3

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the default maximum results per search request.
	DefaultMaxResults = 25

	// sourceName identifies this index in errors and logs.
	sourceName = "arxiv"
)

// arxivIDRegex extracts the arXiv ID from the entry's full URL. Matches
// patterns like "http://arxiv.org/abs/2301.12345v1" or
// "http://arxiv.org/abs/hep-th/9901001v1".
var arxivIDRegex = regexp.MustCompile(`arxiv\.org/abs/(.+?)(v\d+)?$`)

// Config holds configuration for the arXiv client.
type Config struct {
	// BaseURL is the arXiv API base URL.
	BaseURL string

	// FullTextBaseURL is the base URL for full-text retrieval.
	FullTextBaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int

	// MaxResults is the maximum results to return per search request.
	MaxResults int
}

// applyDefaults sets default values for unset configuration fields.
func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.FullTextBaseURL == "" {
		c.FullTextBaseURL = DefaultFullTextBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.BurstSize == 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
}

// Client queries the arXiv document index. Both operations run as pool
// tasks, so failures are returned classified (domain errors) rather than
// retried here.
type Client struct {
	config     Config
	httpClient *HTTPClient
}

// New creates a new arXiv client with the given configuration.
func New(cfg Config) *Client {
	cfg.applyDefaults()

	httpClient := NewHTTPClient(HTTPClientConfig{
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: cfg.BurstSize,
	})

	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// NewWithHTTPClient creates a new arXiv client with a custom HTTP client.
// This is useful for testing with mock servers.
func NewWithHTTPClient(cfg Config, httpClient *HTTPClient) *Client {
	cfg.applyDefaults()

	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// Search queries the index for papers matching the query and returns
// candidate stubs (id, title, abstract). limit caps the number of results;
// zero or negative means the configured default.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]*domain.PaperCandidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%s: empty query: %w", sourceName, domain.ErrInvalidInput)
	}
	if limit <= 0 || limit > c.config.MaxResults {
		limit = c.config.MaxResults
	}

	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(limit))
	params.Set("sortBy", "relevance")
	params.Set("sortOrder", "descending")

	endpoint := c.config.BaseURL + "/query?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", sourceName, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: search request failed: %w", sourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusToError(sourceName, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", sourceName, err)
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("%s: failed to parse feed: %w", sourceName, err)
	}

	candidates := make([]*domain.PaperCandidate, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		id := extractArxivID(entry.ID)
		if id == "" {
			continue
		}
		candidates = append(candidates, &domain.PaperCandidate{
			ExternalID: id,
			Title:      cleanWhitespace(entry.Title),
			Abstract:   cleanWhitespace(entry.Summary),
		})
	}

	return candidates, nil
}

// FetchFullText retrieves the text of a paper by its index identifier.
// Fails with domain.ErrNotFound or domain.ErrAccessDenied per the index's
// response.
func (c *Client) FetchFullText(ctx context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%s: empty document id: %w", sourceName, domain.ErrInvalidInput)
	}

	endpoint := c.config.FullTextBaseURL + "/" + escapeDocumentID(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%s: failed to create request: %w", sourceName, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: full-text request failed: %w", sourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusToError(sourceName, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return "", fmt.Errorf("%s: failed to read full text: %w", sourceName, err)
	}

	return string(body), nil
}

// Name returns the index name.
func (c *Client) Name() string {
	return sourceName
}

// escapeDocumentID escapes an arXiv ID for use in a URL path. Old-style IDs
// contain a category prefix with a slash (hep-th/9901001) that must stay a
// path separator, so each segment is escaped on its own.
func escapeDocumentID(id string) string {
	segments := strings.Split(id, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// extractArxivID pulls the bare arXiv ID out of an entry URL, dropping any
// version suffix.
func extractArxivID(entryURL string) string {
	m := arxivIDRegex.FindStringSubmatch(entryURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// cleanWhitespace collapses the newline-wrapped text arXiv returns into
// single-space-separated text.
func cleanWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
