package index

import (
	"net/http"
	"strconv"
	"time"

	"github.com/meridianlabs/paperscout/internal/domain"
)

// HTTPClientConfig configures the rate-limited HTTP client.
type HTTPClientConfig struct {
	// Timeout is the request timeout for HTTP operations.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string
}

// HTTPClient wraps http.Client with rate limiting. It is safe for concurrent
// use. Unlike a self-retrying client, it performs exactly one attempt per
// call: index operations run as pool tasks and share the pool's retry and
// backoff discipline, so retrying here as well would multiply attempts.
type HTTPClient struct {
	client      *http.Client
	rateLimiter *RateLimiter
	config      HTTPClientConfig
}

// NewHTTPClient creates a new rate-limited HTTP client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 3
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "paperscout/1.0"
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.BurstSize),
		config:      cfg,
	}
}

// Do executes an HTTP request after waiting for the rate limiter and sets
// the User-Agent header. Status codes are not interpreted here; callers map
// them to domain errors.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.rateLimiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	return c.client.Do(req)
}

// retryAfter parses the Retry-After header of a 429 response, falling back
// to the given default.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return fallback
	}

	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return fallback
}

// statusToError maps an unexpected index response status to a domain error.
func statusToError(source string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.NewExternalAPIError(source, resp.StatusCode, "document not found", domain.ErrNotFound)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		return domain.NewExternalAPIError(source, resp.StatusCode, "access denied", domain.ErrAccessDenied)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewRateLimitError(source, retryAfter(resp, 10*time.Second))
	case resp.StatusCode >= 500:
		return domain.NewExternalAPIError(source, resp.StatusCode, "server error", domain.ErrServiceUnavailable)
	case resp.StatusCode == http.StatusBadRequest:
		return domain.NewExternalAPIError(source, resp.StatusCode, "bad request", domain.ErrInvalidInput)
	default:
		return domain.NewExternalAPIError(source, resp.StatusCode, "unexpected status", nil)
	}
}
