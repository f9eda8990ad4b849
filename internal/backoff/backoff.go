// Package backoff classifies task failures and computes retry delays.
// Retry itself is the task pool's job; this package only decides whether a
// failure is worth retrying and how long to wait.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/meridianlabs/paperscout/internal/domain"
)

// Classification sorts errors into the retry taxonomy.
type Classification int

const (
	// Transient failures (network blips, timeouts, 5xx) are retried with
	// exponential backoff.
	Transient Classification = iota

	// RateLimited failures are retried with backoff lower-bounded by the
	// rate budget's computed wait.
	RateLimited

	// Permanent failures (bad credentials, malformed requests, content
	// policy rejections) are never retried; the task is exhausted at once.
	Permanent
)

// String returns a human-readable name for the classification.
func (c Classification) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// transientHint is implemented by structured errors that know whether they
// may succeed on retry (e.g. llm.APIError).
type transientHint interface {
	IsTransient() bool
}

// rateLimitHint is implemented by structured errors that represent a
// provider quota rejection.
type rateLimitHint interface {
	IsRateLimited() bool
}

// transientSubstrings indicate a transient failure when the error carries no
// structured type. Substrings follow the same fail-safe bias as the
// structured checks: when in doubt, retry.
var transientSubstrings = []string{
	"timeout",
	"network",
	"connection refused",
	"connection reset",
	"server_error",
	"service unavailable",
	"temporary",
	"deadline exceeded",
	"i/o timeout",
}

// permanentSubstrings indicate a permanent failure. Chosen to avoid false
// positives: "unauthorized" instead of bare "auth" (which would match
// "author"), "invalid request" instead of bare "invalid".
var permanentSubstrings = []string{
	"unauthorized",
	"authentication failed",
	"forbidden",
	"bad request",
	"not found",
	"invalid request",
	"invalid parameter",
	"content_filter",
	"content policy",
}

// Classify inspects err and returns its Classification.
//
// Priority order:
//  1. Nil errors and context cancellation: Permanent (callers must not retry)
//  2. Structured rate-limit errors: RateLimited
//  3. Structured transient hints: Transient
//  4. Domain sentinel errors
//  5. Message substring matching, transient checked first
//  6. Default: Transient (safer to retry than to give up)
func Classify(err error) Classification {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCancelled) {
		return Permanent
	}

	var rl rateLimitHint
	if errors.As(err, &rl) && rl.IsRateLimited() {
		return RateLimited
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return RateLimited
	}

	var th transientHint
	if errors.As(err, &th) {
		if th.IsTransient() {
			return Transient
		}
		return Permanent
	}

	if errors.Is(err, domain.ErrServiceUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAccessDenied) ||
		errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrInvalidInput) {
		return Permanent
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") {
		return RateLimited
	}
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return Transient
		}
	}
	for _, sub := range permanentSubstrings {
		if strings.Contains(msg, sub) {
			return Permanent
		}
	}

	return Transient
}

// Controller computes retry delays and enforces the attempt ceiling.
type Controller struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	jitterFrac  float64
	randFloat   func() float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand injects the jitter randomness source. Tests use this for
// deterministic delays.
func WithRand(f func() float64) Option {
	return func(c *Controller) {
		c.randFloat = f
	}
}

// NewController creates a backoff controller. base is the first-retry delay,
// max caps the exponential growth, maxAttempts is the attempt ceiling after
// which a task is exhausted (default 3 when <= 0).
func NewController(base, max time.Duration, maxAttempts int, opts ...Option) *Controller {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	c := &Controller{
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		jitterFrac:  0.2,
		randFloat:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxAttempts returns the configured attempt ceiling.
func (c *Controller) MaxAttempts() int {
	return c.maxAttempts
}

// ShouldRetry reports whether a task that just failed its attempt-th attempt
// (1-based) with the given classification may be re-enqueued.
func (c *Controller) ShouldRetry(attempt int, class Classification) bool {
	if class == Permanent {
		return false
	}
	return attempt < c.maxAttempts
}

// NextDelay computes the delay before retry number attempt (1-based: the
// delay imposed after the attempt-th failure). The delay grows as
// base × 2^(attempt-1), capped at max, jittered by ±20% to avoid
// thundering-herd resynchronization. Permanent classifications yield zero.
//
// For RateLimited failures the caller must take the larger of this delay and
// the rate budget tracker's reported wait.
func (c *Controller) NextDelay(attempt int, class Classification) time.Duration {
	if class == Permanent {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := c.base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.max {
			delay = c.max
			break
		}
	}
	if delay > c.max {
		delay = c.max
	}

	// Jitter in [1-frac, 1+frac).
	factor := 1 + (c.randFloat()*2-1)*c.jitterFrac
	return time.Duration(float64(delay) * factor)
}
