package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridianlabs/paperscout/internal/domain"
)

// stubAPIError mimics the structured provider error shape.
type stubAPIError struct {
	status int
}

func (e *stubAPIError) Error() string {
	return fmt.Sprintf("API error (status %d)", e.status)
}

func (e *stubAPIError) IsTransient() bool {
	return e.status == 0 || e.status == 429 || e.status >= 500
}

func (e *stubAPIError) IsRateLimited() bool {
	return e.status == 429
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, Permanent},
		{"context cancelled", context.Canceled, Permanent},
		{"domain cancelled", domain.ErrCancelled, Permanent},
		{"structured 429", &stubAPIError{status: 429}, RateLimited},
		{"structured 500", &stubAPIError{status: 500}, Transient},
		{"structured network", &stubAPIError{status: 0}, Transient},
		{"structured 401", &stubAPIError{status: 401}, Permanent},
		{"domain rate limited", domain.NewRateLimitError("openai", time.Second), RateLimited},
		{"domain unavailable", domain.ErrServiceUnavailable, Transient},
		{"deadline exceeded", context.DeadlineExceeded, Transient},
		{"domain not found", domain.ErrNotFound, Permanent},
		{"domain access denied", domain.ErrAccessDenied, Permanent},
		{"domain unauthorized", domain.ErrUnauthorized, Permanent},
		{"wrapped not found", fmt.Errorf("fetch: %w", domain.ErrNotFound), Permanent},
		{"rate limit substring", errors.New("provider rate limit hit"), RateLimited},
		{"too many requests substring", errors.New("too many requests"), RateLimited},
		{"timeout substring", errors.New("i/o timeout on read"), Transient},
		{"connection refused substring", errors.New("dial tcp: connection refused"), Transient},
		{"unauthorized substring", errors.New("unauthorized: bad key"), Permanent},
		{"content policy substring", errors.New("rejected by content policy"), Permanent},
		{"unknown defaults transient", errors.New("something odd happened"), Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassificationString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "permanent", Permanent.String())
	assert.Equal(t, "unknown", Classification(42).String())
}

// fixedRand returns a randFloat source that always yields v.
func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestNextDelayExponentialGrowth(t *testing.T) {
	// randFloat 0.5 makes the jitter factor exactly 1.0.
	c := NewController(time.Second, time.Minute, 5, WithRand(fixedRand(0.5)))

	assert.Equal(t, 1*time.Second, c.NextDelay(1, Transient))
	assert.Equal(t, 2*time.Second, c.NextDelay(2, Transient))
	assert.Equal(t, 4*time.Second, c.NextDelay(3, Transient))
	assert.Equal(t, 8*time.Second, c.NextDelay(4, Transient))
}

func TestNextDelayCapped(t *testing.T) {
	c := NewController(time.Second, 5*time.Second, 10, WithRand(fixedRand(0.5)))

	assert.Equal(t, 5*time.Second, c.NextDelay(8, Transient))
}

func TestNextDelayJitterBounds(t *testing.T) {
	low := NewController(10*time.Second, time.Minute, 3, WithRand(fixedRand(0)))
	high := NewController(10*time.Second, time.Minute, 3, WithRand(fixedRand(0.999)))

	assert.Equal(t, 8*time.Second, low.NextDelay(1, Transient))
	assert.InDelta(t, float64(12*time.Second), float64(high.NextDelay(1, Transient)), float64(50*time.Millisecond))
}

func TestNextDelayPermanentIsZero(t *testing.T) {
	c := NewController(time.Second, time.Minute, 3)

	assert.Equal(t, time.Duration(0), c.NextDelay(1, Permanent))
}

func TestNextDelayNonDecreasing(t *testing.T) {
	c := NewController(time.Second, time.Minute, 10, WithRand(fixedRand(0.5)))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := c.NextDelay(attempt, Transient)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestShouldRetry(t *testing.T) {
	c := NewController(time.Second, time.Minute, 3)

	assert.True(t, c.ShouldRetry(1, Transient))
	assert.True(t, c.ShouldRetry(2, RateLimited))
	assert.False(t, c.ShouldRetry(3, Transient))
	assert.False(t, c.ShouldRetry(1, Permanent))
}

func TestNewControllerDefaults(t *testing.T) {
	c := NewController(0, 0, 0)

	assert.Equal(t, 3, c.MaxAttempts())
	assert.Greater(t, c.NextDelay(1, Transient), time.Duration(0))
}
