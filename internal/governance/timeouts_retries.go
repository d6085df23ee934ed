package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrRequestTimeout is returned when a stage exceeds its timeout.
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RetryConfig defines retry behavior for outbound calls.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts (0 = single attempt).
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay to each backoff.
	Jitter bool
	// RetryableStatusCodes lists downstream statuses worth another attempt.
	RetryableStatusCodes map[int]bool
}

// DefaultRetryConfig performs a single attempt. Callers opt into retries by
// raising MaxRetries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:     true, // 408
			http.StatusTooManyRequests:    true, // 429
			http.StatusBadGateway:         true, // 502
			http.StatusServiceUnavailable: true, // 503
			http.StatusGatewayTimeout:     true, // 504
		},
	}
}

// RetryPolicy decides whether and when an outbound call is attempted again.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy fills unset fields from DefaultRetryConfig.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = def.RetryableStatusCodes
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (0-based) may be followed by another.
func (rp *RetryPolicy) ShouldRetry(statusCode int, err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if err != nil {
		return IsRetryableError(err)
	}
	return rp.config.RetryableStatusCodes[statusCode]
}

// CalculateBackoff returns the delay before retry number attempt+1.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds with a 2xx status, fails permanently, or the
// policy is exhausted. It returns the last status and error observed; when
// retries were spent the error wraps ErrMaxRetriesExceeded.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) (int, error)) (int, int, error) {
	var (
		status int
		err    error
	)
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return status, attempt, ctxErr
		}

		status, err = fn(ctx, attempt)
		if err == nil && status >= 200 && status < 300 {
			return status, attempt, nil
		}
		if !rp.ShouldRetry(status, err, attempt) {
			if attempt > 0 && err != nil {
				err = fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt+1, err)
			}
			return status, attempt, err
		}

		select {
		case <-ctx.Done():
			return status, attempt, ctx.Err()
		case <-time.After(rp.CalculateBackoff(attempt)):
		}
	}
}

// IsRetryableError reports whether err looks like a transient network failure.
// Context cancellation and expired deadlines are never retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
		"EOF",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// EffectiveTimeout returns the smallest positive candidate, or zero when none
// is set.
func EffectiveTimeout(candidates ...time.Duration) time.Duration {
	var selected time.Duration
	for _, c := range candidates {
		if c <= 0 {
			continue
		}
		if selected == 0 || c < selected {
			selected = c
		}
	}
	return selected
}

// WithTimeout derives a context bounded by d. A non-positive d leaves ctx
// unbounded.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
