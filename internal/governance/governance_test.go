package governance

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRetryPolicy_DefaultIsSingleAttempt(t *testing.T) {
	rp := NewRetryPolicy(DefaultRetryConfig())
	calls := 0

	status, attempts, err := rp.Do(context.Background(), func(context.Context, int) (int, error) {
		calls++
		return http.StatusServiceUnavailable, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_RetriesTransientFailures(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	calls := 0

	status, attempts, err := rp.Do(context.Background(), func(context.Context, int) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("dial tcp: connection refused")
		}
		return http.StatusCreated, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 2, attempts)
}

func TestRetryPolicy_ExhaustionWrapsCause(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond})
	cause := errors.New("connection reset by peer")

	_, _, err := rp.Do(context.Background(), func(context.Context, int) (int, error) {
		return 0, cause
	})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, cause)
}

func TestRetryPolicy_NeverRetriesDeadline(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5})
	assert.False(t, rp.ShouldRetry(0, context.DeadlineExceeded, 0))
	assert.False(t, rp.ShouldRetry(http.StatusBadRequest, nil, 0))
	assert.True(t, rp.ShouldRetry(http.StatusBadGateway, nil, 0))
}

func TestRetryPolicy_BackoffBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxBackoff := time.Duration(rapid.IntRange(1, 1000).Draw(t, "max")) * time.Millisecond
		rp := NewRetryPolicy(RetryConfig{
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     maxBackoff,
			Jitter:         rapid.Bool().Draw(t, "jitter"),
		})
		attempt := rapid.IntRange(0, 30).Draw(t, "attempt")
		if got := rp.CalculateBackoff(attempt); got > maxBackoff+maxBackoff/4 {
			t.Fatalf("backoff %s exceeds bound for max %s", got, maxBackoff)
		}
	})
}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), EffectiveTimeout())
	assert.Equal(t, time.Duration(0), EffectiveTimeout(0, -1))
	assert.Equal(t, 2*time.Second, EffectiveTimeout(0, 5*time.Second, 2*time.Second))
}

func TestWithTimeout_Unbounded(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)
}

func TestWorkerPool_RejectsWhenSaturated(t *testing.T) {
	pool := NewWorkerPool(2, 20*time.Millisecond)

	r1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pool.InFlight())

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrSaturated)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.EqualValues(t, 1, pool.Rejected())

	r1()
	r1() // idempotent
	r3, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, 0, pool.InFlight())
}

func TestWorkerPool_QueuedCallerGetsSlot(t *testing.T) {
	pool := NewWorkerPool(1, time.Second)
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := pool.Acquire(context.Background())
		assert.NoError(t, err)
		if r != nil {
			r()
		}
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	wg.Wait()
}

func TestWorkerPool_CallerCancellation(t *testing.T) {
	pool := NewWorkerPool(1, time.Second)
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiter_TokenBucket(t *testing.T) {
	now := time.Unix(0, 0)
	rl := &RateLimiter{buckets: map[string]*tokenBucket{}, now: func() time.Time { return now }}
	rl.Configure(map[string]RateLimiterConfig{"orders": {RequestsPerSecond: 2, BurstSize: 2}})

	assert.True(t, rl.Allow("orders"))
	assert.True(t, rl.Allow("orders"))
	assert.False(t, rl.Allow("orders"))
	assert.True(t, rl.Allow("unlimited"))

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow("orders"))
	assert.False(t, rl.Allow("orders"))
	assert.Equal(t, 2, rl.Limit("orders"))

	rl.Configure(nil)
	assert.True(t, rl.Allow("orders"))
	assert.Equal(t, 0, rl.Limit("orders"))
}
