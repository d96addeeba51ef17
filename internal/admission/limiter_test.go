// ABOUTME: Tests for the keyed token-bucket rate limiter
// ABOUTME: Uses an injected clock to verify refill math, retry-after, and eviction

package admission

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(t *testing.T, capacity, refill float64, idleTTL time.Duration) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(capacity, refill, idleTTL)
	l.now = func() time.Time { return now }
	t.Cleanup(l.Close)
	return l, &now
}

func TestTryAcquireWithinCapacity(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 1, time.Minute)

	for i := 0; i < 5; i++ {
		assert.NoError(t, l.TryAcquire("alice"))
	}
}

func TestTryAcquireExhausted(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 1, time.Minute)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.TryAcquire("alice"))
	}

	err := l.TryAcquire("alice")
	require.Error(t, err)

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	// Empty bucket refilling at 1 token/s needs one full second.
	assert.Equal(t, time.Second, rateErr.RetryAfter)
}

func TestRefill(t *testing.T) {
	l, now := newTestLimiter(t, 2, 1, time.Minute)

	require.NoError(t, l.TryAcquire("alice"))
	require.NoError(t, l.TryAcquire("alice"))
	require.Error(t, l.TryAcquire("alice"))

	*now = now.Add(1500 * time.Millisecond)
	require.NoError(t, l.TryAcquire("alice"))

	// 0.5 tokens left, not enough for another request.
	err := l.TryAcquire("alice")
	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, 500*time.Millisecond, rateErr.RetryAfter)
}

func TestRefillCapsAtCapacity(t *testing.T) {
	l, now := newTestLimiter(t, 3, 1, time.Hour)

	require.NoError(t, l.TryAcquire("alice"))

	// A long idle period must not bank more than capacity.
	*now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.NoError(t, l.TryAcquire("alice"))
	}
	assert.Error(t, l.TryAcquire("alice"))
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1, time.Minute)

	require.NoError(t, l.TryAcquire("alice"))
	require.Error(t, l.TryAcquire("alice"))
	assert.NoError(t, l.TryAcquire("bob"))
}

func TestEviction(t *testing.T) {
	l, now := newTestLimiter(t, 5, 1, time.Minute)

	require.NoError(t, l.TryAcquire("alice"))
	require.NoError(t, l.TryAcquire("bob"))
	assert.Equal(t, 2, l.Len())

	*now = now.Add(2 * time.Minute)
	l.runEviction()
	assert.Equal(t, 0, l.Len())
}

func TestEvictionKeepsActiveBuckets(t *testing.T) {
	l, now := newTestLimiter(t, 5, 1, time.Minute)

	require.NoError(t, l.TryAcquire("alice"))

	*now = now.Add(30 * time.Second)
	require.NoError(t, l.TryAcquire("bob"))

	*now = now.Add(45 * time.Second)
	l.runEviction()

	// alice idle 75s > TTL, bob idle 45s < TTL.
	assert.Equal(t, 1, l.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	l := NewLimiter(1, 1, time.Minute)
	l.Close()
	l.Close()
}
