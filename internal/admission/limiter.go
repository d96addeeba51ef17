// ABOUTME: Per-identity token-bucket rate limiter gating requests before the workflow
// ABOUTME: Keyed bucket store with idle eviction to bound memory

package admission

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitError is returned when an identity has exhausted its bucket.
// RetryAfter is how long the caller should wait before one token is
// available again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// bucket holds the rate-limit state for one identity.
// Read-modify-write happens under the limiter's mutex.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter implements a token-bucket rate limiter keyed by identity.
// Each bucket has capacity C and refills at R tokens/second. Buckets for
// idle identities are evicted by a background goroutine; a cold bucket
// re-initializes at full capacity.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	refill   float64 // tokens per second
	idleTTL  time.Duration
	done     chan struct{}
	closed   bool

	// now is swappable for tests
	now func() time.Time
}

// NewLimiter creates a limiter with the given capacity, refill rate
// (tokens/second), and idle eviction threshold. A background goroutine
// periodically evicts idle buckets.
func NewLimiter(capacity, refillPerSecond float64, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		refill:   refillPerSecond,
		idleTTL:  idleTTL,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go l.evictLoop()
	return l
}

// TryAcquire takes one token from the identity's bucket. Returns nil when
// admitted, or a *RateLimitError carrying the computed retry-after
// duration when the bucket is empty.
func (l *Limiter) TryAcquire(identityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[identityID]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[identityID] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * l.refill
			if b.tokens > l.capacity {
				b.tokens = l.capacity
			}
			b.lastRefill = now
		}
	}

	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	retryAfter := time.Duration((1 - b.tokens) / l.refill * float64(time.Second))
	return &RateLimitError{RetryAfter: retryAfter}
}

// evictLoop runs in a background goroutine, periodically removing buckets
// for identities that have been idle longer than the threshold.
func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runEviction()
		case <-l.done:
			return
		}
	}
}

// runEviction removes all idle buckets.
func (l *Limiter) runEviction() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.idleTTL {
			delete(l.buckets, id)
		}
	}
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the background eviction goroutine. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
