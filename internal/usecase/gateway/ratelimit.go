package gateway

import (
	"sync"

	"golang.org/x/time/rate"

	"warden/internal/domain"
)

// Default per-agent token bucket: burst capacity and steady refill rate.
const (
	DefaultRateLimitCapacity = 30
	DefaultRateLimitPerSec   = 10
)

// RateLimiter keeps one token bucket per agent. Buckets are created lazily
// with the limiter's defaults and must be removed on agent exit so the map
// does not grow unbounded across agent churn.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[domain.AgentID]*bucket
	capacity int
	perSec   float64
}

type bucket struct {
	limiter  *rate.Limiter
	capacity int
	perSec   float64
}

// NewRateLimiter creates a limiter with the given defaults for lazily
// created buckets. Non-positive values fall back to the package defaults.
func NewRateLimiter(capacity int, perSec float64) *RateLimiter {
	if capacity <= 0 {
		capacity = DefaultRateLimitCapacity
	}
	if perSec <= 0 {
		perSec = DefaultRateLimitPerSec
	}
	return &RateLimiter{
		buckets:  make(map[domain.AgentID]*bucket),
		capacity: capacity,
		perSec:   perSec,
	}
}

// SetLimit initializes or overwrites the agent's bucket. The new bucket
// starts full.
func (l *RateLimiter) SetLimit(id domain.AgentID, capacity int, perSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[id] = &bucket{
		limiter:  rate.NewLimiter(rate.Limit(perSec), capacity),
		capacity: capacity,
		perSec:   perSec,
	}
}

// bucketFor returns the agent's bucket, creating a default one on first use.
// Caller holds l.mu.
func (l *RateLimiter) bucketFor(id domain.AgentID) *bucket {
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{
			limiter:  rate.NewLimiter(rate.Limit(l.perSec), l.capacity),
			capacity: l.capacity,
			perSec:   l.perSec,
		}
		l.buckets[id] = b
	}
	return b
}

// Check attempts to consume one token for the agent. Returns false when the
// bucket is empty.
func (l *RateLimiter) Check(id domain.AgentID) bool {
	l.mu.Lock()
	b := l.bucketFor(id)
	l.mu.Unlock()
	return b.limiter.Allow()
}

// AvailableTokens reports the current token count, clamped to
// [0, capacity]. An agent without a bucket has a full one waiting.
func (l *RateLimiter) AvailableTokens(id domain.AgentID) int {
	l.mu.Lock()
	b, ok := l.buckets[id]
	l.mu.Unlock()
	if !ok {
		return l.capacity
	}
	n := int(b.limiter.Tokens())
	if n < 0 {
		n = 0
	}
	if n > b.capacity {
		n = b.capacity
	}
	return n
}

// Reset restores the agent's bucket to full capacity.
func (l *RateLimiter) Reset(id domain.AgentID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[id]
	if !ok {
		return
	}
	l.buckets[id] = &bucket{
		limiter:  rate.NewLimiter(rate.Limit(b.perSec), b.capacity),
		capacity: b.capacity,
		perSec:   b.perSec,
	}
}

// RemoveAgent deletes the agent's bucket state.
func (l *RateLimiter) RemoveAgent(id domain.AgentID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, id)
}

// ActiveAgents counts distinct agents holding a bucket.
func (l *RateLimiter) ActiveAgents() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
