package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token-bucket admission control primitive: bursts up to
// maxRequests, refilled continuously at one token per timeWindow/maxRequests.
// Refill is computed lazily on each check, there is no background timer.
// Safe for concurrent callers sharing one bucket.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	interval time.Duration
	last     time.Time
}

func NewBucket(maxRequests int, timeWindow time.Duration) *Bucket {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &Bucket{
		capacity: float64(maxRequests),
		tokens:   float64(maxRequests),
		interval: timeWindow / time.Duration(maxRequests),
		last:     time.Now(),
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) / float64(b.interval)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// TryAcquire takes one token if available. Non-blocking.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// waitDuration is the time until the next token becomes available.
func (b *Bucket) waitDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit * float64(b.interval))
}

// WaitForToken blocks until a token is acquired or the context ends. The
// sleep between attempts equals the computed time to the next token, so
// waiters do not spin.
func (b *Bucket) WaitForToken(ctx context.Context) error {
	for {
		if b.TryAcquire() {
			return nil
		}
		wait := b.waitDuration()
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Registry hands out one shared bucket per downstream identifier.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// GetOrCreate returns the bucket for key, creating it with the given
// parameters on first use. Later calls ignore the parameters so every
// caller throttles against the same bucket instance.
func (r *Registry) GetOrCreate(key string, maxRequests int, timeWindow time.Duration) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}
	b := NewBucket(maxRequests, timeWindow)
	r.buckets[key] = b
	return b
}
