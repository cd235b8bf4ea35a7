package ratelimit

import "time"

// TokenBucket is the single-resource rate primitive behind the limiter.
// Refill is computed lazily on every access, so an untouched bucket costs
// nothing. Not safe for concurrent use on its own; the owning connection
// state serializes access.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate < 0 {
		refillRate = 0
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// Consume refills the bucket for the elapsed time, then attempts to take n
// tokens. Returns false, leaving the level unchanged, when not enough
// tokens are available. No blocking, no queuing.
func (b *TokenBucket) Consume(n float64, now time.Time) bool {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Tokens returns the current level after a lazy refill. Diagnostics only.
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}
