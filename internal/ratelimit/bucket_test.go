package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketConsume(t *testing.T) {
	start := time.Now()
	bucket := NewTokenBucket(10, 5, start)

	// Drain the full capacity in the same instant.
	for i := 0; i < 10; i++ {
		assert.True(t, bucket.Consume(1, start), "consume %d should succeed", i)
	}
	assert.False(t, bucket.Consume(1, start), "empty bucket must reject")
	assert.Equal(t, 0.0, bucket.Tokens(start))
}

func TestTokenBucketLazyRefill(t *testing.T) {
	start := time.Now()
	bucket := NewTokenBucket(10, 5, start)

	for i := 0; i < 10; i++ {
		bucket.Consume(1, start)
	}

	// capacity=10, refill=5/s drained at t=0 holds ~5 tokens at t=1s.
	assert.InDelta(t, 5.0, bucket.Tokens(start.Add(1*time.Second)), 0.001)
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	start := time.Now()
	bucket := NewTokenBucket(10, 5, start)

	assert.Equal(t, 10.0, bucket.Tokens(start.Add(time.Hour)))

	bucket.Consume(3, start.Add(time.Hour))
	assert.InDelta(t, 7.0, bucket.Tokens(start.Add(time.Hour)), 0.001)
	assert.Equal(t, 10.0, bucket.Tokens(start.Add(2*time.Hour)))
}

func TestTokenBucketNeverNegative(t *testing.T) {
	start := time.Now()
	bucket := NewTokenBucket(3, 1, start)

	for i := 0; i < 20; i++ {
		bucket.Consume(1, start)
	}
	assert.GreaterOrEqual(t, bucket.Tokens(start), 0.0)
}

func TestTokenBucketRejectionLeavesTokensUnchanged(t *testing.T) {
	start := time.Now()
	bucket := NewTokenBucket(5, 0, start)

	assert.False(t, bucket.Consume(6, start))
	assert.Equal(t, 5.0, bucket.Tokens(start))
}

func TestTokenBucketClockGoingBackwards(t *testing.T) {
	start := time.Now()
	bucket := NewTokenBucket(10, 5, start)
	bucket.Consume(5, start)

	// A non-monotonic timestamp must not refill or drain.
	assert.InDelta(t, 5.0, bucket.Tokens(start.Add(-time.Minute)), 0.001)
}
