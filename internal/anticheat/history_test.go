package anticheat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingEvictsOldest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Values())
}

func TestRingTail(t *testing.T) {
	r := newRing[int](5)
	for i := 1; i <= 4; i++ {
		r.Push(i)
	}

	assert.Equal(t, []int{3, 4}, r.Tail(2))
	assert.Equal(t, []int{1, 2, 3, 4}, r.Tail(10))
}

func TestRingLastAndClear(t *testing.T) {
	r := newRing[string](2)

	_, ok := r.Last()
	assert.False(t, ok)

	r.Push("a")
	r.Push("b")
	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, "b", last)

	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestPopStdDev(t *testing.T) {
	// Population standard deviation divides by N, not N-1.
	assert.InDelta(t, 2.0, popStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)

	// Fewer than two samples cannot be judged.
	assert.True(t, popVariance([]float64{42}) > 1e308)
	assert.True(t, popVariance(nil) > 1e308)
}
