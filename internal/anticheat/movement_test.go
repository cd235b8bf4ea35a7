package anticheat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func createTestMovement() *MovementAnalyzer {
	clock := newTestClock()
	a := NewMovementAnalyzer(zap.NewNop(), nil)
	a.now = clock.Now
	return a
}

func walkingContext(x, y float64) MovementContext {
	return MovementContext{
		X: x, Y: y,
		BaseSpeed:        0.4, // units per ms
		SpeedMultipliers: []float64{1.0},
		PlayerRadius:     35,
	}
}

func TestTeleportThresholdBoundary(t *testing.T) {
	threshold := 35.0 * teleportRadiusFactor // 525 units

	t.Run("exactly at threshold does not trigger", func(t *testing.T) {
		a := createTestMovement()
		a.RecordPosition("p1", 0, 0)
		result := a.ValidateMovement("p1", walkingContext(threshold, 0), 1000)
		assert.Nil(t, findViolation(result.Violations, ViolationTeleport))
	})

	t.Run("one unit past threshold triggers", func(t *testing.T) {
		a := createTestMovement()
		a.RecordPosition("p1", 0, 0)
		result := a.ValidateMovement("p1", walkingContext(threshold+1, 0), 1000)
		v := findViolation(result.Violations, ViolationTeleport)
		require.NotNil(t, v)
		assert.False(t, result.Valid)
	})

	t.Run("teleport-granting state bypasses", func(t *testing.T) {
		a := createTestMovement()
		a.RecordPosition("p1", 0, 0)
		ctx := walkingContext(9999, 0)
		ctx.TeleportAllowed = true
		result := a.ValidateMovement("p1", ctx, 10)
		assert.Nil(t, findViolation(result.Violations, ViolationTeleport))
	})
}

func TestSpeedHackRequiresRepeatedOffenses(t *testing.T) {
	a := createTestMovement()
	a.RecordPosition("p1", 0, 0)

	// allowed = 0.4*16*1.5+50 = 59.6; anything past 2x is a speed flag.
	x := 0.0
	for i := 1; i <= speedHardRejectAfter; i++ {
		x += 200
		result := a.ValidateMovement("p1", walkingContext(x, 0), 16)
		v := findViolation(result.Violations, ViolationSpeedHack)
		require.NotNil(t, v, "offense %d should flag", i)
		if i < speedHardRejectAfter {
			assert.True(t, result.Valid, "offense %d is scored, not rejected", i)
		} else {
			assert.False(t, result.Valid, "offense %d crosses into hard rejection", i)
		}
	}
}

func TestLegitimateMovementPasses(t *testing.T) {
	a := createTestMovement()
	a.RecordPosition("p1", 0, 0)

	x := 0.0
	for i := 0; i < 30; i++ {
		x += 5 + float64(i%4) // natural variance
		result := a.ValidateMovement("p1", walkingContext(x, 0), 16)
		assert.True(t, result.Valid)
		assert.Empty(t, result.Violations)
	}
}

func TestConstantSpeedDetection(t *testing.T) {
	a := createTestMovement()
	a.RecordPosition("p1", 0, 0)

	// Perfectly uniform displacement per tick implies scripted movement.
	x := 0.0
	var result MovementResult
	for i := 0; i < speedSampleWindow+1; i++ {
		x += 6.4
		result = a.ValidateMovement("p1", walkingContext(x, 0), 16)
	}
	assert.NotNil(t, findViolation(result.Violations, ViolationConstantSpeed))
}

func TestBypassSkipsAllChecks(t *testing.T) {
	a := createTestMovement()
	a.RecordPosition("p1", 0, 0)

	ctx := walkingContext(50000, 50000)
	ctx.Bypass = true
	result := a.ValidateMovement("p1", ctx, 16)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Violations)

	// Position updated for continuity: the next small move is judged from
	// the bypassed position, not the stale one.
	ctx2 := walkingContext(50005, 50000)
	result = a.ValidateMovement("p1", ctx2, 16)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Violations)
}

func TestCheckBounds(t *testing.T) {
	a := createTestMovement()

	assert.Nil(t, a.CheckBounds("p1", 100, 100, 14400))
	assert.Nil(t, a.CheckBounds("p1", 0, 14400, 14400))

	v := a.CheckBounds("p1", -1, 100, 14400)
	require.NotNil(t, v)
	assert.Equal(t, ViolationOutOfBounds, v.Type)
}

func TestMovementAnalyzeAggregatesViolations(t *testing.T) {
	a := createTestMovement()
	a.RecordPosition("p1", 0, 0)

	a.ValidateMovement("p1", walkingContext(2000, 0), 16)
	result := a.AnalyzePlayer("p1")
	assert.Greater(t, result.Score, 0.0)
	assert.NotEmpty(t, result.Violations)
}

func TestMovementViolationsAgeOut(t *testing.T) {
	clock := newTestClock()
	a := NewMovementAnalyzer(zap.NewNop(), nil)
	a.now = clock.Now
	a.RecordPosition("p1", 0, 0)

	a.ValidateMovement("p1", walkingContext(2000, 0), 16)
	require.NotEmpty(t, a.AnalyzePlayer("p1").Violations)

	// Once outside the contribution window, a recompute no longer
	// resurrects the old evidence.
	clock.Advance(violationWindow + time.Second)
	result := a.AnalyzePlayer("p1")
	assert.Zero(t, result.Score)
	assert.Empty(t, result.Violations)
}
