package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func createTestConfig() Config {
	return Config{
		Default: BucketConfig{Capacity: 20, RefillRate: 10},
		Opcodes: map[string]BucketConfig{
			"chat": {Capacity: 2, RefillRate: 0.5},
		},
		WarningThreshold:     5,
		FreezeThreshold:      15,
		DisconnectThreshold:  30,
		BanThreshold:         50,
		ViolationDecayWindow: 10 * time.Second,
		FreezeDuration:       5 * time.Second,
		IPBanDuration:        5 * time.Minute,
		StaleAfter:           5 * time.Minute,
		SweepInterval:        time.Minute,
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func createTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	limiter := NewLimiter(zap.NewNop(), createTestConfig(), nil)
	clock := &fakeClock{now: time.Now()}
	limiter.now = clock.Now
	limiter.ipBans.now = clock.Now
	return limiter, clock
}

func TestCheckLimitAllowsWithinBucket(t *testing.T) {
	limiter, _ := createTestLimiter(t)

	for i := 0; i < 20; i++ {
		result := limiter.CheckLimit("conn-1", "10.0.0.1", "move")
		assert.True(t, result.Allowed, "call %d within capacity should pass", i)
	}
}

func TestCheckLimitRejectsBurstOverflow(t *testing.T) {
	limiter, _ := createTestLimiter(t)

	// 21 calls in the same instant against capacity 20: the 21st is
	// rejected, but the first violation crosses no escalation threshold.
	var last Result
	for i := 0; i < 21; i++ {
		last = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	}
	require.False(t, last.Allowed)
	assert.Equal(t, ActionBlocked, last.Action)
	assert.Equal(t, EscalationNone, last.Escalation)
	assert.Equal(t, 1, last.Violations)
}

func TestEscalationMonotonicity(t *testing.T) {
	limiter, _ := createTestLimiter(t)

	// Exhaust the bucket, then accumulate violations with no decay gaps.
	for i := 0; i < 20; i++ {
		limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	}

	prev := EscalationNone
	var result Result
	for v := 1; v <= 50; v++ {
		result = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
		require.False(t, result.Allowed)
		assert.GreaterOrEqual(t, result.Escalation, prev, "escalation must never step down mid-burst")
		prev = result.Escalation

		switch v {
		case 4:
			assert.Equal(t, EscalationNone, result.Escalation)
		case 5:
			assert.Equal(t, EscalationWarning, result.Escalation)
		case 49:
			assert.NotEqual(t, EscalationBan, result.Escalation, "ban must not fire before the 50th violation")
		case 50:
			assert.Equal(t, EscalationBan, result.Escalation)
			assert.Equal(t, ActionBan, result.Action)
		}

		// A freeze pauses the burst; clear it so violations keep accruing
		// against the bucket instead of the freeze gate.
		if result.Action == ActionFreeze {
			state := limiter.getState("conn-1", limiter.now())
			state.mu.Lock()
			state.freezeUntil = time.Time{}
			state.mu.Unlock()
		}
	}
}

func TestFreezeBlocksSubsequentChecks(t *testing.T) {
	limiter, clock := createTestLimiter(t)

	for i := 0; i < 20; i++ {
		limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	}
	var result Result
	for v := 0; v < 15; v++ {
		result = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	}
	require.Equal(t, ActionFreeze, result.Action)

	result = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	assert.False(t, result.Allowed)
	assert.Equal(t, ActionFreeze, result.Action)

	// Frozen state clears after the freeze duration; the refilled bucket
	// admits again.
	clock.Advance(6 * time.Second)
	result = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	assert.True(t, result.Allowed)
}

func TestBanInsertsIPRegistryEntry(t *testing.T) {
	limiter, clock := createTestLimiter(t)

	driveToBan(t, limiter, "conn-1", "10.0.0.1")
	assert.True(t, limiter.IPBans().IsBanned("10.0.0.1"))

	// A reconnect from the same address is rejected before any bucket work.
	result := limiter.CheckLimit("conn-2", "10.0.0.1", "move")
	assert.False(t, result.Allowed)
	assert.Equal(t, ActionBan, result.Action)

	// The ban expires after its 5 minute window.
	clock.Advance(5*time.Minute + time.Second)
	assert.False(t, limiter.IPBans().IsBanned("10.0.0.1"))
}

func TestViolationDecay(t *testing.T) {
	limiter, clock := createTestLimiter(t)

	for i := 0; i < 20; i++ {
		limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	}
	var result Result
	for v := 0; v < 6; v++ {
		result = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	}
	require.Equal(t, EscalationWarning, result.Escalation)
	require.Equal(t, 6, result.Violations)

	// After a quiet decay window the count steps down by one per check.
	clock.Advance(11 * time.Second)
	result = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	assert.True(t, result.Allowed)
	assert.Equal(t, 5, result.Violations)
}

func TestUnknownOpcodeUsesDefaultBucket(t *testing.T) {
	limiter, _ := createTestLimiter(t)

	result := limiter.CheckLimit("conn-1", "10.0.0.1", "never-configured")
	assert.True(t, result.Allowed)
}

func TestPerOpcodeBucketsAreIndependent(t *testing.T) {
	limiter, _ := createTestLimiter(t)

	// Drain the small chat bucket.
	limiter.CheckLimit("conn-1", "10.0.0.1", "chat")
	limiter.CheckLimit("conn-1", "10.0.0.1", "chat")
	result := limiter.CheckLimit("conn-1", "10.0.0.1", "chat")
	require.False(t, result.Allowed)

	// Movement is unaffected.
	result = limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	assert.True(t, result.Allowed)
}

func TestSweepRemovesStaleState(t *testing.T) {
	limiter, clock := createTestLimiter(t)

	limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	limiter.CheckLimit("conn-2", "10.0.0.2", "move")

	clock.Advance(6 * time.Minute)
	limiter.CheckLimit("conn-2", "10.0.0.2", "move")
	limiter.sweep()

	limiter.statesMu.RLock()
	defer limiter.statesMu.RUnlock()
	assert.NotContains(t, limiter.states, "conn-1")
	assert.Contains(t, limiter.states, "conn-2")
}

func TestRemoveConnection(t *testing.T) {
	limiter, _ := createTestLimiter(t)

	limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	limiter.RemoveConnection("conn-1")

	limiter.statesMu.RLock()
	defer limiter.statesMu.RUnlock()
	assert.Empty(t, limiter.states)
}

func TestStats(t *testing.T) {
	limiter, _ := createTestLimiter(t)

	for i := 0; i < 25; i++ {
		limiter.CheckLimit("conn-1", "10.0.0.1", "move")
	}

	stats := limiter.Stats()
	assert.Equal(t, uint64(25), stats["total_checks"])
	assert.Equal(t, uint64(20), stats["total_allowed"])
	assert.Equal(t, uint64(5), stats["total_blocked"])
}

func driveToBan(t *testing.T, limiter *Limiter, connID, addr string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		limiter.CheckLimit(connID, addr, "move")
	}
	for v := 0; v < 50; v++ {
		result := limiter.CheckLimit(connID, addr, "move")
		if result.Action == ActionBan {
			return
		}
		if result.Action == ActionFreeze {
			state := limiter.getState(connID, limiter.now())
			state.mu.Lock()
			state.freezeUntil = time.Time{}
			state.mu.Unlock()
		}
	}
	t.Fatal("never reached ban escalation")
}
