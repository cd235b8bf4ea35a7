package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func createTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	store := NewStore(zap.NewNop(), Config{}, nil)
	store.now = clock.Now
	return store, clock
}

type recordingTransport struct {
	closed bool
	reason string
}

func (r *recordingTransport) Close(reason string) error {
	r.closed = true
	r.reason = reason
	return nil
}

func TestCreateSessionTokensUnique(t *testing.T) {
	store, _ := createTestStore(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		session, err := store.CreateSession("player-1")
		require.NoError(t, err)
		require.NotEmpty(t, session.Token)
		assert.False(t, seen[session.Token], "token collision")
		seen[session.Token] = true
	}
}

func TestValidateSessionUnknownToken(t *testing.T) {
	store, _ := createTestStore(t)

	result := store.ValidateSession("no-such-token")
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonNotFound, result.Reason)
}

func TestValidateSessionIdleBoundary(t *testing.T) {
	store, clock := createTestStore(t)

	session, err := store.CreateSession("player-1")
	require.NoError(t, err)

	// Just inside the idle window.
	clock.Advance(30*time.Minute - time.Second)
	result := store.ValidateSession(session.Token)
	assert.True(t, result.Valid)
	assert.Equal(t, "player-1", result.UserID)

	// Past the idle window. Validation does not refresh activity, so the
	// idle clock still runs from creation.
	clock.Advance(2 * time.Second)
	result = store.ValidateSession(session.Token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonExpiredIdle, result.Reason)

	// Expired sessions are removed, not just rejected.
	result = store.ValidateSession(session.Token)
	assert.Equal(t, ReasonNotFound, result.Reason)
}

func TestRefreshExtendsIdleNotAbsolute(t *testing.T) {
	store, clock := createTestStore(t)

	session, err := store.CreateSession("player-1")
	require.NoError(t, err)

	// Refresh every 20 minutes: idle never trips.
	for i := 0; i < 71; i++ {
		clock.Advance(20 * time.Minute)
		require.True(t, store.RefreshSession(session.Token), "refresh %d", i)
	}

	// 71 * 20min = 23h40m elapsed. One more hop crosses the 24h absolute
	// ceiling regardless of activity.
	clock.Advance(30 * time.Minute)
	assert.False(t, store.RefreshSession(session.Token))

	result := store.ValidateSession(session.Token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonNotFound, result.Reason)
}

func TestValidateSessionAbsoluteExpiry(t *testing.T) {
	store, clock := createTestStore(t)
	store.config.IdleTimeout = 48 * time.Hour // isolate the absolute check

	session, err := store.CreateSession("player-1")
	require.NoError(t, err)

	clock.Advance(24*time.Hour + time.Second)
	result := store.ValidateSession(session.Token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonExpiredAbsolute, result.Reason)
	assert.Equal(t, "player-1", result.UserID)
}

func TestInvalidateSession(t *testing.T) {
	store, _ := createTestStore(t)

	session, err := store.CreateSession("player-1")
	require.NoError(t, err)

	assert.True(t, store.InvalidateSession(session.Token))
	assert.False(t, store.InvalidateSession(session.Token))

	result := store.ValidateSession(session.Token)
	assert.Equal(t, ReasonNotFound, result.Reason)
}

func TestInvalidateUserSessions(t *testing.T) {
	store, _ := createTestStore(t)

	first, err := store.CreateSession("player-1")
	require.NoError(t, err)
	second, err := store.CreateSession("player-1")
	require.NoError(t, err)
	other, err := store.CreateSession("player-2")
	require.NoError(t, err)

	assert.Equal(t, 2, store.InvalidateUserSessions("player-1"))
	assert.Equal(t, 0, store.InvalidateUserSessions("player-1"))

	assert.False(t, store.ValidateSession(first.Token).Valid)
	assert.False(t, store.ValidateSession(second.Token).Valid)
	assert.True(t, store.ValidateSession(other.Token).Valid)
}

func TestSweepEvictsExpired(t *testing.T) {
	store, clock := createTestStore(t)

	stale, err := store.CreateSession("player-1")
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	fresh, err := store.CreateSession("player-2")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute) // stale is 35min idle, fresh 15min
	store.sweep()

	stats := store.Stats()
	assert.Equal(t, 1, stats["active_sessions"])
	assert.False(t, store.ValidateSession(stale.Token).Valid)
	assert.True(t, store.ValidateSession(fresh.Token).Valid)
}

func TestCloseAllUserTransports(t *testing.T) {
	store, _ := createTestStore(t)

	first := &recordingTransport{}
	second := &recordingTransport{}
	other := &recordingTransport{}

	store.RegisterTransport("player-1", "conn-1", first)
	store.RegisterTransport("player-1", "conn-2", second)
	store.RegisterTransport("player-2", "conn-3", other)

	assert.Equal(t, 2, store.CloseAllUserTransports("player-1", "session_revoked"))
	assert.True(t, first.closed)
	assert.Equal(t, "session_revoked", first.reason)
	assert.True(t, second.closed)
	assert.False(t, other.closed)

	// Already closed and unregistered.
	assert.Equal(t, 0, store.CloseAllUserTransports("player-1", "again"))
}

func TestUnregisterTransport(t *testing.T) {
	store, _ := createTestStore(t)

	handle := &recordingTransport{}
	store.RegisterTransport("player-1", "conn-1", handle)
	store.UnregisterTransport("player-1", "conn-1")

	assert.Equal(t, 0, store.CloseAllUserTransports("player-1", "revoked"))
	assert.False(t, handle.closed)
}
