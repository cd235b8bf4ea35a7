package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/anticheat"
	"github.com/hollowpoint-games/warden/internal/protocol"
	"github.com/hollowpoint-games/warden/internal/ratelimit"
	"github.com/hollowpoint-games/warden/internal/session"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	packets []dispatched
}

type dispatched struct {
	playerID string
	op       protocol.Opcode
	payload  []interface{}
}

func (d *recordingDispatcher) Dispatch(client *Client, op protocol.Opcode, payload []interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packets = append(d.packets, dispatched{playerID: client.PlayerID, op: op, payload: payload})
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.packets)
}

func (d *recordingDispatcher) last() (dispatched, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.packets) == 0 {
		return dispatched{}, false
	}
	return d.packets[len(d.packets)-1], true
}

type testGateway struct {
	server     *Server
	http       *httptest.Server
	sessions   *session.Store
	limiter    *ratelimit.Limiter
	validator  *protocol.Validator
	anticheat  *anticheat.Controller
	dispatcher *recordingDispatcher
}

func createTestGateway(t *testing.T) *testGateway {
	t.Helper()
	return createTestGatewayWithLimits(t, ratelimit.Config{})
}

func createTestGatewayWithLimits(t *testing.T, limits ratelimit.Config) *testGateway {
	t.Helper()

	logger := zap.NewNop()
	limiter := ratelimit.NewLimiter(logger, limits, nil)
	validator := protocol.NewValidator(logger, nil)
	controller := anticheat.NewController(logger, anticheat.Config{}, nil)
	sessions := session.NewStore(logger, session.Config{}, nil)
	dispatcher := &recordingDispatcher{}

	server := NewServer(logger, Config{}, nil, limiter, validator, controller, sessions, dispatcher)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleConnection))
	t.Cleanup(func() {
		server.Stop()
		ts.Close()
	})

	return &testGateway{
		server:     server,
		http:       ts,
		sessions:   sessions,
		limiter:    limiter,
		validator:  validator,
		anticheat:  controller,
		dispatcher: dispatcher,
	}
}

func (g *testGateway) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(g.http.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func (g *testGateway) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestConnectWithoutSessionRefused(t *testing.T) {
	g := createTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectWithBadTokenRefused(t *testing.T) {
	g := createTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL("bogus"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBannedIPRefusedBeforeUpgrade(t *testing.T) {
	g := createTestGateway(t)

	sess, err := g.sessions.CreateSession("player-1")
	require.NoError(t, err)

	// httptest connections come from loopback.
	g.limiter.IPBans().Ban("127.0.0.1", time.Minute)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(sess.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBannedPlayerRefused(t *testing.T) {
	g := createTestGateway(t)

	sess, err := g.sessions.CreateSession("cheater")
	require.NoError(t, err)

	g.anticheat.Bans().Ban("cheater", 95, nil, time.Minute)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(sess.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestValidPacketReachesDispatcher(t *testing.T) {
	g := createTestGateway(t)

	sess, err := g.sessions.CreateSession("player-1")
	require.NoError(t, err)
	conn := g.connect(t, sess.Token)

	require.NoError(t, conn.WriteJSON(inbound{Op: "move", Data: []interface{}{1.25}}))

	waitFor(t, func() bool { return g.dispatcher.count() == 1 })
	pkt, ok := g.dispatcher.last()
	require.True(t, ok)
	assert.Equal(t, "player-1", pkt.playerID)
	assert.Equal(t, protocol.OpMove, pkt.op)
	require.Len(t, pkt.payload, 1)
	assert.InDelta(t, 1.25, pkt.payload[0].(float64), 1e-9)
}

func TestInvalidPacketDropped(t *testing.T) {
	g := createTestGateway(t)

	sess, err := g.sessions.CreateSession("player-1")
	require.NoError(t, err)
	conn := g.connect(t, sess.Token)

	// Wrong arity rejects at the validator; a following valid packet
	// still flows, proving the connection survived.
	require.NoError(t, conn.WriteJSON(inbound{Op: "move", Data: []interface{}{1.0, 2.0}}))
	require.NoError(t, conn.WriteJSON(inbound{Op: "move", Data: []interface{}{0.5}}))

	waitFor(t, func() bool { return g.dispatcher.count() == 1 })
	pkt, _ := g.dispatcher.last()
	assert.InDelta(t, 0.5, pkt.payload[0].(float64), 1e-9)
}

func TestUnknownOpcodeDropped(t *testing.T) {
	g := createTestGateway(t)

	sess, err := g.sessions.CreateSession("player-1")
	require.NoError(t, err)
	conn := g.connect(t, sess.Token)

	require.NoError(t, conn.WriteJSON(inbound{Op: "teleport", Data: []interface{}{}}))
	require.NoError(t, conn.WriteJSON(inbound{Op: "ping", Data: []interface{}{}}))

	waitFor(t, func() bool { return g.dispatcher.count() == 1 })
	pkt, _ := g.dispatcher.last()
	assert.Equal(t, protocol.OpPing, pkt.op)

	// The unrecognized name was rejected through the validator, so the
	// forensic counters see it rather than a silent drop.
	stats, ok := g.validator.Stats()["unknown"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats["failed"])
}

func TestFabricatedOpcodeFloodEscalates(t *testing.T) {
	g := createTestGatewayWithLimits(t, ratelimit.Config{
		Default:             ratelimit.BucketConfig{Capacity: 1, RefillRate: 0.001},
		WarningThreshold:    1,
		FreezeThreshold:     2,
		DisconnectThreshold: 4,
		BanThreshold:        4,
		FreezeDuration:      time.Millisecond,
		IPBanDuration:       time.Minute,
	})

	sess, err := g.sessions.CreateSession("player-1")
	require.NoError(t, err)
	conn := g.connect(t, sess.Token)

	// Every frame carries a different made-up opcode name. They all
	// charge the shared unknown bucket, so the flood escalates to a ban
	// instead of minting a fresh bucket per name.
	for i := 0; i < 20; i++ {
		if err := conn.WriteJSON(inbound{Op: fmt.Sprintf("fabricated-%d", i), Data: []interface{}{}}); err != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// The ban extends to the source address, so a fresh session from the
	// same host is refused before the upgrade.
	sess2, err := g.sessions.CreateSession("player-2")
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(sess2.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Zero(t, g.dispatcher.count())
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	g := createTestGateway(t)

	sess, err := g.sessions.CreateSession("player-1")
	require.NoError(t, err)

	first := g.connect(t, sess.Token)
	waitFor(t, func() bool {
		return g.server.Stats()["active_connections"].(int32) == 1
	})

	_ = g.connect(t, sess.Token)

	// The first socket receives a close frame and its reads start failing.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	waitFor(t, func() bool {
		return g.server.Stats()["active_connections"].(int32) == 1
	})
}

func TestHeartbeatFromPayload(t *testing.T) {
	hb, ok := heartbeatFromPayload([]interface{}{12.0, 30.0, []float64{100, 250}})
	require.True(t, ok)
	assert.Equal(t, 12, hb.MouseMovements)
	assert.Equal(t, 30, hb.Keystrokes)
	assert.Equal(t, []float64{100, 250}, hb.ClickTimes)

	_, ok = heartbeatFromPayload([]interface{}{12.0, 30.0})
	assert.False(t, ok)
}
