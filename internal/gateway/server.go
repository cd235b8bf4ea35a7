package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/anticheat"
	"github.com/hollowpoint-games/warden/internal/errors"
	"github.com/hollowpoint-games/warden/internal/metrics"
	"github.com/hollowpoint-games/warden/internal/protocol"
	"github.com/hollowpoint-games/warden/internal/ratelimit"
	"github.com/hollowpoint-games/warden/internal/session"
)

// Dispatcher receives packets that survived the full admission pipeline.
// The game simulation implements this; the gateway never interprets
// gameplay semantics beyond what enforcement requires.
type Dispatcher interface {
	Dispatch(client *Client, op protocol.Opcode, payload []interface{}) error
}

// Config defines gateway connection parameters.
type Config struct {
	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`

	MaxClients     int   `yaml:"max_clients"`
	MaxMessageSize int64 `yaml:"max_message_size"`

	// Packets between composite suspicion evaluations per client
	EnforceEvery int `yaml:"enforce_every"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 1024
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 1024
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 2000
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024
	}
	if c.EnforceEvery <= 0 {
		c.EnforceEvery = 25
	}
}

// Server is the websocket ingress. Every inbound packet passes the
// admission pipeline in order: session, rate limit, schema validation,
// behavioral recording, then dispatch to the game.
type Server struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	config  Config

	limiter    *ratelimit.Limiter
	validator  *protocol.Validator
	anticheat  *anticheat.Controller
	sessions   *session.Store
	dispatcher Dispatcher

	upgrader websocket.Upgrader

	clients     sync.Map // clientID -> *Client
	clientCount atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the gateway to the enforcement engines.
func NewServer(
	logger *zap.Logger,
	config Config,
	m *metrics.Metrics,
	limiter *ratelimit.Limiter,
	validator *protocol.Validator,
	ac *anticheat.Controller,
	sessions *session.Store,
	dispatcher Dispatcher,
) *Server {
	config.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		logger:     logger,
		metrics:    m,
		config:     config,
		limiter:    limiter,
		validator:  validator,
		anticheat:  ac,
		sessions:   sessions,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop closes every client connection and waits for the pumps to drain.
func (s *Server) Stop() {
	s.cancel()
	s.clients.Range(func(_, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			_ = client.Close("server_shutdown")
		}
		return true
	})
	s.wg.Wait()
}

// HandleConnection gates and upgrades an incoming websocket request.
// Banned sources and invalid sessions are refused before the upgrade so
// they never consume a connection slot.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if s.clientCount.Load() >= int32(s.config.MaxClients) {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	sourceAddress := remoteAddr(r)

	if s.limiter.IPBans().IsBanned(sourceAddress) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token := r.URL.Query().Get("token")
	result := s.sessions.ValidateSession(token)
	if !result.Valid {
		s.logger.Debug("connection refused",
			zap.String("source", sourceAddress),
			zap.String("reason", result.Reason),
		)
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	if s.anticheat.IsBanned(result.UserID, sourceAddress) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	// One live connection per account: a successful connect supersedes
	// any connection the account already holds.
	s.sessions.CloseAllUserTransports(result.UserID, "superseded_by_new_connection")

	client := newClient(conn, result.UserID, token, sourceAddress)
	s.clients.Store(client.ID, client)
	s.clientCount.Add(1)
	s.metrics.SetActiveConnections(int(s.clientCount.Load()))
	s.sessions.RegisterTransport(client.PlayerID, client.ID, client)

	s.logger.Info("client connected",
		zap.String("client_id", client.ID),
		zap.String("player_id", client.PlayerID),
		zap.String("source", sourceAddress),
	)

	s.wg.Add(2)
	go s.readPump(client)
	go s.writePump(client)
}

// Stats returns aggregate gateway statistics.
func (s *Server) Stats() map[string]interface{} {
	var recv, sent uint64
	s.clients.Range(func(_, value interface{}) bool {
		client := value.(*Client)
		recv += client.messagesRecv.Load()
		sent += client.messagesSent.Load()
		return true
	})
	return map[string]interface{}{
		"active_connections": s.clientCount.Load(),
		"messages_received":  recv,
		"messages_sent":      sent,
	}
}

func (s *Server) readPump(client *Client) {
	defer s.wg.Done()
	defer errors.Recover(s.logger, "gateway", func() {
		s.disconnect(client, "internal_error")
	})
	defer s.disconnect(client, "read_closed")

	client.conn.SetReadLimit(s.config.MaxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}

		client.messagesRecv.Add(1)
		if !s.processMessage(client, raw) {
			return
		}
	}
}

func (s *Server) writePump(client *Client) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case <-s.ctx.Done():
			return
		case payload := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage runs one packet through the admission pipeline. The
// return value reports whether the connection should keep reading.
func (s *Server) processMessage(client *Client, raw []byte) bool {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed frames still count against the rate budget under
		// the default bucket, so garbage floods escalate like any other.
		return s.applyLimit(client, s.limiter.CheckLimit(client.ID, client.SourceAddress, "malformed"))
	}

	if !s.sessions.RefreshSession(client.SessionToken) {
		_ = client.Close("session_expired")
		return false
	}

	// Parse before charging the rate budget: bucket keys come from the
	// closed opcode catalog, so made-up names cannot mint fresh buckets
	// and all share the unknown bucket.
	op, _ := protocol.ParseOpcode(msg.Op)

	limit := s.limiter.CheckLimit(client.ID, client.SourceAddress, op.String())
	if !limit.Allowed {
		return s.applyLimit(client, limit)
	}

	result := s.validator.ValidatePacket(op, msg.Data, protocol.Context{
		ConnectionID:  client.ID,
		SourceAddress: client.SourceAddress,
	})
	if !result.Valid {
		return true
	}

	s.recordBehavior(client, op, result.Sanitized)

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(client, op, result.Sanitized); err != nil {
			s.logger.Warn("dispatch failed",
				zap.String("client_id", client.ID),
				zap.String("opcode", op.String()),
				zap.Error(err),
			)
		}
	}

	if client.messagesRecv.Load()%uint64(s.config.EnforceEvery) == 0 {
		s.anticheat.CheckAndEnforce(client.PlayerID, client, client.SourceAddress)
	}

	return true
}

// applyLimit translates a rejected rate check into the connection-level
// response. The return value reports whether to keep reading.
func (s *Server) applyLimit(client *Client, limit ratelimit.Result) bool {
	switch limit.Action {
	case ratelimit.ActionWarning:
		_ = client.SendNotice("rate_warning", limit.Reason)
	case ratelimit.ActionFreeze:
		_ = client.SendNotice("rate_freeze", limit.Reason)
	case ratelimit.ActionDisconnect:
		_ = client.Close("rate_limit_exceeded")
		return false
	case ratelimit.ActionBan:
		_ = client.Close("rate_limit_banned")
		return false
	}
	return true
}

// recordBehavior feeds the packet into the behavioral analyzers. Only
// opcodes with a behavioral signal are recorded.
func (s *Server) recordBehavior(client *Client, op protocol.Opcode, payload []interface{}) {
	switch op {
	case protocol.OpMove:
		s.anticheat.RecordInput(client.PlayerID)
	case protocol.OpAttack:
		s.anticheat.RecordInput(client.PlayerID)
		s.anticheat.RecordAttack(client.PlayerID)
		s.anticheat.RecordGameplayAction(client.PlayerID)
	case protocol.OpHeartbeat:
		if hb, ok := heartbeatFromPayload(payload); ok {
			s.anticheat.ProcessHeartbeat(client.PlayerID, hb)
		}
	case protocol.OpStoreTransaction, protocol.OpPlaceBuilding, protocol.OpUpgrade:
		s.anticheat.RecordGameplayAction(client.PlayerID)
	}
}

// heartbeatFromPayload maps a validated heartbeat payload onto the
// analyzer's sample type. The validator guarantees the shape.
func heartbeatFromPayload(payload []interface{}) (anticheat.Heartbeat, bool) {
	if len(payload) != 3 {
		return anticheat.Heartbeat{}, false
	}
	mouse, ok1 := payload[0].(float64)
	keys, ok2 := payload[1].(float64)
	clicks, ok3 := payload[2].([]float64)
	if !ok1 || !ok2 || !ok3 {
		return anticheat.Heartbeat{}, false
	}
	return anticheat.Heartbeat{
		MouseMovements: int(mouse),
		Keystrokes:     int(keys),
		ClickTimes:     clicks,
	}, true
}

// disconnect tears down a client and fans the cleanup out to every
// engine holding per-connection or per-player state.
func (s *Server) disconnect(client *Client, reason string) {
	if _, loaded := s.clients.LoadAndDelete(client.ID); !loaded {
		return
	}

	_ = client.Close(reason)
	s.clientCount.Add(-1)
	s.metrics.SetActiveConnections(int(s.clientCount.Load()))

	s.limiter.RemoveConnection(client.ID)
	s.sessions.UnregisterTransport(client.PlayerID, client.ID)
	s.anticheat.RemovePlayer(client.PlayerID)

	s.logger.Info("client disconnected",
		zap.String("client_id", client.ID),
		zap.String("player_id", client.PlayerID),
		zap.String("reason", client.closeReason),
	)
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
