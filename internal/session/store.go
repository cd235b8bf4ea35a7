package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/errors"
	"github.com/hollowpoint-games/warden/internal/metrics"
)

// Validation failure reasons.
const (
	ReasonNotFound        = "session_not_found"
	ReasonExpiredAbsolute = "session_expired_absolute"
	ReasonExpiredIdle     = "session_expired_idle"
)

// Config defines session lifecycle parameters.
type Config struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	AbsoluteTimeout time.Duration `yaml:"absolute_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.AbsoluteTimeout <= 0 {
		c.AbsoluteTimeout = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Session is a time-bounded authentication credential tied to one user.
type Session struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ValidationResult reports whether a token is currently valid.
type ValidationResult struct {
	Valid  bool
	Reason string
	UserID string
}

// Store manages session lifecycle: creation, idle/absolute expiry, and
// forced invalidation, plus bookkeeping of live transport handles so
// enforcement can close every socket belonging to a user.
type Store struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	configMu sync.RWMutex
	config   Config

	mu           sync.RWMutex
	sessions     map[string]*Session
	userSessions map[string]map[string]struct{} // userID -> token set

	transports *TransportRegistry

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a session store.
func NewStore(logger *zap.Logger, config Config, m *metrics.Metrics) *Store {
	config.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		logger:       logger,
		metrics:      m,
		config:       config,
		sessions:     make(map[string]*Session),
		userSessions: make(map[string]map[string]struct{}),
		transports:   NewTransportRegistry(),
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the periodic expiry sweep.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop halts background work.
func (s *Store) Stop() {
	s.cancel()
	s.wg.Wait()
}

// CreateSession issues a new session for the user. The token is an opaque
// unguessable identifier; nothing about the user is derivable from it.
func (s *Store) CreateSession(userID string) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, errors.New(errors.ErrorTypeSession, errors.SeverityCritical,
			"SESSION_TOKEN_GENERATION", "failed to generate session token").
			WithError(err).
			WithContext("user_id", userID)
	}

	s.configMu.RLock()
	absolute := s.config.AbsoluteTimeout
	s.configMu.RUnlock()

	now := s.now()
	session := &Session{
		Token:        token,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(absolute),
	}

	s.mu.Lock()
	s.sessions[token] = session
	set, ok := s.userSessions[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userSessions[userID] = set
	}
	set[token] = struct{}{}
	s.metrics.SetActiveSessions(len(s.sessions))
	s.mu.Unlock()

	s.logger.Info("session created", zap.String("user_id", userID))

	return session, nil
}

// ValidateSession checks both expiry conditions, invalidating the session
// on failure. It does not refresh activity; RefreshSession does.
func (s *Store) ValidateSession(token string) ValidationResult {
	s.configMu.RLock()
	idle := s.config.IdleTimeout
	s.configMu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return ValidationResult{Valid: false, Reason: ReasonNotFound}
	}

	now := s.now()
	if now.After(session.ExpiresAt) {
		s.removeLocked(session)
		return ValidationResult{Valid: false, Reason: ReasonExpiredAbsolute, UserID: session.UserID}
	}
	if now.Sub(session.LastActivity) > idle {
		s.removeLocked(session)
		return ValidationResult{Valid: false, Reason: ReasonExpiredIdle, UserID: session.UserID}
	}

	return ValidationResult{Valid: true, UserID: session.UserID}
}

// RefreshSession updates the activity timestamp, but only for a session
// that is still valid under both expiry conditions.
func (s *Store) RefreshSession(token string) bool {
	s.configMu.RLock()
	idle := s.config.IdleTimeout
	s.configMu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return false
	}

	now := s.now()
	if now.After(session.ExpiresAt) || now.Sub(session.LastActivity) > idle {
		s.removeLocked(session)
		return false
	}

	session.LastActivity = now
	return true
}

// InvalidateSession destroys a single session.
func (s *Store) InvalidateSession(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return false
	}
	s.removeLocked(session)
	return true
}

// InvalidateUserSessions removes every session belonging to the user.
// Used to enforce single-session-per-account: when a new login succeeds,
// the previous sessions die, and their live transports should then be
// closed via CloseAllUserTransports.
func (s *Store) InvalidateUserSessions(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.userSessions[userID]
	if !ok {
		return 0
	}

	count := 0
	for token := range set {
		if session, exists := s.sessions[token]; exists {
			s.removeLocked(session)
			count++
		}
	}

	if count > 0 {
		s.logger.Info("invalidated user sessions",
			zap.String("user_id", userID),
			zap.Int("count", count),
		)
	}
	return count
}

// RegisterTransport indexes a live transport handle under the user.
func (s *Store) RegisterTransport(userID, transportID string, t TransportCloser) {
	s.transports.Register(userID, transportID, t)
}

// UnregisterTransport drops a transport handle on disconnect.
func (s *Store) UnregisterTransport(userID, transportID string) {
	s.transports.Unregister(userID, transportID)
}

// CloseAllUserTransports forcibly closes every live transport of a user.
func (s *Store) CloseAllUserTransports(userID, reason string) int {
	return s.transports.CloseAll(userID, reason)
}

// Stats returns aggregate session statistics.
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"active_sessions": len(s.sessions),
		"tracked_users":   len(s.userSessions),
	}
}

func (s *Store) removeLocked(session *Session) {
	delete(s.sessions, session.Token)
	if set, ok := s.userSessions[session.UserID]; ok {
		delete(set, session.Token)
		if len(set) == 0 {
			delete(s.userSessions, session.UserID)
		}
	}
	s.metrics.SetActiveSessions(len(s.sessions))
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	s.configMu.RLock()
	interval := s.config.SweepInterval
	s.configMu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts expired sessions independently of the read path, guarding
// against unbounded growth when a session is created but never
// revalidated.
func (s *Store) sweep() {
	s.configMu.RLock()
	idle := s.config.IdleTimeout
	s.configMu.RUnlock()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, session := range s.sessions {
		if now.After(session.ExpiresAt) || now.Sub(session.LastActivity) > idle {
			s.removeLocked(session)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("session sweep", zap.Int("evicted", removed))
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
