package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/metrics"
)

// EscalationLevel is the limiter's punitive state for a connection.
type EscalationLevel int

const (
	EscalationNone EscalationLevel = iota
	EscalationWarning
	EscalationFreeze
	EscalationDisconnect
	EscalationBan
)

// String returns the level name.
func (l EscalationLevel) String() string {
	switch l {
	case EscalationWarning:
		return "warning"
	case EscalationFreeze:
		return "freeze"
	case EscalationDisconnect:
		return "disconnect"
	case EscalationBan:
		return "ban"
	default:
		return "none"
	}
}

// Action tells the caller how to respond to a rejected check.
type Action string

const (
	ActionNone       Action = ""
	ActionBlocked    Action = "blocked"
	ActionWarning    Action = "warning"
	ActionFreeze     Action = "freeze"
	ActionDisconnect Action = "disconnect"
	ActionBan        Action = "ban"
)

// Result is the outcome of a single admission check.
type Result struct {
	Allowed    bool
	Action     Action
	Reason     string
	Escalation EscalationLevel
	Violations int
}

// BucketConfig declares per-opcode bucket parameters.
type BucketConfig struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// Config defines rate limiting parameters.
type Config struct {
	// Bucket applied to opcodes without an explicit entry
	Default BucketConfig `yaml:"default"`

	// Per-opcode bucket overrides
	Opcodes map[string]BucketConfig `yaml:"opcodes"`

	// Cumulative violation thresholds for each escalation step
	WarningThreshold    int `yaml:"warning_threshold"`
	FreezeThreshold     int `yaml:"freeze_threshold"`
	DisconnectThreshold int `yaml:"disconnect_threshold"`
	BanThreshold        int `yaml:"ban_threshold"`

	// Quiet period after which the violation count decays by one
	ViolationDecayWindow time.Duration `yaml:"violation_decay_window"`

	// Punishment durations
	FreezeDuration time.Duration `yaml:"freeze_duration"`
	IPBanDuration  time.Duration `yaml:"ip_ban_duration"`

	// Per-connection state GC
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Default.Capacity <= 0 {
		c.Default.Capacity = 20
	}
	if c.Default.RefillRate <= 0 {
		c.Default.RefillRate = 10
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 5
	}
	if c.FreezeThreshold <= 0 {
		c.FreezeThreshold = 15
	}
	if c.DisconnectThreshold <= 0 {
		c.DisconnectThreshold = 30
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 50
	}
	if c.ViolationDecayWindow <= 0 {
		c.ViolationDecayWindow = 10 * time.Second
	}
	if c.FreezeDuration <= 0 {
		c.FreezeDuration = 5 * time.Second
	}
	if c.IPBanDuration <= 0 {
		c.IPBanDuration = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 1 * time.Minute
	}
}

func (c *Config) escalationFor(violations int) EscalationLevel {
	switch {
	case violations >= c.BanThreshold:
		return EscalationBan
	case violations >= c.DisconnectThreshold:
		return EscalationDisconnect
	case violations >= c.FreezeThreshold:
		return EscalationFreeze
	case violations >= c.WarningThreshold:
		return EscalationWarning
	default:
		return EscalationNone
	}
}

// connState tracks buckets and punitive state for one connection.
type connState struct {
	mu             sync.Mutex
	buckets        map[string]*TokenBucket
	violationCount int
	lastViolation  time.Time
	escalation     EscalationLevel
	freezeUntil    time.Time
	bannedUntil    time.Time
	lastActivity   time.Time
}

// Limiter provides per-connection, per-opcode admission control with
// escalating punitive response to sustained abuse. Token buckets absorb
// legitimate bursts while the violation counter tracks abuse across
// opcodes and time.
type Limiter struct {
	logger *zap.Logger

	configMu sync.RWMutex
	config   Config

	statesMu sync.RWMutex
	states   map[string]*connState

	ipBans  *IPBanRegistry
	metrics *metrics.Metrics

	totalChecks  atomic.Uint64
	totalAllowed atomic.Uint64
	totalBlocked atomic.Uint64

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLimiter creates a rate limiter.
func NewLimiter(logger *zap.Logger, config Config, m *metrics.Metrics) *Limiter {
	config.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Limiter{
		logger:  logger,
		config:  config,
		states:  make(map[string]*connState),
		ipBans:  NewIPBanRegistry(),
		metrics: m,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the periodic stale-state sweep.
func (l *Limiter) Start() {
	l.wg.Add(1)
	go l.sweepLoop()
}

// Stop halts background work.
func (l *Limiter) Stop() {
	l.cancel()
	l.wg.Wait()
}

// IPBans exposes the ban registry for connect-time checks and pardons.
func (l *Limiter) IPBans() *IPBanRegistry {
	return l.ipBans
}

// UpdateConfig swaps in new tunables. Existing buckets keep their
// parameters until recreated; punitive thresholds apply immediately.
func (l *Limiter) UpdateConfig(config Config) {
	config.ApplyDefaults()
	l.configMu.Lock()
	l.config = config
	l.configMu.Unlock()
}

// CheckLimit decides whether a single message of the given opcode from the
// given connection is admitted right now. It never errors; unknown opcodes
// fall back to the default bucket (opcode legality is the validator's job).
func (l *Limiter) CheckLimit(connectionID, sourceAddress, opcode string) Result {
	l.totalChecks.Add(1)

	if l.ipBans.IsBanned(sourceAddress) {
		l.totalBlocked.Add(1)
		l.metrics.RateCheck(opcode, "ip_banned")
		return Result{Allowed: false, Action: ActionBan, Reason: "source address is banned", Escalation: EscalationBan}
	}

	l.configMu.RLock()
	cfg := l.config
	l.configMu.RUnlock()

	now := l.now()
	state := l.getState(connectionID, now)

	state.mu.Lock()
	defer state.mu.Unlock()

	state.lastActivity = now

	if now.Before(state.bannedUntil) {
		l.totalBlocked.Add(1)
		l.metrics.RateCheck(opcode, "banned")
		return Result{Allowed: false, Action: ActionBan, Reason: "connection is banned", Escalation: state.escalation, Violations: state.violationCount}
	}

	if now.Before(state.freezeUntil) {
		l.totalBlocked.Add(1)
		l.metrics.RateCheck(opcode, "frozen")
		return Result{Allowed: false, Action: ActionFreeze, Reason: "connection is frozen", Escalation: state.escalation, Violations: state.violationCount}
	}

	// Quiet connections earn their way back down, one notch at a time.
	if state.violationCount > 0 && now.Sub(state.lastViolation) > cfg.ViolationDecayWindow {
		state.violationCount--
		state.lastViolation = now
		if target := cfg.escalationFor(state.violationCount); target < state.escalation {
			state.escalation--
		}
	}

	bucket, ok := state.buckets[opcode]
	if !ok {
		bc := cfg.Default
		if override, found := cfg.Opcodes[opcode]; found {
			bc = override
		}
		bucket = NewTokenBucket(bc.Capacity, bc.RefillRate, now)
		state.buckets[opcode] = bucket
	}

	if bucket.Consume(1, now) {
		l.totalAllowed.Add(1)
		l.metrics.RateCheck(opcode, "allowed")
		return Result{Allowed: true, Escalation: state.escalation, Violations: state.violationCount}
	}

	// Rejected: decay once if stale, then count the violation.
	if state.violationCount > 0 && now.Sub(state.lastViolation) > cfg.ViolationDecayWindow {
		state.violationCount--
	}
	state.violationCount++
	state.lastViolation = now

	if level := cfg.escalationFor(state.violationCount); level > state.escalation {
		state.escalation = level
	}

	action := ActionBlocked
	reason := "rate limit exceeded"
	switch state.escalation {
	case EscalationWarning:
		action = ActionWarning
		reason = "rate limit exceeded repeatedly"
	case EscalationFreeze:
		action = ActionFreeze
		reason = "connection frozen for sustained flooding"
		state.freezeUntil = now.Add(cfg.FreezeDuration)
	case EscalationDisconnect:
		action = ActionDisconnect
		reason = "disconnected for sustained flooding"
	case EscalationBan:
		action = ActionBan
		reason = "banned for sustained flooding"
		state.bannedUntil = now.Add(cfg.IPBanDuration)
		l.ipBans.Ban(sourceAddress, cfg.IPBanDuration)
	}

	l.totalBlocked.Add(1)
	l.metrics.RateCheck(opcode, "blocked")

	l.logger.Warn("rate limit violation",
		zap.String("connection_id", connectionID),
		zap.String("source_address", sourceAddress),
		zap.String("opcode", opcode),
		zap.Int("violations", state.violationCount),
		zap.String("escalation", state.escalation.String()),
		zap.String("action", string(action)),
	)

	return Result{
		Allowed:    false,
		Action:     action,
		Reason:     reason,
		Escalation: state.escalation,
		Violations: state.violationCount,
	}
}

// RemoveConnection releases all state for a closed connection.
func (l *Limiter) RemoveConnection(connectionID string) {
	l.statesMu.Lock()
	delete(l.states, connectionID)
	l.statesMu.Unlock()
}

// Stats returns aggregate limiter statistics.
func (l *Limiter) Stats() map[string]interface{} {
	l.statesMu.RLock()
	tracked := len(l.states)
	l.statesMu.RUnlock()

	return map[string]interface{}{
		"total_checks":        l.totalChecks.Load(),
		"total_allowed":       l.totalAllowed.Load(),
		"total_blocked":       l.totalBlocked.Load(),
		"tracked_connections": tracked,
		"active_ip_bans":      l.ipBans.Count(),
	}
}

func (l *Limiter) getState(connectionID string, now time.Time) *connState {
	l.statesMu.RLock()
	state, ok := l.states[connectionID]
	l.statesMu.RUnlock()
	if ok {
		return state
	}

	l.statesMu.Lock()
	defer l.statesMu.Unlock()
	if state, ok = l.states[connectionID]; ok {
		return state
	}
	state = &connState{
		buckets:      make(map[string]*TokenBucket),
		lastActivity: now,
	}
	l.states[connectionID] = state
	return state
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()

	l.configMu.RLock()
	interval := l.config.SweepInterval
	l.configMu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.configMu.RLock()
	staleAfter := l.config.StaleAfter
	l.configMu.RUnlock()

	now := l.now()

	l.statesMu.Lock()
	for id, state := range l.states {
		state.mu.Lock()
		stale := now.Sub(state.lastActivity) > staleAfter
		state.mu.Unlock()
		if stale {
			delete(l.states, id)
		}
	}
	l.statesMu.Unlock()

	l.ipBans.sweep()
	l.metrics.SetActiveIPBans(l.ipBans.Count())
}
