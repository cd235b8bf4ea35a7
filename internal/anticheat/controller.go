package anticheat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/errors"
	"github.com/hollowpoint-games/warden/internal/metrics"
)

// EnforcementAction is the controller's verdict for one player. The state
// is a ratchet decided purely by the current total score against fixed
// thresholds, not by the previous state.
type EnforcementAction int

const (
	ActionNone EnforcementAction = iota
	ActionWarn
	ActionKick
	ActionBan
)

// String returns the action name.
func (a EnforcementAction) String() string {
	switch a {
	case ActionWarn:
		return "warning"
	case ActionKick:
		return "kick"
	case ActionBan:
		return "ban"
	default:
		return "none"
	}
}

// Transport is the minimal handle the controller needs to notify and
// forcibly close a client connection.
type Transport interface {
	SendNotice(kind, reason string) error
	Close(reason string) error
}

// Weights distributes the composite score across the four analyzers.
type Weights struct {
	Telemetry float64 `yaml:"telemetry"`
	Movement  float64 `yaml:"movement"`
	Activity  float64 `yaml:"activity"`
	Actions   float64 `yaml:"actions"`
}

// Config defines controller tunables. The weight and threshold defaults
// are empirically chosen and exposed for retuning against real player
// populations.
type Config struct {
	Weights Weights `yaml:"weights"`

	WarnThreshold float64 `yaml:"warn_threshold"`
	KickThreshold float64 `yaml:"kick_threshold"`
	BanThreshold  float64 `yaml:"ban_threshold"`

	DecayInterval time.Duration `yaml:"decay_interval"`
	DecayFactor   float64       `yaml:"decay_factor"`
	ZeroBelow     float64       `yaml:"zero_below"`

	BanDuration        time.Duration `yaml:"ban_duration"`
	ViolationRetention int           `yaml:"violation_retention"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Weights == (Weights{}) {
		c.Weights = Weights{Telemetry: 0.30, Movement: 0.25, Activity: 0.20, Actions: 0.25}
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 50
	}
	if c.KickThreshold <= 0 {
		c.KickThreshold = 70
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 90
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = 30 * time.Second
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = 0.95
	}
	if c.ZeroBelow <= 0 {
		c.ZeroBelow = 1
	}
	if c.BanDuration <= 0 {
		c.BanDuration = 24 * time.Hour
	}
	if c.ViolationRetention <= 0 {
		c.ViolationRetention = 100
	}
}

// SuspicionScore is the per-player composite. Total is always recomputed
// from the components and never drifts independently.
type SuspicionScore struct {
	Components   map[string]float64 `json:"components"`
	Total        float64            `json:"total"`
	LastUpdate   time.Time          `json:"last_update"`
	WarningCount int                `json:"warning_count"`
	KickCount    int                `json:"kick_count"`
}

// Controller composes the four behavioral analyzers into a weighted
// suspicion score and enforcement state machine. Suspicion is evidence of
// recent behavior, not a permanent scar: scores decay geometrically and
// clear entirely once negligible.
type Controller struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	configMu sync.RWMutex
	config   Config

	telemetry *TelemetryAnalyzer
	movement  *MovementAnalyzer
	activity  *ActivityMonitor
	actions   *ActionValidator

	scoresMu sync.Mutex
	scores   map[string]*SuspicionScore

	bans *BanManager

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates the anti-cheat controller and its four analyzers.
func NewController(logger *zap.Logger, config Config, m *metrics.Metrics) *Controller {
	config.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		logger:    logger,
		metrics:   m,
		config:    config,
		telemetry: NewTelemetryAnalyzer(logger, m),
		movement:  NewMovementAnalyzer(logger, m),
		activity:  NewActivityMonitor(logger, m),
		actions:   NewActionValidator(logger, m),
		scores:    make(map[string]*SuspicionScore),
		bans:      NewBanManager(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the periodic score decay loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.decayLoop()
}

// Stop halts background work.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

// UpdateConfig swaps in new tunables.
func (c *Controller) UpdateConfig(config Config) {
	config.ApplyDefaults()
	c.configMu.Lock()
	c.config = config
	c.configMu.Unlock()
}

// Analyzer passthroughs: the game-logic layer records events and validates
// actions inline during gameplay-opcode handling.

func (c *Controller) RecordInput(playerID string)  { c.telemetry.RecordInput(playerID) }
func (c *Controller) RecordAttack(playerID string) { c.telemetry.RecordAttack(playerID) }
func (c *Controller) RecordTick(playerID string, rate float64) {
	c.telemetry.RecordTick(playerID, rate)
}
func (c *Controller) RecordPosition(playerID string, x, y float64) {
	c.movement.RecordPosition(playerID, x, y)
}
func (c *Controller) ValidateMovement(playerID string, mc MovementContext, deltaMS float64) MovementResult {
	return c.movement.ValidateMovement(playerID, mc, deltaMS)
}
func (c *Controller) CheckBounds(playerID string, x, y, extent float64) *Violation {
	return c.movement.CheckBounds(playerID, x, y, extent)
}
func (c *Controller) ProcessHeartbeat(playerID string, hb Heartbeat) {
	c.activity.ProcessHeartbeat(playerID, hb)
}
func (c *Controller) RecordGameplayAction(playerID string) {
	c.activity.RecordGameplayAction(playerID)
}
func (c *Controller) ValidateResourceSpending(playerID string, ps PlayerState, resource string, amount float64) ActionResult {
	return c.actions.ValidateResourceSpending(playerID, ps, resource, amount)
}
func (c *Controller) ValidateBuildPlacement(playerID string, ps PlayerState, item BuildItem, x, y float64) ActionResult {
	return c.actions.ValidateBuildPlacement(playerID, ps, item, x, y)
}
func (c *Controller) ValidateAttackTiming(playerID string, ps PlayerState) ActionResult {
	return c.actions.ValidateAttackTiming(playerID, ps)
}
func (c *Controller) ValidateItemPurchase(playerID string, ps PlayerState, item StoreItem) ActionResult {
	return c.actions.ValidateItemPurchase(playerID, ps, item)
}
func (c *Controller) ValidateUpgrade(playerID string, ps PlayerState) ActionResult {
	return c.actions.ValidateUpgrade(playerID, ps)
}
func (c *Controller) RecordHatSwitch(playerID string) ActionResult {
	return c.actions.RecordHatSwitch(playerID)
}
func (c *Controller) RecordHeal(playerID string) ActionResult {
	return c.actions.RecordHeal(playerID)
}

// UpdatePlayerScore recomputes each component by invoking the analyzers
// and combines them via the configured weights, clamped to [0,100].
func (c *Controller) UpdatePlayerScore(playerID string) *SuspicionScore {
	telemetry := c.telemetry.AnalyzePlayer(playerID)
	movement := c.movement.AnalyzePlayer(playerID)
	activity := c.activity.AnalyzePlayer(playerID)
	actions := c.actions.AnalyzePlayer(playerID)

	c.configMu.RLock()
	weights := c.config.Weights
	c.configMu.RUnlock()

	c.scoresMu.Lock()
	defer c.scoresMu.Unlock()

	score, ok := c.scores[playerID]
	if !ok {
		score = &SuspicionScore{Components: make(map[string]float64)}
		c.scores[playerID] = score
		c.metrics.SetTrackedPlayers(len(c.scores))
	}

	score.Components["telemetry"] = clampScore(telemetry.Score)
	score.Components["movement"] = clampScore(movement.Score)
	score.Components["activity"] = clampScore(activity.Score)
	score.Components["actions"] = clampScore(actions.Score)
	score.Total = clampScore(weights.Telemetry*score.Components["telemetry"] +
		weights.Movement*score.Components["movement"] +
		weights.Activity*score.Components["activity"] +
		weights.Actions*score.Components["actions"])
	score.LastUpdate = c.now()

	return score
}

// CheckAndEnforce recomputes the score, derives the action by threshold
// comparison, and applies it: warnings notify, kicks close the transport,
// bans record both namespaces and close the transport. Exception-safe:
// any internal failure degrades to no action rather than crashing the
// message loop.
func (c *Controller) CheckAndEnforce(playerID string, transport Transport, sourceAddress string) (action EnforcementAction) {
	defer errors.Recover(c.logger, "anticheat", func() {
		action = ActionNone
	})

	c.UpdatePlayerScore(playerID)
	return c.enforceCurrent(playerID, transport, sourceAddress)
}

// enforceCurrent applies the threshold decision to the already-computed
// score. Split from CheckAndEnforce so scoring and enforcement stay
// independently testable.
func (c *Controller) enforceCurrent(playerID string, transport Transport, sourceAddress string) (action EnforcementAction) {
	defer errors.Recover(c.logger, "anticheat", func() {
		action = ActionNone
	})

	c.scoresMu.Lock()
	score, ok := c.scores[playerID]
	if !ok {
		c.scoresMu.Unlock()
		return ActionNone
	}
	total := score.Total
	c.scoresMu.Unlock()

	c.configMu.RLock()
	cfg := c.config
	c.configMu.RUnlock()

	switch {
	case total >= cfg.BanThreshold:
		action = ActionBan
	case total >= cfg.KickThreshold:
		action = ActionKick
	case total >= cfg.WarnThreshold:
		action = ActionWarn
	default:
		return ActionNone
	}

	c.scoresMu.Lock()
	components := make(map[string]float64, len(score.Components))
	for k, v := range score.Components {
		components[k] = v
	}
	switch action {
	case ActionWarn:
		score.WarningCount++
	case ActionKick:
		score.KickCount++
	}
	c.scoresMu.Unlock()

	c.metrics.EnforcementScore(total)
	c.logEnforcement(playerID, action, total, components, cfg.ViolationRetention)

	switch action {
	case ActionWarn:
		if transport != nil {
			_ = transport.SendNotice("warning", "suspicious behavior detected")
		}
	case ActionKick:
		if transport != nil {
			_ = transport.SendNotice("kick", "kicked for suspicious behavior")
			_ = transport.Close("anticheat kick")
		}
	case ActionBan:
		c.bans.Ban(playerID, total, components, cfg.BanDuration)
		c.metrics.Ban("player")
		if sourceAddress != "" {
			c.bans.Ban(IPSubject(sourceAddress), total, components, cfg.BanDuration)
			c.metrics.Ban("ip")
		}
		if transport != nil {
			_ = transport.SendNotice("ban", "banned for automated or exploitative behavior")
			_ = transport.Close("anticheat ban")
		}
	}

	return action
}

// IsBanned consults both ban namespaces.
// Bans exposes the ban registry for administrative surfaces.
func (c *Controller) Bans() *BanManager {
	return c.bans
}

func (c *Controller) IsBanned(playerID, sourceAddress string) bool {
	if playerID != "" && c.bans.IsBanned(playerID) {
		return true
	}
	return sourceAddress != "" && c.bans.IsBanned(IPSubject(sourceAddress))
}

// Pardon removes a ban in either namespace.
func (c *Controller) Pardon(subject string) bool {
	return c.bans.Pardon(subject)
}

// PlayerScore returns a copy of the current score, if tracked.
func (c *Controller) PlayerScore(playerID string) (SuspicionScore, bool) {
	c.scoresMu.Lock()
	defer c.scoresMu.Unlock()

	score, ok := c.scores[playerID]
	if !ok {
		return SuspicionScore{}, false
	}
	copied := *score
	copied.Components = make(map[string]float64, len(score.Components))
	for k, v := range score.Components {
		copied.Components[k] = v
	}
	return copied, true
}

// RemovePlayer releases all per-player state across the controller and
// every analyzer.
func (c *Controller) RemovePlayer(playerID string) {
	c.telemetry.RemovePlayer(playerID)
	c.movement.RemovePlayer(playerID)
	c.activity.RemovePlayer(playerID)
	c.actions.RemovePlayer(playerID)

	c.scoresMu.Lock()
	delete(c.scores, playerID)
	c.metrics.SetTrackedPlayers(len(c.scores))
	c.scoresMu.Unlock()
}

// Stats returns aggregate controller statistics.
func (c *Controller) Stats() map[string]interface{} {
	c.scoresMu.Lock()
	tracked := len(c.scores)
	c.scoresMu.Unlock()

	return map[string]interface{}{
		"tracked_players": tracked,
		"active_bans":     c.bans.ActiveCount(),
	}
}

func (c *Controller) decayLoop() {
	defer c.wg.Done()

	c.configMu.RLock()
	interval := c.config.DecayInterval
	c.configMu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.decayScores()
		}
	}
}

// decayScores multiplies every component by the decay factor, recomputes
// totals, and hard-zeroes scores below the threshold to avoid asymptotic
// residue.
func (c *Controller) decayScores() {
	c.configMu.RLock()
	factor := c.config.DecayFactor
	zeroBelow := c.config.ZeroBelow
	weights := c.config.Weights
	c.configMu.RUnlock()

	c.scoresMu.Lock()
	defer c.scoresMu.Unlock()

	for _, score := range c.scores {
		for k := range score.Components {
			score.Components[k] *= factor
		}
		score.Total = clampScore(weights.Telemetry*score.Components["telemetry"] +
			weights.Movement*score.Components["movement"] +
			weights.Activity*score.Components["activity"] +
			weights.Actions*score.Components["actions"])
		if score.Total > 0 && score.Total < zeroBelow {
			score.Components = make(map[string]float64)
			score.Total = 0
		}
	}
	c.metrics.SetTrackedPlayers(len(c.scores))
}

func (c *Controller) logEnforcement(playerID string, action EnforcementAction, total float64, components map[string]float64, retention int) {
	// Full violation list across all four analyzers, capped at the
	// retention count of most-recent detections.
	violations := make([]Violation, 0, retention)
	for _, result := range []AnalyzerResult{
		c.telemetry.AnalyzePlayer(playerID),
		c.movement.AnalyzePlayer(playerID),
		c.activity.AnalyzePlayer(playerID),
		c.actions.AnalyzePlayer(playerID),
	} {
		violations = append(violations, result.Violations...)
	}
	if len(violations) > retention {
		violations = violations[len(violations)-retention:]
	}

	c.logger.Warn("anticheat enforcement",
		zap.String("player_id", playerID),
		zap.String("action", action.String()),
		zap.Float64("total_score", total),
		zap.Any("components", components),
		zap.Int("violation_count", len(violations)),
		zap.Any("violations", violations),
	)
}
