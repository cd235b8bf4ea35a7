package anticheat

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/metrics"
)

// Movement detection thresholds.
const (
	teleportRadiusFactor  = 15.0
	speedToleranceFactor  = 1.5
	speedFixedSlack       = 50.0
	speedHardRejectAfter  = 5
	speedVarianceFloor    = 0.0001
	speedAverageFloor     = 0.001
	speedSampleWindow     = 20
	movementViolationRing = 50
)

// MovementContext is the capability view of a player the movement checks
// depend on, decoupling the trust core from the full game entity.
type MovementContext struct {
	X, Y             float64
	BaseSpeed        float64   // units per millisecond
	SpeedMultipliers []float64 // status effects, skin, tail, weapon
	PlayerRadius     float64

	// TeleportAllowed covers explicit click-teleport mode and admin
	// overrides; Bypass covers no-clip/ghost/admin states that skip all
	// movement checks.
	TeleportAllowed bool
	Bypass          bool
}

// MovementResult is the immediate verdict for one movement update.
type MovementResult struct {
	Valid      bool
	Violations []Violation
}

type movementProfile struct {
	lastX, lastY    float64
	hasPosition     bool
	speedSamples    *ring[float64]
	violations      *ring[Violation]
	speedViolations int
}

// MovementAnalyzer validates displacement against the player's currently
// allowed maximum and watches for scripted, perfectly uniform motion.
type MovementAnalyzer struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	profiles map[string]*movementProfile

	now func() time.Time
}

// NewMovementAnalyzer creates a movement analyzer.
func NewMovementAnalyzer(logger *zap.Logger, m *metrics.Metrics) *MovementAnalyzer {
	return &MovementAnalyzer{
		logger:   logger,
		metrics:  m,
		profiles: make(map[string]*movementProfile),
		now:      time.Now,
	}
}

// RecordPosition seeds or updates the tracked position without judging the
// move. Used for continuity across legitimate teleports and bypass states.
func (a *MovementAnalyzer) RecordPosition(playerID string, x, y float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	p.lastX, p.lastY = x, y
	p.hasPosition = true
}

// ValidateMovement judges a single position update against the allowed
// per-tick displacement. deltaMS is the elapsed time the client claims for
// the move; the caller supplies the server-side measured value.
func (a *MovementAnalyzer) ValidateMovement(playerID string, ctx MovementContext, deltaMS float64) MovementResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)

	if ctx.Bypass {
		// Recorded position still updates for continuity.
		p.lastX, p.lastY = ctx.X, ctx.Y
		p.hasPosition = true
		return MovementResult{Valid: true}
	}

	if !p.hasPosition {
		p.lastX, p.lastY = ctx.X, ctx.Y
		p.hasPosition = true
		return MovementResult{Valid: true}
	}

	displacement := math.Hypot(ctx.X-p.lastX, ctx.Y-p.lastY)
	p.lastX, p.lastY = ctx.X, ctx.Y

	allowed := ctx.BaseSpeed
	for _, mult := range ctx.SpeedMultipliers {
		allowed *= mult
	}
	allowed = allowed*deltaMS*speedToleranceFactor + speedFixedSlack

	var violations []Violation
	valid := true

	// Teleportation: far past any legitimate single-tick move.
	teleportThreshold := ctx.PlayerRadius * teleportRadiusFactor
	if teleportThreshold > 0 && displacement > teleportThreshold && !ctx.TeleportAllowed {
		severity := minFloat(1, (displacement-teleportThreshold)/teleportThreshold)
		violations = append(violations, a.addViolation(p, ViolationTeleport, severity,
			map[string]interface{}{
				"displacement": displacement,
				"threshold":    teleportThreshold,
			}))
		valid = false
	}

	// Speed hack: hard rejection only after repeated offenses, so a lag
	// spike cannot one-shot a legitimate player.
	if displacement > 2*allowed {
		p.speedViolations++
		severity := minFloat(1, (displacement-2*allowed)/(2*allowed))
		violations = append(violations, a.addViolation(p, ViolationSpeedHack, severity,
			map[string]interface{}{
				"displacement":     displacement,
				"allowed":          allowed,
				"cumulative_count": p.speedViolations,
			}))
		if p.speedViolations >= speedHardRejectAfter {
			valid = false
		}
	}

	// Unnaturally consistent speed: real input has natural variance.
	if deltaMS > 0 {
		p.speedSamples.Push(displacement / deltaMS)
		if p.speedSamples.Len() >= speedSampleWindow {
			samples := p.speedSamples.Values()
			avg := mean(samples)
			if variance := popVariance(samples); variance < speedVarianceFloor && avg > speedAverageFloor {
				violations = append(violations, a.addViolation(p, ViolationConstantSpeed, 0.6,
					map[string]interface{}{"variance": variance, "average_speed": avg}))
			}
		}
	}

	return MovementResult{Valid: valid, Violations: violations}
}

// CheckBounds is an independent boundary check, not folded into the
// speed or teleport scoring.
func (a *MovementAnalyzer) CheckBounds(playerID string, x, y, extent float64) *Violation {
	if x >= 0 && x <= extent && y >= 0 && y <= extent {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	v := a.addViolation(p, ViolationOutOfBounds, 0.5,
		map[string]interface{}{"x": x, "y": y, "extent": extent})
	return &v
}

// AnalyzePlayer aggregates retained movement violations into a suspicion
// contribution.
func (a *MovementAnalyzer) AnalyzePlayer(playerID string) AnalyzerResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.profiles[playerID]
	if !ok {
		return AnalyzerResult{}
	}

	violations := recentViolations(p.violations.Values(), a.now())
	return AnalyzerResult{
		Score:      scoreFromViolations(violations),
		Violations: violations,
		Details: map[string]interface{}{
			"speed_violations": p.speedViolations,
			"speed_samples":    p.speedSamples.Len(),
		},
	}
}

// RemovePlayer clears all movement state for a disconnected player.
func (a *MovementAnalyzer) RemovePlayer(playerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.profiles, playerID)
}

func (a *MovementAnalyzer) profile(playerID string) *movementProfile {
	p, ok := a.profiles[playerID]
	if !ok {
		p = &movementProfile{
			speedSamples: newRing[float64](speedSampleWindow),
			violations:   newRing[Violation](movementViolationRing),
		}
		a.profiles[playerID] = p
	}
	return p
}

func (a *MovementAnalyzer) addViolation(p *movementProfile, vtype string, severity float64, evidence map[string]interface{}) Violation {
	a.metrics.Violation("movement", vtype)
	v := Violation{
		Type:      vtype,
		Severity:  severity,
		Evidence:  evidence,
		Timestamp: a.now(),
	}
	p.violations.Push(v)
	return v
}
