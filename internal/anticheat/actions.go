package anticheat

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/metrics"
)

// Action legality thresholds.
const (
	resourceSyncTolerance = 10.0
	placementRangeFactor  = 3.0
	cooldownTolerance     = 0.8
	cooldownHardFloor     = 0.3
	hatSwitchWindowMS     = 100.0
	hatSwitchFlagAt       = 3
	hatSwitchEscalateAt   = 5
	hatSwitchRejectAt     = 10
	healWindowMS          = 300.0
	healRejectAt          = 5
	healIntervalWindow    = 5
	healIntervalTolMS     = 10.0
	actionViolationRing   = 50
)

// PlayerState is the capability view of the authoritative player the
// action checks depend on. The game entity itself stays an external
// collaborator.
type PlayerState struct {
	X, Y         float64
	PlayerRadius float64

	Resources     map[string]float64
	Points        float64
	UpgradePoints int

	// Attack cooldown inputs
	WeaponBaseSpeedMS   float64
	WeaponSpeedMult     float64
	SkinAttackSpeedMult float64

	// Override states
	Admin         bool
	Sandbox       bool
	InfiniteBuild bool
	Gatling       bool
}

// BuildItem declares the placement geometry and resource costs of a
// placeable item.
type BuildItem struct {
	Radius          float64
	PlacementOffset float64
	Costs           map[string]float64
}

// StoreItem declares a purchasable item.
type StoreItem struct {
	Price float64
}

// ActionResult is the immediate verdict for one discrete action.
type ActionResult struct {
	Valid     bool
	Violation *Violation
}

var validAction = ActionResult{Valid: true}

type actionProfile struct {
	violations *ring[Violation]

	lastAttack time.Time

	lastHatSwitch time.Time
	rapidSwitches int

	lastHeal      time.Time
	rapidHeals    int
	healIntervals *ring[float64]
}

// ActionValidator validates the legality of discrete game actions against
// authoritative player state, feeding both an immediate verdict and the
// cumulative suspicion score.
type ActionValidator struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	profiles map[string]*actionProfile

	now func() time.Time
}

// NewActionValidator creates an action validator.
func NewActionValidator(logger *zap.Logger, m *metrics.Metrics) *ActionValidator {
	return &ActionValidator{
		logger:   logger,
		metrics:  m,
		profiles: make(map[string]*actionProfile),
		now:      time.Now,
	}
}

// ValidateResourceSpending rejects spends exceeding the current balance
// plus a small tolerance absorbing client/server state lag.
func (a *ActionValidator) ValidateResourceSpending(playerID string, ps PlayerState, resource string, amount float64) ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	have := ps.Resources[resource]
	if amount <= have+resourceSyncTolerance {
		return validAction
	}

	v := a.addViolation(playerID, ViolationResourceSpending,
		minFloat(1, (amount-have)/100.0),
		map[string]interface{}{
			"resource":  resource,
			"requested": amount,
			"held":      have,
		})
	return ActionResult{Valid: false, Violation: &v}
}

// ValidateBuildPlacement rejects placements beyond reach or beyond means.
func (a *ActionValidator) ValidateBuildPlacement(playerID string, ps PlayerState, item BuildItem, x, y float64) ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !ps.Admin && !ps.InfiniteBuild {
		maxDist := (ps.PlayerRadius + item.Radius + item.PlacementOffset) * placementRangeFactor
		if dist := math.Hypot(x-ps.X, y-ps.Y); dist > maxDist {
			v := a.addViolation(playerID, ViolationBuildPlacement,
				minFloat(1, (dist-maxDist)/maxDist),
				map[string]interface{}{"distance": dist, "max_distance": maxDist})
			return ActionResult{Valid: false, Violation: &v}
		}
	}

	if !ps.Sandbox && !ps.InfiniteBuild {
		for resource, cost := range item.Costs {
			if ps.Resources[resource] < cost {
				v := a.addViolation(playerID, ViolationBuildResources, 0.5,
					map[string]interface{}{
						"resource": resource,
						"required": cost,
						"held":     ps.Resources[resource],
					})
				return ActionResult{Valid: false, Violation: &v}
			}
		}
	}

	return validAction
}

// ValidateAttackTiming flags attacks arriving inside the weapon cooldown
// and hard-rejects those impossibly early.
func (a *ActionValidator) ValidateAttackTiming(playerID string, ps PlayerState) ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	now := a.now()
	last := p.lastAttack
	p.lastAttack = now

	if ps.Gatling || ps.Admin || last.IsZero() {
		return validAction
	}

	speedMult := ps.WeaponSpeedMult
	if speedMult <= 0 {
		speedMult = 1
	}
	skinMult := ps.SkinAttackSpeedMult
	if skinMult <= 0 {
		skinMult = 1
	}
	expected := ps.WeaponBaseSpeedMS * (1 / speedMult) * skinMult * cooldownTolerance
	elapsed := float64(now.Sub(last).Microseconds()) / 1000.0

	if elapsed >= expected {
		return validAction
	}

	severity := minFloat(1, (expected-elapsed)/expected)
	v := a.addViolation(playerID, ViolationAttackCooldown, severity,
		map[string]interface{}{
			"elapsed_ms":  elapsed,
			"expected_ms": expected,
		})

	// Inside 30% of the cooldown no amount of lag explains it.
	if elapsed < expected*cooldownHardFloor {
		return ActionResult{Valid: false, Violation: &v}
	}
	return ActionResult{Valid: true, Violation: &v}
}

// ValidateItemPurchase rejects purchases the player cannot afford.
func (a *ActionValidator) ValidateItemPurchase(playerID string, ps PlayerState, item StoreItem) ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ps.Points >= item.Price {
		return validAction
	}
	v := a.addViolation(playerID, ViolationPurchase, 0.4,
		map[string]interface{}{"price": item.Price, "points": ps.Points})
	return ActionResult{Valid: false, Violation: &v}
}

// ValidateUpgrade rejects upgrades with no points available.
func (a *ActionValidator) ValidateUpgrade(playerID string, ps PlayerState) ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ps.UpgradePoints > 0 {
		return validAction
	}
	v := a.addViolation(playerID, ViolationUpgrade, 0.4,
		map[string]interface{}{"upgrade_points": ps.UpgradePoints})
	return ActionResult{Valid: false, Violation: &v}
}

// RecordHatSwitch tracks hat switch cadence; sustained rapid switching
// flags, then escalates, then rejects.
func (a *ActionValidator) RecordHatSwitch(playerID string) ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	now := a.now()
	last := p.lastHatSwitch
	p.lastHatSwitch = now

	if last.IsZero() || float64(now.Sub(last).Microseconds())/1000.0 >= hatSwitchWindowMS {
		if p.rapidSwitches > 0 {
			p.rapidSwitches--
		}
		return validAction
	}

	p.rapidSwitches++
	switch {
	case p.rapidSwitches >= hatSwitchRejectAt:
		v := a.addViolation(playerID, ViolationRapidHatSwitch, 1.0,
			map[string]interface{}{"rapid_switches": p.rapidSwitches})
		return ActionResult{Valid: false, Violation: &v}
	case p.rapidSwitches >= hatSwitchEscalateAt:
		v := a.addViolation(playerID, ViolationRapidHatSwitch, 0.7,
			map[string]interface{}{"rapid_switches": p.rapidSwitches})
		return ActionResult{Valid: true, Violation: &v}
	case p.rapidSwitches >= hatSwitchFlagAt:
		v := a.addViolation(playerID, ViolationRapidHatSwitch, 0.4,
			map[string]interface{}{"rapid_switches": p.rapidSwitches})
		return ActionResult{Valid: true, Violation: &v}
	default:
		return validAction
	}
}

// RecordHeal tracks heal cadence and heal-interval regularity.
func (a *ActionValidator) RecordHeal(playerID string) ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	now := a.now()
	last := p.lastHeal
	p.lastHeal = now

	if last.IsZero() {
		return validAction
	}

	interval := float64(now.Sub(last).Microseconds()) / 1000.0
	p.healIntervals.Push(interval)

	result := validAction

	if interval < healWindowMS {
		p.rapidHeals++
		if p.rapidHeals >= healRejectAt {
			v := a.addViolation(playerID, ViolationRapidHealing, 1.0,
				map[string]interface{}{"rapid_heals": p.rapidHeals, "interval_ms": interval})
			result = ActionResult{Valid: false, Violation: &v}
		} else {
			v := a.addViolation(playerID, ViolationRapidHealing,
				minFloat(1, float64(p.rapidHeals)*0.2),
				map[string]interface{}{"rapid_heals": p.rapidHeals, "interval_ms": interval})
			result = ActionResult{Valid: true, Violation: &v}
		}
	} else if p.rapidHeals > 0 {
		p.rapidHeals--
	}

	// Perfect heal timing is suspicious regardless of absolute cooldown.
	if p.healIntervals.Len() >= healIntervalWindow {
		window := p.healIntervals.Tail(healIntervalWindow)
		avg := mean(window)
		near := 0
		for _, iv := range window {
			if math.Abs(iv-avg) <= healIntervalTolMS {
				near++
			}
		}
		if near >= healIntervalWindow-1 {
			v := a.addViolation(playerID, ViolationPerfectHealTiming, 0.8,
				map[string]interface{}{"mean_ms": avg, "within_tolerance": near})
			if result.Valid {
				result = ActionResult{Valid: result.Valid, Violation: &v}
			}
		}
	}

	return result
}

// AnalyzePlayer aggregates retained action violations into a suspicion
// contribution.
func (a *ActionValidator) AnalyzePlayer(playerID string) AnalyzerResult {
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
			"rapid_switches": p.rapidSwitches,
			"rapid_heals":    p.rapidHeals,
		},
	}
}

// RemovePlayer clears all action state for a disconnected player.
func (a *ActionValidator) RemovePlayer(playerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.profiles, playerID)
}

func (a *ActionValidator) profile(playerID string) *actionProfile {
	p, ok := a.profiles[playerID]
	if !ok {
		p = &actionProfile{
			violations:    newRing[Violation](actionViolationRing),
			healIntervals: newRing[float64](healIntervalWindow),
		}
		a.profiles[playerID] = p
	}
	return p
}

func (a *ActionValidator) addViolation(playerID, vtype string, severity float64, evidence map[string]interface{}) Violation {
	a.metrics.Violation("actions", vtype)
	v := Violation{
		Type:      vtype,
		Severity:  severity,
		Evidence:  evidence,
		Timestamp: a.now(),
	}
	a.profile(playerID).violations.Push(v)
	return v
}
