package anticheat

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Violation types emitted by the behavioral analyzers.
const (
	ViolationConsistentTiming    = "CONSISTENT_INPUT_TIMING"
	ViolationPerfectAttack       = "PERFECT_ATTACK_INTERVALS"
	ViolationExcessiveAttackRate = "EXCESSIVE_ATTACK_RATE"
	ViolationAbnormalTickRate    = "ABNORMAL_TICK_RATE"
	ViolationRoboticInput        = "ROBOTIC_INPUT_FREQUENCY"
	ViolationTeleport            = "TELEPORT_VIOLATION"
	ViolationSpeedHack           = "SPEED_VIOLATION"
	ViolationConstantSpeed       = "CONSTANT_SPEED"
	ViolationOutOfBounds         = "OUT_OF_BOUNDS"
	ViolationNoMouseMovement     = "NO_MOUSE_MOVEMENT"
	ViolationPerfectClickPattern = "PERFECT_CLICK_PATTERN"
	ViolationAutomatedClicking   = "AUTOMATED_CLICKING"
	ViolationSustainedNoMouse    = "SUSTAINED_NO_MOUSE"
	ViolationKeyboardOnly        = "KEYBOARD_ONLY_GAMEPLAY"
	ViolationResourceSpending    = "RESOURCE_SPENDING_VIOLATION"
	ViolationBuildPlacement      = "BUILD_PLACEMENT_VIOLATION"
	ViolationBuildResources      = "BUILD_RESOURCE_VIOLATION"
	ViolationAttackCooldown      = "ATTACK_COOLDOWN_VIOLATION"
	ViolationPurchase            = "PURCHASE_VIOLATION"
	ViolationUpgrade             = "UPGRADE_VIOLATION"
	ViolationRapidHatSwitch      = "RAPID_HAT_SWITCHING"
	ViolationRapidHealing        = "RAPID_HEALING"
	ViolationPerfectHealTiming   = "PERFECT_HEAL_TIMING"
)

// Violation is one piece of behavioral evidence. Severity is normalized to
// [0,1]; the evidence map carries the raw measurements for forensics.
type Violation struct {
	Type      string                 `json:"type"`
	Severity  float64                `json:"severity"`
	Evidence  map[string]interface{} `json:"evidence,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AnalyzerResult is one analyzer's suspicion contribution for one player.
type AnalyzerResult struct {
	Score      float64                `json:"score"` // [0,100]
	Violations []Violation            `json:"violations"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// violationWeight converts a [0,1] severity into score points.
const violationWeight = 30.0

// violationWindow bounds how long a retained violation keeps contributing
// when a player's score is recomputed. Without it, recomputation would
// keep restoring score the decay loop has already drained.
const violationWindow = 5 * time.Minute

// recentViolations filters retained violations to those still inside the
// contribution window.
func recentViolations(violations []Violation, now time.Time) []Violation {
	cutoff := now.Add(-violationWindow)
	var recent []Violation
	for _, v := range violations {
		if !v.Timestamp.Before(cutoff) {
			recent = append(recent, v)
		}
	}
	return recent
}

func scoreFromViolations(violations []Violation) float64 {
	total := 0.0
	for _, v := range violations {
		total += v.Severity * violationWeight
	}
	return math.Min(100, total)
}

// mean of the samples; 0 for an empty window.
func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return stat.Mean(samples, nil)
}

// popVariance is the population variance (N divisor). A window with fewer
// than two samples cannot be judged and reports +Inf, which every
// below-threshold comparison treats as "not suspicious".
func popVariance(samples []float64) float64 {
	if len(samples) < 2 {
		return math.Inf(1)
	}
	m := stat.Mean(samples, nil)
	return stat.MomentAbout(2, samples, m, nil)
}

func popStdDev(samples []float64) float64 {
	return math.Sqrt(popVariance(samples))
}

func clampScore(s float64) float64 {
	return math.Max(0, math.Min(100, s))
}
