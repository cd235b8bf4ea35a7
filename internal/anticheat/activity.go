package anticheat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/metrics"
)

// Activity detection thresholds. This is the most heuristic analyzer and
// the most prone to false positives for accessibility-driven play styles,
// which is why its controller weight is the lowest of the four.
const (
	zeroMouseStreakFloor = 3
	activeActionFloor    = 5
	sustainedWindow      = 5
	sustainedActionFloor = 10
	clickWindow          = 10
	clickVarianceFloor   = 30.0 // ms^2
	clickPairToleranceMS = 5.0
	clickPairMatchRatio  = 0.7
	heartbeatRing        = 10
)

// Heartbeat is one client-reported activity sample, cross-referenced
// against server-known gameplay action counts.
type Heartbeat struct {
	MouseMovements int
	Keystrokes     int
	ClickTimes     []float64 // client-clock timestamps in ms
}

type activityProfile struct {
	heartbeats      *ring[Heartbeat]
	clickTimes      *ring[float64]
	zeroMouseStreak int
	gameplayActions int
}

// ActivityMonitor cross-references client-reported input activity against
// server-observed gameplay to catch play-without-input automation.
type ActivityMonitor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	profiles map[string]*activityProfile

	now func() time.Time
}

// NewActivityMonitor creates an activity monitor.
func NewActivityMonitor(logger *zap.Logger, m *metrics.Metrics) *ActivityMonitor {
	return &ActivityMonitor{
		logger:   logger,
		metrics:  m,
		profiles: make(map[string]*activityProfile),
		now:      time.Now,
	}
}

// ProcessHeartbeat ingests one periodic activity report.
func (a *ActivityMonitor) ProcessHeartbeat(playerID string, hb Heartbeat) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	p.heartbeats.Push(hb)

	if hb.MouseMovements == 0 {
		p.zeroMouseStreak++
	} else {
		p.zeroMouseStreak = 0
	}

	for _, ts := range hb.ClickTimes {
		p.clickTimes.Push(ts)
	}
}

// RecordGameplayAction counts a server-observed gameplay action.
func (a *ActivityMonitor) RecordGameplayAction(playerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profile(playerID).gameplayActions++
}

// AnalyzePlayer computes the activity suspicion contribution on demand.
func (a *ActivityMonitor) AnalyzePlayer(playerID string) AnalyzerResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.profiles[playerID]
	if !ok {
		return AnalyzerResult{}
	}

	var violations []Violation

	// No mouse movement during active gameplay, scaling with the streak.
	if p.zeroMouseStreak >= zeroMouseStreakFloor && p.gameplayActions > activeActionFloor {
		violations = append(violations, a.violation(ViolationNoMouseMovement,
			minFloat(1, float64(p.zeroMouseStreak)*0.2),
			map[string]interface{}{
				"streak":  p.zeroMouseStreak,
				"actions": p.gameplayActions,
			}))
	}

	// Click-pattern analysis over the last reported click timestamps.
	if p.clickTimes.Len() >= clickWindow {
		clicks := p.clickTimes.Tail(clickWindow)
		intervals := make([]float64, 0, len(clicks)-1)
		for i := 1; i < len(clicks); i++ {
			intervals = append(intervals, clicks[i]-clicks[i-1])
		}

		if variance := popVariance(intervals); variance < clickVarianceFloor {
			violations = append(violations, a.violation(ViolationPerfectClickPattern, 0.6,
				map[string]interface{}{"variance": variance}))
		}

		if len(intervals) >= 2 {
			matches := 0
			pairs := len(intervals) - 1
			for i := 1; i < len(intervals); i++ {
				diff := intervals[i] - intervals[i-1]
				if diff < 0 {
					diff = -diff
				}
				if diff <= clickPairToleranceMS {
					matches++
				}
			}
			if float64(matches) >= clickPairMatchRatio*float64(pairs) {
				violations = append(violations, a.violation(ViolationAutomatedClicking, 0.9,
					map[string]interface{}{"matching_pairs": matches, "pairs": pairs}))
			}
		}
	}

	// Sustained no-mouse with substantial gameplay.
	if p.heartbeats.Len() >= sustainedWindow {
		recent := p.heartbeats.Tail(sustainedWindow)
		totalMouse := 0
		totalKeys := 0
		for _, hb := range recent {
			totalMouse += hb.MouseMovements
			totalKeys += hb.Keystrokes
		}
		if totalMouse == 0 && p.gameplayActions > sustainedActionFloor {
			violations = append(violations, a.violation(ViolationSustainedNoMouse, 0.8,
				map[string]interface{}{
					"window":  sustainedWindow,
					"actions": p.gameplayActions,
				}))
		} else if totalMouse == 0 && totalKeys > 0 && p.gameplayActions > activeActionFloor {
			// Keyboard-heavy play styles exist; low severity.
			violations = append(violations, a.violation(ViolationKeyboardOnly, 0.3,
				map[string]interface{}{
					"keystrokes": totalKeys,
					"actions":    p.gameplayActions,
				}))
		}
	}

	return AnalyzerResult{
		Score:      scoreFromViolations(violations),
		Violations: violations,
		Details: map[string]interface{}{
			"heartbeats":       p.heartbeats.Len(),
			"zero_mouse_streak": p.zeroMouseStreak,
			"gameplay_actions": p.gameplayActions,
		},
	}
}

// RemovePlayer clears all activity state for a disconnected player.
func (a *ActivityMonitor) RemovePlayer(playerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.profiles, playerID)
}

func (a *ActivityMonitor) profile(playerID string) *activityProfile {
	p, ok := a.profiles[playerID]
	if !ok {
		p = &activityProfile{
			heartbeats: newRing[Heartbeat](heartbeatRing),
			clickTimes: newRing[float64](clickWindow),
		}
		a.profiles[playerID] = p
	}
	return p
}

func (a *ActivityMonitor) violation(vtype string, severity float64, evidence map[string]interface{}) Violation {
	a.metrics.Violation("activity", vtype)
	return Violation{
		Type:      vtype,
		Severity:  severity,
		Evidence:  evidence,
		Timestamp: a.now(),
	}
}
