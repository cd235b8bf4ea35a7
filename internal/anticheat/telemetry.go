package anticheat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/metrics"
)

// Telemetry detection thresholds. Humans jitter; automation does not.
const (
	timingWindow            = 10
	timingStdDevFloorMS     = 50.0
	perfectIntervalWindow   = 8
	perfectIntervalTolMS    = 5.0
	attackRateWindow        = time.Second
	attackRateLimit         = 15
	expectedTickRate        = 20.0
	tickRateTolerance       = 2.0
	tickStdDevFloor         = 0.5
	tickWindow              = 10
	roboticWindow           = 20
	roboticAvgFloorMS       = 20.0
	roboticStdDevFloorMS    = 3.0
	roboticSlowAvgCeilingMS = 50.0
)

type telemetryProfile struct {
	inputIntervals  *ring[float64] // ms between general inputs
	attackIntervals *ring[float64] // ms between attack inputs
	attackTimes     *ring[time.Time]
	tickRates       *ring[float64]
	lastInput       time.Time
	lastAttack      time.Time
}

// TelemetryAnalyzer inspects inter-event timing for the signatures of
// fixed-timer automation: sub-human jitter, perfect intervals, and
// impossible rates.
type TelemetryAnalyzer struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	profiles map[string]*telemetryProfile

	now func() time.Time
}

// NewTelemetryAnalyzer creates a telemetry analyzer.
func NewTelemetryAnalyzer(logger *zap.Logger, m *metrics.Metrics) *TelemetryAnalyzer {
	return &TelemetryAnalyzer{
		logger:   logger,
		metrics:  m,
		profiles: make(map[string]*telemetryProfile),
		now:      time.Now,
	}
}

// RecordInput records a general input event for interval analysis.
func (a *TelemetryAnalyzer) RecordInput(playerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	now := a.now()
	if !p.lastInput.IsZero() {
		p.inputIntervals.Push(float64(now.Sub(p.lastInput).Microseconds()) / 1000.0)
	}
	p.lastInput = now
}

// RecordAttack records an attack input event.
func (a *TelemetryAnalyzer) RecordAttack(playerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.profile(playerID)
	now := a.now()
	if !p.lastAttack.IsZero() {
		p.attackIntervals.Push(float64(now.Sub(p.lastAttack).Microseconds()) / 1000.0)
	}
	p.lastAttack = now
	p.attackTimes.Push(now)
}

// RecordTick records a client-reported tick rate sample.
func (a *TelemetryAnalyzer) RecordTick(playerID string, rate float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.profile(playerID).tickRates.Push(rate)
}

// AnalyzePlayer computes the telemetry suspicion contribution on demand.
func (a *TelemetryAnalyzer) AnalyzePlayer(playerID string) AnalyzerResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.profiles[playerID]
	if !ok {
		return AnalyzerResult{}
	}

	var violations []Violation

	// Consistent timing: suspicion scales inversely with jitter.
	if p.inputIntervals.Len() >= timingWindow {
		window := p.inputIntervals.Tail(timingWindow)
		if sd := popStdDev(window); sd < timingStdDevFloorMS {
			violations = append(violations, a.violation(ViolationConsistentTiming,
				(timingStdDevFloorMS-sd)/timingStdDevFloorMS,
				map[string]interface{}{"stddev_ms": sd, "samples": len(window)}))
		}
	}

	// Perfect intervals: a fixed-timer signature.
	if p.attackIntervals.Len() >= perfectIntervalWindow {
		window := p.attackIntervals.Tail(perfectIntervalWindow)
		count := 0
		for _, iv := range window {
			if iv >= window[0]-perfectIntervalTolMS && iv <= window[0]+perfectIntervalTolMS {
				count++
			}
		}
		if count >= perfectIntervalWindow {
			violations = append(violations, a.violation(ViolationPerfectAttack, 1.0,
				map[string]interface{}{"count": count, "interval_ms": window[0]}))
		}
	}

	// Excessive rate: attacks inside the rolling one-second window.
	cutoff := a.now().Add(-attackRateWindow)
	recent := 0
	for i := 0; i < p.attackTimes.Len(); i++ {
		if p.attackTimes.At(i).After(cutoff) {
			recent++
		}
	}
	if recent > attackRateLimit {
		excess := float64(recent-attackRateLimit) / float64(attackRateLimit)
		violations = append(violations, a.violation(ViolationExcessiveAttackRate,
			minFloat(1, excess),
			map[string]interface{}{"attacks_per_second": recent}))
	}

	// Tick cadence: too fast or too perfectly consistent.
	if p.tickRates.Len() >= tickWindow {
		rates := p.tickRates.Values()
		avg := mean(rates)
		sd := popStdDev(rates)
		if avg > expectedTickRate+tickRateTolerance {
			violations = append(violations, a.violation(ViolationAbnormalTickRate,
				minFloat(1, (avg-expectedTickRate)/expectedTickRate),
				map[string]interface{}{"average_rate": avg}))
		} else if sd < tickStdDevFloor {
			violations = append(violations, a.violation(ViolationAbnormalTickRate, 0.5,
				map[string]interface{}{"stddev": sd, "average_rate": avg}))
		}
	}

	// Robotic input frequency over the last 20 intervals.
	if p.inputIntervals.Len() >= roboticWindow {
		window := p.inputIntervals.Tail(roboticWindow)
		avg := mean(window)
		sd := popStdDev(window)
		if avg < roboticAvgFloorMS || (sd < roboticStdDevFloorMS && avg < roboticSlowAvgCeilingMS) {
			violations = append(violations, a.violation(ViolationRoboticInput, 0.8,
				map[string]interface{}{"average_ms": avg, "stddev_ms": sd}))
		}
	}

	return AnalyzerResult{
		Score:      scoreFromViolations(violations),
		Violations: violations,
		Details: map[string]interface{}{
			"input_samples":  p.inputIntervals.Len(),
			"attack_samples": p.attackIntervals.Len(),
			"tick_samples":   p.tickRates.Len(),
		},
	}
}

// RemovePlayer clears all history for a disconnected player.
func (a *TelemetryAnalyzer) RemovePlayer(playerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.profiles, playerID)
}

func (a *TelemetryAnalyzer) profile(playerID string) *telemetryProfile {
	p, ok := a.profiles[playerID]
	if !ok {
		p = &telemetryProfile{
			inputIntervals:  newRing[float64](50),
			attackIntervals: newRing[float64](50),
			attackTimes:     newRing[time.Time](50),
			tickRates:       newRing[float64](30),
		}
		a.profiles[playerID] = p
	}
	return p
}

func (a *TelemetryAnalyzer) violation(vtype string, severity float64, evidence map[string]interface{}) Violation {
	a.metrics.Violation("telemetry", vtype)
	return Violation{
		Type:      vtype,
		Severity:  severity,
		Evidence:  evidence,
		Timestamp: a.now(),
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
