package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instrumentation for the trust core. A nil
// *Metrics is valid; every method is a no-op on nil so engines can run
// uninstrumented in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Rate limiter
	rateChecks *prometheus.CounterVec // opcode, outcome

	// Packet validator
	packetsValidated *prometheus.CounterVec // opcode, result

	// Anti-cheat
	violations       *prometheus.CounterVec // component, type
	bans             *prometheus.CounterVec // namespace
	enforcementScore prometheus.Histogram

	// Gauges
	activeConnections prometheus.Gauge
	activeSessions    prometheus.Gauge
	trackedPlayers    prometheus.Gauge
	activeIPBans      prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Rate limit admission checks by opcode and outcome",
		}, []string{"opcode", "outcome"}),
		packetsValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "validator",
			Name:      "packets_total",
			Help:      "Validated packets by opcode and result",
		}, []string{"opcode", "result"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "anticheat",
			Name:      "violations_total",
			Help:      "Behavioral violations by analyzer component and type",
		}, []string{"component", "type"}),
		bans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "anticheat",
			Name:      "bans_total",
			Help:      "Bans issued by namespace (player or ip)",
		}, []string{"namespace"}),
		enforcementScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "anticheat",
			Name:      "enforcement_score",
			Help:      "Suspicion score at the moment of a non-NONE enforcement action",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Currently connected clients",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "active_sessions",
			Help:      "Currently valid sessions",
		}),
		trackedPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "anticheat",
			Name:      "tracked_players",
			Help:      "Players with a live suspicion score",
		}),
		activeIPBans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "ratelimit",
			Name:      "active_ip_bans",
			Help:      "Unexpired IP ban registry entries",
		}),
	}

	m.registry.MustRegister(
		m.rateChecks,
		m.packetsValidated,
		m.violations,
		m.bans,
		m.enforcementScore,
		m.activeConnections,
		m.activeSessions,
		m.trackedPlayers,
		m.activeIPBans,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RateCheck records a rate limit admission decision.
func (m *Metrics) RateCheck(opcode, outcome string) {
	if m == nil {
		return
	}
	m.rateChecks.WithLabelValues(opcode, outcome).Inc()
}

// PacketValidated records a packet validation result.
func (m *Metrics) PacketValidated(opcode, result string) {
	if m == nil {
		return
	}
	m.packetsValidated.WithLabelValues(opcode, result).Inc()
}

// Violation records a behavioral violation.
func (m *Metrics) Violation(component, vtype string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(component, vtype).Inc()
}

// Ban records an issued ban.
func (m *Metrics) Ban(namespace string) {
	if m == nil {
		return
	}
	m.bans.WithLabelValues(namespace).Inc()
}

// EnforcementScore observes the suspicion score behind an enforcement action.
func (m *Metrics) EnforcementScore(score float64) {
	if m == nil {
		return
	}
	m.enforcementScore.Observe(score)
}

// SetActiveConnections updates the connected-clients gauge.
func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

// SetActiveSessions updates the valid-sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetTrackedPlayers updates the tracked-players gauge.
func (m *Metrics) SetTrackedPlayers(n int) {
	if m == nil {
		return
	}
	m.trackedPlayers.Set(float64(n))
}

// SetActiveIPBans updates the IP ban gauge.
func (m *Metrics) SetActiveIPBans(n int) {
	if m == nil {
		return
	}
	m.activeIPBans.Set(float64(n))
}
