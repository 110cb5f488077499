package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricJoinAttemptsTotal  = "cirql_join_attempts_total"
	MetricRevalidationsTotal = "cirql_revalidations_total"
	MetricActiveMonitors     = "cirql_active_monitors"
)

// Join outcomes.
const (
	JoinOutcomeJoined              = "joined"
	JoinOutcomeTooFar              = "too_far"
	JoinOutcomePlaceNotFound       = "place_not_found"
	JoinOutcomeLocationUnavailable = "location_unavailable"
	JoinOutcomeError               = "error"
)

// Revalidation outcomes.
const (
	RevalidationInRange             = "in_range"
	RevalidationOutOfRange          = "out_of_range"
	RevalidationLocationUnavailable = "location_unavailable"
	RevalidationError               = "error"
)

// Metrics holds the Prometheus collectors of the session controller.
// All operations are thread-safe.
type Metrics struct {
	joinAttempts   *prometheus.CounterVec
	revalidations  *prometheus.CounterVec
	activeMonitors prometheus.Gauge
}

// NewMetrics creates unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		joinAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJoinAttemptsTotal,
				Help: "Total number of place join attempts by outcome",
			},
			[]string{"outcome"},
		),
		revalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRevalidationsTotal,
				Help: "Total number of periodic geofence re-checks by outcome",
			},
			[]string{"outcome"},
		),
		activeMonitors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricActiveMonitors,
				Help: "Number of running membership monitors",
			},
		),
	}
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.joinAttempts,
		m.revalidations,
		m.activeMonitors,
	}
}

func (m *Metrics) incJoinAttempt(outcome string) {
	if m == nil {
		return
	}
	m.joinAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incRevalidation(outcome string) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) monitorStarted() {
	if m == nil {
		return
	}
	m.activeMonitors.Inc()
}

func (m *Metrics) monitorStopped() {
	if m == nil {
		return
	}
	m.activeMonitors.Dec()
}
