package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for session runs. Lifecycle
// transitions are counted by observability.Metrics; these cover the run as
// a whole.
type Metrics struct {
	runDuration    *prometheus.HistogramVec
	runsActive     prometheus.Gauge
	historyReloads *prometheus.CounterVec
	followUps      *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same name are reused so several
// orchestrators can share one registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deckflow",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Time from Checking until a session run settles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"outcome"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deckflow",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Session runs that have not settled yet.",
		},
	)
	historyReloads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deckflow",
			Subsystem: "orchestrator",
			Name:      "history_loads_total",
			Help:      "History fetches by reason and result.",
		},
		[]string{"reason", "outcome"},
	)
	followUps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deckflow",
			Subsystem: "orchestrator",
			Name:      "follow_ups_total",
			Help:      "Follow-up requests submitted by outcome.",
		},
		[]string{"outcome"},
	)

	collectors := []prometheus.Collector{runDuration, runsActive, historyReloads, followUps}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case runDuration:
				runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case runsActive:
				runsActive = already.ExistingCollector.(prometheus.Gauge)
			case historyReloads:
				historyReloads = already.ExistingCollector.(*prometheus.CounterVec)
			case followUps:
				followUps = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}

	return &Metrics{
		runDuration:    runDuration,
		runsActive:     runsActive,
		historyReloads: historyReloads,
		followUps:      followUps,
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// RunSettled records how long a run took to reach Ready or Error.
func (m *Metrics) RunSettled(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if m.runsActive != nil {
		m.runsActive.Dec()
	}
	if m.runDuration != nil {
		m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveHistoryLoad counts a history fetch.
func (m *Metrics) ObserveHistoryLoad(reason string, err error) {
	if m == nil || m.historyReloads == nil {
		return
	}
	m.historyReloads.WithLabelValues(reason, outcomeLabel(err)).Inc()
}

// ObserveFollowUp counts a follow-up submission.
func (m *Metrics) ObserveFollowUp(err error) {
	if m == nil || m.followUps == nil {
		return
	}
	m.followUps.WithLabelValues(outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
