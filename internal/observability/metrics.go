package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "deckflow"

// Metrics exposes Prometheus collectors for the reconciliation pipeline.
type Metrics struct {
	fragments       *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reconnects      prometheus.Counter
	channelUp       prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level instance registered with the global
// Prometheus registry. Collectors are created once to avoid duplicate
// registration panics when several orchestrators live in one process.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics using the provided registerer. Tests pass a
// fresh registry. Registration errors other than AlreadyRegistered panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		fragments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconciler",
				Name:      "fragments_total",
				Help:      "Fragments processed by the reconciler, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "orchestrator",
				Name:      "transitions_total",
				Help:      "Session state machine transitions.",
			},
			[]string{"from", "to"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "backend",
				Name:      "request_duration_seconds",
				Help:      "Latency of backend status/start/history requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op", "outcome"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "channel",
				Name:      "reconnects_total",
				Help:      "Stream channel reconnection attempts.",
			},
		),
		channelUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "channel",
				Name:      "connected",
				Help:      "Number of stream channels currently connected.",
			},
		),
	}

	m.fragments = registerOrReuse(reg, m.fragments)
	m.transitions = registerOrReuse(reg, m.transitions)
	m.requestDuration = registerOrReuse(reg, m.requestDuration)
	m.reconnects = registerOrReuse(reg, m.reconnects)
	m.channelUp = registerOrReuse(reg, m.channelUp)
	return m
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// ObserveFragment counts one reconciled fragment.
func (m *Metrics) ObserveFragment(kind, outcome string) {
	if m == nil || m.fragments == nil {
		return
	}
	m.fragments.WithLabelValues(kind, outcome).Inc()
}

// ObserveTransition counts a state machine transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveRequest records backend request latency.
func (m *Metrics) ObserveRequest(op string, err error, duration time.Duration) {
	if m == nil || m.requestDuration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requestDuration.WithLabelValues(op, outcome).Observe(duration.Seconds())
}

// IncReconnect counts a reconnection attempt.
func (m *Metrics) IncReconnect() {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Inc()
}

// ChannelConnected adjusts the connected-channel gauge.
func (m *Metrics) ChannelConnected(up bool) {
	if m == nil || m.channelUp == nil {
		return
	}
	if up {
		m.channelUp.Inc()
		return
	}
	m.channelUp.Dec()
}

// MetricsServer serves /metrics for a registry.
type MetricsServer struct {
	server *http.Server
}

// StartMetricsServer serves the default gatherer on addr.
func StartMetricsServer(addr string, logger *Logger) (*MetricsServer, error) {
	if addr == "" {
		return nil, fmt.Errorf("metrics addr is required")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if logger != nil {
			logger.Info("metrics server listening", "addr", addr)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && logger != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return &MetricsServer{server: srv}, nil
}

// Shutdown stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
