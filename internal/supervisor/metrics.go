package supervisor

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report supervisor activity.
type Metrics struct {
	spawned       *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	retries       *prometheus.CounterVec
	retryStorms   *prometheus.CounterVec
	terminal      *prometheus.CounterVec
	runtime       *prometheus.HistogramVec
	active        prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global Prometheus
// registry. Collectors are created once so several supervisors in one
// process do not panic on duplicate registration.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Collectors already registered
// with the same descriptor are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "supervisor",
			Name:      name,
			Help:      help,
		}, labels))
	}

	return &Metrics{
		spawned:       counter("sessions_spawned_total", "Sessions whose backend started successfully.", "worker_type", "backend"),
		rejections:    counter("admission_rejections_total", "Spawn requests rejected by the admission gate.", "worker_type", "reason"),
		spawnFailures: counter("spawn_failures_total", "Sessions whose backend failed to start.", "worker_type", "backend"),
		retries:       counter("retries_total", "Failed sessions replaced by a retry.", "worker_type"),
		retryStorms:   counter("retry_storms_total", "Times a worker type crossed the retry storm threshold.", "worker_type"),
		terminal:      counter("sessions_terminal_total", "Sessions that reached a terminal state.", "worker_type", "state"),
		runtime: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp",
			Subsystem: "supervisor",
			Name:      "session_runtime_seconds",
			Help:      "Wall-clock runtime of sessions at their terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 600, 1800},
		}, []string{"worker_type", "state"})),
		active: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Subsystem: "supervisor",
			Name:      "sessions_active",
			Help:      "Sessions not yet in a terminal state.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
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

// reasonLabel keeps label cardinality bounded by dropping the path part of
// a rejection reason.
func reasonLabel(reason string) string {
	if head, _, found := strings.Cut(reason, ":"); found {
		return head
	}
	return reason
}

func (m *Metrics) IncSpawned(workerType, backend string) {
	if m == nil {
		return
	}
	m.spawned.WithLabelValues(workerType, backend).Inc()
}

func (m *Metrics) IncRejection(workerType, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(workerType, reasonLabel(reason)).Inc()
}

func (m *Metrics) IncSpawnFailure(workerType, backend string) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(workerType, backend).Inc()
}

func (m *Metrics) IncRetry(workerType string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(workerType).Inc()
}

func (m *Metrics) IncRetryStorm(workerType string) {
	if m == nil {
		return
	}
	m.retryStorms.WithLabelValues(workerType).Inc()
}

// ObserveTerminal counts a terminal transition and its runtime.
func (m *Metrics) ObserveTerminal(workerType, state string, runtime time.Duration) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(workerType, state).Inc()
	m.runtime.WithLabelValues(workerType, state).Observe(runtime.Seconds())
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}
