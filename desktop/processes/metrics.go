package processes

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector receives sidecar lifecycle and health gate measurements.
type MetricsCollector interface {
	// SidecarSpawned records a successful spawn.
	SidecarSpawned(name string)
	// SidecarSpawnFailed records a spawn that never produced a process.
	SidecarSpawnFailed(name string)
	// SidecarExited records the exit of a spawned sidecar. exitCode is nil when
	// the code could not be obtained.
	SidecarExited(name string, exitCode *int)
	// OutputLine records one relayed line of sidecar output.
	OutputLine(kind EventKind)
	// ProbeAttempt records one liveness probe and whether it was healthy.
	ProbeAttempt(healthy bool, duration time.Duration)
	// HealthGateResolved records the final outcome of a health gate.
	HealthGateResolved(outcome Outcome, attempts int, duration time.Duration)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) SidecarSpawned(name string)                                  {}
func (noopMetricsCollector) SidecarSpawnFailed(name string)                              {}
func (noopMetricsCollector) SidecarExited(name string, exitCode *int)                    {}
func (noopMetricsCollector) OutputLine(kind EventKind)                                   {}
func (noopMetricsCollector) ProbeAttempt(healthy bool, duration time.Duration)           {}
func (noopMetricsCollector) HealthGateResolved(o Outcome, n int, duration time.Duration) {}

// NewNoopMetricsCollector creates a collector that discards everything.
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

// PrometheusMetricsCollector implements MetricsCollector using a private
// Prometheus registry.
type PrometheusMetricsCollector struct {
	spawns        *prometheus.CounterVec
	exits         *prometheus.CounterVec
	outputLines   *prometheus.CounterVec
	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	gateOutcomes  *prometheus.CounterVec
	gateAttempts  prometheus.Histogram
	gateDuration  prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector whose metrics live under
// namespace (default "dailynotes").
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "dailynotes"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sidecar_spawns_total",
			Help:      "Total number of sidecar spawn attempts",
		},
		[]string{"sidecar", "status"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sidecar_exits_total",
			Help:      "Total number of sidecar exits by exit code",
		},
		[]string{"sidecar", "exit_code"},
	)

	pmc.outputLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sidecar_output_lines_total",
			Help:      "Total number of relayed sidecar output lines",
		},
		[]string{"stream"},
	)

	pmc.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of liveness probes issued",
		},
		[]string{"result"},
	)

	pmc.probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of individual liveness probes",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pmc.gateOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_gate_outcomes_total",
			Help:      "Total number of resolved health gates by outcome",
		},
		[]string{"outcome"},
	)

	pmc.gateAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_gate_attempts",
			Help:      "Number of probes issued before the health gate resolved",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 30, 60},
		},
	)

	pmc.gateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_gate_duration_seconds",
			Help:      "Time from health gate start to resolution",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	pmc.registry.MustRegister(
		pmc.spawns,
		pmc.exits,
		pmc.outputLines,
		pmc.probes,
		pmc.probeDuration,
		pmc.gateOutcomes,
		pmc.gateAttempts,
		pmc.gateDuration,
	)

	return pmc
}

func (p *PrometheusMetricsCollector) SidecarSpawned(name string) {
	p.spawns.WithLabelValues(name, "success").Inc()
}

func (p *PrometheusMetricsCollector) SidecarSpawnFailed(name string) {
	p.spawns.WithLabelValues(name, "error").Inc()
}

func (p *PrometheusMetricsCollector) SidecarExited(name string, exitCode *int) {
	code := "unknown"
	if exitCode != nil {
		code = strconv.Itoa(*exitCode)
	}
	p.exits.WithLabelValues(name, code).Inc()
}

func (p *PrometheusMetricsCollector) OutputLine(kind EventKind) {
	p.outputLines.WithLabelValues(kind.String()).Inc()
}

func (p *PrometheusMetricsCollector) ProbeAttempt(healthy bool, duration time.Duration) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	p.probes.WithLabelValues(result).Inc()
	p.probeDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetricsCollector) HealthGateResolved(outcome Outcome, attempts int, duration time.Duration) {
	p.gateOutcomes.WithLabelValues(outcome.String()).Inc()
	p.gateAttempts.Observe(float64(attempts))
	p.gateDuration.Observe(duration.Seconds())
}

// Registry returns the underlying Prometheus registry.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
