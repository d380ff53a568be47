// Package metrics provides the Prometheus-backed MetricsCollector.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/herdlib/herd/types"
)

// PrometheusCollector implements types.MetricsCollector backed by
// Prometheus.
//
// Metric registration is lazy: vectors register on first use so an idle
// collector costs nothing and double registration cannot occur.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	tickDuration      prometheus.Histogram
	requestQueueDepth prometheus.Gauge
	restarts          *prometheus.CounterVec

	rebalanceDuration *prometheus.HistogramVec
	assignmentChanges *prometheus.CounterVec

	catchUpResults     *prometheus.CounterVec
	assignmentsRevoked prometheus.Counter

	sessionKeyRotations prometheus.Counter
}

// Compile-time assertion that PrometheusCollector implements
// MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Metrics namespace (defaults to "herd" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "herd"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "herder",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one coordination tick in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
		})

		p.requestQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "herder",
			Name:      "request_queue_depth",
			Help:      "Current depth of the coordination request queue.",
		})

		p.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "herder",
			Name:      "restarts_total",
			Help:      "Total restart requests executed, by connector.",
		}, []string{"connector"})

		p.rebalanceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "rebalance",
			Name:      "duration_seconds",
			Help:      "Duration of completed rebalance rounds in seconds, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}, []string{"outcome"})

		p.assignmentChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "rebalance",
			Name:      "assignment_changes_total",
			Help:      "Total ownership changes applied to this worker, by kind.",
		}, []string{"kind"})

		p.catchUpResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "catchup",
			Name:      "attempts_total",
			Help:      "Total post-rebalance config catch-up attempts, by result.",
		}, []string{"result"})

		p.assignmentsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "catchup",
			Name:      "assignments_revoked_total",
			Help:      "Assignments surrendered after exhausting catch-up retries.",
		})

		p.sessionKeyRotations = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "session",
			Name:      "key_rotations_total",
			Help:      "Total session key rotations published by this worker.",
		})

		p.reg.MustRegister(
			p.tickDuration,
			p.requestQueueDepth,
			p.restarts,
			p.rebalanceDuration,
			p.assignmentChanges,
			p.catchUpResults,
			p.assignmentsRevoked,
			p.sessionKeyRotations,
		)
	})
}

// RecordTickDuration records one full tick cycle duration in seconds.
func (p *PrometheusCollector) RecordTickDuration(seconds float64) {
	p.ensureRegistered()
	p.tickDuration.Observe(seconds)
}

// RecordRequestQueueDepth sets the current depth of the request queue.
func (p *PrometheusCollector) RecordRequestQueueDepth(depth int) {
	p.ensureRegistered()
	p.requestQueueDepth.Set(float64(depth))
}

// RecordRestart records a restart executed for a connector.
func (p *PrometheusCollector) RecordRestart(connector string, _ int) {
	p.ensureRegistered()
	p.restarts.WithLabelValues(connector).Inc()
}

// RecordRebalanceCompleted records a completed rebalance round.
func (p *PrometheusCollector) RecordRebalanceCompleted(seconds float64, failed bool) {
	p.ensureRegistered()

	outcome := "success"
	if failed {
		outcome = "failure"
	}
	p.rebalanceDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordAssignmentChange records ownership deltas for this worker.
func (p *PrometheusCollector) RecordAssignmentChange(addedConnectors, removedConnectors, addedTasks, removedTasks int) {
	p.ensureRegistered()
	p.assignmentChanges.WithLabelValues("connectors_added").Add(float64(addedConnectors))
	p.assignmentChanges.WithLabelValues("connectors_removed").Add(float64(removedConnectors))
	p.assignmentChanges.WithLabelValues("tasks_added").Add(float64(addedTasks))
	p.assignmentChanges.WithLabelValues("tasks_removed").Add(float64(removedTasks))
}

// RecordCatchUpResult records a catch-up attempt outcome.
func (p *PrometheusCollector) RecordCatchUpResult(success bool) {
	p.ensureRegistered()

	result := "success"
	if !success {
		result = "failure"
	}
	p.catchUpResults.WithLabelValues(result).Inc()
}

// RecordAssignmentRevoked records a surrendered assignment.
func (p *PrometheusCollector) RecordAssignmentRevoked() {
	p.ensureRegistered()
	p.assignmentsRevoked.Inc()
}

// RecordSessionKeyRotation records a successful key mint-and-publish.
func (p *PrometheusCollector) RecordSessionKeyRotation() {
	p.ensureRegistered()
	p.sessionKeyRotations.Inc()
}
