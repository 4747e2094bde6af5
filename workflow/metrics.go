package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics prometheus指标, 全部以 workflow_ 开头
// nil 的 *Metrics 可以直接调用, 什么都不做
type Metrics struct {
	lockOperations     *prometheus.CounterVec
	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec
	degradedLocks      prometheus.Gauge
	leaseRenewals      *prometheus.CounterVec
	activeLeases       prometheus.Gauge
	nodeExecutions     *prometheus.CounterVec
	nodeLatency        *prometheus.HistogramVec
	workflowsFinished  *prometheus.CounterVec
	activeWorkflows    prometheus.Gauge
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		lockOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_lock_operations_total",
			Help: "Lock operations by operation, mode (real|degraded) and result",
		}, []string{"op", "mode", "result"}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_lock_breaker_state",
			Help: "Lock circuit breaker state (0=closed, 1=open, 2=half_open)",
		}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_lock_breaker_transitions_total",
			Help: "Lock circuit breaker state transitions",
		}, []string{"from", "to"}),
		degradedLocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_lock_degraded_locks",
			Help: "Locks currently held in the process-local degraded map",
		}),
		leaseRenewals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_lease_renewals_total",
			Help: "Workflow lease renewal attempts by result",
		}, []string{"result"}),
		activeLeases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_active_leases",
			Help: "Active workflow lease registrations on this engine",
		}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_node_executions_total",
			Help: "Node executions by node type and outcome",
		}, []string{"node_type", "outcome"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_node_execution_ms",
			Help:    "Node execution duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		}, []string{"node_type"}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_instances_finished_total",
			Help: "Workflow instances finished on this engine by final status",
		}, []string{"status"}),
		activeWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_active_instances",
			Help: "Workflow instances currently driven by this engine",
		}),
	}
}

func (m *Metrics) lockOperation(op string, degraded bool, result string) {
	if m == nil {
		return
	}
	mode := "real"
	if degraded {
		mode = "degraded"
	}
	m.lockOperations.WithLabelValues(op, mode, result).Inc()
}

func (m *Metrics) breakerTransition(from, to BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(to))
	m.breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) setDegradedLocks(n int) {
	if m == nil {
		return
	}
	m.degradedLocks.Set(float64(n))
}

func (m *Metrics) leaseRenewal(result string) {
	if m == nil {
		return
	}
	m.leaseRenewals.WithLabelValues(result).Inc()
}

func (m *Metrics) setActiveLeases(n int) {
	if m == nil {
		return
	}
	m.activeLeases.Set(float64(n))
}

func (m *Metrics) nodeExecuted(nodeType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeType, outcome).Inc()
	m.nodeLatency.WithLabelValues(nodeType).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) workflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) setActiveWorkflows(n int) {
	if m == nil {
		return
	}
	m.activeWorkflows.Set(float64(n))
}
