// Package metrics holds the Prometheus collectors shared by the agent pool
// and the orchestrator. A nil *Metrics is valid and records nothing, so
// components can run without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agent_hq"

// Metrics groups every collector the system exports
type Metrics struct {
	BatchesSubmitted  prometheus.Counter
	BatchesFinished   *prometheus.CounterVec
	TasksFinished     *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	DispatchRetries   prometheus.Counter
	ApprovalsRequest  prometheus.Counter
	ApprovalsResolved *prometheus.CounterVec
	CallbackFailures  *prometheus.CounterVec
	AgentExecutions   *prometheus.CounterVec
	AgentRestarts     *prometheus.CounterVec
	BusDropped        prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_submitted_total",
			Help: "Batches accepted by the orchestrator.",
		}),
		BatchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_finished_total",
			Help: "Batches that reached a terminal status, by status.",
		}, []string{"status"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Tasks that reached a terminal status, by task type and status.",
		}, []string{"task_type", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Agent execution time per task type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"task_type"}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_retries_total",
			Help: "Dispatch attempts that found no healthy capable agent.",
		}),
		ApprovalsRequest: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_requested_total",
			Help: "Approval requests created.",
		}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_resolved_total",
			Help: "Approval requests resolved, by outcome.",
		}, []string{"outcome"}),
		CallbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "callback_failures_total",
			Help: "Observer callbacks that returned an error or panicked.",
		}, []string{"callback"}),
		AgentExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_executions_total",
			Help: "Agent executions, by agent type and outcome.",
		}, []string{"agent", "outcome"}),
		AgentRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_restarts_total",
			Help: "Instance restarts, by agent type and result.",
		}, []string{"agent", "result"}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_messages_dropped_total",
			Help: "Messages dropped because a subscriber or publisher queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BatchesSubmitted, m.BatchesFinished, m.TasksFinished, m.TaskDuration,
			m.DispatchRetries, m.ApprovalsRequest, m.ApprovalsResolved,
			m.CallbackFailures, m.AgentExecutions, m.AgentRestarts, m.BusDropped,
		)
	}
	return m
}

// BatchSubmitted counts an accepted batch
func (m *Metrics) BatchSubmitted() {
	if m == nil {
		return
	}
	m.BatchesSubmitted.Inc()
}

// BatchFinished counts a batch reaching a terminal status
func (m *Metrics) BatchFinished(status string) {
	if m == nil {
		return
	}
	m.BatchesFinished.WithLabelValues(status).Inc()
}

// TaskFinished records a terminal task and, when it ran, its duration
func (m *Metrics) TaskFinished(taskType, status string, ran time.Duration) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(taskType, status).Inc()
	if ran > 0 {
		m.TaskDuration.WithLabelValues(taskType).Observe(ran.Seconds())
	}
}

// DispatchRetried counts a dispatch attempt that found no agent
func (m *Metrics) DispatchRetried() {
	if m == nil {
		return
	}
	m.DispatchRetries.Inc()
}

// ApprovalRequested counts a new approval request
func (m *Metrics) ApprovalRequested() {
	if m == nil {
		return
	}
	m.ApprovalsRequest.Inc()
}

// ApprovalResolved counts a resolution: approved, rejected, timeout_approved, timeout_rejected
func (m *Metrics) ApprovalResolved(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalsResolved.WithLabelValues(outcome).Inc()
}

// CallbackFailed counts a swallowed observer failure
func (m *Metrics) CallbackFailed(callback string) {
	if m == nil {
		return
	}
	m.CallbackFailures.WithLabelValues(callback).Inc()
}

// AgentExecuted counts one agent execution
func (m *Metrics) AgentExecuted(agentID, outcome string) {
	if m == nil {
		return
	}
	m.AgentExecutions.WithLabelValues(agentID, outcome).Inc()
}

// AgentRestarted counts a restart attempt
func (m *Metrics) AgentRestarted(agentID string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.AgentRestarts.WithLabelValues(agentID, result).Inc()
}

// MessageDropped counts a bus message that could not be queued
func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.BusDropped.Inc()
}
