// Package metrics exposes Prometheus instruments for the coordination engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's Prometheus instruments
type Collector struct {
	// Scheduler
	tasksSubmitted   prometheus.Counter
	tasksFinished    *prometheus.CounterVec
	taskRetries      *prometheus.CounterVec
	readyQueueDepth  prometheus.Gauge
	assignmentsTotal *prometheus.CounterVec
	taskDuration     prometheus.Histogram

	// Agents
	agentTransitions *prometheus.CounterVec
	agentHealth      *prometheus.GaugeVec
	swarmHealth      prometheus.Gauge

	// Consensus
	proposalsResolved *prometheus.CounterVec
	votesTotal        prometheus.Counter
	byzantineFlags    *prometheus.CounterVec

	// Rollback
	snapshotsCreated  prometheus.Counter
	rollbacksExecuted *prometheus.CounterVec
	triggerViolations *prometheus.CounterVec

	// Tools
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
}

// NewCollector registers the engine's instruments against reg
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{}

	c.tasksSubmitted = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "Total number of submitted tasks",
	})
	c.tasksFinished = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Total number of tasks reaching a terminal status",
	}, []string{"status"})
	c.taskRetries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Total number of task retries by error kind",
	}, []string{"kind"})
	c.readyQueueDepth = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready_queue_depth",
		Help:      "Number of ready tasks waiting for an agent",
	})
	c.assignmentsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignments_total",
		Help:      "Total number of agent selection outcomes",
	}, []string{"result"})
	c.taskDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time from first dispatch to completion",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	c.agentTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_transitions_total",
		Help:      "Total number of agent status transitions",
	}, []string{"from", "to"})
	c.agentHealth = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_health",
		Help:      "Overall health score per agent",
	}, []string{"agent_id"})
	c.swarmHealth = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "swarm_health",
		Help:      "Mean overall health across the swarm",
	})

	c.proposalsResolved = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proposals_resolved_total",
		Help:      "Total number of proposals reaching a terminal status",
	}, []string{"status"})
	c.votesTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_total",
		Help:      "Total number of accepted votes",
	})
	c.byzantineFlags = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "byzantine_flags_total",
		Help:      "Total number of advisory byzantine flags",
	}, []string{"kind"})

	c.snapshotsCreated = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_created_total",
		Help:      "Total number of snapshots created",
	})
	c.rollbacksExecuted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_executed_total",
		Help:      "Total number of rollbacks by strategy and outcome",
	}, []string{"strategy", "success"})
	c.triggerViolations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trigger_violations_total",
		Help:      "Total number of rollback threshold violations",
	}, []string{"metric"})

	c.toolCalls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Total number of tool invocations",
	}, []string{"tool", "result"})
	c.toolDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	return c
}

// TaskSubmitted records a task submission
func (c *Collector) TaskSubmitted() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// TaskFinished records a terminal task status and, when known, its run time
func (c *Collector) TaskFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(status).Inc()
	if duration > 0 {
		c.taskDuration.Observe(duration.Seconds())
	}
}

// TaskRetried records a retry scheduled after an error of the given kind
func (c *Collector) TaskRetried(kind string) {
	if c == nil {
		return
	}
	c.taskRetries.WithLabelValues(kind).Inc()
}

// ReadyQueueDepth sets the number of ready tasks
func (c *Collector) ReadyQueueDepth(n int) {
	if c == nil {
		return
	}
	c.readyQueueDepth.Set(float64(n))
}

// Assignment records a selector outcome: "assigned" or "no_match"
func (c *Collector) Assignment(result string) {
	if c == nil {
		return
	}
	c.assignmentsTotal.WithLabelValues(result).Inc()
}

// AgentTransition records an agent status change
func (c *Collector) AgentTransition(from, to string) {
	if c == nil {
		return
	}
	c.agentTransitions.WithLabelValues(from, to).Inc()
}

// AgentHealth sets an agent's overall health
func (c *Collector) AgentHealth(agentID string, overall float64) {
	if c == nil {
		return
	}
	c.agentHealth.WithLabelValues(agentID).Set(overall)
}

// ForgetAgent drops the per-agent series of a deregistered agent
func (c *Collector) ForgetAgent(agentID string) {
	if c == nil {
		return
	}
	c.agentHealth.DeleteLabelValues(agentID)
}

// SwarmHealth sets the aggregate health
func (c *Collector) SwarmHealth(v float64) {
	if c == nil {
		return
	}
	c.swarmHealth.Set(v)
}

// VoteAccepted records an accepted vote
func (c *Collector) VoteAccepted() {
	if c == nil {
		return
	}
	c.votesTotal.Inc()
}

// ProposalResolved records a terminal proposal status
func (c *Collector) ProposalResolved(status string) {
	if c == nil {
		return
	}
	c.proposalsResolved.WithLabelValues(status).Inc()
}

// ByzantineFlag records an advisory flag
func (c *Collector) ByzantineFlag(kind string) {
	if c == nil {
		return
	}
	c.byzantineFlags.WithLabelValues(kind).Inc()
}

// SnapshotCreated records a new snapshot
func (c *Collector) SnapshotCreated() {
	if c == nil {
		return
	}
	c.snapshotsCreated.Inc()
}

// RollbackExecuted records a rollback outcome
func (c *Collector) RollbackExecuted(strategy string, success bool) {
	if c == nil {
		return
	}
	result := "false"
	if success {
		result = "true"
	}
	c.rollbacksExecuted.WithLabelValues(strategy, result).Inc()
}

// TriggerViolation records a threshold violation
func (c *Collector) TriggerViolation(metric string) {
	if c == nil {
		return
	}
	c.triggerViolations.WithLabelValues(metric).Inc()
}

// ToolCall records a tool invocation; result is "ok" or an error kind
func (c *Collector) ToolCall(tool, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, result).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
