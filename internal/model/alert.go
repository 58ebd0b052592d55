package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeByzantineFlag      AlertType = "byzantine_flag"
	AlertTypeAgentDegraded      AlertType = "agent_degraded"
	AlertTypeRollbackExecuted   AlertType = "rollback_executed"
	AlertTypeManualIntervention AlertType = "manual_intervention"
	AlertTypeTaskDeadLetter     AlertType = "task_dead_letter"
)

// Alert represents an advisory signal surfaced to the operator
type Alert struct {
	ID         string         `json:"id"`
	Type       AlertType      `json:"type"`
	Severity   AlertSeverity  `json:"severity"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Event is a lifecycle notification published on the bus
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SwarmID    string         `json:"swarm_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Event types published by the engine
const (
	EventTaskSubmitted  = "task.submitted"
	EventTaskAssigned   = "task.assigned"
	EventTaskStarted    = "task.started"
	EventTaskCompleted  = "task.completed"
	EventTaskFailed     = "task.failed"
	EventTaskRetrying   = "task.retrying"
	EventTaskCancelled  = "task.cancelled"
	EventTaskDeadLetter = "task.dead_letter"

	EventAgentRegistered   = "agent.registered"
	EventAgentTransitioned = "agent.transitioned"
	EventAgentDeregistered = "agent.deregistered"

	EventProposalCreated  = "consensus.proposed"
	EventProposalVoted    = "consensus.voted"
	EventProposalResolved = "consensus.resolved"

	EventRollbackStarted   = "rollback.started"
	EventRollbackCompleted = "rollback.completed"
	EventSnapshotCreated   = "rollback.snapshot"
)
