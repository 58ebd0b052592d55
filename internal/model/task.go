package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the task can no longer change status
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskPriority represents the priority level of a task
type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "critical"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityLow      TaskPriority = "low"
)

// Rank orders priorities; lower ranks are served first. Unknown priorities rank -1.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityCritical:
		return 0
	case TaskPriorityHigh:
		return 1
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 3
	}
	return -1
}

// TaskStrategy controls how many agents work on a task and how their results combine
type TaskStrategy string

const (
	TaskStrategySingle      TaskStrategy = "single"
	TaskStrategyParallel    TaskStrategy = "parallel"
	TaskStrategySequential  TaskStrategy = "sequential"
	TaskStrategyConsensus   TaskStrategy = "consensus"
	TaskStrategyCompetitive TaskStrategy = "competitive"
)

// Valid reports whether the strategy is known
func (s TaskStrategy) Valid() bool {
	switch s {
	case TaskStrategySingle, TaskStrategyParallel, TaskStrategySequential,
		TaskStrategyConsensus, TaskStrategyCompetitive:
		return true
	}
	return false
}

// Task represents a unit of work to be executed by one or more agents
type Task struct {
	ID                   string          `json:"id"`
	SwarmID              string          `json:"swarm_id,omitempty"`
	Description          string          `json:"description"`
	Priority             TaskPriority    `json:"priority"`
	Strategy             TaskStrategy    `json:"strategy"`
	Status               TaskStatus      `json:"status"`
	Dependencies         []string        `json:"dependencies,omitempty"`
	AssignedAgents       []string        `json:"assigned_agents,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	MaxAgents            int             `json:"max_agents"`
	Payload              json.RawMessage `json:"payload,omitempty"`

	// Outcome
	Result  json.RawMessage            `json:"result,omitempty"`
	Results map[string]json.RawMessage `json:"results,omitempty"`
	Error   string                     `json:"error,omitempty"`

	// Retry bookkeeping
	MaxRetries    int       `json:"max_retries"`
	Attempts      []Attempt `json:"attempts,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	RetryOf       string    `json:"retry_of,omitempty"`

	// Consensus gating
	ProposalID string `json:"proposal_id,omitempty"`

	// Agents that reported success, used by parallel strategy
	Succeeded []string `json:"succeeded,omitempty"`

	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Slots returns how many agents the task should be assigned to
func (t *Task) Slots() int {
	switch t.Strategy {
	case TaskStrategyParallel, TaskStrategyCompetitive:
		if t.MaxAgents > 1 {
			return t.MaxAgents
		}
	}
	return 1
}

// HasAgent reports whether the agent is currently assigned to the task
func (t *Task) HasAgent(agentID string) bool {
	for _, id := range t.AssignedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// Round returns the number of the current dispatch round, 0 before the first dispatch
func (t *Task) Round() int {
	if a := t.LastAttempt(); a != nil {
		return a.Number
	}
	return 0
}

// Running returns the agents of the current round that have not reported back
func (t *Task) Running() []string {
	round := t.Round()
	var ids []string
	for _, a := range t.Attempts {
		if a.Number == round && a.EndedAt == nil {
			ids = append(ids, a.AgentID)
		}
	}
	return ids
}

// LastAttempt returns the most recent attempt, if any
func (t *Task) LastAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.AssignedAgents = append([]string(nil), t.AssignedAgents...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	c.Succeeded = append([]string(nil), t.Succeeded...)
	c.Attempts = append([]Attempt(nil), t.Attempts...)
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	if t.Results != nil {
		c.Results = make(map[string]json.RawMessage, len(t.Results))
		for k, v := range t.Results {
			c.Results[k] = append(json.RawMessage(nil), v...)
		}
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Attempt records one dispatch of a task to an agent
type Attempt struct {
	Number    int        `json:"number"`
	AgentID   string     `json:"agent_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TaskResult represents an agent's report on a task it was running
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}
