package model

import (
	"time"
)

// AgentStatus represents the lifecycle status of an agent
type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusPaused       AgentStatus = "paused"
	AgentStatusError        AgentStatus = "error"
	AgentStatusOffline      AgentStatus = "offline"
	AgentStatusTerminating  AgentStatus = "terminating"
	AgentStatusTerminated   AgentStatus = "terminated"
)

// agentTransitions lists, for every status, the statuses it may move to.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusInitializing: {AgentStatusIdle, AgentStatusError, AgentStatusTerminated},
	AgentStatusIdle:         {AgentStatusBusy, AgentStatusPaused, AgentStatusError, AgentStatusOffline, AgentStatusTerminating},
	AgentStatusBusy:         {AgentStatusIdle, AgentStatusPaused, AgentStatusError, AgentStatusTerminating},
	AgentStatusPaused:       {AgentStatusIdle, AgentStatusBusy, AgentStatusError, AgentStatusTerminating},
	AgentStatusError:        {AgentStatusIdle, AgentStatusTerminating, AgentStatusTerminated},
	AgentStatusOffline:      {AgentStatusIdle, AgentStatusTerminating, AgentStatusTerminated},
	AgentStatusTerminating:  {AgentStatusTerminated},
	AgentStatusTerminated:   {},
}

// AgentStatuses returns every known agent status
func AgentStatuses() []AgentStatus {
	return []AgentStatus{
		AgentStatusInitializing,
		AgentStatusIdle,
		AgentStatusBusy,
		AgentStatusPaused,
		AgentStatusError,
		AgentStatusOffline,
		AgentStatusTerminating,
		AgentStatusTerminated,
	}
}

// CanTransition reports whether an agent may move from one status to another
func CanTransition(from, to AgentStatus) bool {
	for _, s := range agentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outbound transitions
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusTerminated
}

// Capabilities describes what an agent declares it can do
type Capabilities struct {
	Tags        []string        `json:"tags,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Reliability float64         `json:"reliability"`
	Quality     float64         `json:"quality"`
}

// Has reports whether the capability is declared either as a tag or as an enabled flag
func (c Capabilities) Has(name string) bool {
	if c.Flags[name] {
		return true
	}
	for _, t := range c.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// Agent represents a worker in the swarm
type Agent struct {
	ID           string       `json:"id"`
	SwarmID      string       `json:"swarm_id,omitempty"`
	Name         string       `json:"name"`
	Type         string       `json:"type,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Status       AgentStatus  `json:"status"`

	// Load accounting
	Workload           float64  `json:"workload"`
	ActiveTasks        []string `json:"active_tasks,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`

	// Running totals
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
	MessageCount int `json:"message_count"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// History is the append-only audit trail of accepted transitions
	History []StatusChange `json:"history,omitempty"`
}

// SuccessRate returns successCount / (successCount + errorCount), or 1.0 with no history
func (a *Agent) SuccessRate() float64 {
	total := a.SuccessCount + a.ErrorCount
	if total == 0 {
		return 1.0
	}
	return float64(a.SuccessCount) / float64(total)
}

// Capacity returns the number of tasks the agent may run at once
func (a *Agent) Capacity() int {
	if a.MaxConcurrentTasks <= 0 {
		return 1
	}
	return a.MaxConcurrentTasks
}

// RecomputeWorkload derives Workload from the active task count
func (a *Agent) RecomputeWorkload() {
	w := float64(len(a.ActiveTasks)) / float64(a.Capacity())
	if w > 1.0 {
		w = 1.0
	}
	a.Workload = w
}

// Clone returns a deep copy of the agent
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities.Tags = append([]string(nil), a.Capabilities.Tags...)
	if a.Capabilities.Flags != nil {
		c.Capabilities.Flags = make(map[string]bool, len(a.Capabilities.Flags))
		for k, v := range a.Capabilities.Flags {
			c.Capabilities.Flags[k] = v
		}
	}
	c.ActiveTasks = append([]string(nil), a.ActiveTasks...)
	c.History = append([]StatusChange(nil), a.History...)
	return &c
}

// StatusChange is one accepted transition in an agent's audit history
type StatusChange struct {
	From   AgentStatus `json:"from"`
	To     AgentStatus `json:"to"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}
