package model

import (
	"encoding/json"
	"time"
)

// ProposalStatus represents the state of a consensus proposal
type ProposalStatus string

const (
	ProposalStatusPending   ProposalStatus = "pending"
	ProposalStatusAchieved  ProposalStatus = "achieved"
	ProposalStatusRejected  ProposalStatus = "rejected"
	ProposalStatusExpired   ProposalStatus = "expired"
	ProposalStatusCancelled ProposalStatus = "cancelled"
)

// IsTerminal reports whether the proposal can no longer change status
func (s ProposalStatus) IsTerminal() bool {
	return s != ProposalStatusPending
}

// Vote is a single agent's ballot on a proposal
type Vote struct {
	AgentID   string    `json:"agent_id"`
	Vote      bool      `json:"vote"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Proposal is a decision that needs agreement from voting agents
type Proposal struct {
	ID                string          `json:"id"`
	SwarmID           string          `json:"swarm_id,omitempty"`
	TaskID            string          `json:"task_id,omitempty"`
	Proposal          json.RawMessage `json:"proposal,omitempty"`
	RequiredThreshold float64         `json:"required_threshold"`
	EligibleVoters    int             `json:"eligible_voters,omitempty"`
	Deadline          time.Time       `json:"deadline"`
	Status            ProposalStatus  `json:"status"`
	Votes             map[string]Vote `json:"votes"`
	TotalVoters       int             `json:"total_voters"`
	PositiveVotes     int             `json:"positive_votes"`
	Flags             []ByzantineFlag `json:"flags,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// Ratio returns positiveVotes / totalVoters, or 0 with no votes
func (p *Proposal) Ratio() float64 {
	if p.TotalVoters == 0 {
		return 0
	}
	return float64(p.PositiveVotes) / float64(p.TotalVoters)
}

// Clone returns a deep copy of the proposal
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Proposal = append(json.RawMessage(nil), p.Proposal...)
	c.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		c.Votes[k] = v
	}
	c.Flags = append([]ByzantineFlag(nil), p.Flags...)
	if p.ResolvedAt != nil {
		at := *p.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// ByzantineKind names a suspicious-voter heuristic
type ByzantineKind string

const (
	ByzantineContradiction ByzantineKind = "contradiction"
	ByzantineTiming        ByzantineKind = "timing"
	ByzantineSpam          ByzantineKind = "spam"
)

// ByzantineFlag is an advisory signal about a voter. It never excludes votes.
type ByzantineFlag struct {
	AgentID    string        `json:"agent_id"`
	Kind       ByzantineKind `json:"kind"`
	Score      float64       `json:"score"`
	Detail     string        `json:"detail,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
}
