package model

import (
	"time"
)

// ChecksumAlgorithm is the hash used for snapshot integrity
const ChecksumAlgorithm = "sha256"

// Integrity holds the checksum of a snapshot's serialized state
type Integrity struct {
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum"`
	Corrupted bool   `json:"corrupted,omitempty"`
}

// Snapshot is an integrity-checked capture of coordination state
type Snapshot struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	State     []byte            `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Integrity Integrity         `json:"integrity"`
}

// ProcessInfo describes the process that captured a snapshot
type ProcessInfo struct {
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	GitCommit string `json:"git_commit,omitempty"`
	GitBranch string `json:"git_branch,omitempty"`
}

// CoordinationState is the full state restored by a rollback
type CoordinationState struct {
	Config    map[string]any `json:"config,omitempty"`
	Tasks     []*Task        `json:"tasks"`
	Agents    []*Agent       `json:"agents"`
	Proposals []*Proposal    `json:"proposals"`
	Process   ProcessInfo    `json:"process"`
}
