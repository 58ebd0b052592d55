package registry

import "errors"

var (
	// ErrAgentNotFound is returned when an agent is not in the roster
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists is returned when registering a duplicate agent id
	ErrAgentExists = errors.New("agent already registered")

	// ErrInvalidTransition is returned for a status change outside the transition table
	ErrInvalidTransition = errors.New("invalid agent status transition")

	// ErrAgentUnavailable is returned when an agent can no longer accept a task
	ErrAgentUnavailable = errors.New("agent unavailable")
)
