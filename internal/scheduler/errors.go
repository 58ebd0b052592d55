package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a duplicate task is submitted
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTaskFinished is returned when an operation needs a task that has not terminated
	ErrTaskFinished = errors.New("task already finished")

	// ErrTaskNotFailed is returned when resubmitting a task that did not fail
	ErrTaskNotFailed = errors.New("only failed tasks can be resubmitted")

	// ErrAgentNotAssigned is returned for a result from an agent not running the task
	ErrAgentNotAssigned = errors.New("agent not assigned to task")

	// ErrTaskChanged is returned when a task moved on while an assignment was in flight
	ErrTaskChanged = errors.New("task changed during assignment")

	// ErrInboxFull is returned when the scheduler cannot accept more events
	ErrInboxFull = errors.New("scheduler inbox full")

	// ErrJobNotFound is returned when a periodic job is not registered
	ErrJobNotFound = errors.New("job not found")
)
