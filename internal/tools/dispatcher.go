package tools

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

type assignArgs struct {
	AgentID string      `json:"agent_id"`
	Task    *model.Task `json:"task"`
}

type cancelArgs struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
}

// Dispatcher delivers assignments and cancellations through the tool layer
// for agents that are not reachable over the event bus
type Dispatcher struct {
	logger  *zap.Logger
	invoker Invoker
	timeout time.Duration
}

// NewDispatcher creates a tool-backed dispatcher
func NewDispatcher(logger *zap.Logger, invoker Invoker, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:  logger.Named("tool-dispatcher"),
		invoker: invoker,
		timeout: timeout,
	}
}

// Dispatch calls task_assign
func (d *Dispatcher) Dispatch(ctx context.Context, task *model.Task, agentID string) error {
	_, err := d.invoker.Invoke(ctx, ToolTaskAssign, assignArgs{AgentID: agentID, Task: task}, d.timeout)
	return err
}

// Cancel calls task_cancel. Failures are logged and returned; the caller
// treats cancellation as best effort.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, agentID string) error {
	_, err := d.invoker.Invoke(ctx, ToolTaskCancel, cancelArgs{AgentID: agentID, TaskID: taskID}, d.timeout)
	if err != nil {
		d.logger.Warn("Failed to deliver cancellation",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	return err
}
