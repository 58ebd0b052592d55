package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

// Inbound subjects agents publish on
const (
	SubjectHeartbeat = SubjectPrefix + ".inbound.heartbeat"
	SubjectResult    = SubjectPrefix + ".inbound.result"
	SubjectVote      = SubjectPrefix + ".inbound.vote"
)

// SubjectAssign returns the subject an agent receives assignments on
func SubjectAssign(agentID string) string {
	return SubjectPrefix + ".agent." + agentID + ".assign"
}

// SubjectCancel returns the subject an agent receives cancellations on
func SubjectCancel(agentID string) string {
	return SubjectPrefix + ".agent." + agentID + ".cancel"
}

// AssignMessage is sent to an agent to start a task
type AssignMessage struct {
	AgentID    string      `json:"agent_id"`
	Task       *model.Task `json:"task"`
	AssignedAt time.Time   `json:"assigned_at"`
}

// CancelMessage asks an agent to stop working on a task
type CancelMessage struct {
	AgentID     string    `json:"agent_id"`
	TaskID      string    `json:"task_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// HeartbeatMessage is an agent's liveness signal
type HeartbeatMessage struct {
	AgentID   string    `json:"agent_id"`
	Workload  *float64  `json:"workload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VoteMessage is an agent's ballot on a proposal
type VoteMessage struct {
	ProposalID string `json:"proposal_id"`
	AgentID    string `json:"agent_id"`
	Vote       bool   `json:"vote"`
	Reason     string `json:"reason,omitempty"`
}

// AgentRoster receives heartbeats and message accounting
type AgentRoster interface {
	Heartbeat(ctx context.Context, id string, workload *float64) (*model.Agent, error)
	RecordMessage(ctx context.Context, id string) error
}

// ResultSink receives task results
type ResultSink interface {
	ReportResult(result model.TaskResult) error
}

// VoteSink receives votes
type VoteSink interface {
	SubmitVote(ctx context.Context, proposalID, agentID string, vote bool, reason string) (*model.Proposal, error)
}

// Handlers are the components inbound agent traffic is routed to
type Handlers struct {
	Roster  AgentRoster
	Results ResultSink
	Votes   VoteSink
}

// Gateway carries assignments and cancellations to agents and routes their
// heartbeats, results and votes into the engine
type Gateway struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	handlers Handlers
	timeout  time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewGateway creates a gateway. timeout bounds the handling of one inbound message.
func NewGateway(logger *zap.Logger, js nats.JetStreamContext, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		logger:  logger.Named("gateway"),
		js:      js,
		timeout: timeout,
	}
}

// Dispatch sends a task assignment to an agent. Transport failures are
// network errors and therefore retried by the scheduler.
func (g *Gateway) Dispatch(ctx context.Context, task *model.Task, agentID string) error {
	msg := AssignMessage{AgentID: agentID, Task: task, AssignedAt: time.Now()}
	if err := g.publish(ctx, SubjectAssign(agentID), msg); err != nil {
		return model.NewError(model.ErrorKindNetwork, "dispatch", err)
	}
	g.logger.Debug("Assignment sent", zap.String("task_id", task.ID), zap.String("agent_id", agentID))
	return nil
}

// Cancel asks an agent to stop a task. Delivery is best effort.
func (g *Gateway) Cancel(ctx context.Context, taskID, agentID string) error {
	msg := CancelMessage{AgentID: agentID, TaskID: taskID, CancelledAt: time.Now()}
	if err := g.publish(ctx, SubjectCancel(agentID), msg); err != nil {
		return model.NewError(model.ErrorKindNetwork, "cancel", err)
	}
	return nil
}

func (g *Gateway) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", subject, err)
	}
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	_, err = g.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Start subscribes to inbound agent traffic
func (g *Gateway) Start(ctx context.Context, h Handlers) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.handlers = h
	routes := []struct {
		subject string
		handle  func(context.Context, *nats.Msg) error
	}{
		{SubjectHeartbeat, g.handleHeartbeat},
		{SubjectResult, g.handleResult},
		{SubjectVote, g.handleVote},
	}

	for _, r := range routes {
		r := r
		sub, err := g.js.Subscribe(r.subject, func(msg *nats.Msg) {
			hctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()

			if err := r.handle(hctx, msg); err != nil {
				g.logger.Warn("Failed to handle inbound message",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				if errors.Is(err, errRetryLater) {
					_ = msg.Nak()
					return
				}
			}
			_ = msg.Ack()
		}, nats.ManualAck(), nats.DeliverNew())
		if err != nil {
			g.stopLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
		}
		g.subs = append(g.subs, sub)
	}

	g.logger.Info("Gateway started")
	return nil
}

// Stop unsubscribes from inbound traffic
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
	g.logger.Info("Gateway stopped")
}

func (g *Gateway) stopLocked() {
	for _, sub := range g.subs {
		if err := sub.Unsubscribe(); err != nil {
			g.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	g.subs = nil
}

var errRetryLater = errors.New("retry later")

func (g *Gateway) handleHeartbeat(ctx context.Context, msg *nats.Msg) error {
	var hb HeartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		return fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}
	if g.handlers.Roster == nil {
		return nil
	}
	if _, err := g.handlers.Roster.Heartbeat(ctx, hb.AgentID, hb.Workload); err != nil {
		return fmt.Errorf("heartbeat from %s: %w", hb.AgentID, err)
	}
	return nil
}

func (g *Gateway) handleResult(ctx context.Context, msg *nats.Msg) error {
	var result model.TaskResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return fmt.Errorf("failed to unmarshal task result: %w", err)
	}
	if result.TaskID == "" || result.AgentID == "" {
		return fmt.Errorf("task result without task or agent id")
	}
	g.recordMessage(ctx, result.AgentID)

	if g.handlers.Results == nil {
		return nil
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	if err := g.handlers.Results.ReportResult(result); err != nil {
		return fmt.Errorf("%w: %v", errRetryLater, err)
	}
	return nil
}

func (g *Gateway) handleVote(ctx context.Context, msg *nats.Msg) error {
	var vote VoteMessage
	if err := json.Unmarshal(msg.Data, &vote); err != nil {
		return fmt.Errorf("failed to unmarshal vote: %w", err)
	}
	g.recordMessage(ctx, vote.AgentID)

	if g.handlers.Votes == nil {
		return nil
	}
	if _, err := g.handlers.Votes.SubmitVote(ctx, vote.ProposalID, vote.AgentID, vote.Vote, vote.Reason); err != nil {
		return fmt.Errorf("vote from %s on %s: %w", vote.AgentID, vote.ProposalID, err)
	}
	return nil
}

func (g *Gateway) recordMessage(ctx context.Context, agentID string) {
	if g.handlers.Roster == nil || agentID == "" {
		return
	}
	if err := g.handlers.Roster.RecordMessage(ctx, agentID); err != nil {
		g.logger.Debug("Message from unknown agent", zap.String("agent_id", agentID), zap.Error(err))
	}
}
