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

// ControlPrefix prefixes the request/reply subjects operators drive the
// daemon through. It lies outside SubjectPrefix so the SWARM stream does not
// capture requests and answer them with a publish ack.
const ControlPrefix = "swarmctl"

// Control subjects
const (
	SubjectControlSubmit     = ControlPrefix + ".submit"
	SubjectControlRegister   = ControlPrefix + ".register"
	SubjectControlDeregister = ControlPrefix + ".deregister"
	SubjectControlCancel     = ControlPrefix + ".cancel"
	SubjectControlResubmit   = ControlPrefix + ".resubmit"
	SubjectControlPropose    = ControlPrefix + ".propose"
)

// controlQueue load-balances control requests across daemon replicas
const controlQueue = "swarmd"

// SubmitRequest queues tasks as one batch
type SubmitRequest struct {
	Tasks []*model.Task `json:"tasks"`
}

// RegisterRequest adds an agent; Activate also moves it to idle
type RegisterRequest struct {
	Agent    *model.Agent `json:"agent"`
	Activate bool         `json:"activate,omitempty"`
}

// DeregisterRequest removes an agent from the roster
type DeregisterRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// CancelRequest cancels a task
type CancelRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// ResubmitRequest re-queues a failed task
type ResubmitRequest struct {
	TaskID string `json:"task_id"`
}

// ControlReply answers every control request. Exactly one of Result and
// Error is set, except for operations with nothing to return.
type ControlReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ControlError   `json:"error,omitempty"`
}

// ControlError carries a failed operation back to the caller
type ControlError struct {
	Kind    model.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// TaskControl is the scheduler surface exposed over the bus
type TaskControl interface {
	SubmitBatch(ctx context.Context, tasks []*model.Task) ([]*model.Task, error)
	Cancel(ctx context.Context, taskID, reason string) (*model.Task, error)
	Resubmit(ctx context.Context, taskID string) (*model.Task, error)
}

// RosterControl is the registry surface exposed over the bus
type RosterControl interface {
	Register(ctx context.Context, agent *model.Agent) (*model.Agent, error)
	Activate(ctx context.Context, id string) (*model.Agent, error)
	Deregister(ctx context.Context, id, reason string) error
}

// ProposalControl is the consensus surface exposed over the bus
type ProposalControl interface {
	Propose(ctx context.Context, p *model.Proposal) (*model.Proposal, error)
}

// Controls are the components control requests are routed to. A nil
// component answers its subjects with an error.
type Controls struct {
	Tasks     TaskControl
	Agents    RosterControl
	Proposals ProposalControl
}

var errNotServed = model.Errorf(model.ErrorKindInternal, "operation not served by this daemon")

// ControlServer answers control requests on core NATS request/reply
type ControlServer struct {
	logger   *zap.Logger
	nc       *nats.Conn
	timeout  time.Duration
	controls Controls

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewControlServer creates a control server. timeout bounds one request.
func NewControlServer(logger *zap.Logger, nc *nats.Conn, timeout time.Duration) *ControlServer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ControlServer{
		logger:  logger.Named("control"),
		nc:      nc,
		timeout: timeout,
	}
}

// Start subscribes to the control subjects
func (s *ControlServer) Start(ctx context.Context, c Controls) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.controls = c
	routes := []struct {
		subject string
		handle  func(context.Context, []byte) (any, error)
	}{
		{SubjectControlSubmit, s.submit},
		{SubjectControlRegister, s.register},
		{SubjectControlDeregister, s.deregister},
		{SubjectControlCancel, s.cancel},
		{SubjectControlResubmit, s.resubmit},
		{SubjectControlPropose, s.propose},
	}

	for _, r := range routes {
		r := r
		sub, err := s.nc.QueueSubscribe(r.subject, controlQueue, func(msg *nats.Msg) {
			hctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			result, err := r.handle(hctx, msg.Data)
			if err != nil {
				s.logger.Warn("Control request failed",
					zap.String("subject", msg.Subject),
					zap.Error(err))
			}
			s.respond(msg, result, err)
		})
		if err != nil {
			s.stopLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.nc.Flush(); err != nil {
		s.stopLocked()
		return fmt.Errorf("failed to flush control subscriptions: %w", err)
	}

	s.logger.Info("Control server started", zap.String("prefix", ControlPrefix))
	return nil
}

// Stop unsubscribes from the control subjects
func (s *ControlServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.logger.Info("Control server stopped")
}

func (s *ControlServer) stopLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *ControlServer) respond(msg *nats.Msg, result any, err error) {
	if msg.Reply == "" {
		return
	}

	var reply ControlReply
	if err != nil {
		reply.Error = &ControlError{Kind: model.KindOf(err), Message: err.Error()}
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = &ControlError{Kind: model.ErrorKindInternal, Message: merr.Error()}
		} else {
			reply.Result = data
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal control reply", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to send control reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return model.NewError(model.ErrorKindValidation, "decode request", err)
	}
	return nil
}

func (s *ControlServer) submit(ctx context.Context, data []byte) (any, error) {
	if s.controls.Tasks == nil {
		return nil, errNotServed
	}
	var req SubmitRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if len(req.Tasks) == 0 {
		return nil, model.Errorf(model.ErrorKindValidation, "no tasks to submit")
	}
	return s.controls.Tasks.SubmitBatch(ctx, req.Tasks)
}

func (s *ControlServer) register(ctx context.Context, data []byte) (any, error) {
	if s.controls.Agents == nil {
		return nil, errNotServed
	}
	var req RegisterRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Agent == nil {
		return nil, model.Errorf(model.ErrorKindValidation, "agent is required")
	}
	agent, err := s.controls.Agents.Register(ctx, req.Agent)
	if err != nil || !req.Activate {
		return agent, err
	}
	return s.controls.Agents.Activate(ctx, agent.ID)
}

func (s *ControlServer) deregister(ctx context.Context, data []byte) (any, error) {
	if s.controls.Agents == nil {
		return nil, errNotServed
	}
	var req DeregisterRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return nil, s.controls.Agents.Deregister(ctx, req.AgentID, req.Reason)
}

func (s *ControlServer) cancel(ctx context.Context, data []byte) (any, error) {
	if s.controls.Tasks == nil {
		return nil, errNotServed
	}
	var req CancelRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.controls.Tasks.Cancel(ctx, req.TaskID, req.Reason)
}

func (s *ControlServer) resubmit(ctx context.Context, data []byte) (any, error) {
	if s.controls.Tasks == nil {
		return nil, errNotServed
	}
	var req ResubmitRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.controls.Tasks.Resubmit(ctx, req.TaskID)
}

func (s *ControlServer) propose(ctx context.Context, data []byte) (any, error) {
	if s.controls.Proposals == nil {
		return nil, errNotServed
	}
	var p model.Proposal
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return s.controls.Proposals.Propose(ctx, &p)
}

// Request sends a control request and decodes the reply's result into out,
// which may be nil. A failed operation is returned as *ControlError.
func Request(ctx context.Context, nc *nats.Conn, subject string, req, out any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", subject, err)
	}
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return model.NewError(model.ErrorKindNetwork, subject, err)
	}

	var reply ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to unmarshal %s reply: %w", subject, err)
	}
	if reply.Error != nil {
		return reply.Error
	}
	if out == nil || len(reply.Result) == 0 {
		return nil
	}
	return json.Unmarshal(reply.Result, out)
}

// IsControlError reports whether err is a failed operation of the given kind
func IsControlError(err error, kind model.ErrorKind) bool {
	var cerr *ControlError
	return errors.As(err, &cerr) && cerr.Kind == kind
}
