package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/metrics"
	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/registry"
	"github.com/adolago/tiara/internal/storage"
)

// Dispatcher delivers assignments and cancellations to agents
type Dispatcher interface {
	// Dispatch hands a task to an agent
	Dispatch(ctx context.Context, task *model.Task, agentID string) error

	// Cancel asks an agent to stop working on a task; best effort
	Cancel(ctx context.Context, taskID, agentID string) error
}

// ConsensusGate holds consensus-strategy tasks until their proposal is achieved
type ConsensusGate interface {
	OpenForTask(ctx context.Context, task *model.Task) (string, error)
	Status(ctx context.Context, proposalID string) (model.ProposalStatus, error)
	Cancel(ctx context.Context, proposalID string) error
}

// AgentPool is the roster the scheduler assigns from. Reserve and Release
// only change memory so they can run under the scheduler lock; Flush does
// the I/O afterwards.
type AgentPool interface {
	List() []*model.Agent
	Reserve(agentID, taskID string) (*model.Agent, error)
	Release(agentID, taskID string, outcome registry.Outcome) (*model.Agent, error)
	Flush(ctx context.Context, agentIDs ...string)
}

// AttemptRecorder keeps the audit trail of attempts
type AttemptRecorder interface {
	Record(ctx context.Context, taskID string, attempt model.Attempt) error
}

// EventPublisher publishes lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event *model.Event) error
}

// Config holds the scheduler's tunables
type Config struct {
	TickInterval    time.Duration      `mapstructure:"tick_interval"`
	InboxSize       int                `mapstructure:"inbox_size"`
	DispatchTimeout time.Duration      `mapstructure:"dispatch_timeout"`
	DefaultTimeout  time.Duration      `mapstructure:"default_timeout"`
	MaxRetries      int                `mapstructure:"max_retries"`
	Backoff         ExponentialBackoff `mapstructure:"backoff"`
	StatsWindow     int                `mapstructure:"stats_window"`
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:    500 * time.Millisecond,
		InboxSize:       1024,
		DispatchTimeout: 10 * time.Second,
		MaxRetries:      3,
		Backoff:         *DefaultBackoff(),
		StatsWindow:     100,
	}
}

// Stats summarizes scheduler activity
type Stats struct {
	Submitted           int           `json:"submitted"`
	Completed           int           `json:"completed"`
	Failed              int           `json:"failed"`
	Cancelled           int           `json:"cancelled"`
	Retried             int           `json:"retried"`
	Pending             int           `json:"pending"`
	Running             int           `json:"running"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ErrorRate           float64       `json:"error_rate"`
	MeanResponseTime    time.Duration `json:"mean_response_time"`
}

type attemptOutcome struct {
	failed   bool
	duration time.Duration
}

type inboxMessage struct {
	result      *model.TaskResult
	lostAgentID string
	reason      string
}

type assignment struct {
	task    *model.Task
	agentID string
}

type recordedAttempt struct {
	taskID  string
	attempt model.Attempt
}

// effects collects the I/O a pass decided on, performed after locks are released
type effects struct {
	dispatches     []assignment
	cancels        []assignment
	proposals      []*model.Task
	closeProposals []string
	attempts       []recordedAttempt
	events         []*model.Event
	dirty          map[string]struct{}
	agents         map[string]struct{}
}

func newEffects() *effects {
	return &effects{dirty: make(map[string]struct{}), agents: make(map[string]struct{})}
}

func (fx *effects) touch(id string) {
	fx.dirty[id] = struct{}{}
}

func (fx *effects) touchAgent(id string) {
	fx.agents[id] = struct{}{}
}

// gateResult is a proposal status read before a pass takes passMu
type gateResult struct {
	status model.ProposalStatus
	err    error
}

// Orchestrator drives task assignment, retries and lifecycle events
type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	graph    *TaskGraph
	agents   AgentPool
	selector Selector
	retry    RetryPolicy

	dispatcher Dispatcher
	gate       ConsensusGate
	recorder   AttemptRecorder
	store      storage.Store
	publisher  EventPublisher
	metrics    *metrics.Collector
	now        func() time.Time

	// passMu serializes scheduling passes and result handling
	passMu    sync.Mutex
	persistMu sync.Mutex
	frozen    atomic.Bool
	opening   sync.Map

	inbox    chan inboxMessage
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	statsMu             sync.Mutex
	stats               Stats
	consecutiveFailures int
	window              []attemptOutcome
	windowPos           int
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithDispatcher sets how assignments reach agents
func WithDispatcher(d Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithConsensusGate sets the gate for consensus-strategy tasks
func WithConsensusGate(g ConsensusGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithAttemptRecorder sets the attempt audit trail
func WithAttemptRecorder(r AttemptRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithStore sets the durable store tasks are persisted to
func WithStore(s storage.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithPublisher sets the event publisher
func WithPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates a scheduler over the given agent pool
func NewOrchestrator(logger *zap.Logger, cfg Config, agents AgentPool, selector Selector, opts ...Option) *Orchestrator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = DefaultConfig().StatsWindow
	}
	backoff := cfg.Backoff

	o := &Orchestrator{
		logger:   logger.Named("scheduler"),
		cfg:      cfg,
		graph:    NewTaskGraph(logger),
		agents:   agents,
		selector: selector,
		retry:    RetryPolicy{Strategy: &backoff, MaxRetries: cfg.MaxRetries},
		now:      time.Now,
		inbox:    make(chan inboxMessage, cfg.InboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Graph exposes the task graph for diagnostics
func (o *Orchestrator) Graph() *TaskGraph {
	return o.graph
}

// Start starts the scheduling loop
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}
	o.logger.Info("Starting scheduler", zap.Duration("tick_interval", o.cfg.TickInterval))
	go o.run(ctx)
	return nil
}

// Stop stops the scheduling loop and waits for it to exit
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.logger.Info("Stopping scheduler")
		close(o.stop)
	})
	if o.started.Load() {
		<-o.done
	}
}

// run is the single consumer of the inbox
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.Tick(ctx)
		case msg := <-o.inbox:
			o.handle(ctx, msg)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg inboxMessage) {
	switch {
	case msg.result != nil:
		if err := o.ApplyResult(ctx, *msg.result); err != nil {
			o.logger.Debug("Ignored task result",
				zap.String("task_id", msg.result.TaskID),
				zap.String("agent_id", msg.result.AgentID),
				zap.Error(err))
		}
	case msg.lostAgentID != "":
		o.AgentLost(ctx, msg.lostAgentID, msg.reason)
	}
}

// ReportResult queues an agent's result for the scheduling loop
func (o *Orchestrator) ReportResult(result model.TaskResult) error {
	select {
	case o.inbox <- inboxMessage{result: &result}:
		return nil
	default:
		return ErrInboxFull
	}
}

// ReportAgentLost queues the loss of an agent for the scheduling loop
func (o *Orchestrator) ReportAgentLost(agentID, reason string) error {
	select {
	case o.inbox <- inboxMessage{lostAgentID: agentID, reason: reason}:
		return nil
	default:
		return ErrInboxFull
	}
}

// Submit validates and queues a task. Dependency cycles fail with
// *model.CycleError and malformed tasks with a validation error.
func (o *Orchestrator) Submit(ctx context.Context, task *model.Task) (*model.Task, error) {
	tasks, err := o.SubmitBatch(ctx, []*model.Task{task})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// SubmitBatch queues several tasks atomically; dependencies may refer to
// tasks in the same batch
func (o *Orchestrator) SubmitBatch(ctx context.Context, tasks []*model.Task) ([]*model.Task, error) {
	now := o.now()
	prepared := make([]*model.Task, 0, len(tasks))
	for _, t := range tasks {
		p, err := o.prepare(t, now)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}

	fx := newEffects()
	var claimed []string
	for _, t := range prepared {
		if t.Strategy == model.TaskStrategyConsensus && o.gate != nil {
			o.opening.Store(t.ID, true)
			claimed = append(claimed, t.ID)
			fx.proposals = append(fx.proposals, t)
		}
	}

	if err := o.graph.AddBatch(prepared); err != nil {
		for _, id := range claimed {
			o.opening.Delete(id)
		}
		return nil, err
	}

	for _, t := range prepared {
		fx.touch(t.ID)
		fx.events = append(fx.events, o.event(model.EventTaskSubmitted, t, map[string]any{
			"priority": string(t.Priority),
			"strategy": string(t.Strategy),
		}))
		o.metrics.TaskSubmitted()
		o.logger.Info("Task submitted",
			zap.String("task_id", t.ID),
			zap.String("priority", string(t.Priority)),
			zap.String("strategy", string(t.Strategy)),
			zap.Strings("dependencies", t.Dependencies))
	}

	o.statsMu.Lock()
	o.stats.Submitted += len(prepared)
	o.statsMu.Unlock()

	o.flush(ctx, fx)

	out := make([]*model.Task, len(prepared))
	for i, t := range prepared {
		out[i] = t.Clone()
	}
	return out, nil
}

// prepare validates a submitted task and fills in defaults
func (o *Orchestrator) prepare(in *model.Task, now time.Time) (*model.Task, error) {
	if in == nil {
		return nil, model.Errorf(model.ErrorKindValidation, "task is required")
	}

	t := in.Clone()
	t.Description = strings.TrimSpace(t.Description)
	if t.Description == "" {
		return nil, model.Errorf(model.ErrorKindValidation, "task description is required")
	}
	if t.Priority == "" {
		t.Priority = model.TaskPriorityMedium
	}
	if t.Priority.Rank() < 0 {
		return nil, model.Errorf(model.ErrorKindValidation, "unknown priority %q", t.Priority)
	}
	if t.Strategy == "" {
		t.Strategy = model.TaskStrategySingle
	}
	if !t.Strategy.Valid() {
		return nil, model.Errorf(model.ErrorKindValidation, "unknown strategy %q", t.Strategy)
	}
	if t.MaxAgents <= 0 {
		t.MaxAgents = 1
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	seen := make(map[string]bool, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return nil, &model.CycleError{Path: []string{t.ID, t.ID}}
		}
		if dep == "" || seen[dep] {
			return nil, model.Errorf(model.ErrorKindValidation, "invalid or duplicate dependency %q", dep)
		}
		seen[dep] = true
	}

	if t.Timeout <= 0 {
		t.Timeout = o.cfg.DefaultTimeout
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Status = model.TaskStatusPending
	t.AssignedAgents = nil
	t.Attempts = nil
	t.Succeeded = nil
	t.Result = nil
	t.Results = nil
	t.Error = ""
	t.ProposalID = ""
	t.NextAttemptAt = time.Time{}
	t.StartedAt = nil
	t.CompletedAt = nil
	return t, nil
}

// Tick runs one scheduling pass: timeouts, then assignment of ready tasks
// in priority order. A frozen scheduler does nothing.
func (o *Orchestrator) Tick(ctx context.Context) {
	if o.frozen.Load() {
		return
	}

	gates := o.gateStatuses(ctx, o.now())

	o.passMu.Lock()
	fx := newEffects()
	now := o.now()

	o.checkTimeoutsLocked(now, fx)

	ready := o.graph.Ready(now)
	o.metrics.ReadyQueueDepth(len(ready))
	for _, task := range ready {
		if task.Strategy == model.TaskStrategyConsensus && !o.gateOpenLocked(task, gates, now, fx) {
			continue
		}
		o.assignLocked(task, now, fx)
	}
	o.passMu.Unlock()

	o.flush(ctx, fx)
}

// gateStatuses reads the proposals gating ready consensus tasks. It runs
// before passMu is taken since the gate may touch the store.
func (o *Orchestrator) gateStatuses(ctx context.Context, now time.Time) map[string]gateResult {
	if o.gate == nil {
		return nil
	}
	gates := make(map[string]gateResult)
	for _, task := range o.graph.Ready(now) {
		if task.Strategy != model.TaskStrategyConsensus || task.ProposalID == "" {
			continue
		}
		status, err := o.gate.Status(ctx, task.ProposalID)
		gates[task.ProposalID] = gateResult{status: status, err: err}
	}
	return gates
}

// gateOpenLocked reports whether a consensus task may be dispatched. A
// proposal attached after gates were read waits for the next pass.
func (o *Orchestrator) gateOpenLocked(task *model.Task, gates map[string]gateResult, now time.Time, fx *effects) bool {
	if o.gate == nil {
		return true
	}
	if task.ProposalID == "" {
		if _, busy := o.opening.LoadOrStore(task.ID, true); !busy {
			fx.proposals = append(fx.proposals, task)
		}
		return false
	}

	gate, ok := gates[task.ProposalID]
	if !ok {
		return false
	}
	status, err := gate.status, gate.err
	if err != nil {
		o.logger.Warn("Consensus check failed",
			zap.String("task_id", task.ID),
			zap.String("proposal_id", task.ProposalID),
			zap.Error(err))
		return false
	}

	switch status {
	case model.ProposalStatusAchieved:
		return true
	case model.ProposalStatusPending:
		return false
	}
	o.failTaskLocked(task.ID, model.ErrorKindValidation,
		fmt.Sprintf("proposal %s %s", task.ProposalID, status), now, fx)
	return false
}

// assignLocked selects agents for a ready task and commits the assignment
func (o *Orchestrator) assignLocked(task *model.Task, now time.Time, fx *effects) {
	slots := task.Slots()
	ranked := o.selector.Rank(task, o.agents.List())

	var assigned []string
	for _, c := range ranked {
		if len(assigned) == slots {
			break
		}
		if _, err := o.agents.Reserve(c.Agent.ID, task.ID); err != nil {
			o.logger.Debug("Agent no longer eligible",
				zap.String("task_id", task.ID),
				zap.String("agent_id", c.Agent.ID),
				zap.Error(err))
			continue
		}
		assigned = append(assigned, c.Agent.ID)
		fx.touchAgent(c.Agent.ID)
	}

	if len(assigned) == 0 {
		o.metrics.Assignment("no_match")
		o.logger.Debug("No agent available", zap.String("task_id", task.ID))
		return
	}

	updated, err := o.graph.Update(task.ID, func(t *model.Task) error {
		if t.Status != model.TaskStatusPending {
			return ErrTaskChanged
		}
		round := t.Round() + 1
		t.Status = model.TaskStatusAssigned
		t.AssignedAgents = append([]string(nil), assigned...)
		t.Succeeded = nil
		t.Results = nil
		t.Error = ""
		for _, id := range assigned {
			t.Attempts = append(t.Attempts, model.Attempt{Number: round, AgentID: id, StartedAt: now})
		}
		return nil
	})
	if err != nil {
		for _, id := range assigned {
			o.releaseAgent(id, task.ID, registry.OutcomeCancelled, fx)
		}
		return
	}

	for _, id := range assigned {
		fx.dispatches = append(fx.dispatches, assignment{task: updated, agentID: id})
		fx.attempts = append(fx.attempts, recordedAttempt{taskID: updated.ID, attempt: *findAttempt(updated, id)})
		o.metrics.Assignment("assigned")
		o.logger.Info("Task assigned",
			zap.String("task_id", updated.ID),
			zap.String("agent_id", id),
			zap.Int("attempt", updated.Round()))
	}
	fx.touch(updated.ID)
	fx.events = append(fx.events, o.event(model.EventTaskAssigned, updated, map[string]any{
		"agents":  assigned,
		"attempt": updated.Round(),
	}))
}

// findAttempt returns the open attempt of agentID in the current round
func findAttempt(t *model.Task, agentID string) *model.Attempt {
	round := t.Round()
	for i := len(t.Attempts) - 1; i >= 0; i-- {
		a := &t.Attempts[i]
		if a.Number == round && a.AgentID == agentID {
			return a
		}
	}
	return nil
}

// closeAttempt ends agentID's attempt in the current round
func closeAttempt(t *model.Task, agentID string, at time.Time, kind model.ErrorKind, msg string) *model.Attempt {
	a := findAttempt(t, agentID)
	if a == nil || a.EndedAt != nil {
		return nil
	}
	ended := at
	a.EndedAt = &ended
	a.ErrorKind = kind
	a.Error = msg
	closed := *a
	return &closed
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ApplyResult applies an agent's result synchronously
func (o *Orchestrator) ApplyResult(ctx context.Context, result model.TaskResult) error {
	o.passMu.Lock()
	fx := newEffects()
	err := o.applyResultLocked(result, fx)
	o.passMu.Unlock()

	o.flush(ctx, fx)
	return err
}

// applyResultLocked closes the reporting agent's attempt and advances the
// task according to its strategy
func (o *Orchestrator) applyResultLocked(res model.TaskResult, fx *effects) error {
	at := res.CompletedAt
	if at.IsZero() {
		at = o.now()
	}
	kind := res.ErrorKind
	if !res.Success && kind == "" {
		kind = model.ErrorKindInternal
	}
	if res.Success {
		kind = ""
	}

	var (
		closed    []model.Attempt
		cancelled []string
		finished  bool
		retrying  bool
		delay     time.Duration
		duration  time.Duration
	)

	updated, err := o.graph.Update(res.TaskID, func(t *model.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrTaskFinished, t.ID, t.Status)
		}
		if !contains(t.Running(), res.AgentID) {
			return fmt.Errorf("%w: %s on %s", ErrAgentNotAssigned, res.AgentID, t.ID)
		}

		a := closeAttempt(t, res.AgentID, at, kind, res.Error)
		closed = append(closed, *a)
		duration = at.Sub(a.StartedAt)

		cancelRunning := func(reason string) {
			for _, id := range t.Running() {
				if c := closeAttempt(t, id, at, "", reason); c != nil {
					closed = append(closed, *c)
					cancelled = append(cancelled, id)
				}
			}
		}

		if res.Success {
			switch t.Strategy {
			case model.TaskStrategyParallel:
				t.Succeeded = append(t.Succeeded, res.AgentID)
				if t.Results == nil {
					t.Results = make(map[string]json.RawMessage)
				}
				t.Results[res.AgentID] = res.Result
				if len(t.Running()) > 0 {
					if t.Status == model.TaskStatusAssigned {
						t.Status = model.TaskStatusInProgress
					}
					return nil
				}
				combined, err := json.Marshal(t.Results)
				if err != nil {
					return err
				}
				t.Result = combined
			case model.TaskStrategyCompetitive:
				t.Succeeded = []string{res.AgentID}
				t.Result = res.Result
				cancelRunning("competitor succeeded")
			default:
				t.Succeeded = []string{res.AgentID}
				t.Result = res.Result
			}
			t.Status = model.TaskStatusCompleted
			t.Error = ""
			t.CompletedAt = &at
			finished = true
			return nil
		}

		t.Error = res.Error
		if t.Strategy == model.TaskStrategyCompetitive && len(t.Running()) > 0 {
			return nil
		}
		cancelRunning("round failed")

		retrying, delay = o.retry.Decide(t, kind, t.Round())
		if retrying {
			t.Status = model.TaskStatusPending
			t.AssignedAgents = nil
			t.NextAttemptAt = at.Add(delay)
			return nil
		}
		t.Status = model.TaskStatusFailed
		t.CompletedAt = &at
		finished = true
		return nil
	})
	if err != nil {
		return err
	}

	outcome := registry.OutcomeSuccess
	if !res.Success {
		outcome = registry.OutcomeFailure
	}
	o.releaseAgent(res.AgentID, updated.ID, outcome, fx)
	for _, id := range cancelled {
		o.releaseAgent(id, updated.ID, registry.OutcomeCancelled, fx)
		fx.cancels = append(fx.cancels, assignment{task: updated, agentID: id})
	}
	for _, a := range closed {
		fx.attempts = append(fx.attempts, recordedAttempt{taskID: updated.ID, attempt: a})
	}
	fx.touch(updated.ID)
	o.recordOutcome(!res.Success, duration)

	switch {
	case finished && updated.Status == model.TaskStatusCompleted:
		o.finish(updated, fx)
		o.logger.Info("Task completed",
			zap.String("task_id", updated.ID),
			zap.String("agent_id", res.AgentID))
		fx.events = append(fx.events, o.event(model.EventTaskCompleted, updated, map[string]any{"agent_id": res.AgentID}))
	case finished:
		o.finish(updated, fx)
		o.logger.Warn("Task failed",
			zap.String("task_id", updated.ID),
			zap.String("agent_id", res.AgentID),
			zap.String("error_kind", string(kind)),
			zap.String("error", res.Error))
		fx.events = append(fx.events, o.event(model.EventTaskFailed, updated, map[string]any{
			"error_kind": string(kind),
			"error":      res.Error,
		}))
		if kind.Retryable() {
			fx.events = append(fx.events, o.event(model.EventTaskDeadLetter, updated, map[string]any{
				"attempts": updated.Round(),
				"error":    res.Error,
			}))
		}
	case retrying:
		o.statsMu.Lock()
		o.stats.Retried++
		o.statsMu.Unlock()
		o.metrics.TaskRetried(string(kind))
		o.logger.Warn("Task scheduled for retry",
			zap.String("task_id", updated.ID),
			zap.String("agent_id", res.AgentID),
			zap.String("error_kind", string(kind)),
			zap.Int("attempt", updated.Round()),
			zap.Duration("delay", delay))
		fx.events = append(fx.events, o.event(model.EventTaskRetrying, updated, map[string]any{
			"error_kind": string(kind),
			"attempt":    updated.Round(),
			"delay_ms":   delay.Milliseconds(),
		}))
	}
	return nil
}

// finish records terminal statistics for a task
func (o *Orchestrator) finish(t *model.Task, fx *effects) {
	var took time.Duration
	if t.StartedAt != nil && t.CompletedAt != nil {
		took = t.CompletedAt.Sub(*t.StartedAt)
	}
	o.metrics.TaskFinished(string(t.Status), took)

	o.statsMu.Lock()
	switch t.Status {
	case model.TaskStatusCompleted:
		o.stats.Completed++
	case model.TaskStatusFailed:
		o.stats.Failed++
	case model.TaskStatusCancelled:
		o.stats.Cancelled++
	}
	o.statsMu.Unlock()

	if t.ProposalID != "" && t.Status != model.TaskStatusCompleted && o.gate != nil {
		fx.closeProposals = append(fx.closeProposals, t.ProposalID)
	}
}

// failTaskLocked fails a task that has no running agents
func (o *Orchestrator) failTaskLocked(taskID string, kind model.ErrorKind, msg string, now time.Time, fx *effects) {
	updated, err := o.graph.Update(taskID, func(t *model.Task) error {
		if t.Status.IsTerminal() {
			return ErrTaskFinished
		}
		t.Status = model.TaskStatusFailed
		t.Error = msg
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return
	}

	o.finish(updated, fx)
	fx.touch(taskID)
	o.logger.Warn("Task failed",
		zap.String("task_id", taskID),
		zap.String("error_kind", string(kind)),
		zap.String("error", msg))
	fx.events = append(fx.events, o.event(model.EventTaskFailed, updated, map[string]any{
		"error_kind": string(kind),
		"error":      msg,
	}))
}

// checkTimeoutsLocked fails attempts running longer than their task's timeout
func (o *Orchestrator) checkTimeoutsLocked(now time.Time, fx *effects) {
	active := o.graph.List(TaskFilters{Status: []model.TaskStatus{model.TaskStatusAssigned, model.TaskStatusInProgress}})
	for _, t := range active {
		if t.Timeout <= 0 {
			continue
		}
		for _, agentID := range t.Running() {
			a := findAttempt(t, agentID)
			if a == nil || now.Sub(a.StartedAt) <= t.Timeout {
				continue
			}
			// an earlier timeout may already have closed and cancelled this attempt
			err := o.applyResultLocked(model.TaskResult{
				TaskID:      t.ID,
				AgentID:     agentID,
				ErrorKind:   model.ErrorKindTimeout,
				Error:       fmt.Sprintf("task exceeded timeout of %s", t.Timeout),
				CompletedAt: now,
			}, fx)
			if err == nil {
				fx.cancels = append(fx.cancels, assignment{task: t, agentID: agentID})
			}
		}
	}
}

// AgentLost fails the in-flight work of an agent that went offline or errored
func (o *Orchestrator) AgentLost(ctx context.Context, agentID, reason string) {
	o.passMu.Lock()
	fx := newEffects()
	now := o.now()

	active := o.graph.List(TaskFilters{Status: []model.TaskStatus{model.TaskStatusAssigned, model.TaskStatusInProgress}})
	for _, t := range active {
		if !contains(t.Running(), agentID) {
			continue
		}
		o.logger.Warn("Agent lost with task in flight",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agentID),
			zap.String("reason", reason))
		_ = o.applyResultLocked(model.TaskResult{
			TaskID:      t.ID,
			AgentID:     agentID,
			ErrorKind:   model.ErrorKindNetwork,
			Error:       "agent lost: " + reason,
			CompletedAt: now,
		}, fx)
	}
	o.passMu.Unlock()

	o.flush(ctx, fx)
}

// Cancel cancels a task. Running agents receive a best-effort signal; the
// task is cancelled whether or not they acknowledge.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, reason string) (*model.Task, error) {
	o.passMu.Lock()
	fx := newEffects()
	now := o.now()

	var running []string
	var closed []model.Attempt
	updated, err := o.graph.Update(taskID, func(t *model.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrTaskFinished, t.ID, t.Status)
		}
		running = t.Running()
		for _, id := range running {
			if c := closeAttempt(t, id, now, "", "cancelled"); c != nil {
				closed = append(closed, *c)
			}
		}
		t.Status = model.TaskStatusCancelled
		t.Error = reason
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		o.passMu.Unlock()
		return nil, err
	}

	for _, id := range running {
		o.releaseAgent(id, taskID, registry.OutcomeCancelled, fx)
		fx.cancels = append(fx.cancels, assignment{task: updated, agentID: id})
	}
	for _, a := range closed {
		fx.attempts = append(fx.attempts, recordedAttempt{taskID: taskID, attempt: a})
	}
	o.finish(updated, fx)
	fx.touch(taskID)
	fx.events = append(fx.events, o.event(model.EventTaskCancelled, updated, map[string]any{"reason": reason}))
	o.logger.Info("Task cancelled",
		zap.String("task_id", taskID),
		zap.Strings("agents", running),
		zap.String("reason", reason))
	o.passMu.Unlock()

	o.flush(ctx, fx)
	return updated, nil
}

// Resubmit creates a new task from a failed one, linked through RetryOf
func (o *Orchestrator) Resubmit(ctx context.Context, taskID string) (*model.Task, error) {
	old, err := o.graph.Get(taskID)
	if err != nil {
		return nil, err
	}
	if old.Status != model.TaskStatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotFailed, taskID, old.Status)
	}

	return o.Submit(ctx, &model.Task{
		SwarmID:              old.SwarmID,
		Description:          old.Description,
		Priority:             old.Priority,
		Strategy:             old.Strategy,
		Dependencies:         old.Dependencies,
		RequiredCapabilities: old.RequiredCapabilities,
		MaxAgents:            old.MaxAgents,
		Payload:              old.Payload,
		MaxRetries:           old.MaxRetries,
		Timeout:              old.Timeout,
		RetryOf:              old.ID,
	})
}

// Freeze suspends scheduling passes; results are still applied
func (o *Orchestrator) Freeze() {
	if !o.frozen.Swap(true) {
		o.logger.Warn("Scheduler frozen")
	}
}

// Unfreeze resumes scheduling passes
func (o *Orchestrator) Unfreeze() {
	if o.frozen.Swap(false) {
		o.logger.Info("Scheduler resumed")
	}
}

// Frozen reports whether scheduling is suspended
func (o *Orchestrator) Frozen() bool {
	return o.frozen.Load()
}

// Get returns a copy of a task
func (o *Orchestrator) Get(taskID string) (*model.Task, error) {
	return o.graph.Get(taskID)
}

// List returns the tasks matching filters
func (o *Orchestrator) List(filters TaskFilters) []*model.Task {
	return o.graph.List(filters)
}

// Blocked returns the pending tasks waiting on dependencies
func (o *Orchestrator) Blocked() []*model.Task {
	return o.graph.Blocked()
}

// TopologicalOrder returns task IDs with dependencies first
func (o *Orchestrator) TopologicalOrder() ([]string, error) {
	return o.graph.TopologicalOrder()
}

func (o *Orchestrator) recordOutcome(failed bool, duration time.Duration) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	if failed {
		o.consecutiveFailures++
	} else {
		o.consecutiveFailures = 0
	}

	sample := attemptOutcome{failed: failed, duration: duration}
	if len(o.window) < o.cfg.StatsWindow {
		o.window = append(o.window, sample)
		return
	}
	o.window[o.windowPos] = sample
	o.windowPos = (o.windowPos + 1) % len(o.window)
}

// Stats returns counters plus error rate and mean response time over the
// most recent attempts
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	s := o.stats
	s.ConsecutiveFailures = o.consecutiveFailures
	if n := len(o.window); n > 0 {
		failed := 0
		var total time.Duration
		for _, w := range o.window {
			if w.failed {
				failed++
			}
			total += w.duration
		}
		s.ErrorRate = float64(failed) / float64(n)
		s.MeanResponseTime = total / time.Duration(n)
	}
	o.statsMu.Unlock()

	for _, t := range o.graph.List(TaskFilters{}) {
		switch t.Status {
		case model.TaskStatusPending:
			s.Pending++
		case model.TaskStatusAssigned, model.TaskStatusInProgress:
			s.Running++
		}
	}
	return s
}

// Snapshot returns the task graph for a checkpoint
func (o *Orchestrator) Snapshot() []*model.Task {
	return o.graph.Snapshot()
}

// Restore replaces the task graph. Tasks that were in flight go back to
// pending since their agents cannot be assumed to still run them.
func (o *Orchestrator) Restore(tasks []*model.Task) error {
	now := o.now()
	restored := make([]*model.Task, 0, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		if c.Status == model.TaskStatusAssigned || c.Status == model.TaskStatusInProgress {
			for _, id := range c.Running() {
				closeAttempt(c, id, now, model.ErrorKindInternal, "restored from snapshot")
			}
			c.Status = model.TaskStatusPending
			c.AssignedAgents = nil
		}
		restored = append(restored, c)
	}

	o.passMu.Lock()
	defer o.passMu.Unlock()
	if err := o.graph.Restore(restored); err != nil {
		return err
	}
	o.logger.Info("Restored task graph", zap.Int("tasks", len(restored)))
	return nil
}

// Load rebuilds the task graph from the store
func (o *Orchestrator) Load(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	docs, err := o.store.List(ctx, storage.NamespaceTasks)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	tasks := make([]*model.Task, 0, len(docs))
	for _, doc := range docs {
		var t model.Task
		if err := json.Unmarshal(doc.Data, &t); err != nil {
			o.logger.Warn("Skipping undecodable task", zap.String("task_id", doc.ID), zap.Error(err))
			continue
		}
		tasks = append(tasks, &t)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return o.Restore(tasks)
}

// flush performs the I/O decided by a pass, outside passMu
func (o *Orchestrator) flush(ctx context.Context, fx *effects) {
	for _, t := range fx.proposals {
		o.openProposal(ctx, t)
	}
	for _, id := range fx.closeProposals {
		if err := o.gate.Cancel(ctx, id); err != nil {
			o.logger.Debug("Failed to cancel proposal", zap.String("proposal_id", id), zap.Error(err))
		}
	}

	type dispatchResult struct {
		assignment
		err error
	}
	results := make([]dispatchResult, 0, len(fx.dispatches))
	for _, d := range fx.dispatches {
		results = append(results, dispatchResult{assignment: d, err: o.dispatch(ctx, d)})
	}

	for _, c := range fx.cancels {
		if o.dispatcher == nil {
			continue
		}
		if err := o.dispatcher.Cancel(ctx, c.task.ID, c.agentID); err != nil {
			o.logger.Warn("Failed to signal cancellation",
				zap.String("task_id", c.task.ID),
				zap.String("agent_id", c.agentID),
				zap.Error(err))
		}
	}

	if o.recorder != nil {
		for _, r := range fx.attempts {
			if err := o.recorder.Record(ctx, r.taskID, r.attempt); err != nil {
				o.logger.Error("Failed to record attempt", zap.String("task_id", r.taskID), zap.Error(err))
			}
		}
	}

	o.persist(ctx, fx.dirty)
	if len(fx.agents) > 0 {
		ids := make([]string, 0, len(fx.agents))
		for id := range fx.agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		o.agents.Flush(ctx, ids...)
	}

	if o.publisher != nil {
		for _, e := range fx.events {
			if err := o.publisher.Publish(ctx, e); err != nil {
				o.logger.Warn("Failed to publish event",
					zap.String("event_type", e.Type),
					zap.String("task_id", e.TaskID),
					zap.Error(err))
			}
		}
	}

	if len(results) == 0 {
		return
	}

	// re-validate each dispatch against the task's current state
	o.passMu.Lock()
	next := newEffects()
	now := o.now()
	for _, r := range results {
		if r.err != nil {
			o.logger.Warn("Failed to dispatch task",
				zap.String("task_id", r.task.ID),
				zap.String("agent_id", r.agentID),
				zap.Error(r.err))
			_ = o.applyResultLocked(model.TaskResult{
				TaskID:      r.task.ID,
				AgentID:     r.agentID,
				ErrorKind:   model.KindOf(r.err),
				Error:       r.err.Error(),
				CompletedAt: now,
			}, next)
			continue
		}

		started, err := o.graph.Update(r.task.ID, func(t *model.Task) error {
			if !contains(t.Running(), r.agentID) {
				return ErrTaskChanged
			}
			if t.Status == model.TaskStatusAssigned {
				t.Status = model.TaskStatusInProgress
			}
			if t.StartedAt == nil {
				t.StartedAt = &now
			}
			return nil
		})
		if err != nil {
			continue
		}
		next.touch(started.ID)
		next.events = append(next.events, o.event(model.EventTaskStarted, started, map[string]any{"agent_id": r.agentID}))
	}
	o.passMu.Unlock()

	o.flush(ctx, next)
}

func (o *Orchestrator) dispatch(ctx context.Context, d assignment) error {
	if o.dispatcher == nil {
		return nil
	}
	if o.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.DispatchTimeout)
		defer cancel()
	}
	return o.dispatcher.Dispatch(ctx, d.task, d.agentID)
}

// openProposal opens the consensus proposal gating a task. On failure the
// task keeps waiting and the next pass tries again.
func (o *Orchestrator) openProposal(ctx context.Context, task *model.Task) {
	defer o.opening.Delete(task.ID)

	proposalID, err := o.gate.OpenForTask(ctx, task)
	if err != nil {
		o.logger.Warn("Failed to open proposal", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	_, err = o.graph.Update(task.ID, func(t *model.Task) error {
		if t.ProposalID != "" || t.Status.IsTerminal() {
			return ErrTaskChanged
		}
		t.ProposalID = proposalID
		return nil
	})
	if err != nil {
		if cerr := o.gate.Cancel(ctx, proposalID); cerr != nil {
			o.logger.Debug("Failed to cancel orphaned proposal", zap.String("proposal_id", proposalID), zap.Error(cerr))
		}
		return
	}

	o.logger.Info("Task awaiting consensus",
		zap.String("task_id", task.ID),
		zap.String("proposal_id", proposalID))
	o.persist(ctx, map[string]struct{}{task.ID: {}})
}

func (o *Orchestrator) releaseAgent(agentID, taskID string, outcome registry.Outcome, fx *effects) {
	if _, err := o.agents.Release(agentID, taskID, outcome); err != nil {
		o.logger.Debug("Failed to release agent",
			zap.String("agent_id", agentID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	fx.touchAgent(agentID)
}

// persist writes the current state of the given tasks to the store
func (o *Orchestrator) persist(ctx context.Context, ids map[string]struct{}) {
	if o.store == nil || len(ids) == 0 {
		return
	}

	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	for id := range ids {
		t, err := o.graph.Get(id)
		if err != nil {
			continue
		}
		text := strings.Join(append([]string{t.Description, string(t.Strategy), string(t.Priority), string(t.Status)},
			t.RequiredCapabilities...), " ")
		if err := storage.Save(ctx, o.store, storage.NamespaceTasks, id, t, text); err != nil {
			o.logger.Error("Failed to persist task", zap.String("task_id", id), zap.Error(err))
		}
	}
}

func (o *Orchestrator) event(eventType string, t *model.Task, data map[string]any) *model.Event {
	return &model.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		SwarmID:    t.SwarmID,
		TaskID:     t.ID,
		ProposalID: t.ProposalID,
		Data:       data,
		Timestamp:  o.now(),
	}
}
