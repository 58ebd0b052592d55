package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/registry"
	"github.com/adolago/tiara/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	cancelled  []string
	fail       error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task *model.Task, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.dispatched = append(d.dispatched, task.ID+":"+agentID)
	return nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, taskID, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, taskID+":"+agentID)
	return nil
}

func (d *fakeDispatcher) Dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dispatched...)
}

func (d *fakeDispatcher) Cancelled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.cancelled...)
}

type fakeGate struct {
	mu        sync.Mutex
	statuses  map[string]model.ProposalStatus
	cancelled []string
}

func (g *fakeGate) OpenForTask(_ context.Context, task *model.Task) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := "proposal-" + task.ID
	g.statuses[id] = model.ProposalStatusPending
	return id, nil
}

func (g *fakeGate) Status(_ context.Context, proposalID string) (model.ProposalStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[proposalID]
	if !ok {
		return "", errors.New("unknown proposal")
	}
	return status, nil
}

func (g *fakeGate) Cancel(_ context.Context, proposalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, proposalID)
	g.statuses[proposalID] = model.ProposalStatusCancelled
	return nil
}

func (g *fakeGate) set(proposalID string, status model.ProposalStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[proposalID] = status
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts map[string][]model.Attempt
}

func (r *fakeRecorder) Record(_ context.Context, taskID string, attempt model.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[taskID] = append(r.attempts[taskID], attempt)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) typesFor(taskID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.TaskID == taskID {
			out = append(out, e.Type)
		}
	}
	return out
}

type harness struct {
	orch       *Orchestrator
	registry   *registry.Registry
	store      *storage.MemoryStore
	dispatcher *fakeDispatcher
	gate       *fakeGate
	recorder   *fakeRecorder
	events     *recordingPublisher
	clock      *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:      storage.NewMemoryStore(),
		dispatcher: &fakeDispatcher{},
		gate:       &fakeGate{statuses: make(map[string]model.ProposalStatus)},
		recorder:   &fakeRecorder{attempts: make(map[string][]model.Attempt)},
		events:     &recordingPublisher{},
		clock:      &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.registry = registry.New(zap.NewNop(), h.store, registry.WithClock(h.clock.Now))

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.DispatchTimeout = 0
	h.orch = NewOrchestrator(zap.NewNop(), cfg, h.registry,
		NewWeightedSelector(zap.NewNop(), DefaultWeights(), 0),
		WithDispatcher(h.dispatcher),
		WithConsensusGate(h.gate),
		WithAttemptRecorder(h.recorder),
		WithStore(h.store),
		WithPublisher(h.events),
		WithClock(h.clock.Now),
	)
	return h
}

func (h *harness) agent(t *testing.T, name string, tags ...string) *model.Agent {
	t.Helper()
	ctx := context.Background()
	a, err := h.registry.Register(ctx, &model.Agent{
		Name:         name,
		Capabilities: model.Capabilities{Tags: tags, Reliability: 0.9, Quality: 0.9},
	})
	require.NoError(t, err)
	a, err = h.registry.Activate(ctx, a.ID)
	require.NoError(t, err)
	// distinct creation times keep roster order deterministic
	h.clock.Advance(time.Millisecond)
	return a
}

func (h *harness) submit(t *testing.T, task *model.Task) *model.Task {
	t.Helper()
	submitted, err := h.orch.Submit(context.Background(), task)
	require.NoError(t, err)
	return submitted
}

func (h *harness) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := h.orch.Get(id)
	require.NoError(t, err)
	return task
}

func (h *harness) status(t *testing.T, agentID string) model.AgentStatus {
	t.Helper()
	a, err := h.registry.Get(agentID)
	require.NoError(t, err)
	return a.Status
}

func success(taskID, agentID, result string) model.TaskResult {
	return model.TaskResult{TaskID: taskID, AgentID: agentID, Success: true, Result: json.RawMessage(result)}
}

func failure(taskID, agentID string, kind model.ErrorKind) model.TaskResult {
	return model.TaskResult{TaskID: taskID, AgentID: agentID, ErrorKind: kind, Error: string(kind) + " failure"}
}

func TestOrchestratorSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("Defaults", func(t *testing.T) {
		task := h.submit(t, &model.Task{Description: "  summarize logs  "})
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, "summarize logs", task.Description)
		assert.Equal(t, model.TaskPriorityMedium, task.Priority)
		assert.Equal(t, model.TaskStrategySingle, task.Strategy)
		assert.Equal(t, model.TaskStatusPending, task.Status)
		assert.Equal(t, 1, task.MaxAgents)
		assert.Equal(t, []string{model.EventTaskSubmitted}, h.events.typesFor(task.ID))

		var stored model.Task
		require.NoError(t, storage.Load(ctx, h.store, storage.NamespaceTasks, task.ID, &stored))
		assert.Equal(t, task.Description, stored.Description)
	})

	t.Run("Validation", func(t *testing.T) {
		cases := []*model.Task{
			nil,
			{Description: " "},
			{Description: "x", Priority: "urgent"},
			{Description: "x", Strategy: "round-robin"},
			{Description: "x", Dependencies: []string{"a", "a"}},
		}
		for _, tc := range cases {
			_, err := h.orch.Submit(ctx, tc)
			require.Error(t, err)
			assert.Equal(t, model.ErrorKindValidation, model.KindOf(err))
		}
	})

	t.Run("Self Dependency", func(t *testing.T) {
		_, err := h.orch.Submit(ctx, &model.Task{ID: "self", Description: "x", Dependencies: []string{"self"}})
		var cycle *model.CycleError
		require.ErrorAs(t, err, &cycle)
	})

	t.Run("Batch Cycle Rejected", func(t *testing.T) {
		before := len(h.orch.List(TaskFilters{}))
		_, err := h.orch.SubmitBatch(ctx, []*model.Task{
			{ID: "p", Description: "p", Dependencies: []string{"q"}},
			{ID: "q", Description: "q", Dependencies: []string{"p"}},
		})
		assert.Equal(t, model.ErrorKindCycle, model.KindOf(err))
		assert.Len(t, h.orch.List(TaskFilters{}), before)
	})
}

func TestOrchestratorSingleTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "coder", "go")

	task := h.submit(t, &model.Task{Description: "write handler", RequiredCapabilities: []string{"go"}})
	h.orch.Tick(ctx)

	assert.Equal(t, []string{task.ID + ":" + agent.ID}, h.dispatcher.Dispatched())
	running := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusInProgress, running.Status)
	assert.Equal(t, []string{agent.ID}, running.AssignedAgents)
	require.Len(t, running.Attempts, 1)
	assert.Equal(t, 1, running.Attempts[0].Number)
	assert.Equal(t, model.AgentStatusBusy, h.status(t, agent.ID))

	// no second dispatch while the agent is busy
	h.orch.Tick(ctx)
	assert.Len(t, h.dispatcher.Dispatched(), 1)

	h.clock.Advance(3 * time.Second)
	require.NoError(t, h.orch.ApplyResult(ctx, success(task.ID, agent.ID, `{"lines":42}`)))

	done := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusCompleted, done.Status)
	assert.JSONEq(t, `{"lines":42}`, string(done.Result))
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, []string{
		model.EventTaskSubmitted,
		model.EventTaskAssigned,
		model.EventTaskStarted,
		model.EventTaskCompleted,
	}, h.events.typesFor(task.ID))

	a, err := h.registry.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusIdle, a.Status)
	assert.Equal(t, 1, a.SuccessCount)
	assert.Zero(t, a.Workload)

	assert.Len(t, h.recorder.attempts[task.ID], 2)

	err = h.orch.ApplyResult(ctx, success(task.ID, agent.ID, `{}`))
	assert.ErrorIs(t, err, ErrTaskFinished)

	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 3*time.Second, stats.MeanResponseTime)
	assert.Zero(t, stats.ErrorRate)
}

func TestOrchestratorDependencies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "builder")

	tasks, err := h.orch.SubmitBatch(ctx, []*model.Task{
		{ID: "compile", Description: "compile", Dependencies: []string{"parse"}},
		{ID: "parse", Description: "parse", Dependencies: []string{"lex"}},
		{ID: "lex", Description: "lex"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	order, err := h.orch.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"lex", "parse", "compile"}, order)

	for _, id := range []string{"lex", "parse", "compile"} {
		h.orch.Tick(ctx)
		dispatched := h.dispatcher.Dispatched()
		require.NotEmpty(t, dispatched)
		assert.Equal(t, id+":"+agent.ID, dispatched[len(dispatched)-1])
		assert.Len(t, h.orch.Blocked(), 3-len(dispatched))
		require.NoError(t, h.orch.ApplyResult(ctx, success(id, agent.ID, `true`)))
	}
	assert.Len(t, h.dispatcher.Dispatched(), 3)
}

func TestOrchestratorNoAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.submit(t, &model.Task{Description: "needs gpu", RequiredCapabilities: []string{"gpu"}})
	h.orch.Tick(ctx)
	assert.Equal(t, model.TaskStatusPending, h.task(t, task.ID).Status)
	assert.Empty(t, h.dispatcher.Dispatched())

	agent := h.agent(t, "late")
	h.orch.Tick(ctx)
	assert.Equal(t, []string{task.ID + ":" + agent.ID}, h.dispatcher.Dispatched())
}

func TestOrchestratorRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "worker")

	task := h.submit(t, &model.Task{Description: "flaky", MaxRetries: 1})
	h.orch.Tick(ctx)
	require.NoError(t, h.orch.ApplyResult(ctx, failure(task.ID, agent.ID, model.ErrorKindTimeout)))

	retrying := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusPending, retrying.Status)
	assert.Empty(t, retrying.AssignedAgents)
	assert.Equal(t, h.clock.Now().Add(time.Second), retrying.NextAttemptAt)
	assert.Equal(t, model.ErrorKindTimeout, retrying.Attempts[0].ErrorKind)

	// backoff has not elapsed
	h.orch.Tick(ctx)
	assert.Len(t, h.dispatcher.Dispatched(), 1)

	h.clock.Advance(time.Second)
	h.orch.Tick(ctx)
	assert.Len(t, h.dispatcher.Dispatched(), 2)
	assert.Equal(t, 2, h.task(t, task.ID).Round())

	require.NoError(t, h.orch.ApplyResult(ctx, failure(task.ID, agent.ID, model.ErrorKindNetwork)))
	failed := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusFailed, failed.Status)
	assert.Equal(t, "network failure", failed.Error)
	assert.Len(t, failed.Attempts, 2)
	assert.Equal(t, []string{
		model.EventTaskSubmitted,
		model.EventTaskAssigned,
		model.EventTaskStarted,
		model.EventTaskRetrying,
		model.EventTaskAssigned,
		model.EventTaskStarted,
		model.EventTaskFailed,
		model.EventTaskDeadLetter,
	}, h.events.typesFor(task.ID))

	a, err := h.registry.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, a.ErrorCount)

	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, 1.0, stats.ErrorRate)

	t.Run("Resubmit", func(t *testing.T) {
		again, err := h.orch.Resubmit(ctx, task.ID)
		require.NoError(t, err)
		assert.NotEqual(t, task.ID, again.ID)
		assert.Equal(t, task.ID, again.RetryOf)
		assert.Equal(t, model.TaskStatusPending, again.Status)
		assert.Empty(t, again.Attempts)

		_, err = h.orch.Resubmit(ctx, again.ID)
		assert.ErrorIs(t, err, ErrTaskNotFailed)
	})
}

func TestOrchestratorFatalErrors(t *testing.T) {
	for _, kind := range []model.ErrorKind{model.ErrorKindValidation, model.ErrorKindAuth} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			agent := h.agent(t, "worker")

			task := h.submit(t, &model.Task{Description: "fatal"})
			h.orch.Tick(ctx)
			require.NoError(t, h.orch.ApplyResult(ctx, failure(task.ID, agent.ID, kind)))

			assert.Equal(t, model.TaskStatusFailed, h.task(t, task.ID).Status)
			assert.NotContains(t, h.events.typesFor(task.ID), model.EventTaskDeadLetter)
			assert.NotContains(t, h.events.typesFor(task.ID), model.EventTaskRetrying)
		})
	}
}

func TestOrchestratorDispatchFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "unreachable")
	h.dispatcher.fail = model.Errorf(model.ErrorKindNetwork, "connection refused")

	task := h.submit(t, &model.Task{Description: "ping"})
	h.orch.Tick(ctx)

	retrying := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusPending, retrying.Status)
	assert.Equal(t, model.ErrorKindNetwork, retrying.Attempts[0].ErrorKind)
	assert.Equal(t, model.AgentStatusIdle, h.status(t, agent.ID))
	assert.NotContains(t, h.events.typesFor(task.ID), model.EventTaskStarted)
}

func TestOrchestratorParallel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a1 := h.agent(t, "one")
	a2 := h.agent(t, "two")

	task := h.submit(t, &model.Task{Description: "fan out", Strategy: model.TaskStrategyParallel, MaxAgents: 2})
	h.orch.Tick(ctx)
	assert.Len(t, h.dispatcher.Dispatched(), 2)

	require.NoError(t, h.orch.ApplyResult(ctx, success(task.ID, a1.ID, `1`)))
	partial := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusInProgress, partial.Status)
	assert.Equal(t, []string{a2.ID}, partial.Running())

	require.NoError(t, h.orch.ApplyResult(ctx, success(task.ID, a2.ID, `2`)))
	done := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusCompleted, done.Status)
	assert.JSONEq(t, fmt.Sprintf(`{%q:1,%q:2}`, a1.ID, a2.ID), string(done.Result))
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, done.Succeeded)

	t.Run("One Failure Fails The Round", func(t *testing.T) {
		task := h.submit(t, &model.Task{Description: "fan out again", Strategy: model.TaskStrategyParallel, MaxAgents: 2, MaxRetries: -1})
		h.orch.Tick(ctx)
		require.NoError(t, h.orch.ApplyResult(ctx, failure(task.ID, a1.ID, model.ErrorKindInternal)))

		failed := h.task(t, task.ID)
		assert.Equal(t, model.TaskStatusFailed, failed.Status)
		assert.Empty(t, failed.Running())
		assert.Contains(t, h.dispatcher.Cancelled(), task.ID+":"+a2.ID)
		assert.Equal(t, model.AgentStatusIdle, h.status(t, a2.ID))

		err := h.orch.ApplyResult(ctx, success(task.ID, a2.ID, `2`))
		assert.ErrorIs(t, err, ErrTaskFinished)
	})
}

func TestOrchestratorCompetitive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a1 := h.agent(t, "fast")
	a2 := h.agent(t, "slow")

	task := h.submit(t, &model.Task{Description: "race", Strategy: model.TaskStrategyCompetitive, MaxAgents: 2})
	h.orch.Tick(ctx)
	require.Len(t, h.dispatcher.Dispatched(), 2)

	// one failure is tolerated while a competitor still runs
	require.NoError(t, h.orch.ApplyResult(ctx, failure(task.ID, a2.ID, model.ErrorKindInternal)))
	assert.Equal(t, model.TaskStatusInProgress, h.task(t, task.ID).Status)

	require.NoError(t, h.orch.ApplyResult(ctx, success(task.ID, a1.ID, `"winner"`)))
	done := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusCompleted, done.Status)
	assert.Equal(t, []string{a1.ID}, done.Succeeded)
	assert.JSONEq(t, `"winner"`, string(done.Result))

	t.Run("First Success Cancels The Rest", func(t *testing.T) {
		task := h.submit(t, &model.Task{Description: "race again", Strategy: model.TaskStrategyCompetitive, MaxAgents: 2})
		h.orch.Tick(ctx)
		require.NoError(t, h.orch.ApplyResult(ctx, success(task.ID, a2.ID, `"second"`)))

		assert.Contains(t, h.dispatcher.Cancelled(), task.ID+":"+a1.ID)
		assert.Equal(t, model.AgentStatusIdle, h.status(t, a1.ID))
		assert.Equal(t, model.TaskStatusCompleted, h.task(t, task.ID).Status)
	})
}

func TestOrchestratorConsensusGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.agent(t, "voter")

	task := h.submit(t, &model.Task{Description: "deploy", Strategy: model.TaskStrategyConsensus})
	proposalID := h.task(t, task.ID).ProposalID
	require.Equal(t, "proposal-"+task.ID, proposalID)

	h.orch.Tick(ctx)
	assert.Empty(t, h.dispatcher.Dispatched())
	assert.Equal(t, model.TaskStatusPending, h.task(t, task.ID).Status)

	h.gate.set(proposalID, model.ProposalStatusAchieved)
	h.orch.Tick(ctx)
	assert.Len(t, h.dispatcher.Dispatched(), 1)

	t.Run("Rejected Proposal Fails The Task", func(t *testing.T) {
		task := h.submit(t, &model.Task{Description: "drop table", Strategy: model.TaskStrategyConsensus})
		h.gate.set("proposal-"+task.ID, model.ProposalStatusRejected)
		h.orch.Tick(ctx)

		failed := h.task(t, task.ID)
		assert.Equal(t, model.TaskStatusFailed, failed.Status)
		assert.Contains(t, failed.Error, "rejected")
	})

	t.Run("Cancel Closes The Proposal", func(t *testing.T) {
		task := h.submit(t, &model.Task{Description: "rotate keys", Strategy: model.TaskStrategyConsensus})
		_, err := h.orch.Cancel(ctx, task.ID, "no longer needed")
		require.NoError(t, err)
		assert.Contains(t, h.gate.cancelled, "proposal-"+task.ID)
	})
}

func TestOrchestratorCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "worker")

	task := h.submit(t, &model.Task{Description: "long job"})
	h.orch.Tick(ctx)

	cancelled, err := h.orch.Cancel(ctx, task.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, []string{task.ID + ":" + agent.ID}, h.dispatcher.Cancelled())
	assert.Equal(t, model.AgentStatusIdle, h.status(t, agent.ID))
	assert.Contains(t, h.events.typesFor(task.ID), model.EventTaskCancelled)

	_, err = h.orch.Cancel(ctx, task.ID, "again")
	assert.ErrorIs(t, err, ErrTaskFinished)

	err = h.orch.ApplyResult(ctx, success(task.ID, agent.ID, `{}`))
	assert.ErrorIs(t, err, ErrTaskFinished)

	_, err = h.orch.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestOrchestratorTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "slow")

	task := h.submit(t, &model.Task{Description: "slow job", Timeout: time.Minute})
	h.orch.Tick(ctx)

	h.clock.Advance(30 * time.Second)
	h.orch.Tick(ctx)
	assert.Equal(t, model.TaskStatusInProgress, h.task(t, task.ID).Status)

	h.clock.Advance(time.Minute)
	h.orch.Tick(ctx)

	timedOut := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusPending, timedOut.Status)
	assert.Equal(t, model.ErrorKindTimeout, timedOut.Attempts[0].ErrorKind)
	assert.Contains(t, h.dispatcher.Cancelled(), task.ID+":"+agent.ID)
	assert.Equal(t, model.AgentStatusIdle, h.status(t, agent.ID))
}

func TestOrchestratorAgentLost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "vanishing")

	task := h.submit(t, &model.Task{Description: "job"})
	h.orch.Tick(ctx)

	h.orch.AgentLost(ctx, agent.ID, "heartbeat timeout")
	lost := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusPending, lost.Status)
	assert.Equal(t, model.ErrorKindNetwork, lost.Attempts[0].ErrorKind)
	assert.Contains(t, lost.Attempts[0].Error, "heartbeat timeout")
}

func TestOrchestratorFreeze(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.agent(t, "worker")

	h.orch.Freeze()
	assert.True(t, h.orch.Frozen())
	h.submit(t, &model.Task{Description: "queued"})
	h.orch.Tick(ctx)
	assert.Empty(t, h.dispatcher.Dispatched())

	h.orch.Unfreeze()
	h.orch.Tick(ctx)
	assert.Len(t, h.dispatcher.Dispatched(), 1)
}

func TestOrchestratorRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.agent(t, "worker")

	running := h.submit(t, &model.Task{Description: "running"})
	waiting := h.submit(t, &model.Task{Description: "waiting", Dependencies: []string{running.ID}})
	h.orch.Tick(ctx)
	require.Equal(t, model.TaskStatusInProgress, h.task(t, running.ID).Status)

	snapshot := h.orch.Snapshot()
	require.Len(t, snapshot, 2)

	t.Run("In Flight Tasks Return To Pending", func(t *testing.T) {
		require.NoError(t, h.orch.Restore(snapshot))
		restored := h.task(t, running.ID)
		assert.Equal(t, model.TaskStatusPending, restored.Status)
		assert.Empty(t, restored.Running())
		assert.Equal(t, model.ErrorKindInternal, restored.Attempts[0].ErrorKind)
		assert.Equal(t, []string{waiting.ID}, ids(h.orch.Blocked()))
	})

	t.Run("Load From Store", func(t *testing.T) {
		other := NewOrchestrator(zap.NewNop(), DefaultConfig(), h.registry,
			NewWeightedSelector(zap.NewNop(), DefaultWeights(), 0),
			WithStore(h.store))
		require.NoError(t, other.Load(ctx))

		order, err := other.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, []string{running.ID, waiting.ID}, order)
		loaded, err := other.Get(running.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, loaded.Status)
	})
}

func TestOrchestratorRestoreReassigns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "worker")

	task := h.submit(t, &model.Task{Description: "survives rollback"})
	h.orch.Tick(ctx)
	require.Equal(t, model.AgentStatusBusy, h.status(t, agent.ID))

	agents := h.registry.Snapshot()
	tasks := h.orch.Snapshot()
	h.registry.Restore(agents)
	require.NoError(t, h.orch.Restore(tasks))

	settled, err := h.registry.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusIdle, settled.Status)
	assert.Empty(t, settled.ActiveTasks)
	assert.Zero(t, settled.Workload)

	h.orch.Tick(ctx)
	reassigned := h.task(t, task.ID)
	assert.Equal(t, model.TaskStatusInProgress, reassigned.Status)
	assert.Equal(t, []string{agent.ID}, reassigned.Running())
	assert.Equal(t, []string{task.ID + ":" + agent.ID, task.ID + ":" + agent.ID}, h.dispatcher.Dispatched())

	busy, err := h.registry.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusBusy, busy.Status)
	assert.Equal(t, []string{task.ID}, busy.ActiveTasks)

	require.NoError(t, h.orch.ApplyResult(ctx, success(task.ID, agent.ID, `"done"`)))
	assert.Equal(t, model.TaskStatusCompleted, h.task(t, task.ID).Status)
}

func TestOrchestratorParallelTimeoutCancelsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a1 := h.agent(t, "one")
	a2 := h.agent(t, "two")

	task := h.submit(t, &model.Task{
		Description: "fan out",
		Strategy:    model.TaskStrategyParallel,
		MaxAgents:   2,
		Timeout:     time.Minute,
		MaxRetries:  -1,
	})
	h.orch.Tick(ctx)
	require.Len(t, h.dispatcher.Dispatched(), 2)

	h.clock.Advance(2 * time.Minute)
	h.orch.Tick(ctx)

	assert.Equal(t, model.TaskStatusFailed, h.task(t, task.ID).Status)
	assert.ElementsMatch(t, []string{task.ID + ":" + a1.ID, task.ID + ":" + a2.ID}, h.dispatcher.Cancelled())
}

// lockWatchingStore records agent writes made while a scheduling pass holds passMu
type lockWatchingStore struct {
	storage.Store
	orch *Orchestrator

	mu     sync.Mutex
	writes int
	locked int
}

func (s *lockWatchingStore) Put(ctx context.Context, doc *storage.Document) (*storage.Document, error) {
	if doc.Namespace == storage.NamespaceAgents && s.orch != nil {
		s.mu.Lock()
		s.writes++
		if !s.orch.passMu.TryLock() {
			s.locked++
		} else {
			s.orch.passMu.Unlock()
		}
		s.mu.Unlock()
	}
	return s.Store.Put(ctx, doc)
}

// lockWatchingGate counts status reads made while passMu is held
type lockWatchingGate struct {
	*fakeGate
	orch   *Orchestrator
	reads  int
	locked int
}

func (g *lockWatchingGate) Status(ctx context.Context, proposalID string) (model.ProposalStatus, error) {
	g.reads++
	if !g.orch.passMu.TryLock() {
		g.locked++
	} else {
		g.orch.passMu.Unlock()
	}
	return g.fakeGate.Status(ctx, proposalID)
}

func TestOrchestratorIOOutsidePassLock(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := &lockWatchingStore{Store: storage.NewMemoryStore()}
	roster := registry.New(zap.NewNop(), store, registry.WithClock(clock.Now))
	gate := &lockWatchingGate{fakeGate: &fakeGate{statuses: make(map[string]model.ProposalStatus)}}
	dispatcher := &fakeDispatcher{}

	orch := NewOrchestrator(zap.NewNop(), DefaultConfig(), roster,
		NewWeightedSelector(zap.NewNop(), DefaultWeights(), 0),
		WithDispatcher(dispatcher),
		WithConsensusGate(gate),
		WithStore(store),
		WithClock(clock.Now))
	store.orch = orch
	gate.orch = orch

	a, err := roster.Register(ctx, &model.Agent{Name: "worker", Capabilities: model.Capabilities{Reliability: 0.9}})
	require.NoError(t, err)
	_, err = roster.Activate(ctx, a.ID)
	require.NoError(t, err)

	task, err := orch.Submit(ctx, &model.Task{Description: "gated", Strategy: model.TaskStrategyConsensus})
	require.NoError(t, err)
	task, err = orch.Get(task.ID)
	require.NoError(t, err)
	proposalID := task.ProposalID
	require.NotEmpty(t, proposalID)
	gate.set(proposalID, model.ProposalStatusAchieved)

	before := store.writes
	orch.Tick(ctx)
	require.Len(t, dispatcher.Dispatched(), 1)

	var stored model.Agent
	require.NoError(t, storage.Load(ctx, store, storage.NamespaceAgents, a.ID, &stored))
	assert.Equal(t, model.AgentStatusBusy, stored.Status)
	assert.Equal(t, []string{task.ID}, stored.ActiveTasks)

	require.NoError(t, orch.ApplyResult(ctx, success(task.ID, a.ID, `{}`)))
	require.NoError(t, storage.Load(ctx, store, storage.NamespaceAgents, a.ID, &stored))
	assert.Equal(t, model.AgentStatusIdle, stored.Status)

	assert.Greater(t, store.writes, before)
	assert.Zero(t, store.locked)
	assert.Equal(t, 1, gate.reads)
	assert.Zero(t, gate.locked)
}

func ids(tasks []*model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestOrchestratorLoop(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.TickInterval = 10 * time.Millisecond
	agent := h.agent(t, "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()

	task := h.submit(t, &model.Task{Description: "async"})
	require.Eventually(t, func() bool {
		return len(h.dispatcher.Dispatched()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orch.ReportResult(success(task.ID, agent.ID, `"done"`)))
	require.Eventually(t, func() bool {
		current, err := h.orch.Get(task.ID)
		return err == nil && current.Status == model.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
