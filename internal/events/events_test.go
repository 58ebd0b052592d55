package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/testutil"
)

func TestPublisher(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, EnsureStream(ctx, js, zap.NewNop()))
	// idempotent
	require.NoError(t, EnsureStream(ctx, js, zap.NewNop()))

	p := NewPublisher(zaptest.NewLogger(t), js)
	event := &model.Event{
		ID:        "e1",
		Type:      model.EventTaskCompleted,
		TaskID:    "compile",
		AgentID:   "a1",
		Timestamp: time.Now(),
	}

	received := make(chan *nats.Msg, 1)
	sub, err := js.Subscribe("swarm.task.completed", func(msg *nats.Msg) { received <- msg })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, p.Publish(ctx, event))

	select {
	case msg := <-received:
		var got model.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "compile", got.TaskID)
		assert.Equal(t, model.EventTaskCompleted, got.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	assert.Equal(t, "swarm.alert.byzantine_flag", SubjectAlert(model.AlertTypeByzantineFlag))
	assert.Equal(t, "swarm.consensus.resolved", EventSubject(model.EventProposalResolved))
}

type fakeRoster struct {
	mu         sync.Mutex
	heartbeats []string
	workloads  []*float64
	messages   map[string]int
}

func (f *fakeRoster) Heartbeat(_ context.Context, id string, workload *float64) (*model.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "ghost" {
		return nil, errors.New("unknown agent")
	}
	f.heartbeats = append(f.heartbeats, id)
	f.workloads = append(f.workloads, workload)
	return &model.Agent{ID: id}, nil
}

func (f *fakeRoster) RecordMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string]int)
	}
	f.messages[id]++
	return nil
}

func (f *fakeRoster) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

type fakeResults struct {
	mu      sync.Mutex
	results []model.TaskResult
}

func (f *fakeResults) ReportResult(r model.TaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return nil
}

func (f *fakeResults) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

type fakeVotes struct {
	mu    sync.Mutex
	votes []VoteMessage
}

func (f *fakeVotes) SubmitVote(_ context.Context, proposalID, agentID string, vote bool, reason string) (*model.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, VoteMessage{ProposalID: proposalID, AgentID: agentID, Vote: vote, Reason: reason})
	return &model.Proposal{ID: proposalID}, nil
}

func (f *fakeVotes) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.votes)
}

func TestGateway(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, EnsureStream(ctx, js, zap.NewNop()))

	roster, results, votes := &fakeRoster{}, &fakeResults{}, &fakeVotes{}
	g := NewGateway(zaptest.NewLogger(t), js, time.Second)
	require.NoError(t, g.Start(ctx, Handlers{Roster: roster, Results: results, Votes: votes}))
	defer g.Stop()

	publish := func(subject string, v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		_, err = js.Publish(subject, data)
		require.NoError(t, err)
	}

	t.Run("Dispatch", func(t *testing.T) {
		received := make(chan *nats.Msg, 2)
		sub, err := js.Subscribe(SubjectAssign("a1"), func(msg *nats.Msg) { received <- msg })
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, g.Dispatch(ctx, &model.Task{ID: "lex", Description: "tokenize"}, "a1"))

		select {
		case msg := <-received:
			var got AssignMessage
			require.NoError(t, json.Unmarshal(msg.Data, &got))
			assert.Equal(t, "a1", got.AgentID)
			assert.Equal(t, "lex", got.Task.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for assignment")
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		received := make(chan *nats.Msg, 1)
		sub, err := js.Subscribe(SubjectCancel("a1"), func(msg *nats.Msg) { received <- msg })
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, g.Cancel(ctx, "lex", "a1"))
		select {
		case msg := <-received:
			var got CancelMessage
			require.NoError(t, json.Unmarshal(msg.Data, &got))
			assert.Equal(t, "lex", got.TaskID)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for cancellation")
		}
	})

	t.Run("Heartbeat", func(t *testing.T) {
		load := 0.5
		publish(SubjectHeartbeat, HeartbeatMessage{AgentID: "ghost"})
		publish(SubjectHeartbeat, HeartbeatMessage{AgentID: "a1", Workload: &load, Timestamp: time.Now()})

		assert.Eventually(t, func() bool { return roster.heartbeatCount() == 1 }, 5*time.Second, 20*time.Millisecond)
		roster.mu.Lock()
		defer roster.mu.Unlock()
		assert.Equal(t, "a1", roster.heartbeats[0])
		require.NotNil(t, roster.workloads[0])
		assert.Equal(t, 0.5, *roster.workloads[0])
	})

	t.Run("Result", func(t *testing.T) {
		publish(SubjectResult, model.TaskResult{AgentID: "a1"})
		publish(SubjectResult, model.TaskResult{TaskID: "lex", AgentID: "a1", Success: true, Result: json.RawMessage(`{"tokens":42}`)})

		assert.Eventually(t, func() bool { return results.count() == 1 }, 5*time.Second, 20*time.Millisecond)
		results.mu.Lock()
		defer results.mu.Unlock()
		assert.Equal(t, "lex", results.results[0].TaskID)
		assert.False(t, results.results[0].CompletedAt.IsZero())
		assert.JSONEq(t, `{"tokens":42}`, string(results.results[0].Result))
	})

	t.Run("Vote", func(t *testing.T) {
		publish(SubjectVote, VoteMessage{ProposalID: "p1", AgentID: "a2", Vote: true, Reason: "looks good"})

		assert.Eventually(t, func() bool { return votes.count() == 1 }, 5*time.Second, 20*time.Millisecond)
		votes.mu.Lock()
		assert.Equal(t, VoteMessage{ProposalID: "p1", AgentID: "a2", Vote: true, Reason: "looks good"}, votes.votes[0])
		votes.mu.Unlock()

		roster.mu.Lock()
		defer roster.mu.Unlock()
		assert.Equal(t, 1, roster.messages["a2"])
	})
}

type fakeTasks struct {
	mu        sync.Mutex
	submitted []*model.Task
}

func (f *fakeTasks) SubmitBatch(_ context.Context, tasks []*model.Task) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return nil, &model.CycleError{Path: []string{t.ID, t.ID}}
			}
		}
	}
	out := make([]*model.Task, 0, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		if c.ID == "" {
			c.ID = "task-" + c.Description
		}
		c.Status = model.TaskStatusPending
		f.submitted = append(f.submitted, c)
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeTasks) Cancel(_ context.Context, taskID, reason string) (*model.Task, error) {
	if taskID == "done" {
		return nil, model.Errorf(model.ErrorKindValidation, "task %s already finished", taskID)
	}
	return &model.Task{ID: taskID, Status: model.TaskStatusCancelled, Error: reason}, nil
}

func (f *fakeTasks) Resubmit(_ context.Context, taskID string) (*model.Task, error) {
	return &model.Task{ID: taskID + "-retry", RetryOf: taskID, Status: model.TaskStatusPending}, nil
}

type fakeAgents struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeAgents) Register(_ context.Context, agent *model.Agent) (*model.Agent, error) {
	if agent.Name == "" {
		return nil, model.Errorf(model.ErrorKindValidation, "agent name is required")
	}
	c := agent.Clone()
	c.ID = "agent-" + agent.Name
	c.Status = model.AgentStatusInitializing
	return c, nil
}

func (f *fakeAgents) Activate(_ context.Context, id string) (*model.Agent, error) {
	return &model.Agent{ID: id, Status: model.AgentStatusIdle}, nil
}

func (f *fakeAgents) Deregister(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "ghost" {
		return errors.New("agent ghost not found")
	}
	f.removed = append(f.removed, id+":"+reason)
	return nil
}

type fakeProposals struct{}

func (fakeProposals) Propose(_ context.Context, p *model.Proposal) (*model.Proposal, error) {
	if p.RequiredThreshold > 1 {
		return nil, model.Errorf(model.ErrorKindValidation, "threshold %v out of range", p.RequiredThreshold)
	}
	c := *p
	c.ID = "proposal-1"
	c.Status = model.ProposalStatusPending
	return &c, nil
}

func TestControlServer(t *testing.T) {
	s, _, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConn, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer serverConn.Close()
	client, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer client.Close()

	tasks, agents := &fakeTasks{}, &fakeAgents{}
	server := NewControlServer(zaptest.NewLogger(t), serverConn, time.Second)
	require.NoError(t, server.Start(ctx, Controls{Tasks: tasks, Agents: agents, Proposals: fakeProposals{}}))
	defer server.Stop()

	t.Run("Submit", func(t *testing.T) {
		var got []*model.Task
		err := Request(ctx, client, SubjectControlSubmit, SubmitRequest{Tasks: []*model.Task{
			{Description: "lex"},
			{Description: "parse"},
		}}, &got)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "task-lex", got[0].ID)
		assert.Equal(t, model.TaskStatusPending, got[1].Status)
	})

	t.Run("Submit Cycle", func(t *testing.T) {
		err := Request(ctx, client, SubjectControlSubmit, SubmitRequest{Tasks: []*model.Task{
			{ID: "loop", Dependencies: []string{"loop"}},
		}}, nil)
		require.Error(t, err)
		assert.True(t, IsControlError(err, model.ErrorKindCycle))
		assert.Contains(t, err.Error(), "loop -> loop")
	})

	t.Run("Malformed Request", func(t *testing.T) {
		msg, err := client.Request(SubjectControlSubmit, []byte("{not json"), 5*time.Second)
		require.NoError(t, err)
		var reply ControlReply
		require.NoError(t, json.Unmarshal(msg.Data, &reply))
		require.NotNil(t, reply.Error)
		assert.Equal(t, model.ErrorKindValidation, reply.Error.Kind)

		err = Request(ctx, client, SubjectControlSubmit, SubmitRequest{}, nil)
		assert.True(t, IsControlError(err, model.ErrorKindValidation))
	})

	t.Run("Register And Deregister", func(t *testing.T) {
		var registered model.Agent
		require.NoError(t, Request(ctx, client, SubjectControlRegister, RegisterRequest{Agent: &model.Agent{Name: "coder"}}, &registered))
		assert.Equal(t, "agent-coder", registered.ID)
		assert.Equal(t, model.AgentStatusInitializing, registered.Status)

		var active model.Agent
		require.NoError(t, Request(ctx, client, SubjectControlRegister, RegisterRequest{Agent: &model.Agent{Name: "tester"}, Activate: true}, &active))
		assert.Equal(t, "agent-tester", active.ID)
		assert.Equal(t, model.AgentStatusIdle, active.Status)

		err := Request(ctx, client, SubjectControlRegister, RegisterRequest{Agent: &model.Agent{}}, nil)
		assert.True(t, IsControlError(err, model.ErrorKindValidation))

		require.NoError(t, Request(ctx, client, SubjectControlDeregister, DeregisterRequest{AgentID: "agent-coder", Reason: "retired"}, nil))
		agents.mu.Lock()
		assert.Equal(t, []string{"agent-coder:retired"}, agents.removed)
		agents.mu.Unlock()

		err = Request(ctx, client, SubjectControlDeregister, DeregisterRequest{AgentID: "ghost"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ghost not found")
	})

	t.Run("Cancel And Resubmit", func(t *testing.T) {
		var cancelled model.Task
		require.NoError(t, Request(ctx, client, SubjectControlCancel, CancelRequest{TaskID: "lex", Reason: "operator"}, &cancelled))
		assert.Equal(t, model.TaskStatusCancelled, cancelled.Status)
		assert.Equal(t, "operator", cancelled.Error)

		err := Request(ctx, client, SubjectControlCancel, CancelRequest{TaskID: "done"}, nil)
		assert.True(t, IsControlError(err, model.ErrorKindValidation))

		var retried model.Task
		require.NoError(t, Request(ctx, client, SubjectControlResubmit, ResubmitRequest{TaskID: "lex"}, &retried))
		assert.Equal(t, "lex", retried.RetryOf)
	})

	t.Run("Propose", func(t *testing.T) {
		var p model.Proposal
		require.NoError(t, Request(ctx, client, SubjectControlPropose, model.Proposal{Proposal: json.RawMessage(`"ship it"`), RequiredThreshold: 0.5}, &p))
		assert.Equal(t, "proposal-1", p.ID)
		assert.Equal(t, model.ProposalStatusPending, p.Status)

		err := Request(ctx, client, SubjectControlPropose, model.Proposal{RequiredThreshold: 2}, nil)
		assert.True(t, IsControlError(err, model.ErrorKindValidation))
	})

	t.Run("Unserved Component", func(t *testing.T) {
		other := NewControlServer(zap.NewNop(), serverConn, time.Second)
		server.Stop()
		require.NoError(t, other.Start(ctx, Controls{}))
		defer other.Stop()

		err := Request(ctx, client, SubjectControlPropose, model.Proposal{}, nil)
		assert.True(t, IsControlError(err, model.ErrorKindInternal))
	})

	assert.Equal(t, "swarmctl.submit", SubjectControlSubmit)
}
