package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (r *alertRecorder) Raise(_ context.Context, a *model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Publish(_ context.Context, e *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Type)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *testClock, storage.Store, *alertRecorder, *eventRecorder) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	alerts := &alertRecorder{}
	events := &eventRecorder{}
	e := NewEngine(zap.NewNop(), DefaultConfig(), store,
		WithClock(clock.Now), WithAlerts(alerts), WithPublisher(events))
	return e, clock, store, alerts, events
}

func TestProposeValidation(t *testing.T) {
	e, clock, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		proposal *model.Proposal
	}{
		{"nil", nil},
		{"negative threshold", &model.Proposal{RequiredThreshold: -0.1}},
		{"threshold above one", &model.Proposal{RequiredThreshold: 1.5}},
		{"past deadline", &model.Proposal{Deadline: clock.Now().Add(-time.Second)}},
		{"negative voters", &model.Proposal{EligibleVoters: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Propose(ctx, tt.proposal)
			require.Error(t, err)
			assert.Equal(t, model.ErrorKindValidation, model.KindOf(err))
		})
	}

	p, err := e.Propose(ctx, &model.Proposal{})
	require.NoError(t, err)
	assert.Equal(t, 0.66, p.RequiredThreshold)
	assert.Equal(t, clock.Now().Add(5*time.Minute), p.Deadline)
	assert.Equal(t, model.ProposalStatusPending, p.Status)

	_, err = e.Propose(ctx, &model.Proposal{ID: p.ID})
	assert.ErrorIs(t, err, ErrDuplicateProposal)
}

func TestThresholdAchieved(t *testing.T) {
	e, _, store, _, events := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: 0.6})
	require.NoError(t, err)

	for i, vote := range []bool{true, true, false} {
		_, err := e.SubmitVote(ctx, p.ID, fmt.Sprintf("agent-%d", i), vote, "")
		require.NoError(t, err)
	}

	tally, err := e.Tally(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusAchieved, tally.Status)
	assert.Equal(t, 3, tally.TotalVoters)
	assert.Equal(t, 2, tally.PositiveVotes)
	assert.InDelta(t, 0.667, tally.Ratio, 0.001)

	// further negative votes never un-achieve it
	for i := 3; i < 8; i++ {
		_, err := e.SubmitVote(ctx, p.ID, fmt.Sprintf("agent-%d", i), false, "late")
		require.NoError(t, err)
	}
	status, err := e.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusAchieved, status)

	var stored model.Proposal
	require.NoError(t, storage.Load(ctx, store, storage.NamespaceProposals, p.ID, &stored))
	assert.Equal(t, model.ProposalStatusAchieved, stored.Status)
	assert.Len(t, stored.Votes, 8)

	assert.Contains(t, events.events, model.EventProposalResolved)
}

func TestVoteUpsert(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: 1.0, EligibleVoters: 3})
	require.NoError(t, err)

	_, err = e.SubmitVote(ctx, p.ID, "a", false, "first thought")
	require.NoError(t, err)
	got, err := e.SubmitVote(ctx, p.ID, "a", true, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalVoters)
	assert.Equal(t, 1, got.PositiveVotes)
	assert.Equal(t, "changed my mind", got.Votes["a"].Reason)
	assert.Equal(t, model.ProposalStatusAchieved, got.Status)

	_, err = e.SubmitVote(ctx, p.ID, "", true, "")
	assert.Equal(t, model.ErrorKindValidation, model.KindOf(err))

	_, err = e.SubmitVote(ctx, "missing", "a", true, "")
	assert.ErrorIs(t, err, ErrProposalNotFound)
}

func TestRejectedWhenAllEligibleVoted(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: 0.75, EligibleVoters: 3})
	require.NoError(t, err)

	_, err = e.SubmitVote(ctx, p.ID, "a", false, "")
	require.NoError(t, err)
	_, err = e.SubmitVote(ctx, p.ID, "b", true, "")
	require.NoError(t, err)
	got, err := e.SubmitVote(ctx, p.ID, "c", true, "")
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusRejected, got.Status)
	require.NotNil(t, got.ResolvedAt)

	_, err = e.SubmitVote(ctx, p.ID, "d", true, "")
	assert.ErrorIs(t, err, ErrProposalClosed)
}

func TestLazyExpiry(t *testing.T) {
	e, clock, _, _, events := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: 1.0, Deadline: clock.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = e.SubmitVote(ctx, p.ID, "a", false, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	got, err := e.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusExpired, got.Status)
	assert.Contains(t, events.events, model.EventProposalResolved)

	_, err = e.SubmitVote(ctx, p.ID, "b", true, "")
	assert.ErrorIs(t, err, ErrProposalClosed)

	t.Run("Sweep", func(t *testing.T) {
		q, err := e.Propose(ctx, &model.Proposal{Deadline: clock.Now().Add(time.Second)})
		require.NoError(t, err)
		_, err = e.Propose(ctx, &model.Proposal{Deadline: clock.Now().Add(time.Hour)})
		require.NoError(t, err)

		clock.Advance(time.Minute)
		assert.Equal(t, 1, e.ExpireDue(ctx))
		assert.Equal(t, 0, e.ExpireDue(ctx))

		status, err := e.Status(ctx, q.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ProposalStatusExpired, status)
	})
}

func TestCancelProposal(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Propose(ctx, &model.Proposal{})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, p.ID))

	status, err := e.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusCancelled, status)

	assert.ErrorIs(t, e.Cancel(ctx, p.ID), ErrProposalClosed)
	_, err = e.SubmitVote(ctx, p.ID, "a", true, "")
	assert.ErrorIs(t, err, ErrProposalClosed)
}

func TestOpenForTaskAndList(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.OpenForTask(ctx, &model.Task{ID: "deploy", SwarmID: "s1", Description: "deploy to production"})
	require.NoError(t, err)
	_, err = e.Propose(ctx, &model.Proposal{SwarmID: "s2"})
	require.NoError(t, err)

	listed := e.List(ctx, "s1")
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)
	assert.Equal(t, "deploy", listed[0].TaskID)
	assert.JSONEq(t, `{"task_id":"deploy","description":"deploy to production","payload":null}`, string(listed[0].Proposal))
	assert.Len(t, e.List(ctx, ""), 2)

	found, err := e.Search(ctx, "production", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
}

func TestLoadAfterRestart(t *testing.T) {
	e, clock, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: 1.0, Deadline: clock.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = e.SubmitVote(ctx, p.ID, "a", true, "")
	require.NoError(t, err)
	pending, err := e.Propose(ctx, &model.Proposal{Deadline: clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	// the process is down past the deadline
	clock.Advance(time.Hour)
	restarted := NewEngine(zap.NewNop(), DefaultConfig(), store, WithClock(clock.Now))
	require.NoError(t, restarted.Load(ctx))

	achieved, err := restarted.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusAchieved, achieved.Status)
	assert.Len(t, achieved.Votes, 1)

	expired, err := restarted.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusExpired, expired.Status)
	assert.Len(t, restarted.Snapshot(), 2)
}

func TestContradictionFlagRaisesAlert(t *testing.T) {
	e, _, _, alerts, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: 1.0})
	require.NoError(t, err)
	_, err = e.SubmitVote(ctx, p.ID, "honest", false, "")
	require.NoError(t, err)

	for _, vote := range []bool{true, false, true} {
		_, err := e.SubmitVote(ctx, p.ID, "flipper", vote, "")
		require.NoError(t, err)
	}

	tally, err := e.Tally(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, tally.Flags, 1)
	assert.Equal(t, "flipper", tally.Flags[0].AgentID)
	assert.Equal(t, model.ByzantineContradiction, tally.Flags[0].Kind)

	// flags are advisory: the flipper's vote still counts
	assert.Equal(t, 2, tally.TotalVoters)
	assert.Equal(t, 1, tally.PositiveVotes)

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, model.AlertTypeByzantineFlag, alerts.alerts[0].Type)
	assert.Equal(t, "flipper", alerts.alerts[0].Data["agent_id"])
}

func TestForgetVoterClearsFlags(t *testing.T) {
	e, _, _, alerts, _ := newTestEngine(t)
	ctx := context.Background()

	flip := func() {
		p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: 1.0})
		require.NoError(t, err)
		_, err = e.SubmitVote(ctx, p.ID, "honest", false, "")
		require.NoError(t, err)
		for _, vote := range []bool{true, false, true} {
			_, err := e.SubmitVote(ctx, p.ID, "flipper", vote, "")
			require.NoError(t, err)
		}
	}

	flip()
	require.Len(t, alerts.alerts, 1)

	// the flag is not raised twice within one window
	flip()
	require.Len(t, alerts.alerts, 1)

	e.ForgetVoter("flipper")
	flip()
	require.Len(t, alerts.alerts, 2)
	assert.Equal(t, "flipper", alerts.alerts[1].Data["agent_id"])
}

func TestAchievedExactlyWhenThresholdCrossed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		cfg := DefaultConfig()
		cfg.Detector.SpamLimit = 0
		e := NewEngine(zap.NewNop(), cfg, storage.NewMemoryStore(), WithClock(clock.Now))
		ctx := context.Background()

		threshold := rapid.Float64Range(0.01, 1).Draw(t, "threshold")
		p, err := e.Propose(ctx, &model.Proposal{RequiredThreshold: threshold})
		if err != nil {
			t.Fatalf("propose: %v", err)
		}

		votes := make(map[string]bool)
		achieved := false
		n := rapid.IntRange(1, 30).Draw(t, "votes")
		for i := 0; i < n; i++ {
			agent := fmt.Sprintf("agent-%d", rapid.IntRange(0, 5).Draw(t, "agent"))
			vote := rapid.Bool().Draw(t, "vote")
			clock.Advance(time.Second)

			got, err := e.SubmitVote(ctx, p.ID, agent, vote, "")
			if err != nil {
				t.Fatalf("vote %d: %v", i, err)
			}

			votes[agent] = vote
			positive := 0
			for _, v := range votes {
				if v {
					positive++
				}
			}
			if float64(positive)/float64(len(votes)) >= threshold {
				achieved = true
			}

			want := model.ProposalStatusPending
			if achieved {
				want = model.ProposalStatusAchieved
			}
			if got.Status != want {
				t.Fatalf("after vote %d status %s, want %s (ratio %.3f, threshold %.3f)",
					i, got.Status, want, got.Ratio(), threshold)
			}
		}
	})
}
