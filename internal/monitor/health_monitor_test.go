package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adolago/tiara/internal/model"
)

type fakeRoster struct {
	mu          sync.Mutex
	agents      map[string]*model.Agent
	transitions map[string]model.AgentStatus
}

func newFakeRoster(agents ...*model.Agent) *fakeRoster {
	r := &fakeRoster{agents: make(map[string]*model.Agent), transitions: make(map[string]model.AgentStatus)}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return r
}

func (r *fakeRoster) List() []*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

func (r *fakeRoster) Transition(_ context.Context, id string, to model.AgentStatus, _ string) (*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, errors.New("unknown agent")
	}
	if !model.CanTransition(a.Status, to) {
		return nil, errors.New("invalid transition")
	}
	a.Status = to
	r.transitions[id] = to
	return a.Clone(), nil
}

func (r *fakeRoster) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

type lossLog struct {
	mu     sync.Mutex
	agents []string
}

func (l *lossLog) ReportAgentLost(agentID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents = append(l.agents, agentID)
	return nil
}

type alertSink struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (s *alertSink) Raise(_ context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *alertSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func healthyAgent(id string, status model.AgentStatus, heartbeat time.Time) *model.Agent {
	return &model.Agent{
		ID:            id,
		Status:        status,
		Capabilities:  model.Capabilities{Quality: 1},
		LastHeartbeat: heartbeat,
	}
}

func TestHealthScore(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewHealthMonitor(zaptest.NewLogger(t), DefaultHealthConfig(), newFakeRoster())

	a := &model.Agent{
		ID:            "a1",
		Capabilities:  model.Capabilities{Quality: 0.8},
		SuccessCount:  3,
		ErrorCount:    1,
		Workload:      0.5,
		LastHeartbeat: now.Add(-15 * time.Second),
	}
	r := m.Score(a, now)
	assert.InDelta(t, 0.5, r.Responsiveness, 1e-9)
	assert.InDelta(t, 0.8, r.Performance, 1e-9)
	assert.InDelta(t, 0.75, r.Reliability, 1e-9)
	assert.InDelta(t, 0.5, r.ResourceUsage, 1e-9)
	assert.InDelta(t, (0.5+0.8+0.75+0.5)/4, r.Overall, 1e-9)

	// stale heartbeats clamp to zero rather than going negative
	a.LastHeartbeat = now.Add(-time.Hour)
	assert.Equal(t, 0.0, m.Score(a, now).Responsiveness)
}

func TestHealthSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	busy := healthyAgent("busy", model.AgentStatusBusy, now.Add(-time.Minute))
	busy.ActiveTasks = []string{"t1"}
	roster := newFakeRoster(
		healthyAgent("fresh", model.AgentStatusIdle, now),
		healthyAgent("quiet", model.AgentStatusIdle, now.Add(-time.Minute)),
		busy,
		healthyAgent("gone", model.AgentStatusTerminated, now.Add(-time.Hour)),
	)
	lost, alerts := &lossLog{}, &alertSink{}

	m := NewHealthMonitor(zaptest.NewLogger(t), DefaultHealthConfig(), roster,
		WithLossReporter(lost), WithHealthAlerts(alerts), WithHealthClock(clock))

	swarm := m.Sweep(context.Background())

	assert.Equal(t, model.AgentStatusOffline, roster.transitions["quiet"])
	assert.Equal(t, model.AgentStatusError, roster.transitions["busy"])
	assert.NotContains(t, roster.transitions, "fresh")
	assert.Equal(t, []string{"busy"}, lost.agents)

	_, ok := m.Health("gone")
	assert.False(t, ok, "terminated agents are not scored")

	fresh, ok := m.Health("fresh")
	require.True(t, ok)
	assert.InDelta(t, 1.0, fresh.Overall, 1e-9)

	records := m.All()
	require.Len(t, records, 3)
	var total float64
	for _, r := range records {
		total += r.Overall
	}
	assert.InDelta(t, total/3, swarm, 1e-9)
	assert.InDelta(t, swarm, m.SwarmHealth(), 1e-9)

	t.Run("Already Offline Agents Are Not Reported Again", func(t *testing.T) {
		m.Sweep(context.Background())
		assert.Equal(t, []string{"busy"}, lost.agents)
	})

	t.Run("Removed Agents Are Forgotten", func(t *testing.T) {
		roster.remove("quiet")
		m.Sweep(context.Background())
		_, ok := m.Health("quiet")
		assert.False(t, ok)
	})
}

func TestDegradedAlertRaisedOnce(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := healthyAgent("slow", model.AgentStatusBusy, now)
	a.Capabilities.Quality = 0
	a.ErrorCount = 10
	a.Workload = 1
	roster := newFakeRoster(a)
	alerts := &alertSink{}

	m := NewHealthMonitor(zaptest.NewLogger(t), DefaultHealthConfig(), roster,
		WithHealthAlerts(alerts), WithHealthClock(func() time.Time { return now }))

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	require.Equal(t, 1, alerts.count())
	assert.Equal(t, model.AlertTypeAgentDegraded, alerts.alerts[0].Type)
	assert.Equal(t, "slow", alerts.alerts[0].Data["agent_id"])

	// recovery re-arms the alert
	roster.mu.Lock()
	roster.agents["slow"].Capabilities.Quality = 1
	roster.agents["slow"].ErrorCount = 0
	roster.agents["slow"].Workload = 0
	roster.mu.Unlock()
	m.Sweep(context.Background())

	roster.mu.Lock()
	roster.agents["slow"].Capabilities.Quality = 0
	roster.agents["slow"].ErrorCount = 10
	roster.agents["slow"].Workload = 1
	roster.mu.Unlock()
	m.Sweep(context.Background())
	assert.Equal(t, 2, alerts.count())
}

func TestHealthTrend(t *testing.T) {
	assert.Equal(t, model.HealthTrendStable, trend([]float64{0.9, 0.1}, 2, 0.05), "not enough history")
	assert.Equal(t, model.HealthTrendDegrading, trend([]float64{0.9, 0.9, 0.5, 0.5}, 2, 0.05))
	assert.Equal(t, model.HealthTrendImproving, trend([]float64{0.2, 0.2, 0.6, 0.7}, 2, 0.05))
	assert.Equal(t, model.HealthTrendStable, trend([]float64{0.8, 0.8, 0.82, 0.8}, 2, 0.05))
}

func TestEmptySwarmIsHealthy(t *testing.T) {
	m := NewHealthMonitor(zaptest.NewLogger(t), DefaultHealthConfig(), newFakeRoster())
	assert.Equal(t, 1.0, m.Sweep(context.Background()))
}
