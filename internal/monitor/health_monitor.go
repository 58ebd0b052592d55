package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/metrics"
	"github.com/adolago/tiara/internal/model"
)

// Roster is the agent registry the health monitor sweeps
type Roster interface {
	List() []*model.Agent
	Transition(ctx context.Context, id string, to model.AgentStatus, reason string) (*model.Agent, error)
}

// LossReporter is told when an agent with in-flight work stops responding
type LossReporter interface {
	ReportAgentLost(agentID, reason string) error
}

// AlertRaiser surfaces degraded agents to the operator
type AlertRaiser interface {
	Raise(ctx context.Context, alert *model.Alert) error
}

// HealthConfig holds the health scoring settings
type HealthConfig struct {
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	DegradedThreshold float64       `mapstructure:"degraded_threshold"`
	TrendWindow       int           `mapstructure:"trend_window"`
	TrendDelta        float64       `mapstructure:"trend_delta"`
}

// DefaultHealthConfig returns the default health settings
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		HeartbeatTimeout:  30 * time.Second,
		DegradedThreshold: 0.5,
		TrendWindow:       5,
		TrendDelta:        0.05,
	}
}

type healthState struct {
	record   model.HealthRecord
	history  []float64
	degraded bool
}

// HealthMonitor scores agent health, marks silent agents offline or in
// error and aggregates the swarm health
type HealthMonitor struct {
	logger  *zap.Logger
	cfg     HealthConfig
	roster  Roster
	lost    LossReporter
	alerts  AlertRaiser
	metrics *metrics.Collector
	now     func() time.Time

	mu     sync.RWMutex
	states map[string]*healthState
	swarm  float64
}

// HealthOption configures a HealthMonitor
type HealthOption func(*HealthMonitor)

// WithLossReporter sets who is told about lost agents
func WithLossReporter(l LossReporter) HealthOption {
	return func(m *HealthMonitor) { m.lost = l }
}

// WithHealthAlerts sets where degraded agents are raised
func WithHealthAlerts(a AlertRaiser) HealthOption {
	return func(m *HealthMonitor) { m.alerts = a }
}

// WithHealthMetrics sets the metrics collector
func WithHealthMetrics(c *metrics.Collector) HealthOption {
	return func(m *HealthMonitor) { m.metrics = c }
}

// WithHealthClock overrides the time source
func WithHealthClock(now func() time.Time) HealthOption {
	return func(m *HealthMonitor) { m.now = now }
}

// NewHealthMonitor creates a health monitor over roster
func NewHealthMonitor(logger *zap.Logger, cfg HealthConfig, roster Roster, opts ...HealthOption) *HealthMonitor {
	if cfg.TrendWindow < 1 {
		cfg.TrendWindow = 1
	}
	m := &HealthMonitor{
		logger: logger.Named("health-monitor"),
		cfg:    cfg,
		roster: roster,
		now:    time.Now,
		states: make(map[string]*healthState),
		swarm:  1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Score computes the health components of an agent at now
func (m *HealthMonitor) Score(a *model.Agent, now time.Time) model.HealthRecord {
	responsiveness := 1.0
	if m.cfg.HeartbeatTimeout > 0 {
		responsiveness = clamp01(1 - float64(now.Sub(a.LastHeartbeat))/float64(m.cfg.HeartbeatTimeout))
	}

	r := model.HealthRecord{
		AgentID:        a.ID,
		Responsiveness: responsiveness,
		Performance:    clamp01(a.Capabilities.Quality),
		Reliability:    clamp01(a.SuccessRate()),
		ResourceUsage:  clamp01(1 - a.Workload),
		UpdatedAt:      now,
	}
	r.Overall = (r.Responsiveness + r.Performance + r.Reliability + r.ResourceUsage) / 4
	return r
}

// Sweep rescores every agent, moves agents whose heartbeat timed out to
// offline (from idle) or error (otherwise) and returns the swarm health
func (m *HealthMonitor) Sweep(ctx context.Context) float64 {
	now := m.now()
	agents := m.roster.List()
	seen := make(map[string]struct{}, len(agents))

	var (
		total float64
		count int
	)
	for _, a := range agents {
		if a.Status == model.AgentStatusTerminating || a.Status.IsTerminal() {
			continue
		}
		seen[a.ID] = struct{}{}

		if m.timedOut(a, now) {
			m.markLost(ctx, a, now)
		}

		record := m.update(ctx, a, now)
		total += record.Overall
		count++
	}

	swarm := 1.0
	if count > 0 {
		swarm = total / float64(count)
	}

	m.mu.Lock()
	for id := range m.states {
		if _, ok := seen[id]; !ok {
			delete(m.states, id)
			m.metrics.ForgetAgent(id)
		}
	}
	m.swarm = swarm
	m.mu.Unlock()

	m.metrics.SwarmHealth(swarm)
	m.logger.Debug("Health sweep", zap.Int("agents", count), zap.Float64("swarm_health", swarm))
	return swarm
}

func (m *HealthMonitor) timedOut(a *model.Agent, now time.Time) bool {
	if m.cfg.HeartbeatTimeout <= 0 {
		return false
	}
	switch a.Status {
	case model.AgentStatusOffline, model.AgentStatusError:
		return false
	}
	return now.Sub(a.LastHeartbeat) > m.cfg.HeartbeatTimeout
}

func (m *HealthMonitor) markLost(ctx context.Context, a *model.Agent, now time.Time) {
	to := model.AgentStatusError
	if a.Status == model.AgentStatusIdle {
		to = model.AgentStatusOffline
	}
	reason := fmt.Sprintf("no heartbeat for %s", now.Sub(a.LastHeartbeat).Round(time.Second))

	if _, err := m.roster.Transition(ctx, a.ID, to, reason); err != nil {
		m.logger.Error("Failed to mark agent lost", zap.String("agent_id", a.ID), zap.Error(err))
		return
	}
	m.logger.Warn("Agent stopped responding",
		zap.String("agent_id", a.ID),
		zap.String("status", string(to)),
		zap.Time("last_heartbeat", a.LastHeartbeat))

	if m.lost != nil && len(a.ActiveTasks) > 0 {
		if err := m.lost.ReportAgentLost(a.ID, reason); err != nil {
			m.logger.Error("Failed to report lost agent", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
}

func (m *HealthMonitor) update(ctx context.Context, a *model.Agent, now time.Time) model.HealthRecord {
	record := m.Score(a, now)

	m.mu.Lock()
	st, ok := m.states[a.ID]
	if !ok {
		st = &healthState{}
		m.states[a.ID] = st
	}
	st.history = append(st.history, record.Overall)
	if limit := 2 * m.cfg.TrendWindow; len(st.history) > limit {
		st.history = st.history[len(st.history)-limit:]
	}
	record.Trend = trend(st.history, m.cfg.TrendWindow, m.cfg.TrendDelta)
	st.record = record

	becameDegraded := record.Overall < m.cfg.DegradedThreshold && !st.degraded
	st.degraded = record.Overall < m.cfg.DegradedThreshold
	m.mu.Unlock()

	m.metrics.AgentHealth(a.ID, record.Overall)
	if becameDegraded {
		m.raiseDegraded(ctx, a, record)
	}
	return record
}

func (m *HealthMonitor) raiseDegraded(ctx context.Context, a *model.Agent, r model.HealthRecord) {
	m.logger.Warn("Agent health degraded",
		zap.String("agent_id", a.ID),
		zap.Float64("overall", r.Overall),
		zap.String("trend", string(r.Trend)))
	if m.alerts == nil {
		return
	}

	err := m.alerts.Raise(ctx, &model.Alert{
		Type:     model.AlertTypeAgentDegraded,
		Severity: model.AlertSeverityWarning,
		Message:  fmt.Sprintf("Agent %s health %.2f below %.2f", a.ID, r.Overall, m.cfg.DegradedThreshold),
		Data: map[string]any{
			"agent_id":       a.ID,
			"overall":        r.Overall,
			"responsiveness": r.Responsiveness,
			"performance":    r.Performance,
			"reliability":    r.Reliability,
			"resource_usage": r.ResourceUsage,
			"trend":          string(r.Trend),
		},
	})
	if err != nil {
		m.logger.Error("Failed to raise alert", zap.String("agent_id", a.ID), zap.Error(err))
	}
}

// trend compares the mean of the latest window of scores with the window before it
func trend(history []float64, window int, delta float64) model.HealthTrend {
	if len(history) < 2*window {
		return model.HealthTrendStable
	}
	older := mean(history[len(history)-2*window : len(history)-window])
	recent := mean(history[len(history)-window:])
	switch {
	case recent-older > delta:
		return model.HealthTrendImproving
	case older-recent > delta:
		return model.HealthTrendDegrading
	default:
		return model.HealthTrendStable
	}
}

// Health returns the latest health record of an agent
func (m *HealthMonitor) Health(agentID string) (model.HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[agentID]
	if !ok {
		return model.HealthRecord{}, false
	}
	return st.record, true
}

// All returns the latest health record of every agent, ordered by agent id
func (m *HealthMonitor) All() []model.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.HealthRecord, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// SwarmHealth returns the mean overall health of the live agents at the last sweep
func (m *HealthMonitor) SwarmHealth() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.swarm
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
