package rollback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/metrics"
	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/storage"
)

// Freezer pauses scheduling while state is being restored
type Freezer interface {
	Freeze()
	Unfreeze()
}

// EventPublisher publishes lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event *model.Event) error
}

// AlertRaiser surfaces rollback outcomes to the operator
type AlertRaiser interface {
	Raise(ctx context.Context, alert *model.Alert) error
}

// StateFunc captures the current coordination state
type StateFunc func(ctx context.Context) (*model.CoordinationState, error)

// Config holds the rollback settings
type Config struct {
	MaxSnapshots     int           `mapstructure:"max_snapshots"`
	SnapshotSchedule string        `mapstructure:"snapshot_schedule"`
	DataDir          string        `mapstructure:"data_dir"`
	Triggers         TriggerConfig `mapstructure:"triggers"`
	Strategies       []Strategy    `mapstructure:"strategies"`
}

// DefaultConfig returns the default rollback settings
func DefaultConfig() Config {
	return Config{
		MaxSnapshots:     20,
		SnapshotSchedule: "@every 5m",
		DataDir:          "data/state",
		Triggers:         DefaultTriggerConfig(),
		Strategies:       DefaultStrategies(),
	}
}

const lastReportID = "last_report"

// Manager takes periodic snapshots, watches the live metrics and restores
// the coordination state when triggers fire. It never returns errors from a
// rollback; failures are reported in the RestoreReport and raised as alerts.
type Manager struct {
	logger      *zap.Logger
	cfg         Config
	store       storage.Store
	snapshots   *SnapshotStore
	triggers    *TriggerEvaluator
	restoration *Restoration
	capture     StateFunc
	freezer     Freezer
	publisher   EventPublisher
	alerts      AlertRaiser
	metrics     *metrics.Collector
	now         func() time.Time

	running atomic.Bool

	mu         sync.RWMutex
	lastReport *RestoreReport
}

// Option configures a Manager
type Option func(*Manager)

// WithFreezer sets the scheduler frozen during restoration
func WithFreezer(f Freezer) Option {
	return func(m *Manager) { m.freezer = f }
}

// WithPublisher sets the event publisher
func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithAlerts sets where rollback outcomes are raised
func WithAlerts(a AlertRaiser) Option {
	return func(m *Manager) { m.alerts = a }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a rollback manager
func NewManager(logger *zap.Logger, cfg Config, store storage.Store, capture StateFunc, restoration *Restoration, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger.Named("rollback"),
		cfg:         cfg,
		store:       store,
		restoration: restoration,
		capture:     capture,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.cfg.Strategies) == 0 {
		m.cfg.Strategies = DefaultStrategies()
	}
	m.snapshots = NewSnapshotStore(logger, store, cfg.MaxSnapshots, m.now)
	m.triggers = NewTriggerEvaluator(logger, cfg.Triggers, store, m.now)
	if m.restoration == nil {
		m.restoration = NewRestoration(logger, nil)
	}
	m.restoration.now = m.now
	return m
}

// Snapshots returns the snapshot store
func (m *Manager) Snapshots() *SnapshotStore {
	return m.snapshots
}

// CreateSnapshot captures and stores the current coordination state
func (m *Manager) CreateSnapshot(ctx context.Context, metadata map[string]string) (*model.Snapshot, error) {
	state, err := m.capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}
	if state.Process.PID == 0 {
		state.Process = processInfo()
	}

	snap, err := m.snapshots.Create(ctx, state, metadata)
	if err != nil {
		return nil, err
	}
	m.metrics.SnapshotCreated()
	m.publish(ctx, model.EventSnapshotCreated, map[string]any{
		"snapshot_id": snap.ID,
		"checksum":    snap.Integrity.Checksum,
	})
	return snap, nil
}

// ScheduledSnapshot creates a snapshot from a periodic job
func (m *Manager) ScheduledSnapshot(ctx context.Context) {
	if _, err := m.CreateSnapshot(ctx, map[string]string{"trigger": "scheduled"}); err != nil {
		m.logger.Error("Scheduled snapshot failed", zap.Error(err))
	}
}

// Observe evaluates a metric sample and executes a rollback when a
// violation is live, no cooldown is running and a strategy matches. It
// returns the report of the rollback, or nil when none was executed.
func (m *Manager) Observe(ctx context.Context, sample model.MetricSample) *RestoreReport {
	violations := m.triggers.Evaluate(sample)
	if len(violations) == 0 {
		return nil
	}
	for _, v := range violations {
		m.metrics.TriggerViolation(string(v.Metric))
	}

	if m.triggers.InCooldown(ctx) {
		m.logger.Debug("Rollback suppressed by cooldown",
			zap.Int("violations", len(violations)),
			zap.Duration("remaining", m.triggers.CooldownRemaining(ctx)))
		return nil
	}

	strategy, ok := SelectStrategy(m.cfg.Strategies, violations)
	if !ok {
		m.logger.Warn("No strategy matches live violations", zap.Int("violations", len(violations)))
		return nil
	}

	m.logger.Warn("Rollback triggered",
		zap.String("strategy", strategy.Name),
		zap.Int("violations", len(violations)),
		zap.String("metric", string(violations[0].Metric)),
		zap.Float64("value", violations[0].Value))
	return m.execute(ctx, strategy, violations, "")
}

// Rollback restores every step from the given snapshot, or from the latest
// valid one when snapshotID is empty
func (m *Manager) Rollback(ctx context.Context, snapshotID string) *RestoreReport {
	strategy := Strategy{Name: "manual", Steps: StepOrder}
	return m.execute(ctx, strategy, nil, snapshotID)
}

func (m *Manager) execute(ctx context.Context, strategy Strategy, violations []Violation, snapshotID string) *RestoreReport {
	report := &RestoreReport{
		Strategy:    strategy.Name,
		Violations:  violations,
		CanContinue: true,
		StartedAt:   m.now(),
	}
	if !m.running.CompareAndSwap(false, true) {
		report.Error = ErrRollbackInProgress.Error()
		report.CompletedAt = m.now()
		return report
	}
	defer m.running.Store(false)

	if m.freezer != nil {
		m.freezer.Freeze()
	}
	m.publish(ctx, model.EventRollbackStarted, map[string]any{
		"strategy":    strategy.Name,
		"snapshot_id": snapshotID,
	})

	snap, err := m.target(ctx, snapshotID)
	if err == nil {
		var state *model.CoordinationState
		state, err = DecodeState(snap)
		if err == nil {
			run := m.restoration.Run(ctx, snap, state, strategy.Steps)
			run.Strategy = strategy.Name
			run.Violations = violations
			report = run
		}
	}
	if err != nil {
		report.Error = err.Error()
		report.ManualIntervention = true
		report.CompletedAt = m.now()
	}

	if len(violations) > 0 {
		if err := m.triggers.StartCooldown(ctx, m.now(), strategy.Name); err != nil {
			m.logger.Error("Failed to start cooldown", zap.Error(err))
		}
		m.triggers.Reset()
	}

	// a failed critical step leaves state inconsistent, so scheduling stays frozen
	if m.freezer != nil && report.CanContinue {
		m.freezer.Unfreeze()
	}

	m.finish(ctx, report)
	return report
}

func (m *Manager) target(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	if snapshotID == "" {
		return m.snapshots.Latest(ctx)
	}
	ok, err := m.snapshots.Verify(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntegrityMismatch, snapshotID)
	}
	return m.snapshots.Get(ctx, snapshotID)
}

func (m *Manager) finish(ctx context.Context, report *RestoreReport) {
	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()

	if m.store != nil {
		if err := storage.Save(ctx, m.store, storage.NamespaceRollback, lastReportID, report, ""); err != nil {
			m.logger.Error("Failed to persist rollback report", zap.Error(err))
		}
	}

	m.metrics.RollbackExecuted(report.Strategy, report.Success)
	m.publish(ctx, model.EventRollbackCompleted, map[string]any{
		"strategy":            report.Strategy,
		"snapshot_id":         report.SnapshotID,
		"success":             report.Success,
		"can_continue":        report.CanContinue,
		"manual_intervention": report.ManualIntervention,
		"failed_steps":        report.FailedSteps,
	})

	alert := &model.Alert{
		Type:     model.AlertTypeRollbackExecuted,
		Severity: model.AlertSeverityWarning,
		Message:  fmt.Sprintf("Rollback %s restored snapshot %s", report.Strategy, report.SnapshotID),
		Data: map[string]any{
			"strategy":     report.Strategy,
			"snapshot_id":  report.SnapshotID,
			"failed_steps": report.FailedSteps,
		},
	}
	if report.ManualIntervention {
		alert.Type = model.AlertTypeManualIntervention
		alert.Severity = model.AlertSeverityCritical
		alert.Message = fmt.Sprintf("Rollback %s requires manual intervention: %s", report.Strategy, report.Error)
		m.logger.Error("Rollback requires manual intervention",
			zap.String("strategy", report.Strategy),
			zap.String("snapshot_id", report.SnapshotID),
			zap.String("error", report.Error))
	} else {
		m.logger.Info("Rollback executed",
			zap.String("strategy", report.Strategy),
			zap.String("snapshot_id", report.SnapshotID),
			zap.Bool("success", report.Success),
			zap.Int("failed_steps", len(report.FailedSteps)))
	}

	if m.alerts != nil {
		if err := m.alerts.Raise(ctx, alert); err != nil {
			m.logger.Error("Failed to raise alert", zap.String("alert_type", string(alert.Type)), zap.Error(err))
		}
	}
}

// LastReport returns the report of the most recent rollback, loading it
// from the store after a restart
func (m *Manager) LastReport(ctx context.Context) (*RestoreReport, error) {
	m.mu.RLock()
	report := m.lastReport
	m.mu.RUnlock()
	if report != nil || m.store == nil {
		return report, nil
	}

	var stored RestoreReport
	if err := storage.Load(ctx, m.store, storage.NamespaceRollback, lastReportID, &stored); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &stored, nil
}

// InCooldown reports whether rollbacks are currently suppressed
func (m *Manager) InCooldown(ctx context.Context) bool {
	return m.triggers.InCooldown(ctx)
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]any) {
	if m.publisher == nil {
		return
	}
	event := &model.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: m.now(),
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("Failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func processInfo() model.ProcessInfo {
	info := model.ProcessInfo{PID: os.Getpid()}
	info.Hostname, _ = os.Hostname()
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.GitCommit = s.Value
			}
		}
	}
	info.GitBranch = os.Getenv("TIARA_GIT_BRANCH")
	return info
}
