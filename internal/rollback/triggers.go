package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/storage"
)

// Comparison is the direction in which a metric violates its threshold
type Comparison string

const (
	Above Comparison = "above"
	Below Comparison = "below"
)

// Threshold is a limit on one live metric
type Threshold struct {
	Metric     model.Metric `mapstructure:"metric" json:"metric"`
	Value      float64      `mapstructure:"value" json:"value"`
	Comparison Comparison   `mapstructure:"comparison" json:"comparison"`
}

// Violated reports whether v breaches the threshold
func (t Threshold) Violated(v float64) bool {
	if t.Comparison == Below {
		return v < t.Value
	}
	return v > t.Value
}

// TriggerConfig holds the rollback trigger thresholds and debounce settings
type TriggerConfig struct {
	Thresholds    []Threshold   `mapstructure:"thresholds"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	MinViolations int           `mapstructure:"min_violations"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// DefaultTriggerConfig returns the default thresholds
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Thresholds: []Threshold{
			{Metric: model.MetricErrorRate, Value: 0.25, Comparison: Above},
			{Metric: model.MetricMemoryUsage, Value: 0.9, Comparison: Above},
			{Metric: model.MetricCPUUsage, Value: 0.95, Comparison: Above},
			{Metric: model.MetricResponseTime, Value: 5000, Comparison: Above},
			{Metric: model.MetricDiskSpace, Value: 0.05, Comparison: Below},
			{Metric: model.MetricConsecutiveFailures, Value: 5, Comparison: Above},
		},
		GracePeriod:   time.Minute,
		MinViolations: 3,
		Cooldown:      10 * time.Minute,
	}
}

// Violation is a threshold breach that persisted long enough to be live
type Violation struct {
	Metric    model.Metric `json:"metric"`
	Value     float64      `json:"value"`
	Threshold float64      `json:"threshold"`
	Count     int          `json:"count"`
	At        time.Time    `json:"at"`
}

const cooldownID = "cooldown"

type cooldownRecord struct {
	StartedAt time.Time `json:"started_at"`
	Strategy  string    `json:"strategy,omitempty"`
}

// TriggerEvaluator debounces threshold breaches and tracks the rollback cooldown
type TriggerEvaluator struct {
	logger *zap.Logger
	cfg    TriggerConfig
	store  storage.Store
	now    func() time.Time

	mu       sync.Mutex
	breaches map[model.Metric][]time.Time
	cooldown time.Time
	loaded   bool
}

// NewTriggerEvaluator creates an evaluator. The cooldown start is persisted
// in store when one is given.
func NewTriggerEvaluator(logger *zap.Logger, cfg TriggerConfig, store storage.Store, now func() time.Time) *TriggerEvaluator {
	if now == nil {
		now = time.Now
	}
	return &TriggerEvaluator{
		logger:   logger.Named("triggers"),
		cfg:      cfg,
		store:    store,
		now:      now,
		breaches: make(map[model.Metric][]time.Time),
	}
}

// Evaluate records the breaches in sample and returns the violations that
// occurred at least MinViolations times within the grace period
func (e *TriggerEvaluator) Evaluate(sample model.MetricSample) []Violation {
	at := sample.CollectedAt
	if at.IsZero() {
		at = e.now()
	}
	cutoff := at.Add(-e.cfg.GracePeriod)

	e.mu.Lock()
	defer e.mu.Unlock()

	var live []Violation
	for _, th := range e.cfg.Thresholds {
		v, ok := sample.Value(th.Metric)
		if !ok {
			continue
		}

		kept := e.breaches[th.Metric][:0]
		for _, t := range e.breaches[th.Metric] {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if th.Violated(v) {
			kept = append(kept, at)
			e.logger.Debug("Threshold breached",
				zap.String("metric", string(th.Metric)),
				zap.Float64("value", v),
				zap.Float64("threshold", th.Value),
				zap.Int("count", len(kept)))
		}
		e.breaches[th.Metric] = kept

		if th.Violated(v) && len(kept) >= e.cfg.MinViolations {
			live = append(live, Violation{
				Metric:    th.Metric,
				Value:     v,
				Threshold: th.Value,
				Count:     len(kept),
				At:        at,
			})
		}
	}
	return live
}

// Reset clears the recorded breaches
func (e *TriggerEvaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaches = make(map[model.Metric][]time.Time)
}

// InCooldown reports whether a rollback executed within the cooldown period
func (e *TriggerEvaluator) InCooldown(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loadLocked(ctx)
	return !e.cooldown.IsZero() && e.now().Sub(e.cooldown) < e.cfg.Cooldown
}

// CooldownRemaining returns how long until another rollback may fire
func (e *TriggerEvaluator) CooldownRemaining(ctx context.Context) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loadLocked(ctx)
	if e.cooldown.IsZero() {
		return 0
	}
	if left := e.cfg.Cooldown - e.now().Sub(e.cooldown); left > 0 {
		return left
	}
	return 0
}

// StartCooldown starts the cooldown at the given time and persists it
func (e *TriggerEvaluator) StartCooldown(ctx context.Context, at time.Time, strategy string) error {
	e.mu.Lock()
	e.cooldown = at
	e.loaded = true
	e.mu.Unlock()

	if e.store == nil {
		return nil
	}
	rec := cooldownRecord{StartedAt: at, Strategy: strategy}
	if err := storage.Save(ctx, e.store, storage.NamespaceRollback, cooldownID, rec, ""); err != nil {
		return fmt.Errorf("failed to persist cooldown: %w", err)
	}
	return nil
}

func (e *TriggerEvaluator) loadLocked(ctx context.Context) {
	if e.loaded || e.store == nil {
		return
	}

	var rec cooldownRecord
	err := storage.Load(ctx, e.store, storage.NamespaceRollback, cooldownID, &rec)
	switch {
	case err == nil:
		e.cooldown = rec.StartedAt
		e.loaded = true
	case errors.Is(err, storage.ErrNotFound):
		e.loaded = true
	default:
		// retried on the next query
		e.logger.Warn("Failed to load cooldown", zap.Error(err))
	}
}
