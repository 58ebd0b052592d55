package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/events"
	"github.com/adolago/tiara/internal/model"
)

// ErrAlertNotFound is returned when an alert does not exist
var ErrAlertNotFound = errors.New("alert not found")

// Publisher publishes JSON payloads on the bus
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

const defaultMaxAlerts = 500

// AlertManager keeps recent alerts and publishes them on swarm.alert.<type>
type AlertManager struct {
	logger    *zap.Logger
	publisher Publisher
	maxAlerts int
	now       func() time.Time

	mu     sync.RWMutex
	alerts map[string]*model.Alert
}

// NewAlertManager creates an alert manager. A nil publisher keeps alerts local.
func NewAlertManager(logger *zap.Logger, publisher Publisher, maxAlerts int) *AlertManager {
	if maxAlerts <= 0 {
		maxAlerts = defaultMaxAlerts
	}
	return &AlertManager{
		logger:    logger.Named("alert-manager"),
		publisher: publisher,
		maxAlerts: maxAlerts,
		now:       time.Now,
		alerts:    make(map[string]*model.Alert),
	}
}

// Raise records and publishes an alert
func (m *AlertManager) Raise(ctx context.Context, alert *model.Alert) error {
	if alert == nil || alert.Type == "" {
		return model.Errorf(model.ErrorKindValidation, "alert type is required")
	}

	a := *alert
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Severity == "" {
		a.Severity = model.AlertSeverityWarning
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}

	m.mu.Lock()
	m.alerts[a.ID] = &a
	m.pruneLocked()
	m.mu.Unlock()

	m.logger.Info("Alert raised",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("message", a.Message))

	return m.publish(ctx, &a)
}

func (m *AlertManager) publish(ctx context.Context, a *model.Alert) error {
	if m.publisher == nil {
		return nil
	}
	if err := m.publisher.PublishJSON(ctx, events.SubjectAlert(a.Type), a); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// pruneLocked drops the oldest alerts beyond the limit, resolved ones first
func (m *AlertManager) pruneLocked() {
	excess := len(m.alerts) - m.maxAlerts
	if excess <= 0 {
		return
	}

	all := make([]*model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		ri, rj := all[i].ResolvedAt != nil, all[j].ResolvedAt != nil
		if ri != rj {
			return ri
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	for _, a := range all[:excess] {
		delete(m.alerts, a.ID)
	}
}

// Resolve marks an alert resolved
func (m *AlertManager) Resolve(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if a.ResolvedAt != nil {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	a.ResolvedAt = &now
	resolved := *a
	m.mu.Unlock()

	m.logger.Info("Alert resolved", zap.String("alert_id", id), zap.String("type", string(resolved.Type)))
	return m.publish(ctx, &resolved)
}

// Get returns an alert by id
func (m *AlertManager) Get(id string) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	c := *a
	return &c, nil
}

// Active returns the unresolved alerts, newest first
func (m *AlertManager) Active() []*model.Alert {
	return m.filter(func(a *model.Alert) bool { return a.ResolvedAt == nil }, 0)
}

// Recent returns up to limit alerts, newest first; limit <= 0 returns all
func (m *AlertManager) Recent(limit int) []*model.Alert {
	return m.filter(func(*model.Alert) bool { return true }, limit)
}

func (m *AlertManager) filter(keep func(*model.Alert) bool, limit int) []*model.Alert {
	m.mu.RLock()
	out := make([]*model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if keep(a) {
			c := *a
			out = append(out, &c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Escalate raises the severity of warnings left unresolved for longer than
// after to error and republishes them. It returns how many were escalated.
func (m *AlertManager) Escalate(ctx context.Context, after time.Duration) int {
	now := m.now()

	m.mu.Lock()
	var escalated []model.Alert
	for _, a := range m.alerts {
		if a.ResolvedAt == nil && a.Severity == model.AlertSeverityWarning && now.Sub(a.CreatedAt) > after {
			a.Severity = model.AlertSeverityError
			escalated = append(escalated, *a)
		}
	}
	m.mu.Unlock()

	for i := range escalated {
		a := &escalated[i]
		m.logger.Warn("Alert escalated",
			zap.String("alert_id", a.ID),
			zap.String("type", string(a.Type)),
			zap.String("elapsed_time", now.Sub(a.CreatedAt).String()))
		if err := m.publish(ctx, a); err != nil {
			m.logger.Error("Failed to publish escalated alert", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}
	return len(escalated)
}
