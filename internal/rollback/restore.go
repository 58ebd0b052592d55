package rollback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

// Restorer applies one restoration step from a verified snapshot
type Restorer interface {
	Restore(ctx context.Context, snap *model.Snapshot, state *model.CoordinationState) error
}

// RestorerFunc adapts a function to Restorer
type RestorerFunc func(ctx context.Context, snap *model.Snapshot, state *model.CoordinationState) error

// Restore implements Restorer
func (f RestorerFunc) Restore(ctx context.Context, snap *model.Snapshot, state *model.CoordinationState) error {
	return f(ctx, snap, state)
}

// StepResult is the outcome of one restoration step
type StepResult struct {
	Step     Step          `json:"step"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RestoreReport describes a restoration. CanContinue is false when a
// critical step failed, in which case manual intervention is required.
type RestoreReport struct {
	SnapshotID         string       `json:"snapshot_id,omitempty"`
	Strategy           string       `json:"strategy,omitempty"`
	Violations         []Violation  `json:"violations,omitempty"`
	Steps              []StepResult `json:"steps"`
	FailedSteps        []Step       `json:"failed_steps,omitempty"`
	Success            bool         `json:"success"`
	CanContinue        bool         `json:"can_continue"`
	ManualIntervention bool         `json:"manual_intervention"`
	Error              string       `json:"error,omitempty"`
	StartedAt          time.Time    `json:"started_at"`
	CompletedAt        time.Time    `json:"completed_at"`
}

func (r *RestoreReport) fail(step Step, err error) {
	r.FailedSteps = append(r.FailedSteps, step)
	r.Success = false
	if step.Critical() {
		r.CanContinue = false
		r.ManualIntervention = true
	}
	if r.Error == "" {
		r.Error = fmt.Sprintf("%s: %v", step, err)
	}
}

// Restoration runs restoration steps in StepOrder
type Restoration struct {
	logger    *zap.Logger
	restorers map[Step]Restorer
	now       func() time.Time
}

// NewRestoration creates a restoration with one restorer per step
func NewRestoration(logger *zap.Logger, restorers map[Step]Restorer) *Restoration {
	return &Restoration{
		logger:    logger.Named("restoration"),
		restorers: restorers,
		now:       time.Now,
	}
}

// Run applies the requested steps from snap in fixed order. A failed
// critical step stops the run; other failures are recorded and skipped.
func (r *Restoration) Run(ctx context.Context, snap *model.Snapshot, state *model.CoordinationState, steps []Step) *RestoreReport {
	report := &RestoreReport{
		SnapshotID:  snap.ID,
		Success:     true,
		CanContinue: true,
		StartedAt:   r.now(),
	}

	wanted := make(map[Step]bool, len(steps))
	for _, s := range steps {
		wanted[s] = true
	}

	for _, step := range StepOrder {
		if !wanted[step] {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.fail(step, err)
			break
		}

		restorer, ok := r.restorers[step]
		if !ok {
			r.logger.Debug("No restorer for step", zap.String("step", string(step)))
			continue
		}

		start := r.now()
		err := restorer.Restore(ctx, snap, state)
		res := StepResult{Step: step, Success: err == nil, Duration: r.now().Sub(start)}
		if err != nil {
			res.Error = err.Error()
		}
		report.Steps = append(report.Steps, res)

		if err == nil {
			r.logger.Info("Restored step", zap.String("step", string(step)), zap.String("snapshot_id", snap.ID))
			continue
		}

		report.fail(step, err)
		if step.Critical() {
			r.logger.Error("Critical restoration step failed",
				zap.String("step", string(step)),
				zap.String("snapshot_id", snap.ID),
				zap.Error(err))
			break
		}
		r.logger.Warn("Restoration step failed",
			zap.String("step", string(step)),
			zap.String("snapshot_id", snap.ID),
			zap.Error(err))
	}

	report.CompletedAt = r.now()
	return report
}
