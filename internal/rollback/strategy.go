package rollback

import (
	"github.com/adolago/tiara/internal/model"
)

// Step is one stage of a restoration
type Step string

const (
	StepConfig        Step = "config"
	StepMemory        Step = "memory"
	StepFilesystem    Step = "filesystem"
	StepExternalState Step = "external_state"
)

// StepOrder is the fixed order in which restoration steps run
var StepOrder = []Step{StepConfig, StepMemory, StepFilesystem, StepExternalState}

// Critical reports whether a failure of the step aborts the restoration
func (s Step) Critical() bool {
	return s == StepConfig || s == StepExternalState
}

// Strategy is a recovery plan chosen when its trigger metrics are violated
type Strategy struct {
	Name     string         `mapstructure:"name" json:"name"`
	Priority int            `mapstructure:"priority" json:"priority"`
	Triggers []model.Metric `mapstructure:"triggers" json:"triggers"`
	Steps    []Step         `mapstructure:"steps" json:"steps"`
}

// Matches reports whether any of the violations concerns a trigger metric
func (s Strategy) Matches(violations []Violation) bool {
	for _, v := range violations {
		for _, m := range s.Triggers {
			if v.Metric == m {
				return true
			}
		}
	}
	return false
}

// DefaultStrategies returns the built-in recovery strategies
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:     "service-restart",
			Priority: 1,
			Triggers: []model.Metric{model.MetricCPUUsage, model.MetricMemoryUsage, model.MetricResponseTime},
			Steps:    []Step{StepMemory},
		},
		{
			Name:     "partial-rollback",
			Priority: 2,
			Triggers: []model.Metric{model.MetricErrorRate, model.MetricConsecutiveFailures},
			Steps:    []Step{StepMemory, StepExternalState},
		},
		{
			Name:     "full-rollback",
			Priority: 3,
			Triggers: []model.Metric{
				model.MetricErrorRate,
				model.MetricMemoryUsage,
				model.MetricCPUUsage,
				model.MetricResponseTime,
				model.MetricDiskSpace,
				model.MetricConsecutiveFailures,
			},
			Steps: StepOrder,
		},
	}
}

// SelectStrategy returns the lowest-priority-number strategy matching the
// violations. Ties keep the first configured.
func SelectStrategy(strategies []Strategy, violations []Violation) (Strategy, bool) {
	var (
		best  Strategy
		found bool
	)
	for _, s := range strategies {
		if !s.Matches(violations) {
			continue
		}
		if !found || s.Priority < best.Priority {
			best = s
			found = true
		}
	}
	return best, found
}
