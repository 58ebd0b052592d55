package scheduler

import (
	"sort"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

// Selector picks agents for a ready task
type Selector interface {
	// Rank returns the eligible agents for task, best first
	Rank(task *model.Task, agents []*model.Agent) []Candidate
}

// Candidate is a scored eligible agent
type Candidate struct {
	Agent *model.Agent
	Score float64
}

// Weights are the coefficients of the selection score
type Weights struct {
	Capability   float64 `mapstructure:"capability"`
	Reliability  float64 `mapstructure:"reliability"`
	Availability float64 `mapstructure:"availability"`
	Quality      float64 `mapstructure:"quality"`
}

// DefaultWeights favours capability fit; workload and quality break ties
func DefaultWeights() Weights {
	return Weights{Capability: 0.4, Reliability: 0.3, Availability: 0.2, Quality: 0.1}
}

// WeightedSelector scores agents as
//
//	w.Capability·capabilityMatch + w.Reliability·successRate·reliability +
//	w.Availability·(1−workload) + w.Quality·quality
type WeightedSelector struct {
	logger         *zap.Logger
	weights        Weights
	minReliability float64
}

// NewWeightedSelector creates a selector. Agents whose declared reliability
// is below minReliability are never eligible.
func NewWeightedSelector(logger *zap.Logger, weights Weights, minReliability float64) *WeightedSelector {
	return &WeightedSelector{
		logger:         logger.Named("selector"),
		weights:        weights,
		minReliability: minReliability,
	}
}

// CapabilityMatch returns the fraction of required capabilities the agent
// declares, or 1.0 when nothing is required
func CapabilityMatch(required []string, caps model.Capabilities) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, name := range required {
		if caps.Has(name) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// Score computes an agent's selection score for a task
func (s *WeightedSelector) Score(task *model.Task, agent *model.Agent) float64 {
	return s.weights.Capability*CapabilityMatch(task.RequiredCapabilities, agent.Capabilities) +
		s.weights.Reliability*agent.SuccessRate()*agent.Capabilities.Reliability +
		s.weights.Availability*(1-agent.Workload) +
		s.weights.Quality*agent.Capabilities.Quality
}

// Eligible reports whether an agent may be considered at all
func (s *WeightedSelector) Eligible(agent *model.Agent) bool {
	if agent.Status != model.AgentStatusIdle || agent.Workload >= 1.0 {
		return false
	}
	return agent.Capabilities.Reliability >= s.minReliability
}

// Rank implements Selector. Equal scores keep the order agents were given in.
func (s *WeightedSelector) Rank(task *model.Task, agents []*model.Agent) []Candidate {
	candidates := make([]Candidate, 0, len(agents))
	for _, agent := range agents {
		if !s.Eligible(agent) {
			continue
		}
		candidates = append(candidates, Candidate{Agent: agent, Score: s.Score(task, agent)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > 0 {
		s.logger.Debug("Ranked agents",
			zap.String("task_id", task.ID),
			zap.Int("eligible", len(candidates)),
			zap.String("best_agent_id", candidates[0].Agent.ID),
			zap.Float64("score", candidates[0].Score))
	}
	return candidates
}

// Select returns the best agent for task, or model.ErrNoAgentAvailable
func (s *WeightedSelector) Select(task *model.Task, agents []*model.Agent) (*model.Agent, float64, error) {
	ranked := s.Rank(task, agents)
	if len(ranked) == 0 {
		return nil, 0, model.ErrNoAgentAvailable
	}
	return ranked[0].Agent, ranked[0].Score, nil
}
