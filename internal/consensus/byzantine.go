package consensus

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

// DetectorConfig holds the thresholds of the suspicious-voter heuristics
type DetectorConfig struct {
	// Window bounds the history each heuristic looks at
	Window time.Duration `mapstructure:"window"`

	// ContradictionRatio is the share of value changes between consecutive
	// messages on one topic above which a voter is flagged
	ContradictionRatio float64 `mapstructure:"contradiction_ratio"`
	MinMessages        int     `mapstructure:"min_messages"`

	// TimingCV is the coefficient of variation of inter-message intervals
	// below which traffic is considered machine-regular
	TimingCV     float64 `mapstructure:"timing_cv"`
	MinIntervals int     `mapstructure:"min_intervals"`

	// SpamLimit is the number of messages per window above which a voter is flagged
	SpamLimit int `mapstructure:"spam_limit"`
}

// DefaultDetectorConfig returns the default heuristic thresholds
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:             time.Minute,
		ContradictionRatio: 0.8,
		MinMessages:        3,
		TimingCV:           0.05,
		MinIntervals:       5,
		SpamLimit:          30,
	}
}

type observation struct {
	topic string
	value string
	at    time.Time
}

// Detector screens voter traffic for contradiction, timing regularity and
// spam. It only reports; it never discards messages.
type Detector struct {
	logger  *zap.Logger
	cfg     DetectorConfig
	mu      sync.Mutex
	history map[string][]observation
	flagged map[string]time.Time
}

// NewDetector creates a detector
func NewDetector(logger *zap.Logger, cfg DetectorConfig) *Detector {
	return &Detector{
		logger:  logger.Named("byzantine"),
		cfg:     cfg,
		history: make(map[string][]observation),
		flagged: make(map[string]time.Time),
	}
}

// Observe records a message from agentID about topic and returns any new
// flags. A kind is raised at most once per window for the same agent.
func (d *Detector) Observe(agentID, topic, value string, at time.Time) []model.ByzantineFlag {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := at.Add(-d.cfg.Window)
	kept := d.history[agentID][:0]
	for _, o := range d.history[agentID] {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	kept = append(kept, observation{topic: topic, value: value, at: at})
	d.history[agentID] = kept

	var flags []model.ByzantineFlag
	raise := func(kind model.ByzantineKind, score float64, detail string) {
		key := agentID + "/" + string(kind)
		if last, ok := d.flagged[key]; ok && at.Sub(last) < d.cfg.Window {
			return
		}
		d.flagged[key] = at
		flags = append(flags, model.ByzantineFlag{
			AgentID:    agentID,
			Kind:       kind,
			Score:      math.Min(1, score),
			Detail:     detail,
			DetectedAt: at,
		})
		d.logger.Warn("Suspicious voter behaviour",
			zap.String("agent_id", agentID),
			zap.String("kind", string(kind)),
			zap.Float64("score", score),
			zap.String("detail", detail))
	}

	if ratio, n := contradiction(kept, topic); n >= d.cfg.MinMessages && ratio > d.cfg.ContradictionRatio {
		raise(model.ByzantineContradiction, ratio,
			fmt.Sprintf("%.0f%% of %d messages on %s changed value", ratio*100, n, topic))
	}

	if cv, n := regularity(kept); n >= d.cfg.MinIntervals && cv < d.cfg.TimingCV {
		raise(model.ByzantineTiming, 1-cv/d.cfg.TimingCV,
			fmt.Sprintf("coefficient of variation %.3f over %d intervals", cv, n))
	}

	if d.cfg.SpamLimit > 0 && len(kept) > d.cfg.SpamLimit {
		raise(model.ByzantineSpam, float64(len(kept))/float64(d.cfg.SpamLimit)-1,
			fmt.Sprintf("%d messages within %s", len(kept), d.cfg.Window))
	}

	return flags
}

// Forget drops the history of an agent
func (d *Detector) Forget(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.history, agentID)
	for _, kind := range []model.ByzantineKind{model.ByzantineContradiction, model.ByzantineTiming, model.ByzantineSpam} {
		delete(d.flagged, agentID+"/"+string(kind))
	}
}

// contradiction returns the share of consecutive messages on topic whose
// value differs from the previous one, and the message count
func contradiction(history []observation, topic string) (float64, int) {
	var values []string
	for _, o := range history {
		if o.topic == topic {
			values = append(values, o.value)
		}
	}
	if len(values) < 2 {
		return 0, len(values)
	}

	changes := 0
	for i := 1; i < len(values); i++ {
		if values[i] != values[i-1] {
			changes++
		}
	}
	return float64(changes) / float64(len(values)-1), len(values)
}

// regularity returns the coefficient of variation of inter-message
// intervals and the interval count
func regularity(history []observation) (float64, int) {
	n := len(history) - 1
	if n < 1 {
		return math.Inf(1), 0
	}

	intervals := make([]float64, n)
	var sum float64
	for i := 1; i < len(history); i++ {
		intervals[i-1] = float64(history[i].at.Sub(history[i-1].at))
		sum += intervals[i-1]
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return math.Inf(1), n
	}

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)
	return math.Sqrt(variance) / mean, n
}
