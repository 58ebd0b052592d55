package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/metrics"
	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/storage"
)

// EventPublisher publishes lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event *model.Event) error
}

// AlertRaiser surfaces advisory signals to the operator
type AlertRaiser interface {
	Raise(ctx context.Context, alert *model.Alert) error
}

// Config holds the consensus defaults
type Config struct {
	DefaultThreshold float64        `mapstructure:"default_threshold"`
	DefaultTTL       time.Duration  `mapstructure:"default_ttl"`
	Detector         DetectorConfig `mapstructure:"byzantine"`
}

// DefaultConfig returns the consensus defaults
func DefaultConfig() Config {
	return Config{
		DefaultThreshold: 0.66,
		DefaultTTL:       5 * time.Minute,
		Detector:         DefaultDetectorConfig(),
	}
}

// Tally summarizes a proposal's votes and the advisory flags on its voters
type Tally struct {
	ProposalID    string                `json:"proposal_id"`
	Status        model.ProposalStatus  `json:"status"`
	TotalVoters   int                   `json:"total_voters"`
	PositiveVotes int                   `json:"positive_votes"`
	Ratio         float64               `json:"ratio"`
	Threshold     float64               `json:"threshold"`
	Flags         []model.ByzantineFlag `json:"flags,omitempty"`
}

type entry struct {
	mu        sync.Mutex
	proposal  *model.Proposal
	persistMu sync.Mutex
}

// Engine manages proposals and votes
type Engine struct {
	logger    *zap.Logger
	cfg       Config
	store     storage.Store
	detector  *Detector
	publisher EventPublisher
	alerts    AlertRaiser
	metrics   *metrics.Collector
	now       func() time.Time

	mu        sync.RWMutex
	proposals map[string]*entry
}

// Option configures an Engine
type Option func(*Engine)

// WithPublisher sets the event publisher
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithAlerts sets where byzantine flags are raised
func WithAlerts(a AlertRaiser) Option {
	return func(e *Engine) { e.alerts = a }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a consensus engine persisting to store
func NewEngine(logger *zap.Logger, cfg Config, store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger.Named("consensus"),
		cfg:       cfg,
		store:     store,
		detector:  NewDetector(logger, cfg.Detector),
		now:       time.Now,
		proposals: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	en, ok := e.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return en, nil
}

// Propose opens a proposal. The threshold must lie in (0,1] and the
// deadline must be in the future; zero values take the configured defaults.
func (e *Engine) Propose(ctx context.Context, p *model.Proposal) (*model.Proposal, error) {
	if p == nil {
		return nil, model.Errorf(model.ErrorKindValidation, "proposal is required")
	}

	now := e.now()
	proposal := p.Clone()
	if proposal.ID == "" {
		proposal.ID = uuid.New().String()
	}
	if proposal.RequiredThreshold == 0 {
		proposal.RequiredThreshold = e.cfg.DefaultThreshold
	}
	if proposal.RequiredThreshold <= 0 || proposal.RequiredThreshold > 1 {
		return nil, model.Errorf(model.ErrorKindValidation, "threshold %v outside (0,1]", proposal.RequiredThreshold)
	}
	if proposal.Deadline.IsZero() {
		proposal.Deadline = now.Add(e.cfg.DefaultTTL)
	}
	if !proposal.Deadline.After(now) {
		return nil, model.Errorf(model.ErrorKindValidation, "deadline %s is not in the future", proposal.Deadline.Format(time.RFC3339))
	}
	if proposal.EligibleVoters < 0 {
		return nil, model.Errorf(model.ErrorKindValidation, "eligible voters cannot be negative")
	}

	proposal.Status = model.ProposalStatusPending
	proposal.Votes = make(map[string]model.Vote)
	proposal.TotalVoters = 0
	proposal.PositiveVotes = 0
	proposal.Flags = nil
	proposal.CreatedAt = now
	proposal.ResolvedAt = nil

	en := &entry{proposal: proposal}
	e.mu.Lock()
	if _, exists := e.proposals[proposal.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProposal, proposal.ID)
	}
	e.proposals[proposal.ID] = en
	e.mu.Unlock()

	e.persist(ctx, en)
	e.publish(ctx, model.EventProposalCreated, proposal, map[string]any{
		"threshold": proposal.RequiredThreshold,
		"deadline":  proposal.Deadline,
	})
	e.logger.Info("Proposal created",
		zap.String("proposal_id", proposal.ID),
		zap.String("task_id", proposal.TaskID),
		zap.Float64("threshold", proposal.RequiredThreshold),
		zap.Time("deadline", proposal.Deadline))

	return proposal.Clone(), nil
}

// OpenForTask opens a proposal gating a consensus-strategy task with the
// default threshold and TTL
func (e *Engine) OpenForTask(ctx context.Context, task *model.Task) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"task_id":     task.ID,
		"description": task.Description,
		"payload":     task.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal proposal: %w", err)
	}

	p, err := e.Propose(ctx, &model.Proposal{
		SwarmID:  task.SwarmID,
		TaskID:   task.ID,
		Proposal: payload,
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// SubmitVote upserts agentID's vote; the last vote per agent wins. The
// proposal is achieved the moment positive/total reaches the threshold.
// Later votes on an achieved proposal still count in the tally but never
// change its status. Votes on a rejected, expired or cancelled proposal
// fail with ErrProposalClosed.
func (e *Engine) SubmitVote(ctx context.Context, proposalID, agentID string, vote bool, reason string) (*model.Proposal, error) {
	if agentID == "" {
		return nil, model.Errorf(model.ErrorKindValidation, "agent id is required")
	}
	en, err := e.lookup(proposalID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	en.mu.Lock()
	p := en.proposal
	if e.expireLocked(p, now) {
		snapshot := p.Clone()
		en.mu.Unlock()
		e.resolved(ctx, en, snapshot)
		return nil, fmt.Errorf("%w: %s expired", ErrProposalClosed, proposalID)
	}
	if p.Status.IsTerminal() && p.Status != model.ProposalStatusAchieved {
		status := p.Status
		en.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrProposalClosed, proposalID, status)
	}
	wasPending := p.Status == model.ProposalStatusPending

	p.Votes[agentID] = model.Vote{AgentID: agentID, Vote: vote, Reason: reason, Timestamp: now}
	p.TotalVoters = len(p.Votes)
	p.PositiveVotes = 0
	for _, v := range p.Votes {
		if v.Vote {
			p.PositiveVotes++
		}
	}

	flags := e.detector.Observe(agentID, proposalID, strconv.FormatBool(vote), now)
	p.Flags = append(p.Flags, flags...)

	switch {
	case !wasPending:
	case p.Ratio() >= p.RequiredThreshold:
		p.Status = model.ProposalStatusAchieved
		p.ResolvedAt = &now
	case p.EligibleVoters > 0 && p.TotalVoters >= p.EligibleVoters:
		p.Status = model.ProposalStatusRejected
		p.ResolvedAt = &now
	}
	snapshot := p.Clone()
	en.mu.Unlock()

	e.metrics.VoteAccepted()
	e.logger.Debug("Vote recorded",
		zap.String("proposal_id", proposalID),
		zap.String("agent_id", agentID),
		zap.Bool("vote", vote),
		zap.Float64("ratio", snapshot.Ratio()))

	e.publish(ctx, model.EventProposalVoted, snapshot, map[string]any{
		"agent_id": agentID,
		"vote":     vote,
		"ratio":    snapshot.Ratio(),
	})
	for _, f := range flags {
		e.raiseFlag(ctx, snapshot, f)
	}
	if wasPending && snapshot.Status.IsTerminal() {
		e.resolved(ctx, en, snapshot)
	} else {
		e.persist(ctx, en)
	}
	return snapshot, nil
}

// expireLocked moves a pending proposal past its deadline to expired
func (e *Engine) expireLocked(p *model.Proposal, now time.Time) bool {
	if p.Status != model.ProposalStatusPending || now.Before(p.Deadline) {
		return false
	}
	p.Status = model.ProposalStatusExpired
	p.ResolvedAt = &now
	return true
}

// resolved persists and announces a proposal that reached a terminal status
func (e *Engine) resolved(ctx context.Context, en *entry, p *model.Proposal) {
	e.persist(ctx, en)
	e.metrics.ProposalResolved(string(p.Status))
	e.publish(ctx, model.EventProposalResolved, p, map[string]any{
		"status":         string(p.Status),
		"ratio":          p.Ratio(),
		"total_voters":   p.TotalVoters,
		"positive_votes": p.PositiveVotes,
	})
	e.logger.Info("Proposal resolved",
		zap.String("proposal_id", p.ID),
		zap.String("status", string(p.Status)),
		zap.Int("positive_votes", p.PositiveVotes),
		zap.Int("total_voters", p.TotalVoters))
}

func (e *Engine) raiseFlag(ctx context.Context, p *model.Proposal, f model.ByzantineFlag) {
	e.metrics.ByzantineFlag(string(f.Kind))
	if e.alerts == nil {
		return
	}
	err := e.alerts.Raise(ctx, &model.Alert{
		Type:     model.AlertTypeByzantineFlag,
		Severity: model.AlertSeverityWarning,
		Message:  fmt.Sprintf("Agent %s flagged for %s on proposal %s", f.AgentID, f.Kind, p.ID),
		Data: map[string]any{
			"agent_id":    f.AgentID,
			"proposal_id": p.ID,
			"kind":        string(f.Kind),
			"score":       f.Score,
			"detail":      f.Detail,
		},
	})
	if err != nil {
		e.logger.Error("Failed to raise alert", zap.String("agent_id", f.AgentID), zap.Error(err))
	}
}

// ForgetVoter drops the detector history of an agent that left the roster
func (e *Engine) ForgetVoter(agentID string) {
	e.detector.Forget(agentID)
}

// Get returns a copy of a proposal, expiring it first if its deadline passed
func (e *Engine) Get(ctx context.Context, id string) (*model.Proposal, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.read(ctx, en), nil
}

func (e *Engine) read(ctx context.Context, en *entry) *model.Proposal {
	en.mu.Lock()
	expired := e.expireLocked(en.proposal, e.now())
	snapshot := en.proposal.Clone()
	en.mu.Unlock()

	if expired {
		e.resolved(ctx, en, snapshot)
	}
	return snapshot
}

// Status returns the current status of a proposal
func (e *Engine) Status(ctx context.Context, id string) (model.ProposalStatus, error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// Tally returns the vote counts and advisory flags of a proposal
func (e *Engine) Tally(ctx context.Context, id string) (*Tally, error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Tally{
		ProposalID:    p.ID,
		Status:        p.Status,
		TotalVoters:   p.TotalVoters,
		PositiveVotes: p.PositiveVotes,
		Ratio:         p.Ratio(),
		Threshold:     p.RequiredThreshold,
		Flags:         p.Flags,
	}, nil
}

// Cancel cancels a pending proposal
func (e *Engine) Cancel(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}

	now := e.now()
	en.mu.Lock()
	p := en.proposal
	if e.expireLocked(p, now) {
		snapshot := p.Clone()
		en.mu.Unlock()
		e.resolved(ctx, en, snapshot)
		return fmt.Errorf("%w: %s expired", ErrProposalClosed, id)
	}
	if p.Status.IsTerminal() {
		status := p.Status
		en.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrProposalClosed, id, status)
	}
	p.Status = model.ProposalStatusCancelled
	p.ResolvedAt = &now
	snapshot := p.Clone()
	en.mu.Unlock()

	e.resolved(ctx, en, snapshot)
	return nil
}

// List returns the proposals of a swarm, or all proposals when swarmID is
// empty, oldest first
func (e *Engine) List(ctx context.Context, swarmID string) []*model.Proposal {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.proposals))
	for _, en := range e.proposals {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	var out []*model.Proposal
	for _, en := range entries {
		p := e.read(ctx, en)
		if swarmID == "" || p.SwarmID == swarmID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ExpireDue expires every pending proposal past its deadline and returns
// how many were expired
func (e *Engine) ExpireDue(ctx context.Context) int {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.proposals))
	for _, en := range e.proposals {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	now := e.now()
	expired := 0
	for _, en := range entries {
		en.mu.Lock()
		ok := e.expireLocked(en.proposal, now)
		snapshot := en.proposal.Clone()
		en.mu.Unlock()

		if ok {
			expired++
			e.resolved(ctx, en, snapshot)
		}
	}
	if expired > 0 {
		e.logger.Info("Expired proposals", zap.Int("count", expired))
	}
	return expired
}

// Search returns proposals whose payload matches query
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]*model.Proposal, error) {
	if e.store == nil {
		return nil, nil
	}
	matches, err := e.store.Search(ctx, storage.NamespaceProposals, query, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Proposal, 0, len(matches))
	for _, m := range matches {
		if p, err := e.Get(ctx, m.Document.ID); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Load rebuilds the proposal table from the store. Deadlines are persisted
// timestamps, so proposals that lapsed while the process was down expire on
// first access.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	docs, err := e.store.List(ctx, storage.NamespaceProposals)
	if err != nil {
		return fmt.Errorf("failed to load proposals: %w", err)
	}

	proposals := make([]*model.Proposal, 0, len(docs))
	for _, doc := range docs {
		var p model.Proposal
		if err := json.Unmarshal(doc.Data, &p); err != nil {
			e.logger.Warn("Skipping undecodable proposal", zap.String("proposal_id", doc.ID), zap.Error(err))
			continue
		}
		if p.Votes == nil {
			p.Votes = make(map[string]model.Vote)
		}
		proposals = append(proposals, &p)
	}
	e.Restore(proposals)
	e.logger.Info("Loaded proposals", zap.Int("count", len(proposals)))
	return nil
}

// Snapshot returns copies of every proposal
func (e *Engine) Snapshot() []*model.Proposal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*model.Proposal, 0, len(e.proposals))
	for _, en := range e.proposals {
		en.mu.Lock()
		out = append(out, en.proposal.Clone())
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the proposal table in memory
func (e *Engine) Restore(proposals []*model.Proposal) {
	table := make(map[string]*entry, len(proposals))
	for _, p := range proposals {
		c := p.Clone()
		if c.Votes == nil {
			c.Votes = make(map[string]model.Vote)
		}
		table[c.ID] = &entry{proposal: c}
	}

	e.mu.Lock()
	e.proposals = table
	e.mu.Unlock()
}

// persist writes the current state of a proposal to the store
func (e *Engine) persist(ctx context.Context, en *entry) {
	if e.store == nil {
		return
	}

	en.persistMu.Lock()
	defer en.persistMu.Unlock()

	en.mu.Lock()
	p := en.proposal.Clone()
	en.mu.Unlock()

	text := string(p.Status) + " " + p.TaskID + " " + string(p.Proposal)
	if err := storage.Save(ctx, e.store, storage.NamespaceProposals, p.ID, p, text); err != nil {
		e.logger.Error("Failed to persist proposal", zap.String("proposal_id", p.ID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, p *model.Proposal, data map[string]any) {
	if e.publisher == nil {
		return
	}
	event := &model.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		SwarmID:    p.SwarmID,
		TaskID:     p.TaskID,
		ProposalID: p.ID,
		Data:       data,
		Timestamp:  e.now(),
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.String("proposal_id", p.ID),
			zap.Error(err))
	}
}
