package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
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

// Outcome is the way an agent's work on a task ended
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCancelled
)

// notice is a transition whose log, event and store write were deferred
type notice struct {
	from   model.AgentStatus
	reason string
	agent  *model.Agent
}

// entry serializes all mutations of one agent
type entry struct {
	mu      sync.Mutex
	agent   *model.Agent
	dirty   bool
	pending []notice

	// persistMu orders store writes of this agent without holding mu across I/O
	persistMu sync.Mutex
}

// Registry is the agent roster
type Registry struct {
	logger    *zap.Logger
	store     storage.Store
	publisher EventPublisher
	metrics   *metrics.Collector
	now       func() time.Time
	onRemove  []func(agentID string)

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Registry
type Option func(*Registry)

// WithPublisher sets the event publisher
func WithPublisher(p EventPublisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithDeregisterHook runs fn with the id of every deregistered agent
func WithDeregisterHook(fn func(agentID string)) Option {
	return func(r *Registry) { r.onRemove = append(r.onRemove, fn) }
}

// New creates a new agent registry persisting through store
func New(logger *zap.Logger, store storage.Store, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger.Named("registry"),
		store:   store,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return e, nil
}

// Register adds a new agent in the initializing status
func (r *Registry) Register(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	if agent == nil || strings.TrimSpace(agent.Name) == "" {
		return nil, model.Errorf(model.ErrorKindValidation, "agent name is required")
	}
	if rel := agent.Capabilities.Reliability; rel < 0 || rel > 1 {
		return nil, model.Errorf(model.ErrorKindValidation, "reliability %v outside [0,1]", rel)
	}
	if q := agent.Capabilities.Quality; q < 0 || q > 1 {
		return nil, model.Errorf(model.ErrorKindValidation, "quality %v outside [0,1]", q)
	}

	now := r.now()
	a := agent.Clone()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.MaxConcurrentTasks <= 0 {
		a.MaxConcurrentTasks = 1
	}
	a.Status = model.AgentStatusInitializing
	a.ActiveTasks = nil
	a.Workload = 0
	a.History = nil
	a.LastHeartbeat = now
	a.CreatedAt = now
	a.UpdatedAt = now

	e := &entry{agent: a}

	r.mu.Lock()
	if _, exists := r.entries[a.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
	}
	r.entries[a.ID] = e
	r.mu.Unlock()

	if err := r.persist(ctx, e); err != nil {
		r.mu.Lock()
		delete(r.entries, a.ID)
		r.mu.Unlock()
		return nil, err
	}

	r.logger.Info("Agent registered",
		zap.String("agent_id", a.ID),
		zap.String("name", a.Name),
		zap.Strings("capabilities", a.Capabilities.Tags))
	r.publish(ctx, model.EventAgentRegistered, a, nil)

	return a.Clone(), nil
}

// Activate moves an initializing agent to idle
func (r *Registry) Activate(ctx context.Context, id string) (*model.Agent, error) {
	return r.Transition(ctx, id, model.AgentStatusIdle, "activated")
}

// Transition changes an agent's status. Requests outside the transition
// table fail with ErrInvalidTransition and leave the status unchanged.
func (r *Registry) Transition(ctx context.Context, id string, to model.AgentStatus, reason string) (*model.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	from := e.agent.Status
	if err := r.transitionLocked(e, to, reason); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	snapshot := e.agent.Clone()
	e.mu.Unlock()

	r.afterTransition(ctx, e, snapshot, from, reason)
	return snapshot, nil
}

// transitionLocked applies a status change; the caller holds e.mu
func (r *Registry) transitionLocked(e *entry, to model.AgentStatus, reason string) error {
	from := e.agent.Status
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := r.now()
	e.agent.Status = to
	e.agent.UpdatedAt = now
	e.agent.History = append(e.agent.History, model.StatusChange{From: from, To: to, Reason: reason, At: now})
	return nil
}

func (r *Registry) afterTransition(ctx context.Context, e *entry, a *model.Agent, from model.AgentStatus, reason string) {
	r.announce(ctx, notice{from: from, reason: reason, agent: a})
	if err := r.persist(ctx, e); err != nil {
		r.logger.Error("Failed to persist agent", zap.String("agent_id", a.ID), zap.Error(err))
	}
}

func (r *Registry) announce(ctx context.Context, n notice) {
	a := n.agent
	r.metrics.AgentTransition(string(n.from), string(a.Status))
	r.logger.Info("Agent transitioned",
		zap.String("agent_id", a.ID),
		zap.String("from", string(n.from)),
		zap.String("to", string(a.Status)),
		zap.String("reason", n.reason))
	r.publish(ctx, model.EventAgentTransitioned, a, map[string]any{
		"from":   string(n.from),
		"to":     string(a.Status),
		"reason": n.reason,
	})
}

// Deregister terminates an agent and removes it from the roster and the store
func (r *Registry) Deregister(ctx context.Context, id string, reason string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	from := e.agent.Status
	if model.CanTransition(e.agent.Status, model.AgentStatusTerminating) {
		_ = r.transitionLocked(e, model.AgentStatusTerminating, reason)
	}
	if model.CanTransition(e.agent.Status, model.AgentStatusTerminated) {
		_ = r.transitionLocked(e, model.AgentStatusTerminated, reason)
	}
	if e.agent.Status != model.AgentStatusTerminated {
		status := e.agent.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, model.AgentStatusTerminated)
	}
	snapshot := e.agent.Clone()
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, storage.NamespaceAgents, id); err != nil {
		r.logger.Error("Failed to delete agent from store", zap.String("agent_id", id), zap.Error(err))
	}

	r.metrics.AgentTransition(string(from), string(model.AgentStatusTerminated))
	r.metrics.ForgetAgent(id)
	for _, fn := range r.onRemove {
		fn(id)
	}
	r.logger.Info("Agent deregistered", zap.String("agent_id", id), zap.String("reason", reason))
	r.publish(ctx, model.EventAgentDeregistered, snapshot, map[string]any{"reason": reason})
	return nil
}

// Heartbeat refreshes an agent's liveness. An agent in error or offline
// returns to idle; a reported workload in [0,1] overrides the derived one.
func (r *Registry) Heartbeat(ctx context.Context, id string, workload *float64) (*model.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	from := e.agent.Status
	e.agent.LastHeartbeat = r.now()
	e.agent.UpdatedAt = e.agent.LastHeartbeat
	if workload != nil {
		w := *workload
		if w < 0 {
			w = 0
		}
		if w > 1 {
			w = 1
		}
		e.agent.Workload = w
	}
	restored := false
	if from == model.AgentStatusError || from == model.AgentStatusOffline {
		restored = r.transitionLocked(e, model.AgentStatusIdle, "heartbeat") == nil
	}
	snapshot := e.agent.Clone()
	e.mu.Unlock()

	if restored {
		r.afterTransition(ctx, e, snapshot, from, "heartbeat")
		return snapshot, nil
	}
	if err := r.persist(ctx, e); err != nil {
		r.logger.Debug("Failed to persist heartbeat", zap.String("agent_id", id), zap.Error(err))
	}
	return snapshot, nil
}

// Reserve records a task on an agent after re-validating that it can still
// accept work. An agent whose workload reaches 1.0 becomes busy. Only memory
// changes; the store write and events wait for Flush.
func (r *Registry) Reserve(id, taskID string) (*model.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.agent
	if a.Status != model.AgentStatusIdle || a.Workload >= 1.0 {
		return nil, fmt.Errorf("%w: %s is %s with workload %.2f", ErrAgentUnavailable, id, a.Status, a.Workload)
	}
	a.ActiveTasks = append(a.ActiveTasks, taskID)
	a.RecomputeWorkload()
	a.UpdatedAt = r.now()
	if a.Workload >= 1.0 {
		r.deferTransitionLocked(e, model.AgentStatusBusy, "at capacity")
	}
	e.dirty = true
	return a.Clone(), nil
}

// Release removes a task from an agent and records the outcome. A busy
// agent whose workload drops below 1.0 becomes idle. Like Reserve it only
// changes memory until Flush.
func (r *Registry) Release(id, taskID string, outcome Outcome) (*model.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.agent
	kept := a.ActiveTasks[:0]
	for _, t := range a.ActiveTasks {
		if t != taskID {
			kept = append(kept, t)
		}
	}
	a.ActiveTasks = kept
	a.RecomputeWorkload()
	switch outcome {
	case OutcomeSuccess:
		a.SuccessCount++
	case OutcomeFailure:
		a.ErrorCount++
	}
	a.UpdatedAt = r.now()
	if a.Status == model.AgentStatusBusy && a.Workload < 1.0 {
		r.deferTransitionLocked(e, model.AgentStatusIdle, "capacity available")
	}
	e.dirty = true
	return a.Clone(), nil
}

// deferTransitionLocked applies a transition and queues its announcement
// for Flush; the caller holds e.mu
func (r *Registry) deferTransitionLocked(e *entry, to model.AgentStatus, reason string) {
	from := e.agent.Status
	if r.transitionLocked(e, to, reason) == nil {
		e.pending = append(e.pending, notice{from: from, reason: reason, agent: e.agent.Clone()})
	}
}

// Flush announces deferred transitions of the given agents and writes the
// changed ones to the store. Unknown ids are skipped.
func (r *Registry) Flush(ctx context.Context, ids ...string) {
	for _, id := range ids {
		e, err := r.lookup(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		pending, dirty := e.pending, e.dirty
		e.pending, e.dirty = nil, false
		e.mu.Unlock()

		for _, n := range pending {
			r.announce(ctx, n)
		}
		if !dirty && len(pending) == 0 {
			continue
		}
		if err := r.persist(ctx, e); err != nil {
			r.logger.Error("Failed to persist agent", zap.String("agent_id", id), zap.Error(err))
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
	}
}

// RecordMessage increments an agent's message count
func (r *Registry) RecordMessage(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.agent.MessageCount++
	e.mu.Unlock()
	return nil
}

// Get returns a copy of an agent
func (r *Registry) Get(id string) (*model.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.Clone(), nil
}

// List returns copies of every agent ordered by creation time
func (r *Registry) List() []*model.Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	agents := make([]*model.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		agents = append(agents, e.agent.Clone())
		e.mu.Unlock()
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].ID < agents[j].ID
	})
	return agents
}

// Count returns the number of agents per status
func (r *Registry) Count() map[model.AgentStatus]int {
	counts := make(map[model.AgentStatus]int)
	for _, a := range r.List() {
		counts[a.Status]++
	}
	return counts
}

// History returns the accepted transitions of an agent
func (r *Registry) History(id string) ([]model.StatusChange, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.StatusChange(nil), e.agent.History...), nil
}

// Search ranks agents in the store by similarity to the query
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]*model.Agent, error) {
	matches, err := r.store.Search(ctx, storage.NamespaceAgents, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search agents: %w", err)
	}
	agents := make([]*model.Agent, 0, len(matches))
	for _, m := range matches {
		var a model.Agent
		if err := json.Unmarshal(m.Document.Data, &a); err != nil {
			continue
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

// Load rebuilds the roster from the store. Agents stored with tasks in
// flight are settled the same way Restore settles them, and written back.
func (r *Registry) Load(ctx context.Context) error {
	docs, err := r.store.List(ctx, storage.NamespaceAgents)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	agents := make([]*model.Agent, 0, len(docs))
	for _, doc := range docs {
		var a model.Agent
		if err := json.Unmarshal(doc.Data, &a); err != nil {
			r.logger.Warn("Skipping undecodable agent", zap.String("agent_id", doc.ID), zap.Error(err))
			continue
		}
		agents = append(agents, &a)
	}
	settled := r.replace(agents, "")

	for _, e := range settled {
		if err := r.persist(ctx, e); err != nil {
			r.logger.Error("Failed to persist agent", zap.String("agent_id", e.agent.ID), zap.Error(err))
		}
	}
	r.logger.Info("Loaded agents", zap.Int("count", len(agents)), zap.Int("settled", len(settled)))
	return nil
}

// Snapshot returns copies of every agent for a checkpoint
func (r *Registry) Snapshot() []*model.Agent {
	return r.List()
}

// Restore replaces the roster with agents from a checkpoint. The audit
// history of agents already in the roster is kept and gains a restore entry.
// Tasks that were in flight are not resumed after a restore, so restored
// agents start with no active tasks and a busy agent becomes idle.
func (r *Registry) Restore(agents []*model.Agent) {
	r.replace(agents, "restored from snapshot")
	r.logger.Info("Restored agents", zap.Int("count", len(agents)))
}

// replace swaps in a new roster. A non-empty marker is appended to every
// agent's history. It returns the entries whose in-flight work was cleared.
func (r *Registry) replace(agents []*model.Agent, marker string) []*entry {
	now := r.now()

	r.mu.RLock()
	current := make(map[string]*model.Agent, len(r.entries))
	for id, e := range r.entries {
		e.mu.Lock()
		current[id] = e.agent.Clone()
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	entries := make(map[string]*entry, len(agents))
	var settled []*entry
	for _, a := range agents {
		if a == nil || a.ID == "" {
			continue
		}
		e := &entry{agent: a.Clone()}
		from := e.agent.Status
		if prev, ok := current[a.ID]; ok {
			e.agent.History = prev.History
			from = prev.Status
		}
		if marker != "" {
			e.agent.History = append(e.agent.History, model.StatusChange{From: from, To: e.agent.Status, Reason: marker, At: now})
		}
		if r.settleLocked(e) {
			settled = append(settled, e)
		}
		entries[a.ID] = e
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return settled
}

// settleLocked drops in-flight tasks from an agent that is not yet visible
// to other goroutines
func (r *Registry) settleLocked(e *entry) bool {
	a := e.agent
	if len(a.ActiveTasks) == 0 && a.Status != model.AgentStatusBusy {
		return false
	}
	a.ActiveTasks = nil
	a.RecomputeWorkload()
	if a.Status == model.AgentStatusBusy {
		_ = r.transitionLocked(e, model.AgentStatusIdle, "in-flight work reset")
	}
	return true
}

// persist writes the current state of an agent to the store
func (r *Registry) persist(ctx context.Context, e *entry) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	a := e.agent.Clone()
	e.mu.Unlock()

	text := strings.Join(append([]string{a.Name, a.Type, string(a.Status)}, a.Capabilities.Tags...), " ")
	if err := storage.Save(ctx, r.store, storage.NamespaceAgents, a.ID, a, text); err != nil {
		return fmt.Errorf("failed to persist agent %s: %w", a.ID, err)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, eventType string, a *model.Agent, data map[string]any) {
	if r.publisher == nil {
		return
	}
	event := &model.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SwarmID:   a.SwarmID,
		AgentID:   a.ID,
		Data:      data,
		Timestamp: r.now(),
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.String("agent_id", a.ID),
			zap.Error(err))
	}
}
