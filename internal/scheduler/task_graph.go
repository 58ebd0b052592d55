package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

// TaskGraph holds tasks and their dependency edges
type TaskGraph struct {
	logger *zap.Logger
	mu     sync.RWMutex
	tasks  map[string]*model.Task // Map of task ID to task
	graph  map[string][]string    // Adjacency list: task ID to the IDs it depends on
	seq    map[string]uint64      // Submission order, for stable FIFO
	next   uint64
}

// NewTaskGraph creates an empty task graph
func NewTaskGraph(logger *zap.Logger) *TaskGraph {
	return &TaskGraph{
		logger: logger.Named("task-graph"),
		tasks:  make(map[string]*model.Task),
		graph:  make(map[string][]string),
		seq:    make(map[string]uint64),
	}
}

// Add inserts a task, rejecting duplicates and dependency cycles.
// Dependencies on tasks not yet in the graph are allowed; the task stays
// blocked until they are added and completed.
func (g *TaskGraph) Add(task *model.Task) error {
	return g.AddBatch([]*model.Task{task})
}

// AddBatch inserts several tasks atomically: either all are added or none
func (g *TaskGraph) AddBatch(tasks []*model.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		if _, exists := g.tasks[task.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		if _, exists := pending[task.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		pending[task.ID] = task.Dependencies
	}

	edges := func(id string) []string {
		if deps, ok := pending[id]; ok {
			return deps
		}
		return g.graph[id]
	}

	roots := make([]string, 0, len(tasks))
	for _, task := range tasks {
		roots = append(roots, task.ID)
	}
	if path := findCycle(roots, edges); path != nil {
		g.logger.Warn("Rejected task with dependency cycle", zap.Strings("path", path))
		return &model.CycleError{Path: path}
	}

	for _, task := range tasks {
		g.tasks[task.ID] = task.Clone()
		g.graph[task.ID] = append([]string(nil), task.Dependencies...)
		g.next++
		g.seq[task.ID] = g.next
	}
	return nil
}

// findCycle runs a depth-first search from roots and returns the first
// cycle found as a path that starts and ends at the same task
func findCycle(roots []string, edges func(string) []string) []string {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(current string) bool {
		visited[current] = true
		onPath[current] = true
		path = append(path, current)

		for _, dep := range edges(current) {
			if onPath[dep] {
				for i, id := range path {
					if id == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						break
					}
				}
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}

		onPath[current] = false
		path = path[:len(path)-1]
		return false
	}

	for _, root := range roots {
		if !visited[root] && visit(root) {
			return cycle
		}
	}
	return nil
}

// Get returns a copy of a task
func (g *TaskGraph) Get(id string) (*model.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// Update applies fn to a task under the graph lock and returns the result.
// Dependencies cannot be changed through Update.
func (g *TaskGraph) Update(id string, fn func(task *model.Task) error) (*model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	working := task.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Dependencies = task.Dependencies
	g.tasks[id] = working
	return working.Clone(), nil
}

// IsReady reports whether every dependency of the task is completed
func (g *TaskGraph) IsReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.tasks[id]
	return ok && g.depsCompleted(task)
}

func (g *TaskGraph) depsCompleted(task *model.Task) bool {
	for _, depID := range task.Dependencies {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != model.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Ready returns the pending tasks whose dependencies are completed and whose
// retry backoff has elapsed, in service order
func (g *TaskGraph) Ready(now time.Time) []*model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	queue := &TaskQueue{}
	for id, task := range g.tasks {
		if task.Status != model.TaskStatusPending {
			continue
		}
		if task.NextAttemptAt.After(now) {
			continue
		}
		if g.depsCompleted(task) {
			queue.Enqueue(task.Clone(), g.seq[id])
		}
	}
	return queue.Drain()
}

// Blocked returns the pending tasks waiting on unfinished dependencies
func (g *TaskGraph) Blocked() []*model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var blocked []*model.Task
	for _, task := range g.tasks {
		if task.Status == model.TaskStatusPending && !g.depsCompleted(task) {
			blocked = append(blocked, task.Clone())
		}
	}
	g.sortBySeq(blocked)
	return blocked
}

// Dependents returns the IDs of tasks that depend on id
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for taskID, deps := range g.graph {
		for _, dep := range deps {
			if dep == id {
				ids = append(ids, taskID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return g.seq[ids[i]] < g.seq[ids[j]] })
	return ids
}

// TopologicalOrder returns every task ID with dependencies before their
// dependents, using depth-first post-order. Unknown dependencies are skipped.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.seq[ids[i]] < g.seq[ids[j]] })

	if path := findCycle(ids, func(id string) []string { return g.graph[id] }); path != nil {
		return nil, &model.CycleError{Path: path}
	}

	visited := make(map[string]bool, len(ids))
	order := make([]string, 0, len(ids))
	var visit func(string)
	visit = func(id string) {
		visited[id] = true
		for _, dep := range g.graph[id] {
			if _, known := g.tasks[dep]; known && !visited[dep] {
				visit(dep)
			}
		}
		order = append(order, id)
	}
	for _, id := range ids {
		if !visited[id] {
			visit(id)
		}
	}
	return order, nil
}

// List returns copies of the tasks matching filters, in submission order
func (g *TaskGraph) List(filters TaskFilters) []*model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var tasks []*model.Task
	for _, task := range g.tasks {
		if filters.matches(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	g.sortBySeq(tasks)

	if filters.Offset > 0 {
		if filters.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[filters.Offset:]
	}
	if filters.Limit > 0 && len(tasks) > filters.Limit {
		tasks = tasks[:filters.Limit]
	}
	return tasks
}

func (g *TaskGraph) sortBySeq(tasks []*model.Task) {
	sort.Slice(tasks, func(i, j int) bool { return g.seq[tasks[i].ID] < g.seq[tasks[j].ID] })
}

// Remove deletes a task from the graph
func (g *TaskGraph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.tasks, id)
	delete(g.graph, id)
	delete(g.seq, id)
}

// Len returns the number of tasks in the graph
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Snapshot returns copies of every task in submission order
func (g *TaskGraph) Snapshot() []*model.Task {
	return g.List(TaskFilters{})
}

// Restore replaces the graph with the given tasks, keeping their order
func (g *TaskGraph) Restore(tasks []*model.Task) error {
	restored := &TaskGraph{
		logger: g.logger,
		tasks:  make(map[string]*model.Task, len(tasks)),
		graph:  make(map[string][]string, len(tasks)),
		seq:    make(map[string]uint64, len(tasks)),
	}
	if err := restored.AddBatch(tasks); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = restored.tasks
	g.graph = restored.graph
	g.seq = restored.seq
	g.next = restored.next
	return nil
}

// TaskFilters defines the filters for listing tasks
type TaskFilters struct {
	SwarmID  string
	Status   []model.TaskStatus
	Priority []model.TaskPriority
	Limit    int
	Offset   int
}

func (f TaskFilters) matches(task *model.Task) bool {
	if f.SwarmID != "" && task.SwarmID != f.SwarmID {
		return false
	}

	if len(f.Status) > 0 {
		statusMatch := false
		for _, status := range f.Status {
			if task.Status == status {
				statusMatch = true
				break
			}
		}
		if !statusMatch {
			return false
		}
	}

	if len(f.Priority) > 0 {
		priorityMatch := false
		for _, priority := range f.Priority {
			if task.Priority == priority {
				priorityMatch = true
				break
			}
		}
		if !priorityMatch {
			return false
		}
	}

	return true
}
