package scheduler

import (
	"container/heap"

	"github.com/adolago/tiara/internal/model"
)

type queuedTask struct {
	task *model.Task
	seq  uint64
}

// TaskQueue is a heap of ready tasks ordered by priority, then creation
// time, then submission order
type TaskQueue struct {
	items []queuedTask
}

// Len returns the length of the queue
func (q *TaskQueue) Len() int { return len(q.items) }

// Less compares two tasks by their priority and creation time
func (q *TaskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if ra, rb := a.task.Priority.Rank(), b.task.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

// Swap swaps two tasks in the queue
func (q *TaskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

// Push adds a task to the queue; use heap.Push
func (q *TaskQueue) Push(x any) { q.items = append(q.items, x.(queuedTask)) }

// Pop removes the last element; use heap.Pop
func (q *TaskQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// Enqueue adds a task with its submission sequence number
func (q *TaskQueue) Enqueue(task *model.Task, seq uint64) {
	heap.Push(q, queuedTask{task: task, seq: seq})
}

// Dequeue removes and returns the next task to serve
func (q *TaskQueue) Dequeue() *model.Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(queuedTask).task
}

// Drain empties the queue in service order
func (q *TaskQueue) Drain() []*model.Task {
	tasks := make([]*model.Task, 0, q.Len())
	for q.Len() > 0 {
		tasks = append(tasks, q.Dequeue())
	}
	return tasks
}
