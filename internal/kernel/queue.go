// Package kernel implements the cooperative kernel loop: three priority task
// queues drained with bounded fairness, cycle-count maintenance triggers, a
// once-daily night cycle, and rolling loop metrics.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority selects which queue a task is enqueued into.
type Priority string

const (
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// Valid reports whether p names one of the three queues.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityBackground:
		return true
	}
	return false
}

// Task is a unit of work for the kernel loop. A task is enqueued into
// exactly one queue and executed at most once; there is no automatic retry.
type Task struct {
	ID         uuid.UUID
	Type       string
	Payload    map[string]any
	Priority   Priority
	EnqueuedAt time.Time
}

// Queue is an unbounded FIFO with many producers and a single consumer
// (the kernel loop). Pushes never block; pops are either non-blocking or
// bounded-wait so the consumer never stalls indefinitely on one queue.
type Queue struct {
	mu    sync.Mutex
	tasks []Task

	// notify carries at most one pending wakeup for a consumer parked in
	// PopWait. Coalesced: one wakeup covers any number of pushes.
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends a task. Never blocks.
func (q *Queue) Push(task Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest task, if any.
func (q *Queue) TryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopWait removes the oldest task, waiting up to wait for one to arrive.
// Returns false when the queue stayed empty or ctx was cancelled — the
// caller continues with the rest of its drain pass either way.
func (q *Queue) PopWait(ctx context.Context, wait time.Duration) (Task, bool) {
	if task, ok := q.TryPop(); ok {
		return task, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-timer.C:
			return Task{}, false
		case <-q.notify:
			if task, ok := q.TryPop(); ok {
				return task, true
			}
			// Wakeup was already consumed by a TryPop; keep waiting.
		}
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) popLocked() (Task, bool) {
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	task := q.tasks[0]
	// Reslice; let the backing array shrink when fully drained.
	q.tasks = q.tasks[1:]
	if len(q.tasks) == 0 {
		q.tasks = nil
	}
	return task, true
}
