// Package queue implements the pending task queue. Tasks are FIFO per
// target identity, and a stalled target never blocks dispatch for other
// targets.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("task queue closed")

// TaskState tracks a task through its life. The queue only ever holds
// Queued tasks; the dispatcher owns the rest of the progression.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskDispatched TaskState = "dispatched"
	TaskDelivered  TaskState = "delivered"
	TaskFailed     TaskState = "failed"
)

// Task is one unit of work addressed to a target identity.
type Task struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Source     string    `json:"source"`
	Payload    string    `json:"payload"`
	State      TaskState `json:"state"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// order is the global admission number, used to pick the oldest
	// admissible head across targets.
	order uint64
}

// Queue holds queued tasks grouped by target, each group in FIFO order.
// Safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	perTarget map[string][]Task
	order     uint64
	size      int
	closed    bool
}

// New returns an empty open queue.
func New() *Queue {
	return &Queue{perTarget: make(map[string][]Task)}
}

// Enqueue admits a task. The task's state becomes Queued and its enqueue
// time is stamped if unset.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.order++
	t.order = q.order
	t.State = TaskQueued
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.perTarget[t.Target] = append(q.perTarget[t.Target], t)
	q.size++
	return nil
}

// DequeueNext removes and returns the oldest task among the heads of all
// targets the admissible callback accepts. Within a target, tasks always
// leave in FIFO order; a target whose head is not admissible simply does
// not compete this round.
func (q *Queue) DequeueNext(admissible func(target string) bool) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		best       Task
		bestTarget string
		found      bool
	)
	for target, tasks := range q.perTarget {
		if len(tasks) == 0 {
			continue
		}
		if admissible != nil && !admissible(target) {
			continue
		}
		head := tasks[0]
		if !found || head.order < best.order {
			best = head
			bestTarget = target
			found = true
		}
	}
	if !found {
		return Task{}, false
	}

	rest := q.perTarget[bestTarget][1:]
	if len(rest) == 0 {
		delete(q.perTarget, bestTarget)
	} else {
		q.perTarget[bestTarget] = rest
	}
	q.size--
	return best, true
}

// Requeue puts a dequeued task back at the head of its target's queue,
// preserving FIFO order. It exists for admission races where a dequeued
// task loses its session slot before dispatch; the task was never
// attempted, so this is not a retry. Returns false if the queue closed in
// the meantime, in which case the caller owns the task's fate.
func (q *Queue) Requeue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	t.State = TaskQueued
	q.perTarget[t.Target] = append([]Task{t}, q.perTarget[t.Target]...)
	q.size++
	return true
}

// DrainTarget removes and returns every queued task for one target, oldest
// first. Used when a target's host is gone and its backlog must fail.
func (q *Queue) DrainTarget(target string) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := q.perTarget[target]
	if len(tasks) == 0 {
		return nil
	}
	delete(q.perTarget, target)
	q.size -= len(tasks)
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}

// Close rejects further enqueues and returns all remaining tasks in global
// admission order. Idempotent; later calls return nil.
func (q *Queue) Close() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var out []Task
	for _, tasks := range q.perTarget {
		out = append(out, tasks...)
	}
	q.perTarget = make(map[string][]Task)
	q.size = 0

	// Oldest first, regardless of target.
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Closed reports whether the queue has been closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Depth returns the total number of queued tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// DepthByTarget returns the queued count per target.
func (q *Queue) DepthByTarget() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, len(q.perTarget))
	for target, tasks := range q.perTarget {
		if len(tasks) > 0 {
			out[target] = len(tasks)
		}
	}
	return out
}
