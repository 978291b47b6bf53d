package taskmesh

import (
	"container/heap"
	"fmt"
	"sync"
)

// TaskQueue is a priority- and dependency-aware queue of work items. Tasks are
// ordered by (priority desc, insertion order asc), so equal priorities drain
// FIFO. The queue retains finished tasks so dependents can check their state
// and callers can query status; Remove and Clear discard records explicitly.
//
// All mutation of Task objects goes through the queue's lock.
type TaskQueue struct {
	mu      sync.Mutex
	pending taskHeap
	byID    map[string]*Task
	nextSeq uint64
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{byID: make(map[string]*Task)}
}

// Enqueue admits a task. Its dependency set is validated against tasks the
// queue already knows: unknown ids and cycles are creation-time errors and
// never mutate queue state.
func (q *TaskQueue) Enqueue(t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("queue: task id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[t.ID]; ok {
		return fmt.Errorf("queue: task %s already enqueued", t.ID)
	}
	if err := q.validateDependenciesLocked(t); err != nil {
		return err
	}

	q.nextSeq++
	t.seq = q.nextSeq
	q.byID[t.ID] = t
	heap.Push(&q.pending, t)
	return nil
}

// validateDependenciesLocked rejects unknown dependency ids (they could never
// reach completed, stranding the task invisibly) and cycles.
func (q *TaskQueue) validateDependenciesLocked(t *Task) error {
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("queue: task %s: %w", t.ID, ErrDependencyCycle)
		}
		if _, ok := q.byID[dep]; !ok {
			return fmt.Errorf("queue: task %s: %w: %s", t.ID, ErrUnknownDependency, dep)
		}
	}

	// DFS from the new task through known edges.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(q.byID)+1)
	var visit func(id string, deps []string) error
	visit = func(id string, deps []string) error {
		color[id] = gray
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				return fmt.Errorf("queue: task %s: %w", t.ID, ErrDependencyCycle)
			case white:
				next := q.byID[dep]
				if next == nil {
					continue
				}
				if err := visit(dep, next.Dependencies); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	return visit(t.ID, t.Dependencies)
}

// Dequeue returns the highest-priority task whose dependencies are all
// completed and removes it from the pending order. The second return is false
// when nothing is ready; callers must wait for a wake, not busy-spin.
func (q *TaskQueue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*Task
	for q.pending.Len() > 0 {
		t := heap.Pop(&q.pending).(*Task)
		if q.readyLocked(t) {
			for _, s := range skipped {
				heap.Push(&q.pending, s)
			}
			return t.snapshot(), true
		}
		skipped = append(skipped, t)
	}
	for _, s := range skipped {
		heap.Push(&q.pending, s)
	}
	return Task{}, false
}

func (q *TaskQueue) readyLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := q.byID[dep]
		if !ok || d.State != TaskCompleted {
			return false
		}
	}
	return true
}

// Peek returns the highest-priority pending task without removing it.
func (q *TaskQueue) Peek() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return Task{}, false
	}
	return q.pending[0].snapshot(), true
}

// Putback reinserts a previously dequeued task, preserving its insertion
// order so FIFO within its priority band survives a no-device putback.
func (q *TaskQueue) Putback(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	if t.State.Terminal() {
		return fmt.Errorf("queue: task %s is terminal", taskID)
	}
	heap.Push(&q.pending, t)
	return nil
}

// Hold removes a task from the pending order without touching its record, so
// a caller can set it aside while draining past it. Putback restores it with
// its original insertion order.
func (q *TaskQueue) Hold(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[taskID]; !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	q.removePendingLocked(taskID)
	return nil
}

// Get returns a snapshot of a task by id.
func (q *TaskQueue) Get(taskID string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return Task{}, fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	return t.snapshot(), nil
}

// Remove deletes a task record and drops it from the pending order.
func (q *TaskQueue) Remove(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[taskID]; !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	delete(q.byID, taskID)
	q.removePendingLocked(taskID)
	return nil
}

func (q *TaskQueue) removePendingLocked(taskID string) {
	for i, t := range q.pending {
		if t.ID == taskID {
			heap.Remove(&q.pending, i)
			return
		}
	}
}

// Count returns the number of tasks awaiting dispatch.
func (q *TaskQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Total returns the number of task records held, including finished tasks.
func (q *TaskQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Clear drops every task record.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.byID = make(map[string]*Task)
}

// Transition moves a task to a new state, validating the edge.
func (q *TaskQueue) Transition(taskID string, to TaskState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	return t.transition(to)
}

// MarkRunning transitions a task to running on the given device.
func (q *TaskQueue) MarkRunning(taskID, deviceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	if err := t.transition(TaskRunning); err != nil {
		return err
	}
	t.AssignedDevice = deviceID
	return nil
}

// Complete finalizes a task as completed.
func (q *TaskQueue) Complete(taskID string) error {
	return q.Transition(taskID, TaskCompleted)
}

// Fail finalizes a task as failed with the given reason.
func (q *TaskQueue) Fail(taskID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	if err := t.transition(TaskFailed); err != nil {
		return err
	}
	t.Error = reason
	q.removePendingLocked(taskID)
	return nil
}

// ScheduleRetry transitions running -> retrying and bumps the retry counter,
// returning the new count.
func (q *TaskQueue) ScheduleRetry(taskID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return 0, fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	if err := t.transition(TaskRetrying); err != nil {
		return 0, err
	}
	t.RetryCount++
	t.AssignedDevice = ""
	return t.RetryCount, nil
}

// RequeueRetry transitions retrying -> scheduled once the backoff has elapsed
// and puts the task back in dispatch order.
func (q *TaskQueue) RequeueRetry(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	if err := t.transition(TaskScheduled); err != nil {
		return err
	}
	heap.Push(&q.pending, t)
	return nil
}

// UpdateProgress records subtask completion for a task.
func (q *TaskQueue) UpdateProgress(taskID string, completed int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("queue: %w: %s", ErrTaskNotFound, taskID)
	}
	t.UpdateProgress(completed)
	return nil
}

// taskHeap orders tasks by priority (desc) then insertion order (asc).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
